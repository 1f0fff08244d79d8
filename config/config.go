// Package config loads satmesh settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"gopkg.in/yaml.v3"

	"github.com/glimte/satmesh-go/internal/rabbitmq"
	"github.com/glimte/satmesh-go/messaging"
)

// Config is the full process configuration.
type Config struct {
	Broker    BrokerConfig      `yaml:"broker"`
	Exchanges ExchangeConfig    `yaml:"exchanges"`
	Queues    QueueConfig       `yaml:"queues"`
	Consumer  ConsumerConfig    `yaml:"consumer"`
	Relay     RelayConfig       `yaml:"relay"`
	Log       LogConfig         `yaml:"log"`
	Topology  rabbitmq.Topology `yaml:"topology"`
}

// BrokerConfig holds the broker connection parameters.
type BrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
	// Blocking puts publishers on the dedicated blocking connection. When
	// false they share the consumers' non-blocking connection.
	Blocking       bool          `yaml:"blocking"`
	ConnectionName string        `yaml:"connection_name"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	DialAttempts   int           `yaml:"dial_attempts"`
	DialBackoff    time.Duration `yaml:"dial_backoff"`
}

// ExchangeConfig names the shared exchanges.
type ExchangeConfig struct {
	Direct     string `yaml:"direct"`
	Topic      string `yaml:"topic"`
	DeadLetter string `yaml:"dead_letter"`
}

// QueueConfig names the queue of each service role.
type QueueConfig struct {
	ImageManagement     string `yaml:"image_management"`
	SatelliteActivities string `yaml:"satellite_activities"`
	Scheduler           string `yaml:"scheduler"`
	GroundStation       string `yaml:"ground_station"`
	Login               string `yaml:"login"`
	Relay               string `yaml:"relay"`
}

// ConsumerConfig tunes point-to-point consumers.
type ConsumerConfig struct {
	Prefetch        int    `yaml:"prefetch"`
	MaxRedeliveries int    `yaml:"max_redeliveries"`
	AckMode         string `yaml:"ack_mode"`
}

// RelayConfig configures the live-viewer relay.
type RelayConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxViewers      int           `yaml:"max_viewers"`
	ConnectRate     int           `yaml:"connect_rate"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:         "localhost",
			Port:         5672,
			User:         "guest",
			Password:     "guest",
			VHost:        "/",
			Blocking:     true,
			Heartbeat:    10 * time.Second,
			DialAttempts: 5,
			DialBackoff:  time.Second,
		},
		Exchanges: ExchangeConfig{
			Direct:     messaging.DefaultExchange,
			Topic:      messaging.DefaultTopicExchange,
			DeadLetter: "satmesh.dlx",
		},
		Queues: QueueConfig{
			ImageManagement:     "IMAGE_MANAGEMENT",
			SatelliteActivities: "SATELLITE_ACTIVITIES",
			Scheduler:           "SCHEDULER",
			GroundStation:       "GROUND_STATION",
			Login:               "LOGIN",
			Relay:               "RELAY",
		},
		Consumer: ConsumerConfig{
			Prefetch:        1,
			MaxRedeliveries: 3,
			AckMode:         "on-success",
		},
		Relay: RelayConfig{
			ListenAddr:      ":8080",
			Heartbeat:       5 * time.Second,
			WriteTimeout:    10 * time.Second,
			ConnectRate:     60,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty or missing path yields the defaults plus
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"RABBITMQ_HOST":                 &c.Broker.Host,
		"RABBITMQ_USER":                 &c.Broker.User,
		"RABBITMQ_PASSWORD":             &c.Broker.Password,
		"RABBITMQ_VHOST":                &c.Broker.VHost,
		"RABBITMQ_EXCHANGE":             &c.Exchanges.Direct,
		"RABBITMQ_TOPIC_EXCHANGE":       &c.Exchanges.Topic,
		"RABBITMQ_DEAD_LETTER_EXCHANGE": &c.Exchanges.DeadLetter,
		"IMAGE_MANAGEMENT_QUEUE":        &c.Queues.ImageManagement,
		"SATELLITE_ACTIVITIES_QUEUE":    &c.Queues.SatelliteActivities,
		"SCHEDULER_QUEUE":               &c.Queues.Scheduler,
		"GROUND_STATION_QUEUE":          &c.Queues.GroundStation,
		"LOGIN_QUEUE":                   &c.Queues.Login,
		"RELAY_QUEUE":                   &c.Queues.Relay,
		"SATMESH_LISTEN_ADDR":           &c.Relay.ListenAddr,
		"SATMESH_LOG_LEVEL":             &c.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	if v, ok := lookup("RABBITMQ_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RABBITMQ_PORT: %w", err)
		}
		c.Broker.Port = port
	}
	if v, ok := lookup("RABBITMQ_BLOCKING"); ok {
		blocking, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RABBITMQ_BLOCKING: %w", err)
		}
		c.Broker.Blocking = blocking
	}
	return nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker.host cannot be empty")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port must be between 1 and 65535, got %d", c.Broker.Port)
	}
	if c.Exchanges.Direct == "" {
		return fmt.Errorf("exchanges.direct cannot be empty")
	}
	if c.Exchanges.Topic == "" {
		return fmt.Errorf("exchanges.topic cannot be empty")
	}
	if c.Consumer.Prefetch < 1 {
		return fmt.Errorf("consumer.prefetch must be at least 1")
	}
	if c.Consumer.MaxRedeliveries < 0 {
		return fmt.Errorf("consumer.max_redeliveries cannot be negative")
	}
	if _, err := c.AckMode(); err != nil {
		return err
	}
	if c.Broker.DialAttempts < 1 {
		return fmt.Errorf("broker.dial_attempts must be at least 1")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json")
	}
	return nil
}

// AMQPURL builds the broker URI from the connection parameters.
func (c *Config) AMQPURL() string {
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     c.Broker.Host,
		Port:     c.Broker.Port,
		Username: c.Broker.User,
		Password: c.Broker.Password,
		Vhost:    c.Broker.VHost,
	}
	return uri.String()
}

// AckMode parses consumer.ack_mode.
func (c *Config) AckMode() (messaging.AckMode, error) {
	switch strings.ToLower(c.Consumer.AckMode) {
	case "", "on-success":
		return messaging.AckOnSuccess, nil
	case "auto":
		return messaging.AckAuto, nil
	default:
		return 0, fmt.Errorf("consumer.ack_mode must be on-success or auto, got %q", c.Consumer.AckMode)
	}
}

// PublisherMode is the connection mode publishers use.
func (c *Config) PublisherMode() rabbitmq.Mode {
	if c.Broker.Blocking {
		return rabbitmq.ModeBlocking
	}
	return rabbitmq.ModeNonBlocking
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Logger builds the process logger.
func (c *Config) Logger() *slog.Logger {
	level, _ := c.LogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Roles lists the configured role queues in declaration order.
func (q QueueConfig) Roles() []string {
	return []string{q.ImageManagement, q.SatelliteActivities, q.Scheduler, q.GroundStation, q.Login, q.Relay}
}

// FabricTopology is the shared exchanges plus every role queue bound to the
// direct exchange under its own name, followed by the extra topology.
func (c *Config) FabricTopology() rabbitmq.Topology {
	t := rabbitmq.Topology{
		Exchanges: []rabbitmq.ExchangeDeclaration{
			{Name: c.Exchanges.Direct, Kind: rabbitmq.ExchangeDirect},
			{Name: c.Exchanges.Topic, Kind: rabbitmq.ExchangeTopic},
		},
	}
	for _, queue := range c.Queues.Roles() {
		t.Queues = append(t.Queues, rabbitmq.QueueDeclaration{Name: queue, Durable: true})
		t.Bindings = append(t.Bindings, rabbitmq.Binding{Exchange: c.Exchanges.Direct, Queue: queue, RoutingKey: queue})
	}

	t.Exchanges = append(t.Exchanges, c.Topology.Exchanges...)
	t.Queues = append(t.Queues, c.Topology.Queues...)
	t.Bindings = append(t.Bindings, c.Topology.Bindings...)
	return t
}
