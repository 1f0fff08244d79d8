package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected(mode Mode)
	OnDisconnected(mode Mode, err error)
}

// ConnectionManager owns at most one connection per Mode. Connections are
// dialed on first use and kept until Close.
type ConnectionManager struct {
	url            string
	dialer         Dialer
	connectionName string
	heartbeat      time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	conns   map[Mode]Connection
	dialing map[Mode]*dialCall
	closed  bool

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

type dialCall struct {
	done chan struct{}
	conn Connection
	err  error
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the function used to open connections.
func WithDialer(dialer Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialer = dialer
	}
}

// WithConnectionName sets the connection_name client property shown in the
// broker's management UI. The mode is appended.
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectionName = name
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// NewConnectionManager creates a manager for url. No connection is opened
// until the first GetConnection.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:       url,
		dialer:    DialAMQP,
		heartbeat: 10 * time.Second,
		logger:    slog.Default(),
		conns:     make(map[Mode]Connection),
		dialing:   make(map[Mode]*dialCall),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// GetConnection returns the connection for mode, dialing it on first use.
// Concurrent first callers share one dial. A failed dial is not remembered,
// so the next call dials again.
func (cm *ConnectionManager) GetConnection(ctx context.Context, mode Mode) (Connection, error) {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil, ErrManagerClosed
	}

	if conn, ok := cm.conns[mode]; ok {
		cm.mu.Unlock()
		if conn.IsClosed() {
			return nil, cm.newError("get connection", mode, ErrConnectionClosed)
		}
		return conn, nil
	}

	call, inflight := cm.dialing[mode]
	if !inflight {
		call = &dialCall{done: make(chan struct{})}
		cm.dialing[mode] = call
		go cm.dial(mode, call)
	}
	cm.mu.Unlock()

	select {
	case <-call.done:
		return call.conn, call.err
	case <-ctx.Done():
		return nil, cm.newError("connect", mode, ctx.Err())
	}
}

// Channel opens a new channel on the connection for mode.
func (cm *ConnectionManager) Channel(ctx context.Context, mode Mode) (Channel, error) {
	conn, err := cm.GetConnection(ctx, mode)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		if conn.IsClosed() {
			return nil, cm.newError("open channel", mode, ErrConnectionClosed)
		}
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: mode.String(),
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}
	return ch, nil
}

// Connected reports whether mode has a live connection without dialing.
func (cm *ConnectionManager) Connected(mode Mode) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, ok := cm.conns[mode]
	return ok && !conn.IsClosed()
}

// Close closes every connection. Later calls to GetConnection fail with
// ErrManagerClosed. Closing twice is a no-op.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return nil
	}
	cm.closed = true
	conns := cm.conns
	cm.conns = make(map[Mode]Connection)
	cm.mu.Unlock()

	var errs []error
	for mode, conn := range conns {
		if conn.IsClosed() {
			continue
		}
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, cm.newError("close", mode, err))
		}
	}

	cm.logger.Info("connection manager closed", "connections", len(conns))
	return errors.Join(errs...)
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) dial(mode Mode, call *dialCall) {
	defer close(call.done)

	conn, err := cm.dialer(cm.url, cm.amqpConfig(mode))

	cm.mu.Lock()
	delete(cm.dialing, mode)
	switch {
	case err != nil:
		cm.mu.Unlock()
		call.err = cm.newError("connect", mode, classifyDialError(err))
		cm.logger.Error("failed to connect to RabbitMQ",
			"url", SanitizeURL(cm.url),
			"mode", mode.String(),
			"error", err)
		return
	case cm.closed:
		cm.mu.Unlock()
		_ = conn.Close()
		call.err = ErrManagerClosed
		return
	}
	cm.conns[mode] = conn
	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	cm.mu.Unlock()

	call.conn = conn
	cm.logger.Info("connected to RabbitMQ",
		"url", SanitizeURL(cm.url),
		"mode", mode.String())
	cm.notifyConnected(mode)

	go cm.watch(mode, closes)
}

// watch reports the end of a connection. There is no reconnection.
func (cm *ConnectionManager) watch(mode Mode, closes <-chan *amqp.Error) {
	amqpErr, ok := <-closes

	var err error
	if ok && amqpErr != nil {
		err = amqpErr
		cm.logger.Error("connection closed by broker",
			"mode", mode.String(),
			"error", amqpErr)
	}
	cm.notifyDisconnected(mode, err)
}

func (cm *ConnectionManager) amqpConfig(mode Mode) amqp.Config {
	props := amqp.NewConnectionProperties()
	if cm.connectionName != "" {
		props.SetClientConnectionName(cm.connectionName + "-" + mode.String())
	}
	return amqp.Config{
		Heartbeat:  cm.heartbeat,
		Locale:     "en_US",
		Properties: props,
	}
}

func (cm *ConnectionManager) newError(op string, mode Mode, err error) *ConnectionError {
	return &ConnectionError{
		Op:        op,
		Mode:      mode,
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
	}
}

func (cm *ConnectionManager) notifyConnected(mode Mode) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnConnected(mode)
	}
}

func (cm *ConnectionManager) notifyDisconnected(mode Mode, err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		listener.OnDisconnected(mode, err)
	}
}
