// Package relay serves live viewers over WebSocket and fans relay-queue
// broadcasts out to them.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"golang.org/x/sync/errgroup"

	satmesh "github.com/glimte/satmesh-go"
	"github.com/glimte/satmesh-go/config"
	"github.com/glimte/satmesh-go/contracts"
	"github.com/glimte/satmesh-go/health"
	"github.com/glimte/satmesh-go/interceptors"
	"github.com/glimte/satmesh-go/messaging"
	"github.com/glimte/satmesh-go/metrics"
	"github.com/glimte/satmesh-go/serialization"
	"github.com/glimte/satmesh-go/viewer"
)

const healthTimeout = 5 * time.Second

// Server is the live-viewer relay: the WebSocket endpoint, the relay-queue
// consumer, the listener tracker and the operational endpoints.
type Server struct {
	cfg        config.RelayConfig
	relayQueue string
	logger     *slog.Logger

	hub      *viewer.Hub
	viewers  *viewer.Handler
	tracker  *viewer.ListenerTracker
	consumer *messaging.Consumer
	health   *health.Registry
	metrics  *metrics.Collector

	mu       sync.Mutex
	closed   bool
	sessions sync.WaitGroup
}

// Option configures the Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithConfig sets the relay settings
func WithConfig(cfg config.RelayConfig) Option {
	return func(s *Server) {
		s.cfg = cfg
	}
}

// WithRelayQueue sets the queue whose messages are broadcast to viewers
func WithRelayQueue(queue string) Option {
	return func(s *Server) {
		s.relayQueue = queue
	}
}

// New builds a relay on client. collector should be the one the client was
// created with.
func New(client *satmesh.Client, collector *metrics.Collector, options ...Option) (*Server, error) {
	defaults := config.Default()
	s := &Server{
		cfg:        defaults.Relay,
		relayQueue: defaults.Queues.Relay,
		logger:     slog.Default(),
		metrics:    collector,
		health:     health.NewRegistry(),
	}

	for _, opt := range options {
		opt(s)
	}

	s.hub = viewer.NewHub(viewer.WithHubLogger(s.logger), viewer.WithHubMetrics(collector))
	s.viewers = viewer.NewHandler(s.hub, client.NewStateSource(), client.TopicPublisher(),
		viewer.WithHandlerLogger(s.logger),
		viewer.WithWriteTimeout(s.cfg.WriteTimeout),
		viewer.WithSessionOptions(viewer.WithHeartbeat(s.cfg.Heartbeat)))

	tracker, err := client.NewListenerTracker(viewer.OnWatchChange(collector.WatchChanged))
	if err != nil {
		return nil, fmt.Errorf("failed to create listener tracker: %w", err)
	}
	s.tracker = tracker

	registry := serialization.DefaultRegistry()
	if err := registry.Register(s.relayQueue, &contracts.RelayBroadcast{}); err != nil {
		return nil, fmt.Errorf("failed to register relay payload: %w", err)
	}
	s.consumer = client.NewConsumer(messaging.WithRegistry(registry))

	client.RegisterHealth(s.health)
	s.health.Register(health.NewViewerChecker(s.hub, s.cfg.MaxViewers))
	s.health.Register(health.NewGoroutineChecker(10000, 50000))

	return s, nil
}

// Hub returns the viewer registry.
func (s *Server) Hub() *viewer.Hub {
	return s.hub
}

// Ready is closed once the listener tracker is receiving events.
func (s *Server) Ready() <-chan struct{} {
	return s.tracker.Ready()
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", health.NewHandler(s.health, healthTimeout).ServeHTTP)
	r.Get("/readyz", health.ReadinessHandler(s.health, healthTimeout))
	r.Get("/livez", health.LivenessHandler())
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/satellites/watched", s.watched)

	r.Group(func(r chi.Router) {
		if s.cfg.ConnectRate > 0 {
			r.Use(httprate.LimitByIP(s.cfg.ConnectRate, time.Minute))
		}
		r.Get("/ws/satellites/{id}", s.serveViewer)
	})
	return r
}

func (s *Server) serveViewer(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()
	defer s.sessions.Done()
	s.viewers.ServeHTTP(w, r)
}

func (s *Server) watched(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"satellites": s.tracker.Entities(),
		"viewers":    s.hub.Count(),
	})
}

// Run serves on ln and consumes until ctx is cancelled or a component fails.
// Viewer sessions end with ctx and Run waits for their destroy announcements.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error {
		s.logger.Info("relay listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return ignoreCanceled(s.tracker.Run(ctx))
	})
	g.Go(func() error {
		handler := interceptors.NewChain(
			interceptors.NewLoggingInterceptor(s.logger),
			interceptors.NewTimeoutInterceptor(s.cfg.WriteTimeout),
		).Then(messaging.MessageHandlerFunc(s.broadcast))
		return ignoreCanceled(s.consumer.Consume(ctx, s.relayQueue, handler))
	})

	err := g.Wait()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.sessions.Wait()
	return err
}

func (s *Server) broadcast(ctx context.Context, msg *messaging.Message) error {
	req, ok := msg.Payload.(*contracts.RelayBroadcast)
	if !ok {
		return fmt.Errorf("unexpected relay payload %T", msg.Payload)
	}

	var result viewer.BroadcastResult
	if req.Group == "" {
		result = s.hub.Broadcast(req.Message)
	} else {
		result = s.hub.BroadcastGroup(req.Group, req.Message)
	}

	s.logger.Debug("relayed broadcast",
		"group", req.Group,
		"correlationId", msg.CorrelationID(),
		"delivered", result.Delivered,
		"failed", result.Failed)
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
