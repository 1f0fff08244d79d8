package viewer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/satmesh-go/contracts"
)

// State is the lifecycle stage of a Session.
type State int

const (
	StateConnecting State = iota
	StateStreaming
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrEmptyEntityID is returned when a session is started without an entity.
var ErrEmptyEntityID = errors.New("viewer: entity id is required")

// ListenerPublisher announces listener lifecycle events.
// *messaging.TopicPublisher satisfies it.
type ListenerPublisher interface {
	Publish(ctx context.Context, routingKey string, body any, opts ...contracts.EnvelopeOption) error
}

// Stream is a live subscription to one entity's state updates.
type Stream interface {
	// Updates yields state bodies. It is closed when the stream ends.
	Updates() <-chan json.RawMessage
	// Err reports why the stream ended, once Updates is closed.
	Err() error
	Close() error
}

// StateSource opens state streams. Open returns once the subscription is
// live, so no update published afterwards is missed.
type StateSource interface {
	Open(ctx context.Context, entityID string) (Stream, error)
}

const (
	defaultHeartbeat       = 5 * time.Second
	defaultAnnounceTimeout = 5 * time.Second
	listenerOwner          = "viewer"
)

// Session streams one entity's state to one viewer connection.
type Session struct {
	entityID  string
	group     string
	conn      Conn
	hub       *Hub
	source    StateSource
	publisher ListenerPublisher

	heartbeat       time.Duration
	announceTimeout time.Duration
	logger          *slog.Logger
	observe         func(State)

	mu    sync.Mutex
	state State
}

// SessionOption configures a Session
type SessionOption func(*Session)

// WithGroup tags the viewer with a group in the hub
func WithGroup(group string) SessionOption {
	return func(s *Session) {
		s.group = group
	}
}

// WithHeartbeat sets how long to wait for an update before pushing {}
func WithHeartbeat(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithAnnounceTimeout bounds the listener create/destroy publishes
func WithAnnounceTimeout(d time.Duration) SessionOption {
	return func(s *Session) {
		if d > 0 {
			s.announceTimeout = d
		}
	}
}

// WithSessionLogger sets the logger
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithStateObserver is called on every state transition.
func WithStateObserver(fn func(State)) SessionOption {
	return func(s *Session) {
		s.observe = fn
	}
}

// NewSession prepares a session for entityID on conn.
func NewSession(entityID string, conn Conn, hub *Hub, source StateSource, publisher ListenerPublisher, options ...SessionOption) *Session {
	s := &Session{
		entityID:        entityID,
		conn:            conn,
		hub:             hub,
		source:          source,
		publisher:       publisher,
		heartbeat:       defaultHeartbeat,
		announceTimeout: defaultAnnounceTimeout,
		logger:          slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// State returns the current lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	s.logger.Debug("viewer session state changed",
		"entityId", s.entityID,
		"group", s.group,
		"state", state.String())
	if s.observe != nil {
		s.observe(state)
	}
}

// Run registers the connection, streams state until ctx is done or the
// stream or connection fails, and then tears everything down. Once streaming
// has been announced, the destroy announcement is published on every exit
// path. Cancellation of ctx is a normal exit and returns nil.
func (s *Session) Run(ctx context.Context) (err error) {
	if s.entityID == "" {
		return ErrEmptyEntityID
	}

	s.setState(StateConnecting)
	s.hub.Connect(s.conn, s.group)
	defer func() {
		s.hub.Disconnect(s.conn)
		_ = s.conn.Close()
		s.setState(StateClosed)
	}()

	stream, err := s.source.Open(ctx, s.entityID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to open state stream for %s: %w", s.entityID, err)
	}
	defer func() {
		if closeErr := stream.Close(); closeErr != nil {
			s.logger.Warn("failed to close state stream", "entityId", s.entityID, "error", closeErr)
		}
	}()

	if err := s.announce(ctx, contracts.RoutingListenerCreate); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	s.setState(StateStreaming)
	defer func() {
		s.setState(StateDisconnecting)
		if destroyErr := s.announce(context.WithoutCancel(ctx), contracts.RoutingListenerDestroy); destroyErr != nil {
			s.logger.Error("failed to announce listener destroy",
				"entityId", s.entityID,
				"error", destroyErr)
			if err == nil {
				err = destroyErr
			}
		}
	}()

	return s.stream(ctx, stream)
}

func (s *Session) stream(ctx context.Context, stream Stream) error {
	heartbeat := time.NewTimer(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case body, ok := <-stream.Updates():
			if !ok {
				if err := stream.Err(); err != nil && ctx.Err() == nil {
					return fmt.Errorf("state stream for %s ended: %w", s.entityID, err)
				}
				return nil
			}
			if err := s.hub.SendPersonal(body, s.conn); err != nil {
				return fmt.Errorf("failed to push state to viewer: %w", err)
			}
		case <-heartbeat.C:
			if err := s.hub.SendPersonal(struct{}{}, s.conn); err != nil {
				return fmt.Errorf("failed to push heartbeat to viewer: %w", err)
			}
		}

		if !heartbeat.Stop() {
			select {
			case <-heartbeat.C:
			default:
			}
		}
		heartbeat.Reset(s.heartbeat)
	}
}

func (s *Session) announce(ctx context.Context, routingKey string) error {
	ctx, cancel := context.WithTimeout(ctx, s.announceTimeout)
	defer cancel()

	event := contracts.ListenerEvent{SatelliteID: s.entityID}
	if err := s.publisher.Publish(ctx, routingKey, event, contracts.WithRequestOwner(listenerOwner)); err != nil {
		return fmt.Errorf("failed to publish %s for %s: %w", routingKey, s.entityID, err)
	}
	return nil
}
