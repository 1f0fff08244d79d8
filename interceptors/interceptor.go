package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/satmesh-go/messaging"
)

// Interceptor processes a message before it reaches the next handler
type Interceptor interface {
	// Intercept handles msg and decides whether to call next.
	Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error {
	return i.fn(ctx, msg, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain of interceptors
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Add appends an interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names lists the interceptors in execution order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Then returns final wrapped by the chain. Later changes to the chain do not
// affect handlers already returned.
func (c *Chain) Then(final messaging.MessageHandler) messaging.MessageHandler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = messaging.MessageHandlerFunc(func(ctx context.Context, msg *messaging.Message) error {
			return interceptor.Intercept(ctx, msg, next)
		})
	}
	return handler
}

// LoggingInterceptor logs message processing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error {
	start := time.Now()

	i.logger.Debug("processing message",
		"queue", msg.Queue,
		"correlationId", msg.CorrelationID(),
		"retryCount", msg.RetryCount)

	err := next.Handle(ctx, msg)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"queue", msg.Queue,
			"correlationId", msg.CorrelationID(),
			"duration", duration,
			"error", err)
		return err
	}

	i.logger.Debug("message processed",
		"queue", msg.Queue,
		"correlationId", msg.CorrelationID(),
		"duration", duration)
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds how long the rest of the chain may take. The
// handler must honour ctx; the interceptor does not abandon it.
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	err := next.Handle(timeoutCtx, msg)
	if err != nil && errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("message %s not handled within %v: %w", msg.CorrelationID(), i.timeout, err)
	}
	return err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}

// MessageFilter reports whether a message should be processed
type MessageFilter func(ctx context.Context, msg *messaging.Message) bool

// FilteringInterceptor acknowledges and drops messages its filter rejects
type FilteringInterceptor struct {
	filter MessageFilter
	logger *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{filter: filter, logger: logger}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error {
	if !i.filter(ctx, msg) {
		i.logger.Debug("message filtered",
			"queue", msg.Queue,
			"correlationId", msg.CorrelationID())
		return nil
	}
	return next.Handle(ctx, msg)
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// OwnedBy accepts messages whose request owner is one of owners.
func OwnedBy(owners ...string) MessageFilter {
	allowed := make(map[string]struct{}, len(owners))
	for _, owner := range owners {
		allowed[owner] = struct{}{}
	}
	return func(ctx context.Context, msg *messaging.Message) bool {
		_, ok := allowed[msg.Envelope.RequestOwner()]
		return ok
	}
}
