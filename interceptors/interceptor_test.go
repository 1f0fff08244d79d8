package interceptors

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/satmesh-go/contracts"
	"github.com/glimte/satmesh-go/messaging"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) Handle(ctx context.Context, msg *messaging.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func newMessage(t *testing.T, owner string) *messaging.Message {
	t.Helper()
	env, err := contracts.NewEnvelope(map[string]int{"job": 1}, contracts.WithRequestOwner(owner))
	require.NoError(t, err)
	return &messaging.Message{Envelope: env, Queue: "SCHEDULER"}
}

// recorder appends its name to a shared trace when it runs.
func recorder(name string, trace *[]string) Interceptor {
	return NewInterceptorFunc(name, func(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error {
		*trace = append(*trace, name)
		return next.Handle(ctx, msg)
	})
}

func TestChain(t *testing.T) {
	t.Run("runs interceptors in order before the handler", func(t *testing.T) {
		var trace []string
		chain := NewChain(recorder("first", &trace), recorder("second", &trace))
		handler := chain.Then(messaging.MessageHandlerFunc(func(ctx context.Context, msg *messaging.Message) error {
			trace = append(trace, "handler")
			return nil
		}))

		require.NoError(t, handler.Handle(context.Background(), newMessage(t, "server")))

		assert.Equal(t, []string{"first", "second", "handler"}, trace)
		assert.Equal(t, []string{"first", "second"}, chain.Names())
	})

	t.Run("an empty chain calls the handler directly", func(t *testing.T) {
		h := &mockHandler{}
		msg := newMessage(t, "server")
		h.On("Handle", mock.Anything, msg).Return(assert.AnError)

		err := NewChain().Then(h).Handle(context.Background(), msg)

		assert.ErrorIs(t, err, assert.AnError)
		h.AssertExpectations(t)
	})

	t.Run("handlers built earlier ignore later additions", func(t *testing.T) {
		var trace []string
		chain := NewChain(recorder("first", &trace))
		handler := chain.Then(messaging.MessageHandlerFunc(func(context.Context, *messaging.Message) error { return nil }))
		chain.Add(recorder("late", &trace))

		require.NoError(t, handler.Handle(context.Background(), newMessage(t, "server")))

		assert.Equal(t, []string{"first"}, trace)
	})
}

func TestLoggingInterceptor(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	msg := newMessage(t, "server")

	h := &mockHandler{}
	h.On("Handle", mock.Anything, msg).Return(nil).Once()
	h.On("Handle", mock.Anything, msg).Return(assert.AnError).Once()
	handler := NewChain(NewLoggingInterceptor(logger)).Then(h)

	require.NoError(t, handler.Handle(context.Background(), msg))
	assert.Contains(t, buf.String(), "message processed")
	assert.Contains(t, buf.String(), msg.CorrelationID())

	assert.ErrorIs(t, handler.Handle(context.Background(), msg), assert.AnError)
	assert.Contains(t, buf.String(), "message processing failed")
	h.AssertExpectations(t)
}

func TestTimeoutInterceptor(t *testing.T) {
	t.Run("the handler sees a deadline", func(t *testing.T) {
		handler := NewChain(NewTimeoutInterceptor(time.Minute)).Then(
			messaging.MessageHandlerFunc(func(ctx context.Context, msg *messaging.Message) error {
				_, ok := ctx.Deadline()
				assert.True(t, ok)
				return nil
			}))

		assert.NoError(t, handler.Handle(context.Background(), newMessage(t, "server")))
	})

	t.Run("an overrun is reported with the handler's error", func(t *testing.T) {
		handler := NewChain(NewTimeoutInterceptor(10 * time.Millisecond)).Then(
			messaging.MessageHandlerFunc(func(ctx context.Context, msg *messaging.Message) error {
				<-ctx.Done()
				return ctx.Err()
			}))

		err := handler.Handle(context.Background(), newMessage(t, "server"))

		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.ErrorContains(t, err, "not handled within 10ms")
	})

	t.Run("a cancelled consumer is not reported as a timeout", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		handler := NewChain(NewTimeoutInterceptor(time.Minute)).Then(
			messaging.MessageHandlerFunc(func(ctx context.Context, msg *messaging.Message) error {
				return ctx.Err()
			}))

		err := handler.Handle(ctx, newMessage(t, "server"))

		assert.Equal(t, context.Canceled, err)
	})
}

func TestFilteringInterceptor(t *testing.T) {
	h := &mockHandler{}
	kept := newMessage(t, "planner")
	h.On("Handle", mock.Anything, kept).Return(nil).Once()
	handler := NewChain(NewFilteringInterceptor(OwnedBy("planner", "server"), slog.Default())).Then(h)

	assert.NoError(t, handler.Handle(context.Background(), kept))
	assert.NoError(t, handler.Handle(context.Background(), newMessage(t, "intruder")))

	h.AssertExpectations(t)
	h.AssertNumberOfCalls(t, "Handle", 1)
}

func TestDuplicateInterceptor(t *testing.T) {
	t.Run("a message handled once is skipped on redelivery", func(t *testing.T) {
		detector := NewMemoryDetector(time.Minute)
		msg := newMessage(t, "server")
		h := &mockHandler{}
		h.On("Handle", mock.Anything, msg).Return(nil).Once()
		handler := NewChain(NewDuplicateInterceptor(detector)).Then(h)

		require.NoError(t, handler.Handle(context.Background(), msg))
		msg.Redelivered = true
		require.NoError(t, handler.Handle(context.Background(), msg))

		h.AssertNumberOfCalls(t, "Handle", 1)
		assert.Equal(t, 1, detector.Len())
	})

	t.Run("a failed message is not remembered", func(t *testing.T) {
		detector := NewMemoryDetector(time.Minute)
		msg := newMessage(t, "server")
		h := &mockHandler{}
		h.On("Handle", mock.Anything, msg).Return(assert.AnError).Once()
		h.On("Handle", mock.Anything, msg).Return(nil).Once()
		handler := NewChain(NewDuplicateInterceptor(detector)).Then(h)

		assert.ErrorIs(t, handler.Handle(context.Background(), msg), assert.AnError)
		assert.NoError(t, handler.Handle(context.Background(), msg))

		h.AssertExpectations(t)
	})

	t.Run("detector errors fail the message", func(t *testing.T) {
		detector := NewInterceptorFunc("broken", func(context.Context, *messaging.Message, messaging.MessageHandler) error {
			return errors.New("store unavailable")
		})
		h := &mockHandler{}

		err := NewChain(detector).Then(h).Handle(context.Background(), newMessage(t, "server"))

		assert.EqualError(t, err, "store unavailable")
		h.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})
}

func TestMemoryDetector(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	detector := NewMemoryDetector(time.Minute)
	detector.now = func() time.Time { return now }

	require.NoError(t, detector.MarkProcessed(ctx, "a"))
	dup, err := detector.IsDuplicate(ctx, "a")
	require.NoError(t, err)
	assert.True(t, dup)

	now = now.Add(2 * time.Minute)
	dup, err = detector.IsDuplicate(ctx, "a")
	require.NoError(t, err)
	assert.False(t, dup)

	require.NoError(t, detector.MarkProcessed(ctx, "b"))
	now = now.Add(2 * time.Minute)
	require.NoError(t, detector.MarkProcessed(ctx, "c"))
	assert.Equal(t, 1, detector.Len())
}
