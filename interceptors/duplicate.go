package interceptors

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/satmesh-go/messaging"
)

// DuplicateDetector remembers which messages were handled
type DuplicateDetector interface {
	IsDuplicate(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string) error
}

// DuplicateInterceptor acknowledges messages already handled successfully,
// keyed by correlation id. A broker redelivering a message whose ack was
// lost is then not processed twice.
type DuplicateInterceptor struct {
	detector DuplicateDetector
	logger   *slog.Logger
}

// NewDuplicateInterceptor creates a new duplicate detection interceptor
func NewDuplicateInterceptor(detector DuplicateDetector) *DuplicateInterceptor {
	return &DuplicateInterceptor{detector: detector, logger: slog.Default()}
}

// WithLogger sets the logger
func (i *DuplicateInterceptor) WithLogger(logger *slog.Logger) *DuplicateInterceptor {
	i.logger = logger
	return i
}

// Intercept implements Interceptor
func (i *DuplicateInterceptor) Intercept(ctx context.Context, msg *messaging.Message, next messaging.MessageHandler) error {
	key := msg.CorrelationID()

	duplicate, err := i.detector.IsDuplicate(ctx, key)
	if err != nil {
		return err
	}
	if duplicate {
		i.logger.Info("skipping duplicate message",
			"queue", msg.Queue,
			"correlationId", key,
			"redelivered", msg.Redelivered)
		return nil
	}

	if err := next.Handle(ctx, msg); err != nil {
		return err
	}
	return i.detector.MarkProcessed(ctx, key)
}

// Name implements Interceptor
func (i *DuplicateInterceptor) Name() string {
	return "DuplicateInterceptor"
}

// MemoryDetector is an in-process DuplicateDetector that forgets keys after
// a retention period.
type MemoryDetector struct {
	mu        sync.Mutex
	retention time.Duration
	seen      map[string]time.Time
	now       func() time.Time
}

// NewMemoryDetector creates a detector remembering keys for retention
func NewMemoryDetector(retention time.Duration) *MemoryDetector {
	return &MemoryDetector{
		retention: retention,
		seen:      make(map[string]time.Time),
		now:       time.Now,
	}
}

// IsDuplicate implements DuplicateDetector
func (d *MemoryDetector) IsDuplicate(ctx context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	at, ok := d.seen[key]
	if !ok {
		return false, nil
	}
	if d.now().Sub(at) > d.retention {
		delete(d.seen, key)
		return false, nil
	}
	return true, nil
}

// MarkProcessed implements DuplicateDetector. Expired keys are pruned.
func (d *MemoryDetector) MarkProcessed(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, at := range d.seen {
		if now.Sub(at) > d.retention {
			delete(d.seen, k)
		}
	}
	d.seen[key] = now
	return nil
}

// Len returns the number of remembered keys.
func (d *MemoryDetector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
