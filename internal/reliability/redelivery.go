package reliability

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Header names written on redelivered and dead-lettered messages.
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderLastError     = "x-last-error"
	HeaderOriginalQueue = "x-original-queue"
	HeaderFirstFailedAt = "x-first-death-time"

	ArgDeadLetterExchange   = "x-dead-letter-exchange"
	ArgDeadLetterRoutingKey = "x-dead-letter-routing-key"

	DeadLetterSuffix = ".dlq"

	DefaultMaxRedeliveries = 3
)

// Decision is what a consumer does with a message whose handler failed.
type Decision int

const (
	// Redeliver republishes the message with an incremented retry count.
	Redeliver Decision = iota
	// DeadLetter rejects the message without requeue.
	DeadLetter
)

func (d Decision) String() string {
	switch d {
	case Redeliver:
		return "redeliver"
	case DeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// RedeliveryPolicy bounds how often a failing message is handed back to a
// consumer.
type RedeliveryPolicy struct {
	maxRedeliveries int
	now             func() time.Time
}

// RedeliveryOption configures a RedeliveryPolicy
type RedeliveryOption func(*RedeliveryPolicy)

// WithMaxRedeliveries sets how many times a message is redelivered before it
// is dead-lettered. Zero dead-letters on the first failure.
func WithMaxRedeliveries(n int) RedeliveryOption {
	return func(p *RedeliveryPolicy) {
		if n >= 0 {
			p.maxRedeliveries = n
		}
	}
}

// NewRedeliveryPolicy creates a policy allowing DefaultMaxRedeliveries.
func NewRedeliveryPolicy(opts ...RedeliveryOption) *RedeliveryPolicy {
	p := &RedeliveryPolicy{
		maxRedeliveries: DefaultMaxRedeliveries,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxRedeliveries returns the configured limit.
func (p *RedeliveryPolicy) MaxRedeliveries() int {
	return p.maxRedeliveries
}

// Decide inspects the retry count carried in headers.
func (p *RedeliveryPolicy) Decide(headers amqp.Table) Decision {
	if RetryCount(headers) < p.maxRedeliveries {
		return Redeliver
	}
	return DeadLetter
}

// NextHeaders returns a copy of headers prepared for redelivery.
func (p *RedeliveryPolicy) NextHeaders(headers amqp.Table, queue string, cause error) amqp.Table {
	next := make(amqp.Table, len(headers)+4)
	for k, v := range headers {
		next[k] = v
	}

	next[HeaderRetryCount] = int32(RetryCount(headers) + 1)
	next[HeaderOriginalQueue] = queue
	if cause != nil {
		next[HeaderLastError] = cause.Error()
	}
	if _, ok := next[HeaderFirstFailedAt]; !ok {
		next[HeaderFirstFailedAt] = p.now().Unix()
	}
	return next
}

// RetryCount reads the x-retry-count header. Missing or malformed values
// count as zero.
func RetryCount(headers amqp.Table) int {
	return headerInt(headers, HeaderRetryCount)
}

// DeadLetterQueueName is the companion queue receiving rejected messages.
func DeadLetterQueueName(queue string) string {
	return queue + DeadLetterSuffix
}

// IsDeadLetterQueue reports whether name is a companion dead-letter queue.
func IsDeadLetterQueue(name string) bool {
	return len(name) > len(DeadLetterSuffix) && name[len(name)-len(DeadLetterSuffix):] == DeadLetterSuffix
}

// DeadLetterArgs are the queue arguments routing rejected messages to the
// queue's companion through exchange.
func DeadLetterArgs(exchange, queue string) amqp.Table {
	return amqp.Table{
		ArgDeadLetterExchange:   exchange,
		ArgDeadLetterRoutingKey: DeadLetterQueueName(queue),
	}
}

// DeadLetterInfo describes why a message ended up in a dead-letter queue.
type DeadLetterInfo struct {
	OriginalQueue string
	LastError     string
	Reason        string
	RetryCount    int
	FirstFailedAt time.Time
}

// Inspect extracts dead-letter metadata from our headers and the broker's
// x-death table.
func Inspect(headers amqp.Table) DeadLetterInfo {
	info := DeadLetterInfo{
		OriginalQueue: headerString(headers, HeaderOriginalQueue),
		LastError:     headerString(headers, HeaderLastError),
		RetryCount:    RetryCount(headers),
		FirstFailedAt: headerTime(headers, HeaderFirstFailedAt),
	}

	if deaths, ok := headers["x-death"].([]interface{}); ok && len(deaths) > 0 {
		if death, ok := deaths[0].(amqp.Table); ok {
			if queue, ok := death["queue"].(string); ok && info.OriginalQueue == "" {
				info.OriginalQueue = queue
			}
			if reason, ok := death["reason"].(string); ok {
				info.Reason = reason
			}
		}
	}
	return info
}

func headerString(headers amqp.Table, key string) string {
	if v, ok := headers[key].(string); ok {
		return v
	}
	return ""
}

func headerInt(headers amqp.Table, key string) int {
	switch v := headers[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func headerTime(headers amqp.Table, key string) time.Time {
	switch v := headers[key].(type) {
	case int64:
		return time.Unix(v, 0)
	case float64:
		return time.Unix(int64(v), 0)
	case time.Time:
		return v
	}
	return time.Time{}
}
