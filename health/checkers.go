package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/satmesh-go/internal/rabbitmq"
)

// ConnectionChecker checks one of the manager's broker connections by opening
// and closing a channel on it.
type ConnectionChecker struct {
	manager *rabbitmq.ConnectionManager
	mode    rabbitmq.Mode
}

// NewConnectionChecker creates a checker for the connection used in mode.
func NewConnectionChecker(manager *rabbitmq.ConnectionManager, mode rabbitmq.Mode) *ConnectionChecker {
	return &ConnectionChecker{manager: manager, mode: mode}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq_" + c.mode.String()
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"mode": c.mode.String()},
	}

	ch, err := c.manager.Channel(ctx, c.mode)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	_ = ch.Close()

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["connection_open"] = c.manager.Connected(c.mode)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ChannelPoolChecker checks that the publisher pool can hand out a channel.
type ChannelPoolChecker struct {
	pool *rabbitmq.ChannelPool
}

// NewChannelPoolChecker creates a new channel pool health checker
func NewChannelPoolChecker(pool *rabbitmq.ChannelPool) *ChannelPoolChecker {
	return &ChannelPoolChecker{pool: pool}
}

func (c *ChannelPoolChecker) Name() string {
	return "channel_pool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"pool_size": c.pool.Size()},
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = "Failed to get channel from pool"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	c.pool.Put(ch)

	result.Status = StatusHealthy
	result.Message = "Channel pool is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// ViewerCounter is satisfied by *viewer.Hub.
type ViewerCounter interface {
	Count() int
	Groups() []string
}

// ViewerChecker reports live viewer counts and degrades above a limit.
type ViewerChecker struct {
	hub   ViewerCounter
	limit int
}

// NewViewerChecker creates a viewer checker. A limit of zero disables the
// threshold.
func NewViewerChecker(hub ViewerCounter, limit int) *ViewerChecker {
	return &ViewerChecker{hub: hub, limit: limit}
}

func (c *ViewerChecker) Name() string {
	return "viewers"
}

func (c *ViewerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	count := c.hub.Count()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Status:    StatusHealthy,
		Message:   fmt.Sprintf("%d viewers connected", count),
		Details: map[string]any{
			"viewers": count,
			"groups":  len(c.hub.Groups()),
		},
	}
	if c.limit > 0 && count > c.limit {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Viewer count %d above limit %d", count, c.limit)
	}
	result.Duration = time.Since(start)
	return result
}

// GoroutineChecker degrades and then fails as the goroutine count grows.
type GoroutineChecker struct {
	warning  int
	critical int
}

// NewGoroutineChecker creates a goroutine count checker
func NewGoroutineChecker(warning, critical int) *GoroutineChecker {
	return &GoroutineChecker{warning: warning, critical: critical}
}

func (c *GoroutineChecker) Name() string {
	return "goroutines"
}

func (c *GoroutineChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"goroutines":     goroutines,
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
		},
	}

	switch {
	case goroutines > c.critical:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case goroutines > c.warning:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Goroutine count is normal"
	}
	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]any),
	}

	status, message, details, err := c.checker(ctx)

	result.Status = status
	result.Message = message
	if details != nil {
		result.Details = details
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
