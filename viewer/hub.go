package viewer

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// HubMetrics observes the viewer registry.
type HubMetrics interface {
	ViewerConnected(group string)
	ViewerDisconnected(group string)
	BroadcastFailed(group string)
}

type noopHubMetrics struct{}

func (noopHubMetrics) ViewerConnected(string)    {}
func (noopHubMetrics) ViewerDisconnected(string) {}
func (noopHubMetrics) BroadcastFailed(string)    {}

// BroadcastResult reports how a broadcast went.
type BroadcastResult struct {
	Delivered int
	Failed    int
	Err       error // joined errors of failed members
}

// Hub is the registry of live viewer connections. Connections tagged with a
// group are also members of that group. All methods are safe for concurrent
// use.
type Hub struct {
	logger  *slog.Logger
	metrics HubMetrics

	mu     sync.RWMutex
	active map[Conn]string
	groups map[string]map[Conn]struct{}
}

// HubOption configures the Hub
type HubOption func(*Hub)

// WithHubLogger sets the logger
func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithHubMetrics sets the metrics observer
func WithHubMetrics(metrics HubMetrics) HubOption {
	return func(h *Hub) {
		h.metrics = metrics
	}
}

// NewHub creates an empty hub
func NewHub(options ...HubOption) *Hub {
	h := &Hub{
		logger:  slog.Default(),
		metrics: noopHubMetrics{},
		active:  make(map[Conn]string),
		groups:  make(map[string]map[Conn]struct{}),
	}

	for _, opt := range options {
		opt(h)
	}

	return h
}

// Connect registers conn. An empty group leaves it untagged. Connecting an
// already registered conn moves it to the new group.
func (h *Hub) Connect(conn Conn, group string) {
	h.mu.Lock()
	previous, moved := h.active[conn]
	if moved {
		h.removeLocked(conn, previous)
	}
	h.active[conn] = group
	if group != "" {
		members, ok := h.groups[group]
		if !ok {
			members = make(map[Conn]struct{})
			h.groups[group] = members
		}
		members[conn] = struct{}{}
	}
	h.mu.Unlock()

	if moved {
		h.metrics.ViewerDisconnected(previous)
	}
	h.metrics.ViewerConnected(group)
	h.logger.Debug("viewer connected", "group", group)
}

// Disconnect unregisters conn. Unknown connections are ignored, so calling it
// twice is harmless. The connection itself is not closed.
func (h *Hub) Disconnect(conn Conn) {
	h.mu.Lock()
	group, ok := h.active[conn]
	if ok {
		h.removeLocked(conn, group)
	}
	h.mu.Unlock()

	if ok {
		h.metrics.ViewerDisconnected(group)
		h.logger.Debug("viewer disconnected", "group", group)
	}
}

// removeLocked drops conn from the registry. Emptied groups stay registered.
func (h *Hub) removeLocked(conn Conn, group string) {
	delete(h.active, conn)
	if members, ok := h.groups[group]; ok {
		delete(members, conn)
	}
}

// SendPersonal sends msg to conn only.
func (h *Hub) SendPersonal(msg any, conn Conn) error {
	return conn.Send(msg)
}

// Broadcast sends msg to every connection.
func (h *Hub) Broadcast(msg any) BroadcastResult {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.active))
	for conn := range h.active {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	return h.deliver("", targets, msg)
}

// BroadcastGroup sends msg to the current members of group.
func (h *Hub) BroadcastGroup(group string, msg any) BroadcastResult {
	h.mu.RLock()
	members := h.groups[group]
	targets := make([]Conn, 0, len(members))
	for conn := range members {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	return h.deliver(group, targets, msg)
}

// deliver sends to each target outside the lock. A member that fails is
// disconnected and closed; the others still receive msg.
func (h *Hub) deliver(group string, targets []Conn, msg any) BroadcastResult {
	var (
		result BroadcastResult
		errs   []error
	)
	for _, conn := range targets {
		if err := conn.Send(msg); err != nil {
			result.Failed++
			errs = append(errs, err)
			h.metrics.BroadcastFailed(group)
			h.logger.Warn("failed to deliver to viewer, disconnecting",
				"group", group,
				"error", err)
			h.Disconnect(conn)
			_ = conn.Close()
			continue
		}
		result.Delivered++
	}
	if len(errs) > 0 {
		result.Err = fmt.Errorf("broadcast to %d of %d viewers failed: %w", result.Failed, len(targets), errors.Join(errs...))
	}
	return result
}

// Groups lists every group that ever had a member.
func (h *Hub) Groups() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.groups))
	for name := range h.groups {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Members returns the number of connections in group.
func (h *Hub) Members(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[group])
}

// Count returns the number of registered connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}

// Group returns the group conn was registered with.
func (h *Hub) Group(conn Conn) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	group, ok := h.active[conn]
	return group, ok
}
