package serialization

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/glimte/satmesh-go/contracts"
	"github.com/glimte/satmesh-go/topics"
)

// RawPayload is returned for destinations with no registered type.
type RawPayload struct {
	Destination string
	Data        json.RawMessage
}

// Registry maps destinations to payload types. A destination is either a
// queue name or a routing-key pattern; exact names win over patterns, and
// patterns are tried in registration order.
type Registry struct {
	mu       sync.RWMutex
	exact    map[string]reflect.Type
	patterns []patternEntry
}

type patternEntry struct {
	pattern string
	typ     reflect.Type
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		exact: make(map[string]reflect.Type),
	}
}

// Register associates destination with the type of prototype, which must be
// a struct or pointer to struct. Re-registering the same type is a no-op.
func (r *Registry) Register(destination string, prototype any) error {
	if destination == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	if prototype == nil {
		return fmt.Errorf("payload type cannot be nil")
	}

	t := reflect.TypeOf(prototype)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("payload type must be a struct, got %v", t.Kind())
	}

	wildcard := strings.ContainsAny(destination, topics.SingleWildcard+topics.MultiWildcard)
	if wildcard {
		if err := topics.ValidatePattern(destination); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.lookupLocked(destination, true); ok {
		if existing == t {
			return nil
		}
		return fmt.Errorf("destination %s already registered to %v", destination, existing)
	}

	if wildcard {
		r.patterns = append(r.patterns, patternEntry{pattern: destination, typ: t})
	} else {
		r.exact[destination] = t
	}
	return nil
}

// MustRegister is Register that panics on error.
func (r *Registry) MustRegister(destination string, prototype any) {
	if err := r.Register(destination, prototype); err != nil {
		panic(err)
	}
}

// Lookup returns the type registered for destination.
func (r *Registry) Lookup(destination string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookupLocked(destination, false)
}

func (r *Registry) lookupLocked(destination string, literal bool) (reflect.Type, bool) {
	if t, ok := r.exact[destination]; ok {
		return t, true
	}
	for _, p := range r.patterns {
		if p.pattern == destination {
			return p.typ, true
		}
		if !literal && topics.Match(p.pattern, destination) {
			return p.typ, true
		}
	}
	return nil, false
}

// Decode unmarshals raw into a new instance of the type registered for
// destination and returns a pointer to it. Unknown destinations yield a
// RawPayload.
func (r *Registry) Decode(destination string, raw json.RawMessage) (any, error) {
	t, ok := r.Lookup(destination)
	if !ok {
		return RawPayload{Destination: destination, Data: raw}, nil
	}

	instance := reflect.New(t).Interface()
	if err := json.Unmarshal(raw, instance); err != nil {
		return nil, newDecodingError("decode payload", destination, err)
	}
	return instance, nil
}

// DecodeEnvelope decodes the body of env for destination.
func (r *Registry) DecodeEnvelope(destination string, env *contracts.Envelope) (any, error) {
	if env == nil {
		return nil, newDecodingError("decode payload", destination, ErrNilEnvelope)
	}
	return r.Decode(destination, env.Body())
}

// Destinations lists registered destinations, sorted.
func (r *Registry) Destinations() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.exact)+len(r.patterns))
	for d := range r.exact {
		out = append(out, d)
	}
	for _, p := range r.patterns {
		out = append(out, p.pattern)
	}
	sort.Strings(out)
	return out
}

// DefaultRegistry knows the payloads the fabric itself exchanges.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(contracts.RoutingListenerAny, &contracts.ListenerEvent{})
	return r
}
