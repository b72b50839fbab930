// Package batch accumulates deferred relationship loads for one unit of
// work so they can be issued as a single grouped lookup per field.
package batch

import (
	"context"
	"reflect"
	"sync"

	"github.com/lemmego/gpa-core"
)

// Key groups pending ids by logical field ("Owner.Field") and owner-id type.
type Key struct {
	Field  string
	IDType reflect.Type
}

// KeyFor builds the key for one owner id.
func KeyFor(field string, id any) Key {
	return Key{Field: field, IDType: reflect.TypeOf(id)}
}

// Scope holds the pending ids of one unit of work. A Scope must not be
// shared between unrelated units of work; carry it explicitly or with
// WithScope.
type Scope struct {
	mutex    sync.Mutex
	pending  map[Key][]any
	order    []Key
	resolved map[Key]map[string]any
}

// NewScope returns an empty scope.
func NewScope() *Scope {
	return &Scope{
		pending:  make(map[Key][]any),
		resolved: make(map[Key]map[string]any),
	}
}

// Register appends id to the pending list of key.
func (s *Scope) Register(key Key, id any) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.pending[key]; !ok {
		s.order = append(s.order, key)
	}
	s.pending[key] = append(s.pending[key], id)
}

// Drain removes and returns the whole pending list of key, or nil.
func (s *Scope) Drain(key Key) []any {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	ids, ok := s.pending[key]
	if !ok {
		return nil
	}
	delete(s.pending, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return ids
}

// HasPending reports whether any key still has ids waiting.
func (s *Scope) HasPending() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.pending) > 0
}

// Pending returns the keys with waiting ids, in first-registration order.
func (s *Scope) Pending() []Key {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := make([]Key, len(s.order))
	copy(out, s.order)
	return out
}

// Attach records a loaded value for one owner so later readers in the same
// unit of work can pick it up without another lookup.
func (s *Scope) Attach(key Key, ownerID any, value any) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	m := s.resolved[key]
	if m == nil {
		m = make(map[string]any)
		s.resolved[key] = m
	}
	m[gpa.IDKey(ownerID)] = value
}

// Resolved returns a value previously attached for one owner.
func (s *Scope) Resolved(key Key, ownerID any) (any, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	v, ok := s.resolved[key][gpa.IDKey(ownerID)]
	return v, ok
}

type scopeKey struct{}

// WithScope returns a context carrying s.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// FromContext returns the scope carried by ctx, if any.
func FromContext(ctx context.Context) (*Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(*Scope)
	return s, ok && s != nil
}
