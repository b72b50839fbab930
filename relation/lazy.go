package relation

import (
	"context"
	"sync"
)

// Lazy is a deferred value with two states: unevaluated and evaluated.
// The loader runs at most once successfully; a failed load leaves the
// value unevaluated so a later Get can retry.
type Lazy[T any] struct {
	mutex     sync.Mutex
	load      func(ctx context.Context) (T, error)
	value     T
	evaluated bool
}

// Deferred returns an unevaluated Lazy. Nothing runs until the first Get.
func Deferred[T any](load func(ctx context.Context) (T, error)) *Lazy[T] {
	return &Lazy[T]{load: load}
}

// Evaluated returns a Lazy already holding v.
func Evaluated[T any](v T) *Lazy[T] {
	return &Lazy[T]{value: v, evaluated: true}
}

// Get evaluates the value on first use and returns the memoized result after.
func (l *Lazy[T]) Get(ctx context.Context) (T, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.evaluated {
		return l.value, nil
	}
	v, err := l.load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	l.value = v
	l.evaluated = true
	l.load = nil
	return v, nil
}

// IsEvaluated reports whether Get has completed successfully.
func (l *Lazy[T]) IsEvaluated() bool {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.evaluated
}
