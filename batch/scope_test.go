package batch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScope_RegisterAndDrain(t *testing.T) {
	s := NewScope()
	orders := KeyFor("User.Orders", int64(0))
	profile := KeyFor("User.Profile", int64(0))

	s.Register(orders, int64(1))
	s.Register(profile, int64(1))
	s.Register(orders, int64(2))

	assert.True(t, s.HasPending())
	assert.Equal(t, []Key{orders, profile}, s.Pending())

	assert.Equal(t, []any{int64(1), int64(2)}, s.Drain(orders))
	assert.Nil(t, s.Drain(orders))
	assert.Equal(t, []Key{profile}, s.Pending())

	s.Drain(profile)
	assert.False(t, s.HasPending())
}

func TestKeyFor_SeparatesIDTypes(t *testing.T) {
	assert.NotEqual(t, KeyFor("User.Orders", int64(1)), KeyFor("User.Orders", "1"))
	assert.Equal(t, KeyFor("User.Orders", int64(1)), KeyFor("User.Orders", int64(2)))
}

func TestScope_DrainIsAtomic(t *testing.T) {
	s := NewScope()
	key := KeyFor("User.Orders", 0)
	for i := 0; i < 100; i++ {
		s.Register(key, i)
	}

	var (
		wg    sync.WaitGroup
		mutex sync.Mutex
		total int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := s.Drain(key)
			mutex.Lock()
			total += len(ids)
			mutex.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, total)
}

func TestScope_AttachAndResolved(t *testing.T) {
	s := NewScope()
	key := KeyFor("User.Profile", int64(0))

	_, ok := s.Resolved(key, int64(1))
	assert.False(t, ok)

	s.Attach(key, int64(1), "profile")
	v, ok := s.Resolved(key, int64(1))
	require.True(t, ok)
	assert.Equal(t, "profile", v)
}

func TestFromContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	s := NewScope()
	got, ok := FromContext(WithScope(context.Background(), s))
	require.True(t, ok)
	assert.Same(t, s, got)
}
