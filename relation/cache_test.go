package relation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_StampRejectsStaleWrites(t *testing.T) {
	c := NewMemoryCache()
	key := Key{OwnerType: "User", OwnerID: int64(1), Field: "Orders"}

	stamp := c.Stamp("User", int64(1))
	c.Invalidate("User", int64(1))
	assert.False(t, c.PutIfCurrent(key, Entry{Value: []any{}}, stamp))
	_, ok := c.Get(key)
	assert.False(t, ok)

	stamp = c.Stamp("User", int64(1))
	assert.True(t, c.PutIfCurrent(key, Entry{Value: []any{}}, stamp))
	e, ok := c.Get(key)
	require.True(t, ok)
	assert.False(t, e.Absent)

	stamp = c.Stamp("User", int64(2))
	c.Clear()
	assert.False(t, c.PutIfCurrent(Key{OwnerType: "User", OwnerID: int64(2), Field: "Orders"}, Entry{}, stamp))
	assert.Equal(t, 0, c.Len())
}

func TestMemoryCache_InvalidateIsPerOwner(t *testing.T) {
	c := NewMemoryCache()
	for _, id := range []any{int64(1), int64(2)} {
		s := c.Stamp("User", id)
		require.True(t, c.PutIfCurrent(Key{"User", id, "Profile"}, Entry{Absent: true}, s))
		require.True(t, c.PutIfCurrent(Key{"User", id, "Orders"}, Entry{Value: []any{}}, s))
	}
	c.Invalidate("User", int64(1))

	_, ok := c.Get(Key{"User", int64(1), "Orders"})
	assert.False(t, ok)
	_, ok = c.Get(Key{"User", int64(2), "Orders"})
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestKeyString(t *testing.T) {
	assert.Equal(t, "User:42:Orders", Key{OwnerType: "User", OwnerID: 42, Field: "Orders"}.String())
}

func TestLazy_LoadsOnceAndRetriesFailures(t *testing.T) {
	calls := 0
	fail := true
	l := Deferred(func(ctx context.Context) (int, error) {
		calls++
		if fail {
			return 0, errors.New("backend down")
		}
		return 42, nil
	})
	ctx := context.Background()

	_, err := l.Get(ctx)
	require.Error(t, err)
	assert.False(t, l.IsEvaluated())

	fail = false
	for i := 0; i < 3; i++ {
		v, err := l.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, 2, calls)
	assert.True(t, l.IsEvaluated())

	e := Evaluated("ready")
	v, err := e.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ready", v)
}
