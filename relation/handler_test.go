package relation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/lemmego/gpa-core"
	"github.com/lemmego/gpa-core/batch"
)

func TestResolveManyToOne_LooksUpOnce(t *testing.T) {
	f := newFixture(t)
	h := f.handler(accountMeta)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := h.ResolveManyToOne(ctx, int64(7), "Settings")
		require.NoError(t, err)
		require.IsType(t, &Settings{}, v)
		assert.Equal(t, "dark", v.(*Settings).Theme)
	}
	assert.Equal(t, 1, f.settings.calls())
}

func TestResolveManyToOne_CachesAbsence(t *testing.T) {
	f := newFixture(t)
	h := f.handler(accountMeta)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		v, err := h.ResolveManyToOne(ctx, int64(99), "Settings")
		require.NoError(t, err)
		assert.Nil(t, v)
	}
	assert.Equal(t, 1, f.settings.calls())
}

func TestResolveOneToOne(t *testing.T) {
	f := newFixture(t)
	h := f.handler(userMeta)
	ctx := context.Background()

	v, err := h.ResolveOneToOne(ctx, int64(1), "Profile")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "gopher", v.(*Profile).Bio)

	v, err = h.ResolveOneToOne(ctx, int64(2), "Profile")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestResolveOneToOne_SecondMatchIsCardinalityError(t *testing.T) {
	f := newFixture(t)
	f.profiles.add(gpa.RowOf([]string{"id", "bio", "user_id"}, []any{int64(2), "impostor", int64(1)}))
	h := f.handler(userMeta)

	_, err := h.ResolveOneToOne(context.Background(), int64(1), "Profile")
	require.Error(t, err)
	assert.True(t, gpa.IsCardinality(err))
}

func TestResolveOneToMany_Evaluated(t *testing.T) {
	f := newFixture(t)
	h := f.handler(userMeta)
	ctx := context.Background()

	lazy, err := h.ResolveOneToMany(ctx, int64(1), "Orders")
	require.NoError(t, err)
	assert.True(t, lazy.IsEvaluated())

	items, err := lazy.Get(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{10, 11}, orderIDs(items))

	// Callers get their own slice.
	items[0] = nil
	again, err := h.Resolve(ctx, int64(1), "Orders")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{10, 11}, orderIDs(again.([]any)))
	assert.Equal(t, 1, f.orders.calls())
}

func TestResolveOneToMany_MissingBackReference(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	f := newFixture(t)
	h := f.handler(userMeta, WithLogger(zap.New(core)))
	ctx := context.Background()

	v, err := h.Resolve(ctx, int64(1), "Tags")
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.Empty(t, v)
	assert.Equal(t, 0, f.tags.calls())
	assert.Equal(t, 1, logs.FilterMessage("no back-reference for one-to-many relationship").Len())
}

func TestResolve_ConfigurationErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.handler(userMeta).ResolveManyToOne(ctx, int64(1), "Name")
	assert.True(t, gpa.IsConfiguration(err), "plain column")

	_, err = f.handler(userMeta).ResolveManyToOne(ctx, int64(1), "Profile")
	assert.True(t, gpa.IsConfiguration(err), "kind mismatch")

	f.adapters.Clear()
	_, err = f.handler(userMeta).ResolveOneToOne(ctx, int64(1), "Profile")
	require.Error(t, err)
	assert.True(t, gpa.IsConfiguration(err), "missing adapter")
	assert.Contains(t, err.Error(), "User.Profile")

	f.metadata.Clear()
	_, err = f.handler(userMeta).ResolveOneToOne(ctx, int64(1), "Profile")
	assert.True(t, gpa.IsConfiguration(err), "missing target metadata")
}

func TestPrefetch_OneLookupForAllOwners(t *testing.T) {
	f := newFixture(t)
	h := f.handler(userMeta)
	ctx := context.Background()

	owners := []any{&User{ID: 1}, &User{ID: 2}, &User{ID: 3}, &User{ID: 1}}
	require.NoError(t, h.Prefetch(ctx, owners, "Orders", "Profile"))
	assert.Equal(t, 1, int(f.orders.findIn.Load()))
	assert.Equal(t, 1, int(f.profiles.findIn.Load()))

	for _, id := range []int64{1, 2, 3} {
		items, err := h.Resolve(ctx, id, "Orders")
		require.NoError(t, err)
		require.NotNil(t, items)
		_, err = h.Resolve(ctx, id, "Profile")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.orders.calls())
	assert.Equal(t, 1, f.profiles.calls())

	empty, err := h.Resolve(ctx, int64(3), "Orders")
	require.NoError(t, err)
	assert.Equal(t, []any{}, empty)
}

func TestPrefetch_ManyToOne(t *testing.T) {
	f := newFixture(t)
	f.settings.add(gpa.RowOf([]string{"id", "theme"}, []any{int64(8), "light"}))
	h := f.handler(accountMeta)
	ctx := context.Background()

	require.NoError(t, h.PrefetchIDs(ctx, []any{int64(7), int64(8), int64(9)}, "Settings"))

	v, err := h.ResolveManyToOne(ctx, int64(8), "Settings")
	require.NoError(t, err)
	assert.Equal(t, "light", v.(*Settings).Theme)
	v, err = h.ResolveManyToOne(ctx, int64(9), "Settings")
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, 1, f.settings.calls())
}

func TestPrefetch_OneToOneDuplicateSeedsNothing(t *testing.T) {
	f := newFixture(t)
	f.profiles.add(gpa.RowOf([]string{"id", "bio", "user_id"}, []any{int64(2), "impostor", int64(1)}))
	h := f.handler(userMeta)
	ctx := context.Background()

	err := h.PrefetchIDs(ctx, []any{int64(1), int64(2)}, "Profile")
	require.Error(t, err)
	assert.True(t, gpa.IsCardinality(err))

	_, err = h.ResolveOneToOne(ctx, int64(2), "Profile")
	require.NoError(t, err)
	assert.Equal(t, 1, int(f.profiles.findBy.Load()), "nothing was cached by the failed prefetch")
}

func TestInvalidate_NextResolveReloads(t *testing.T) {
	f := newFixture(t)
	h := f.handler(userMeta)
	ctx := context.Background()

	items, err := h.Resolve(ctx, int64(2), "Orders")
	require.NoError(t, err)
	assert.Len(t, items, 1)

	f.orders.add(orderRow(13, 5, 2))
	items, err = h.Resolve(ctx, int64(2), "Orders")
	require.NoError(t, err)
	assert.Len(t, items, 1, "served from cache")

	h.Invalidate(int64(2))
	items, err = h.Resolve(ctx, int64(2), "Orders")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{12, 13}, orderIDs(items.([]any)))
}

func TestInvalidate_RacingResolveDoesNotCacheStaleValue(t *testing.T) {
	f := newFixture(t)
	h := f.handler(userMeta)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.orders.onFetch = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	done := make(chan []any)
	go func() {
		v, err := h.Resolve(ctx, int64(2), "Orders")
		assert.NoError(t, err)
		done <- v.([]any)
	}()

	<-entered
	f.orders.reset(orderRow(10, 100, 1), orderRow(11, 250, 1))
	h.Invalidate(int64(2))
	close(release)
	<-done

	items, err := h.Resolve(ctx, int64(2), "Orders")
	require.NoError(t, err)
	assert.Empty(t, items, "resolution started before the invalidate must not be served")
	assert.Equal(t, 2, f.orders.calls())
}

func TestClear(t *testing.T) {
	f := newFixture(t)
	h := f.handler(accountMeta)
	ctx := context.Background()

	_, err := h.ResolveManyToOne(ctx, int64(7), "Settings")
	require.NoError(t, err)
	h.Clear()
	_, err = h.ResolveManyToOne(ctx, int64(7), "Settings")
	require.NoError(t, err)
	assert.Equal(t, 2, f.settings.calls())
}

func TestResolve_CoalescesConcurrentMisses(t *testing.T) {
	f := newFixture(t)
	h := f.handler(accountMeta)
	ctx := context.Background()

	release := make(chan struct{})
	f.settings.onFetch = func() { <-release }

	const n = 8
	var started, finished sync.WaitGroup
	started.Add(n)
	finished.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer finished.Done()
			started.Done()
			v, err := h.ResolveManyToOne(ctx, int64(7), "Settings")
			assert.NoError(t, err)
			assert.NotNil(t, v)
		}()
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	finished.Wait()

	assert.Equal(t, 1, f.settings.calls())
}

func TestResolveOneToMany_LazyBatchesThroughScope(t *testing.T) {
	f := newFixture(t)
	h := f.handler(userMeta)
	scope := batch.NewScope()
	ctx := batch.WithScope(context.Background(), scope)

	lazies := make(map[int64]*Lazy[[]any])
	for _, id := range []int64{1, 2, 3} {
		l, err := h.ResolveOneToMany(ctx, id, "LazyOrders")
		require.NoError(t, err)
		assert.False(t, l.IsEvaluated())
		lazies[id] = l
	}
	assert.Equal(t, 0, f.orders.calls())
	assert.True(t, scope.HasPending())

	items, err := lazies[2].Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{12}, orderIDs(items))
	assert.False(t, scope.HasPending())

	items, err = lazies[1].Get(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{10, 11}, orderIDs(items))
	items, err = lazies[3].Get(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	assert.Equal(t, 1, int(f.orders.findIn.Load()))
	assert.Equal(t, 0, int(f.orders.findBy.Load()))
}

func TestResolveOneToMany_LazyWithoutScope(t *testing.T) {
	f := newFixture(t)
	h := f.handler(userMeta)
	ctx := context.Background()

	l, err := h.ResolveOneToMany(ctx, int64(1), "LazyOrders")
	require.NoError(t, err)
	assert.Equal(t, 0, f.orders.calls())

	for i := 0; i < 2; i++ {
		items, err := l.Get(ctx)
		require.NoError(t, err)
		assert.Len(t, items, 2)
	}
	assert.Equal(t, 1, int(f.orders.findBy.Load()))
}

func TestPopulate(t *testing.T) {
	f := newFixture(t)
	h := f.handler(userMeta)

	u := &User{ID: 1, Name: "gopher"}
	require.NoError(t, h.Populate(context.Background(), u, "Profile", "Orders", "Tags"))
	require.NotNil(t, u.Profile)
	assert.Equal(t, "gopher", u.Profile.Bio)
	assert.Len(t, u.Orders, 2)
	assert.Empty(t, u.Tags)

	err := h.Populate(context.Background(), &User{}, "Orders")
	assert.True(t, gpa.IsErrorType(err, gpa.ErrorTypeValidation))
}

func TestDeferAndFlush(t *testing.T) {
	f := newFixture(t)
	h := f.handler(userMeta)
	scope := batch.NewScope()
	ctx := batch.WithScope(context.Background(), scope)

	for _, id := range []int64{1, 2} {
		require.NoError(t, h.Defer(ctx, id, "Orders"))
		require.NoError(t, h.Defer(ctx, id, "Profile"))
	}
	require.NoError(t, h.Flush(ctx, scope))
	assert.False(t, scope.HasPending())
	assert.Equal(t, 1, f.orders.calls())
	assert.Equal(t, 1, f.profiles.calls())

	v, ok := scope.Resolved(batch.KeyFor("User.Orders", int64(1)), int64(1))
	require.True(t, ok)
	assert.Len(t, v, 2)
	v, ok = scope.Resolved(batch.KeyFor("User.Profile", int64(2)), int64(2))
	require.True(t, ok)
	assert.Nil(t, v)

	err := h.Defer(context.Background(), int64(1), "Orders")
	assert.True(t, gpa.IsErrorType(err, gpa.ErrorTypeValidation))
}

func TestResolveOneToMany_LazyAfterPrefetchIsServedFromCache(t *testing.T) {
	f := newFixture(t)
	h := f.handler(userMeta)
	scope := batch.NewScope()
	ctx := batch.WithScope(context.Background(), scope)

	require.NoError(t, h.PrefetchIDs(ctx, []any{int64(1), int64(2)}, "LazyOrders"))
	for _, id := range []int64{1, 2} {
		l, err := h.ResolveOneToMany(ctx, id, "LazyOrders")
		require.NoError(t, err)
		items, err := l.Get(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, items)
	}
	assert.Equal(t, 1, f.orders.calls())
	assert.False(t, scope.HasPending())
}

func TestResolveOneToMany_BatchSkipsCachedOwners(t *testing.T) {
	f := newFixture(t)
	h := f.handler(userMeta)
	ctx := batch.WithScope(context.Background(), batch.NewScope())

	first, err := h.ResolveOneToMany(ctx, int64(1), "LazyOrders")
	require.NoError(t, err)
	second, err := h.ResolveOneToMany(ctx, int64(2), "LazyOrders")
	require.NoError(t, err)
	require.NoError(t, h.PrefetchIDs(ctx, []any{int64(1)}, "LazyOrders"))

	items, err := second.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{12}, orderIDs(items))
	items, err = first.Get(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 2)

	assert.Equal(t, 2, int(f.orders.findIn.Load()))
	assert.Equal(t, 0, int(f.orders.findBy.Load()))
}

func TestResolve_ServesValuesAttachedToScope(t *testing.T) {
	f := newFixture(t)
	scope := batch.NewScope()
	ctx := batch.WithScope(context.Background(), scope)

	loader := f.handler(userMeta)
	require.NoError(t, loader.Defer(ctx, int64(1), "LazyOrders"))
	require.NoError(t, loader.Defer(ctx, int64(1), "Profile"))
	require.NoError(t, loader.Flush(ctx, scope))
	require.Equal(t, 1, f.orders.calls())
	require.Equal(t, 1, f.profiles.calls())

	// A second handler has its own cache and reads from the scope.
	reader := f.handler(userMeta)
	l, err := reader.ResolveOneToMany(ctx, int64(1), "LazyOrders")
	require.NoError(t, err)
	assert.True(t, l.IsEvaluated())
	items, err := l.Get(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{10, 11}, orderIDs(items))

	v, err := reader.ResolveOneToOne(ctx, int64(1), "Profile")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "gopher", v.(*Profile).Bio)

	assert.Equal(t, 1, f.orders.calls())
	assert.Equal(t, 1, f.profiles.calls())
}

func TestResolve_CoalescedFetchIgnoresCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.settings.honorContext = true
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v, err := f.handler(accountMeta).ResolveManyToOne(ctx, int64(7), "Settings")
	require.NoError(t, err)
	assert.Equal(t, "dark", v.(*Settings).Theme)

	_, err = f.handler(accountMeta, WithCoalescing(false)).ResolveManyToOne(ctx, int64(7), "Settings")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPrefetchAndPopulate_RejectValueOwners(t *testing.T) {
	f := newFixture(t)
	h := f.handler(userMeta)
	ctx := context.Background()

	err := h.Prefetch(ctx, []any{User{ID: 1}}, "Orders")
	assert.True(t, gpa.IsErrorType(err, gpa.ErrorTypeValidation))
	err = h.Populate(ctx, User{ID: 1}, "Orders")
	assert.True(t, gpa.IsErrorType(err, gpa.ErrorTypeValidation))
	assert.Equal(t, 0, f.orders.calls())
}
