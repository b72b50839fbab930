package relation

import (
	"context"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lemmego/gpa-core"
)

type User struct {
	ID         int64
	Name       string
	Profile    *Profile
	Orders     []*Order
	LazyOrders []*Order
	Tags       []*Tag
}

type Profile struct {
	ID   int64
	Bio  string
	User *User
}

type Order struct {
	ID     int64
	Amount int64
	User   *User
}

type Tag struct {
	ID    int64
	Label string
}

type Account struct {
	ID       int64
	Settings *Settings
}

type Settings struct {
	ID    int64
	Theme string
}

var (
	userMeta = gpa.MustDescribe(func(b *gpa.EntityBuilder[User]) {
		gpa.ID(b, "ID", func(u *User) *int64 { return &u.ID })
		gpa.Column(b, "Name", func(u *User) *string { return &u.Name })
		gpa.OneToOne(b, "Profile", func(u *User) **Profile { return &u.Profile })
		gpa.OneToMany(b, "Orders", func(u *User) *[]*Order { return &u.Orders })
		gpa.OneToMany(b, "LazyOrders", func(u *User) *[]*Order { return &u.LazyOrders }, gpa.Lazy())
		gpa.OneToMany(b, "Tags", func(u *User) *[]*Tag { return &u.Tags })
	})
	profileMeta = gpa.MustDescribe(func(b *gpa.EntityBuilder[Profile]) {
		gpa.ID(b, "ID", func(p *Profile) *int64 { return &p.ID })
		gpa.Column(b, "Bio", func(p *Profile) *string { return &p.Bio })
		gpa.OneToOne(b, "User", func(p *Profile) **User { return &p.User }, gpa.Owning())
	})
	orderMeta = gpa.MustDescribe(func(b *gpa.EntityBuilder[Order]) {
		gpa.ID(b, "ID", func(o *Order) *int64 { return &o.ID })
		gpa.Column(b, "Amount", func(o *Order) *int64 { return &o.Amount })
		gpa.ManyToOne(b, "User", func(o *Order) **User { return &o.User }, gpa.Owning())
	})
	tagMeta = gpa.MustDescribe(func(b *gpa.EntityBuilder[Tag]) {
		gpa.ID(b, "ID", func(t *Tag) *int64 { return &t.ID })
		gpa.Column(b, "Label", func(t *Tag) *string { return &t.Label })
	})
	accountMeta = gpa.MustDescribe(func(b *gpa.EntityBuilder[Account]) {
		gpa.ID(b, "ID", func(a *Account) *int64 { return &a.ID })
		gpa.ManyToOne(b, "Settings", func(a *Account) **Settings { return &a.Settings })
	})
	settingsMeta = gpa.MustDescribe(func(b *gpa.EntityBuilder[Settings]) {
		gpa.ID(b, "ID", func(s *Settings) *int64 { return &s.ID })
		gpa.Column(b, "Theme", func(s *Settings) *string { return &s.Theme })
	})
)

// memoryAdapter serves rows from memory and counts backend calls.
type memoryAdapter struct {
	mutex   sync.Mutex
	rows    []gpa.Row
	findBy  atomic.Int32
	findIn  atomic.Int32
	onFetch func()

	// honorContext makes lookups fail once ctx is done.
	honorContext bool
}

func (a *memoryAdapter) add(rows ...gpa.Row) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.rows = append(a.rows, rows...)
}

func (a *memoryAdapter) reset(rows ...gpa.Row) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.rows = rows
}

func (a *memoryAdapter) FindBy(ctx context.Context, meta *gpa.EntityMetadata, column string, value any, limit int) ([]gpa.Row, error) {
	a.findBy.Add(1)
	if a.honorContext && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	a.mutex.Lock()
	var out []gpa.Row
	for _, row := range a.rows {
		if v, ok := row.Get(column); ok && gpa.IDKey(v) == gpa.IDKey(value) {
			out = append(out, row)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	a.mutex.Unlock()

	// After the read: the caller already holds the old rows.
	if a.onFetch != nil {
		a.onFetch()
	}
	return out, nil
}

func (a *memoryAdapter) FindIn(ctx context.Context, meta *gpa.EntityMetadata, column string, values []any) ([]gpa.Row, error) {
	a.findIn.Add(1)
	if a.honorContext && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if a.onFetch != nil {
		a.onFetch()
	}
	a.mutex.Lock()
	defer a.mutex.Unlock()

	want := make(map[string]bool, len(values))
	for _, v := range values {
		want[gpa.IDKey(v)] = true
	}
	var out []gpa.Row
	for _, row := range a.rows {
		if v, ok := row.Get(column); ok && want[gpa.IDKey(v)] {
			out = append(out, row)
		}
	}
	return out, nil
}

func (a *memoryAdapter) calls() int {
	return int(a.findBy.Load() + a.findIn.Load())
}

type fixture struct {
	metadata *gpa.MetadataRegistry
	adapters *gpa.AdapterRegistry
	profiles *memoryAdapter
	orders   *memoryAdapter
	tags     *memoryAdapter
	settings *memoryAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		metadata: gpa.NewMetadataRegistry(),
		adapters: gpa.NewAdapterRegistry(),
		profiles: &memoryAdapter{},
		orders:   &memoryAdapter{},
		tags:     &memoryAdapter{},
		settings: &memoryAdapter{},
	}
	require.NoError(t, f.metadata.Register(userMeta, profileMeta, orderMeta, tagMeta, accountMeta, settingsMeta))
	require.NoError(t, f.adapters.RegisterFor(reflect.TypeOf(Profile{}), f.profiles))
	require.NoError(t, f.adapters.RegisterFor(reflect.TypeOf(Order{}), f.orders))
	require.NoError(t, f.adapters.RegisterFor(reflect.TypeOf(Tag{}), f.tags))
	require.NoError(t, f.adapters.RegisterFor(reflect.TypeOf(Settings{}), f.settings))

	f.orders.add(
		orderRow(10, 100, 1),
		orderRow(11, 250, 1),
		orderRow(12, 75, 2),
	)
	f.profiles.add(
		gpa.RowOf([]string{"id", "bio", "user_id"}, []any{int64(1), "gopher", int64(1)}),
	)
	f.settings.add(
		gpa.RowOf([]string{"id", "theme"}, []any{int64(7), "dark"}),
	)
	return f
}

func (f *fixture) handler(owner *gpa.EntityMetadata, opts ...Option) *Handler {
	opts = append([]Option{WithMetadata(f.metadata), WithAdapters(f.adapters)}, opts...)
	return NewHandler(owner, opts...)
}

func orderRow(id, amount, userID int64) gpa.Row {
	return gpa.RowOf([]string{"id", "amount", "user_id"}, []any{id, amount, userID})
}

func orderIDs(items []any) []int64 {
	out := make([]int64, 0, len(items))
	for _, item := range items {
		out = append(out, item.(*Order).ID)
	}
	return out
}
