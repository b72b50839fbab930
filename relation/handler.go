// Package relation resolves association fields of entities with caching,
// batched prefetch and deferred collections.
package relation

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lemmego/gpa-core"
	"github.com/lemmego/gpa-core/batch"
)

// Handler resolves the association fields of one owner entity type.
// It is safe for concurrent use.
type Handler struct {
	owner    *gpa.EntityMetadata
	metadata *gpa.MetadataRegistry
	adapters *gpa.AdapterRegistry
	cache    Cache
	logger   *zap.Logger
	coalesce bool
	group    singleflight.Group
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetadata sets the metadata registry used to find target entities.
func WithMetadata(r *gpa.MetadataRegistry) Option {
	return func(h *Handler) { h.metadata = r }
}

// WithAdapters sets the registry used to find the adapter of a target.
func WithAdapters(r *gpa.AdapterRegistry) Option {
	return func(h *Handler) { h.adapters = r }
}

// WithCache shares a cache between handlers.
func WithCache(c Cache) Option {
	return func(h *Handler) { h.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// WithCoalescing toggles merging of concurrent misses on the same key.
func WithCoalescing(enabled bool) Option {
	return func(h *Handler) { h.coalesce = enabled }
}

// NewHandler returns a handler for owner.
func NewHandler(owner *gpa.EntityMetadata, opts ...Option) *Handler {
	h := &Handler{
		owner:    owner,
		metadata: gpa.Metadata(),
		adapters: gpa.Adapters(),
		coalesce: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.cache == nil {
		h.cache = NewMemoryCache()
	}
	if h.logger == nil {
		h.logger = gpa.Logger()
	}
	h.logger = h.logger.With(zap.String("owner", owner.Name))
	return h
}

// Owner returns the metadata of the owner type.
func (h *Handler) Owner() *gpa.EntityMetadata {
	return h.owner
}

// ResolveManyToOne returns the entity associated through field, or nil when
// there is none. The owner id is matched against the target's primary key.
func (h *Handler) ResolveManyToOne(ctx context.Context, ownerID any, field string) (any, error) {
	rel, err := h.relationship(field, gpa.KindManyToOne)
	if err != nil {
		return nil, err
	}
	return h.resolveSingle(ctx, ownerID, rel)
}

// ResolveOneToOne returns the entity whose back-reference points at ownerID,
// or nil. A target without a back-reference resolves to nil.
func (h *Handler) ResolveOneToOne(ctx context.Context, ownerID any, field string) (any, error) {
	rel, err := h.relationship(field, gpa.KindOneToOne)
	if err != nil {
		return nil, err
	}
	return h.resolveSingle(ctx, ownerID, rel)
}

// ResolveOneToMany returns the children of ownerID. Non-lazy fields come back
// evaluated. Lazy fields are loaded on the first Get; when ctx carries a
// batch scope the owner is registered there and the first Get loads every
// owner registered for the field in one lookup.
func (h *Handler) ResolveOneToMany(ctx context.Context, ownerID any, field string) (*Lazy[[]any], error) {
	rel, err := h.relationship(field, gpa.KindOneToMany)
	if err != nil {
		return nil, err
	}
	if !rel.Lazy {
		items, err := h.resolveCollection(ctx, ownerID, rel)
		if err != nil {
			return nil, err
		}
		return Evaluated(items), nil
	}

	scope, _ := batch.FromContext(ctx)
	key := h.batchKey(rel, ownerID)
	if items, ok := h.loaded(scope, key, ownerID, rel); ok {
		return Evaluated(items), nil
	}
	if scope != nil {
		scope.Register(key, ownerID)
	}
	return Deferred(func(ctx context.Context) ([]any, error) {
		if items, ok := h.loaded(scope, key, ownerID, rel); ok {
			return items, nil
		}
		if scope != nil {
			if ids := scope.Drain(key); len(ids) > 0 {
				if err := h.prefetch(ctx, ids, rel); err != nil {
					return nil, err
				}
			}
		}
		return h.resolveCollection(ctx, ownerID, rel)
	}), nil
}

// loaded returns the collection of ownerID when the cache or the batch scope
// already holds it.
func (h *Handler) loaded(scope *batch.Scope, key batch.Key, ownerID any, rel *gpa.RelationshipMetadata) ([]any, bool) {
	if e, ok := h.cache.Get(h.key(ownerID, rel)); ok {
		return cloneItems(e.Value), true
	}
	if scope != nil {
		if v, ok := scope.Resolved(key, ownerID); ok {
			return cloneItems(v), true
		}
	}
	return nil, false
}

// Resolve dispatches on the relationship kind of field. Collections are
// evaluated before returning.
func (h *Handler) Resolve(ctx context.Context, ownerID any, field string) (any, error) {
	rel, ok := h.owner.Relationship(field)
	if !ok {
		return nil, gpa.ConfigError(h.owner.Name, field, "not a relationship field")
	}
	switch rel.Kind {
	case gpa.KindManyToOne, gpa.KindOneToOne:
		return h.resolveSingle(ctx, ownerID, rel)
	case gpa.KindOneToMany:
		lazy, err := h.ResolveOneToMany(ctx, ownerID, field)
		if err != nil {
			return nil, err
		}
		return lazy.Get(ctx)
	default:
		return nil, gpa.ConfigError(h.owner.Name, field, "unknown relationship kind %q", rel.Kind)
	}
}

// Populate resolves the named association fields of owner and stores them
// through the field accessors.
func (h *Handler) Populate(ctx context.Context, owner any, fields ...string) error {
	if err := gpa.RequirePointer(owner); err != nil {
		return err
	}
	id := h.owner.ID(owner)
	if gpa.IsZeroID(id) {
		return gpa.NewError(gpa.ErrorTypeValidation, fmt.Sprintf("%s has no primary key value", h.owner.Name))
	}
	for _, field := range fields {
		rel, ok := h.owner.Relationship(field)
		if !ok {
			return gpa.ConfigError(h.owner.Name, field, "not a relationship field")
		}
		v, err := h.Resolve(ctx, id, field)
		if err != nil {
			return err
		}
		if err := rel.Field.Accessor.Set(owner, v); err != nil {
			return gpa.NewErrorWithCause(gpa.ErrorTypeSerialization,
				fmt.Sprintf("cannot assign %s.%s", h.owner.Name, field), err)
		}
	}
	return nil
}

// Invalidate drops every cached association of ownerID. Call it after the
// write touching ownerID has completed.
func (h *Handler) Invalidate(ownerID any) {
	h.cache.Invalidate(h.owner.Name, ownerID)
	h.logger.Debug("invalidated", zap.Any("id", ownerID))
}

// Clear drops the whole cache.
func (h *Handler) Clear() {
	h.cache.Clear()
}

func (h *Handler) resolveSingle(ctx context.Context, ownerID any, rel *gpa.RelationshipMetadata) (any, error) {
	key := h.key(ownerID, rel)
	stamp := h.cache.Stamp(h.owner.Name, ownerID)
	if e, ok := h.cache.Get(key); ok {
		return e.Value, nil
	}
	if scope, ok := batch.FromContext(ctx); ok {
		if v, ok := scope.Resolved(h.batchKey(rel, ownerID), ownerID); ok {
			return v, nil
		}
	}

	target, adapter, err := h.target(rel)
	if err != nil {
		return nil, err
	}

	return h.load(ctx, key, stamp, func(ctx context.Context) (any, error) {
		switch rel.Kind {
		case gpa.KindManyToOne:
			rows, err := adapter.FindBy(ctx, target, target.PrimaryKey.StorageName, ownerID, 1)
			if err != nil || len(rows) == 0 {
				return nil, err
			}
			return target.Materialize(rows[0])
		case gpa.KindOneToOne:
			back := target.BackReference(gpa.KindOneToOne, h.owner.Type, rel.MappedBy)
			if back == nil {
				h.logger.Warn("no back-reference for one-to-one relationship",
					zap.String("field", rel.Field.Name), zap.String("target", target.Name))
				return nil, nil
			}
			rows, err := adapter.FindBy(ctx, target, back.Field.StorageName, ownerID, 2)
			if err != nil || len(rows) == 0 {
				return nil, err
			}
			if len(rows) > 1 {
				return nil, h.cardinalityError(rel, ownerID)
			}
			return target.Materialize(rows[0])
		default:
			return nil, gpa.ConfigError(h.owner.Name, rel.Field.Name, "%s is not single-valued", rel.Kind)
		}
	})
}

func (h *Handler) resolveCollection(ctx context.Context, ownerID any, rel *gpa.RelationshipMetadata) ([]any, error) {
	key := h.key(ownerID, rel)
	stamp := h.cache.Stamp(h.owner.Name, ownerID)
	if e, ok := h.cache.Get(key); ok {
		return cloneItems(e.Value), nil
	}

	target, adapter, err := h.target(rel)
	if err != nil {
		return nil, err
	}

	v, err := h.load(ctx, key, stamp, func(ctx context.Context) (any, error) {
		back := target.BackReference(gpa.KindManyToOne, h.owner.Type, rel.MappedBy)
		if back == nil {
			h.logger.Warn("no back-reference for one-to-many relationship",
				zap.String("field", rel.Field.Name), zap.String("target", target.Name))
			return []any{}, nil
		}
		rows, err := adapter.FindBy(ctx, target, back.Field.StorageName, ownerID, 0)
		if err != nil {
			return nil, err
		}
		items := make([]any, 0, len(rows))
		for _, row := range rows {
			e, err := target.Materialize(row)
			if err != nil {
				return nil, err
			}
			items = append(items, e)
		}
		return items, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneItems(v), nil
}

// load runs fetch, coalescing concurrent callers holding the same stamp,
// and caches the outcome unless the owner was invalidated meanwhile.
// A coalesced fetch is shared by every caller, so it runs detached from the
// cancellation of the caller that started it.
func (h *Handler) load(ctx context.Context, key Key, stamp Stamp, fetch func(ctx context.Context) (any, error)) (any, error) {
	run := func(ctx context.Context) (any, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if !h.cache.PutIfCurrent(key, Entry{Value: v, Absent: v == nil}, stamp) {
			h.logger.Debug("discarding stale resolution", zap.Stringer("key", key))
		}
		return v, nil
	}
	if !h.coalesce {
		return run(ctx)
	}
	flight := fmt.Sprintf("%s@%d.%d", key, stamp.Epoch, stamp.Generation)
	shared := context.WithoutCancel(ctx)
	v, err, _ := h.group.Do(flight, func() (any, error) {
		return run(shared)
	})
	return v, err
}

func (h *Handler) relationship(field string, kind gpa.RelationKind) (*gpa.RelationshipMetadata, error) {
	rel, ok := h.owner.Relationship(field)
	if !ok {
		return nil, gpa.ConfigError(h.owner.Name, field, "not a relationship field")
	}
	if rel.Kind != kind {
		return nil, gpa.ConfigError(h.owner.Name, field, "declared %s, resolved as %s", rel.Kind, kind)
	}
	return rel, nil
}

func (h *Handler) target(rel *gpa.RelationshipMetadata) (*gpa.EntityMetadata, gpa.Adapter, error) {
	target, ok := h.metadata.ByType(rel.Target())
	if !ok {
		return nil, nil, gpa.ConfigError(h.owner.Name, rel.Field.Name, "no metadata registered for %s", rel.Target())
	}
	var (
		adapter gpa.Adapter
		found   bool
	)
	if rel.Repository != "" {
		adapter, found = h.adapters.Named(rel.Repository)
	} else {
		adapter, found = h.adapters.For(target.Type)
	}
	if !found {
		name := rel.Repository
		if name == "" {
			name = target.Name
		}
		return nil, nil, gpa.ConfigError(h.owner.Name, rel.Field.Name, "no adapter registered for %s", name)
	}
	return target, adapter, nil
}

func (h *Handler) key(ownerID any, rel *gpa.RelationshipMetadata) Key {
	return Key{OwnerType: h.owner.Name, OwnerID: ownerID, Field: rel.Field.Name}
}

func (h *Handler) batchKey(rel *gpa.RelationshipMetadata, ownerID any) batch.Key {
	return batch.KeyFor(h.owner.Name+"."+rel.Field.Name, ownerID)
}

func (h *Handler) cardinalityError(rel *gpa.RelationshipMetadata, ownerID any) error {
	return gpa.GPAError{
		Type:    gpa.ErrorTypeCardinality,
		Message: fmt.Sprintf("%s.%s: more than one %s for owner %v", h.owner.Name, rel.Field.Name, rel.Target().Name(), ownerID),
		Code:    h.owner.Name,
	}
}

func cloneItems(v any) []any {
	items, _ := v.([]any)
	out := make([]any, len(items))
	copy(out, items)
	return out
}
