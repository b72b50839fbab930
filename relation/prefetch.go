package relation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lemmego/gpa-core"
	"github.com/lemmego/gpa-core/batch"
)

// Prefetch loads the named association fields for every owner in one grouped
// lookup per field and seeds the cache, so later resolves for these owners
// do not reach the backend. Owners without a primary key are skipped.
func (h *Handler) Prefetch(ctx context.Context, owners []any, fields ...string) error {
	ids := make([]any, 0, len(owners))
	for _, owner := range owners {
		if err := gpa.RequirePointer(owner); err != nil {
			return err
		}
		if id := h.owner.ID(owner); !gpa.IsZeroID(id) {
			ids = append(ids, id)
		}
	}
	return h.PrefetchIDs(ctx, ids, fields...)
}

// PrefetchIDs is Prefetch for bare owner ids. Owners whose field is already
// cached are not looked up again.
func (h *Handler) PrefetchIDs(ctx context.Context, ids []any, fields ...string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, field := range fields {
		rel, ok := h.owner.Relationship(field)
		if !ok {
			return gpa.ConfigError(h.owner.Name, field, "not a relationship field")
		}
		if err := h.prefetch(ctx, ids, rel); err != nil {
			return err
		}
	}
	return nil
}

// Defer registers ownerID for field in the batch scope carried by ctx.
// Nothing is loaded until Flush, or until a lazy collection of the same
// field is first read.
func (h *Handler) Defer(ctx context.Context, ownerID any, field string) error {
	rel, ok := h.owner.Relationship(field)
	if !ok {
		return gpa.ConfigError(h.owner.Name, field, "not a relationship field")
	}
	scope, ok := batch.FromContext(ctx)
	if !ok {
		return gpa.NewError(gpa.ErrorTypeValidation, "no batch scope in context")
	}
	scope.Register(h.batchKey(rel, ownerID), ownerID)
	return nil
}

// Flush loads every pending key of scope that belongs to this handler's
// owner type and attaches the results to the scope. Keys of other owner
// types are left pending.
func (h *Handler) Flush(ctx context.Context, scope *batch.Scope) error {
	prefix := h.owner.Name + "."
	for _, key := range scope.Pending() {
		if !strings.HasPrefix(key.Field, prefix) {
			continue
		}
		field := strings.TrimPrefix(key.Field, prefix)
		rel, ok := h.owner.Relationship(field)
		if !ok {
			return gpa.ConfigError(h.owner.Name, field, "not a relationship field")
		}
		ids := scope.Drain(key)
		if len(ids) == 0 {
			continue
		}
		if err := h.prefetch(ctx, ids, rel); err != nil {
			return err
		}
		for _, id := range ids {
			e, hit := h.cache.Get(h.key(id, rel))
			if !hit {
				continue
			}
			v := e.Value
			if rel.Collection {
				v = cloneItems(v)
			}
			scope.Attach(key, id, v)
		}
		h.logger.Debug("flushed batch", zap.String("field", key.Field), zap.Int("owners", len(ids)))
	}
	return nil
}

func (h *Handler) prefetch(ctx context.Context, ids []any, rel *gpa.RelationshipMetadata) error {
	ids = h.uncached(distinct(ids), rel)
	if len(ids) == 0 {
		return nil
	}
	stamps := make([]Stamp, len(ids))
	for i, id := range ids {
		stamps[i] = h.cache.Stamp(h.owner.Name, id)
	}

	target, adapter, err := h.target(rel)
	if err != nil {
		return err
	}

	var values map[string]any
	switch rel.Kind {
	case gpa.KindManyToOne:
		values, err = h.prefetchByPrimaryKey(ctx, adapter, target, ids)
	case gpa.KindOneToOne:
		values, err = h.prefetchOneToOne(ctx, adapter, target, rel, ids)
	case gpa.KindOneToMany:
		values, err = h.prefetchOneToMany(ctx, adapter, target, rel, ids)
	default:
		err = gpa.ConfigError(h.owner.Name, rel.Field.Name, "unknown relationship kind %q", rel.Kind)
	}
	if err != nil {
		return err
	}

	stale := 0
	for i, id := range ids {
		v := values[gpa.IDKey(id)]
		if !h.cache.PutIfCurrent(h.key(id, rel), Entry{Value: v, Absent: v == nil}, stamps[i]) {
			stale++
		}
	}
	h.logger.Debug("prefetched",
		zap.String("field", rel.Field.Name),
		zap.Int("owners", len(ids)),
		zap.Int("stale", stale))
	return nil
}

func (h *Handler) prefetchByPrimaryKey(ctx context.Context, adapter gpa.Adapter, target *gpa.EntityMetadata, ids []any) (map[string]any, error) {
	pk := target.PrimaryKey.StorageName
	rows, err := adapter.FindIn(ctx, target, pk, ids)
	if err != nil {
		return nil, err
	}
	values := make(map[string]any, len(rows))
	for _, row := range rows {
		key, ok := row.Get(pk)
		if !ok {
			continue
		}
		e, err := target.Materialize(row)
		if err != nil {
			return nil, err
		}
		values[gpa.IDKey(key)] = e
	}
	return values, nil
}

func (h *Handler) prefetchOneToOne(ctx context.Context, adapter gpa.Adapter, target *gpa.EntityMetadata, rel *gpa.RelationshipMetadata, ids []any) (map[string]any, error) {
	back := target.BackReference(gpa.KindOneToOne, h.owner.Type, rel.MappedBy)
	if back == nil {
		h.logger.Warn("no back-reference for one-to-one relationship",
			zap.String("field", rel.Field.Name), zap.String("target", target.Name))
		return nil, nil
	}
	col := back.Field.StorageName
	rows, err := adapter.FindIn(ctx, target, col, ids)
	if err != nil {
		return nil, err
	}
	values := make(map[string]any, len(rows))
	for _, row := range rows {
		ref, ok := row.Get(col)
		if !ok {
			continue
		}
		key := gpa.IDKey(ref)
		if _, dup := values[key]; dup {
			return nil, h.cardinalityError(rel, ref)
		}
		e, err := target.Materialize(row)
		if err != nil {
			return nil, err
		}
		values[key] = e
	}
	return values, nil
}

func (h *Handler) prefetchOneToMany(ctx context.Context, adapter gpa.Adapter, target *gpa.EntityMetadata, rel *gpa.RelationshipMetadata, ids []any) (map[string]any, error) {
	values := make(map[string]any, len(ids))
	for _, id := range ids {
		values[gpa.IDKey(id)] = []any{}
	}
	back := target.BackReference(gpa.KindManyToOne, h.owner.Type, rel.MappedBy)
	if back == nil {
		h.logger.Warn("no back-reference for one-to-many relationship",
			zap.String("field", rel.Field.Name), zap.String("target", target.Name))
		return values, nil
	}
	col := back.Field.StorageName
	rows, err := adapter.FindIn(ctx, target, col, ids)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		ref, ok := row.Get(col)
		if !ok {
			continue
		}
		key := gpa.IDKey(ref)
		items, known := values[key]
		if !known {
			continue
		}
		e, err := target.Materialize(row)
		if err != nil {
			return nil, err
		}
		values[key] = append(items.([]any), e)
	}
	return values, nil
}

func (h *Handler) uncached(ids []any, rel *gpa.RelationshipMetadata) []any {
	out := ids[:0:0]
	for _, id := range ids {
		if _, hit := h.cache.Get(h.key(id, rel)); !hit {
			out = append(out, id)
		}
	}
	return out
}

func distinct(ids []any) []any {
	seen := make(map[string]struct{}, len(ids))
	out := make([]any, 0, len(ids))
	for _, id := range ids {
		k := gpa.IDKey(id)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, id)
	}
	return out
}

// String renders the handler for log output.
func (h *Handler) String() string {
	return fmt.Sprintf("relation.Handler(%s)", h.owner.Name)
}
