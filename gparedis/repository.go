package gparedis

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lemmego/gpa-core"
)

// =====================================
// Lookups
// =====================================

// FindBy implements gpa.Adapter. Rows come back in id order.
func (a *Adapter) FindBy(ctx context.Context, meta *gpa.EntityMetadata, column string, value any, limit int) ([]gpa.Row, error) {
	ids, err := a.lookup(ctx, meta, column, []any{value})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return a.load(ctx, meta, ids)
}

// FindIn implements gpa.Adapter.
func (a *Adapter) FindIn(ctx context.Context, meta *gpa.EntityMetadata, column string, values []any) ([]gpa.Row, error) {
	if len(values) == 0 {
		return nil, nil
	}
	ids, err := a.lookup(ctx, meta, column, values)
	if err != nil {
		return nil, err
	}
	return a.load(ctx, meta, ids)
}

// lookup resolves column values to record ids, reading the index sets
// unless column is the primary key.
func (a *Adapter) lookup(ctx context.Context, meta *gpa.EntityMetadata, column string, values []any) ([]string, error) {
	if column == meta.PrimaryKey.StorageName {
		seen := make(map[string]bool, len(values))
		ids := make([]string, 0, len(values))
		for _, v := range values {
			if v == nil {
				continue
			}
			id := gpa.IDKey(v)
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
		return ids, nil
	}

	keys := make([]string, 0, len(values))
	for _, v := range values {
		if v != nil {
			keys = append(keys, a.indexKey(meta, column, v))
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}
	ids, err := a.client.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, convertRedisError(err)
	}
	sortIDs(ids)
	return ids, nil
}

func (a *Adapter) load(ctx context.Context, meta *gpa.EntityMetadata, ids []string) ([]gpa.Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = a.recordKey(meta, id)
	}
	values, err := a.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, convertRedisError(err)
	}

	rows := make([]gpa.Row, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Index entry without a record.
			a.logger.Debug("dangling index entry", zap.String("key", keys[i]))
			continue
		}
		row, err := a.codec.Decode([]byte(s))
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// sortIDs orders numeric ids numerically, before any non-numeric ones.
func sortIDs(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		a, aErr := strconv.ParseInt(ids[i], 10, 64)
		b, bErr := strconv.ParseInt(ids[j], 10, 64)
		switch {
		case aErr == nil && bErr == nil:
			return a < b
		case aErr == nil:
			return true
		case bErr == nil:
			return false
		}
		return ids[i] < ids[j]
	})
}

// =====================================
// Unit of Work
// =====================================

// Insert implements gpa.UnitOfWork. A zero primary key is generated: a
// UUID for uuid and string keys, the next sequence value otherwise.
func (a *Adapter) Insert(ctx context.Context, meta *gpa.EntityMetadata, entity any) error {
	if gpa.IsZeroID(meta.ID(entity)) {
		id, err := a.generateID(ctx, meta)
		if err != nil {
			return err
		}
		if err := meta.PrimaryKey.Accessor.Set(entity, id); err != nil {
			return gpa.NewErrorWithCause(gpa.ErrorTypeSerialization,
				fmt.Sprintf("cannot store generated id in %s.%s", meta.Name, meta.PrimaryKey.Name), err)
		}
	}

	row, err := a.metadata.Values(meta, entity)
	if err != nil {
		return err
	}
	data, err := a.codec.Encode(row)
	if err != nil {
		return err
	}

	id := gpa.IDKey(meta.ID(entity))
	created, err := a.client.SetNX(ctx, a.recordKey(meta, id), data, 0).Result()
	if err != nil {
		return convertRedisError(err)
	}
	if !created {
		return gpa.NewError(gpa.ErrorTypeDuplicate, fmt.Sprintf("%s %s already exists", meta.Name, id))
	}

	_, err = a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		a.index(ctx, pipe, meta, id, gpa.Row{}, row)
		return nil
	})
	return convertRedisError(err)
}

// Update implements gpa.UnitOfWork. The record is replaced and its index
// entries moved under WATCH, so a concurrent write aborts the update.
func (a *Adapter) Update(ctx context.Context, meta *gpa.EntityMetadata, entity any) error {
	row, err := a.metadata.Values(meta, entity)
	if err != nil {
		return err
	}
	data, err := a.codec.Encode(row)
	if err != nil {
		return err
	}

	id := gpa.IDKey(meta.ID(entity))
	key := a.recordKey(meta, id)
	return a.watch(ctx, meta, id, key, func(tx *redis.Tx, old gpa.Row) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			a.index(ctx, pipe, meta, id, old, row)
			return nil
		})
		return err
	})
}

// Delete implements gpa.UnitOfWork.
func (a *Adapter) Delete(ctx context.Context, meta *gpa.EntityMetadata, entity any) error {
	if err := gpa.RequirePointer(entity); err != nil {
		return err
	}
	id := gpa.IDKey(meta.ID(entity))
	key := a.recordKey(meta, id)
	return a.watch(ctx, meta, id, key, func(tx *redis.Tx, old gpa.Row) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			a.index(ctx, pipe, meta, id, old, gpa.Row{})
			return nil
		})
		return err
	})
}

// watch loads the current record under WATCH and hands it to apply.
func (a *Adapter) watch(ctx context.Context, meta *gpa.EntityMetadata, id, key string, apply func(tx *redis.Tx, old gpa.Row) error) error {
	err := a.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return gpa.NewError(gpa.ErrorTypeNotFound, fmt.Sprintf("%s %s not found", meta.Name, id))
		}
		if err != nil {
			return err
		}
		old, err := a.codec.Decode(data)
		if err != nil {
			return err
		}
		return apply(tx, old)
	}, key)
	return convertRedisError(err)
}

// index moves id from the index sets of old to those of row. Columns
// holding nil are not indexed.
func (a *Adapter) index(ctx context.Context, pipe redis.Pipeliner, meta *gpa.EntityMetadata, id string, old, row gpa.Row) {
	pk := meta.PrimaryKey.StorageName
	for i, col := range old.Columns {
		if col != pk && old.Values[i] != nil {
			pipe.SRem(ctx, a.indexKey(meta, col, old.Values[i]), id)
		}
	}
	for i, col := range row.Columns {
		if col != pk && row.Values[i] != nil {
			pipe.SAdd(ctx, a.indexKey(meta, col, row.Values[i]), id)
		}
	}
}

var uuidType = reflect.TypeOf(uuid.UUID{})

func (a *Adapter) generateID(ctx context.Context, meta *gpa.EntityMetadata) (any, error) {
	switch t := meta.PrimaryKey.Type; {
	case t == uuidType:
		return uuid.New(), nil
	case t.Kind() == reflect.String:
		return uuid.NewString(), nil
	}
	n, err := a.client.Incr(ctx, a.sequenceKey(meta)).Result()
	if err != nil {
		return nil, convertRedisError(err)
	}
	return n, nil
}
