// Package cascade walks the owning associations of an entity graph and
// applies insert, update or delete to every reachable entity exactly once.
package cascade

import (
	"context"
	"fmt"
	"reflect"

	"go.uber.org/zap"

	"github.com/lemmego/gpa-core"
)

// Coordinator propagates write operations across cascading relationships.
// A Coordinator holds no per-call state and may be shared.
type Coordinator struct {
	metadata *gpa.MetadataRegistry
	logger   *zap.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used for visit tracing.
func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New returns a coordinator reading entity metadata from reg. A nil reg
// means the process-wide registry.
func New(reg *gpa.MetadataRegistry, opts ...Option) *Coordinator {
	if reg == nil {
		reg = gpa.Metadata()
	}
	c := &Coordinator{metadata: reg}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = gpa.Logger()
	}
	return c
}

// CascadeInsert inserts root and everything reachable from it through
// relationships cascading inserts. Children are written before their parent.
func (c *Coordinator) CascadeInsert(ctx context.Context, root any, uow gpa.UnitOfWork) error {
	return c.run(ctx, root, gpa.CascadeInsert, uow.Insert)
}

// CascadeUpdate is CascadeInsert for updates.
func (c *Coordinator) CascadeUpdate(ctx context.Context, root any, uow gpa.UnitOfWork) error {
	return c.run(ctx, root, gpa.CascadeUpdate, uow.Update)
}

// CascadeDelete is CascadeInsert for deletes.
func (c *Coordinator) CascadeDelete(ctx context.Context, root any, uow gpa.UnitOfWork) error {
	return c.run(ctx, root, gpa.CascadeDelete, uow.Delete)
}

type leafFunc func(ctx context.Context, meta *gpa.EntityMetadata, entity any) error

type walk struct {
	*Coordinator
	op      gpa.CascadeOp
	apply   leafFunc
	visited map[string]struct{}
}

func (c *Coordinator) run(ctx context.Context, root any, op gpa.CascadeOp, apply leafFunc) error {
	if isNil(root) {
		return gpa.NewError(gpa.ErrorTypeValidation, "cascade root is nil")
	}
	if err := gpa.RequirePointer(root); err != nil {
		return err
	}
	w := &walk{
		Coordinator: c,
		op:          op,
		apply:       apply,
		visited:     make(map[string]struct{}),
	}
	return w.visit(ctx, root, 0)
}

func (w *walk) visit(ctx context.Context, entity any, depth int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	meta, err := w.metadata.Of(entity)
	if err != nil {
		return err
	}

	key := visitKey(meta, entity)
	if _, seen := w.visited[key]; seen {
		return nil
	}
	w.visited[key] = struct{}{}
	w.logger.Debug("cascade visit",
		zap.Stringer("op", w.op),
		zap.String("entity", meta.Name),
		zap.String("key", key),
		zap.Int("depth", depth))

	for _, rel := range meta.Relationships {
		if !rel.Cascades(w.op) {
			continue
		}
		value := rel.Field.Accessor.Get(entity)
		if isNil(value) {
			continue
		}
		if !rel.Collection {
			if err := w.visit(ctx, value, depth+1); err != nil {
				return err
			}
			continue
		}
		items := reflect.ValueOf(value)
		if items.Kind() != reflect.Slice && items.Kind() != reflect.Array {
			return gpa.ConfigError(meta.Name, rel.Field.Name, "collection accessor returned %T", value)
		}
		for i := 0; i < items.Len(); i++ {
			item := items.Index(i).Interface()
			if isNil(item) {
				continue
			}
			if err := w.visit(ctx, item, depth+1); err != nil {
				return err
			}
		}
	}

	return w.apply(ctx, meta, entity)
}

// visitKey identifies a node by type and primary key. Entities without a
// key yet are identified by address so unsaved cycles still terminate.
// Entities are always pointers here; Of rejects anything else.
func visitKey(meta *gpa.EntityMetadata, entity any) string {
	if id := meta.ID(entity); !gpa.IsZeroID(id) {
		return meta.Name + ":" + gpa.IDKey(id)
	}
	return fmt.Sprintf("%s@%#x", meta.Name, reflect.ValueOf(entity).Pointer())
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map:
		return rv.IsNil()
	}
	return false
}
