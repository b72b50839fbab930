package gpa

import "context"

// =====================================
// Backend Collaborators
// =====================================

// Adapter runs the lookups the relationship handler needs against one
// backend. Returned rows are keyed by storage name.
type Adapter interface {
	// FindBy returns the rows of meta whose column equals value.
	// A limit <= 0 means no limit.
	FindBy(ctx context.Context, meta *EntityMetadata, column string, value any, limit int) ([]Row, error)

	// FindIn returns the rows of meta whose column is one of values.
	FindIn(ctx context.Context, meta *EntityMetadata, column string, values []any) ([]Row, error)
}

// UnitOfWork applies the leaf write operations of a cascade.
type UnitOfWork interface {
	Insert(ctx context.Context, meta *EntityMetadata, entity any) error
	Update(ctx context.Context, meta *EntityMetadata, entity any) error
	Delete(ctx context.Context, meta *EntityMetadata, entity any) error
}

// Executor runs a compiled aggregation plan.
type Executor interface {
	Execute(ctx context.Context, meta *EntityMetadata, plan *CompiledPlan) ([]Row, error)
}

// UnitOfWorkFuncs adapts plain functions to UnitOfWork. Nil functions are no-ops.
type UnitOfWorkFuncs struct {
	InsertFunc func(ctx context.Context, meta *EntityMetadata, entity any) error
	UpdateFunc func(ctx context.Context, meta *EntityMetadata, entity any) error
	DeleteFunc func(ctx context.Context, meta *EntityMetadata, entity any) error
}

func (u UnitOfWorkFuncs) Insert(ctx context.Context, meta *EntityMetadata, entity any) error {
	if u.InsertFunc == nil {
		return nil
	}
	return u.InsertFunc(ctx, meta, entity)
}

func (u UnitOfWorkFuncs) Update(ctx context.Context, meta *EntityMetadata, entity any) error {
	if u.UpdateFunc == nil {
		return nil
	}
	return u.UpdateFunc(ctx, meta, entity)
}

func (u UnitOfWorkFuncs) Delete(ctx context.Context, meta *EntityMetadata, entity any) error {
	if u.DeleteFunc == nil {
		return nil
	}
	return u.DeleteFunc(ctx, meta, entity)
}
