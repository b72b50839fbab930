package gpa

import (
	"fmt"
	"reflect"
)

// =====================================
// Entity Metadata Builder
// =====================================

// EntityBuilder collects the field descriptions of entity type E.
// Fields are declared with the package-level ID, Column, ManyToOne,
// OneToOne and OneToMany helpers, which bind typed accessors.
type EntityBuilder[E any] struct {
	storageName string
	fields      []*FieldMetadata
	err         error
}

// FieldOption customises a column field.
type FieldOption func(*FieldMetadata)

// RelationOption customises a relationship field.
type RelationOption func(*RelationshipMetadata)

// Describe builds the metadata of entity type E.
// Example:
//
//	meta, err := gpa.Describe(func(b *gpa.EntityBuilder[User]) {
//	    gpa.ID(b, "ID", func(u *User) *int64 { return &u.ID })
//	    gpa.Column(b, "Name", func(u *User) *string { return &u.Name })
//	    gpa.OneToMany(b, "Orders", func(u *User) *[]*Order { return &u.Orders }, gpa.Lazy())
//	})
func Describe[E any](build func(b *EntityBuilder[E])) (*EntityMetadata, error) {
	b := &EntityBuilder[E]{}
	build(b)
	if b.err != nil {
		return nil, b.err
	}
	return NewEntityMetadata(reflect.TypeOf((*E)(nil)).Elem(), b.storageName, b.fields, func() any { return new(E) })
}

// MustDescribe is like Describe but panics on error. Intended for package-level
// metadata declarations.
func MustDescribe[E any](build func(b *EntityBuilder[E])) *EntityMetadata {
	meta, err := Describe(build)
	if err != nil {
		panic(err)
	}
	return meta
}

// Storage overrides the table/collection/key-prefix name.
func (b *EntityBuilder[E]) Storage(name string) *EntityBuilder[E] {
	b.storageName = name
	return b
}

func (b *EntityBuilder[E]) add(f *FieldMetadata) {
	b.fields = append(b.fields, f)
}

// StorageName overrides the column name of a field.
func StorageName(name string) FieldOption {
	return func(f *FieldMetadata) { f.StorageName = name }
}

// WithConsistency attaches a read-consistency hint.
func WithConsistency(c Consistency) FieldOption {
	return func(f *FieldMetadata) { f.Consistency = c }
}

// Owning marks the declaring side as owner of the association.
func Owning() RelationOption {
	return func(r *RelationshipMetadata) {
		r.Owning = true
		r.Field.Owning = true
	}
}

// Cascade enables propagation of the given operations. It implies Owning.
func Cascade(ops CascadeOp) RelationOption {
	return func(r *RelationshipMetadata) {
		r.Cascade |= ops
		r.Owning = true
		r.Field.Owning = true
	}
}

// Lazy defers collection loading until first access.
func Lazy() RelationOption {
	return func(r *RelationshipMetadata) {
		r.Lazy = true
		r.Field.Lazy = true
	}
}

// MappedBy names the back-reference field on the target entity.
func MappedBy(field string) RelationOption {
	return func(r *RelationshipMetadata) { r.MappedBy = field }
}

// Repository routes lookups of the target through a named adapter.
func Repository(name string) RelationOption {
	return func(r *RelationshipMetadata) { r.Repository = name }
}

// JoinColumn overrides the foreign-key column of a single-valued association.
func JoinColumn(name string) RelationOption {
	return func(r *RelationshipMetadata) { r.Field.StorageName = name }
}

// ID declares the primary-key field.
func ID[E, V any](b *EntityBuilder[E], name string, ref func(*E) *V, opts ...FieldOption) *FieldMetadata {
	f := column(name, ref, opts)
	f.PrimaryKey = true
	b.add(f)
	return f
}

// Column declares a plain persisted field.
func Column[E, V any](b *EntityBuilder[E], name string, ref func(*E) *V, opts ...FieldOption) *FieldMetadata {
	f := column(name, ref, opts)
	b.add(f)
	return f
}

// ManyToOne declares a single-valued association to T stored as a foreign key.
func ManyToOne[E, T any](b *EntityBuilder[E], name string, ref func(*E) **T, opts ...RelationOption) *RelationshipMetadata {
	return single(b, KindManyToOne, name, ref, opts)
}

// OneToOne declares a single-valued association to T.
func OneToOne[E, T any](b *EntityBuilder[E], name string, ref func(*E) **T, opts ...RelationOption) *RelationshipMetadata {
	return single(b, KindOneToOne, name, ref, opts)
}

// OneToMany declares a collection of T pointing back to E.
func OneToMany[E, T any](b *EntityBuilder[E], name string, ref func(*E) *[]*T, opts ...RelationOption) *RelationshipMetadata {
	target := reflect.TypeOf((*T)(nil)).Elem()
	f := &FieldMetadata{
		Name:        name,
		StorageName: ToSnakeCase(name),
		Type:        reflect.TypeOf((*[]*T)(nil)).Elem(),
		ElementType: target,
		Consistency: ConsistencyStrong,
		Accessor: Accessor{
			Get: func(entity any) any {
				return *ref(entity.(*E))
			},
			Set: func(entity any, value any) error {
				items, err := toSlice[T](value)
				if err != nil {
					return err
				}
				*ref(entity.(*E)) = items
				return nil
			},
		},
	}
	rel := &RelationshipMetadata{
		Kind:        KindOneToMany,
		Collection:  true,
		ElementType: target,
		Field:       f,
	}
	f.Relationship = rel
	for _, opt := range opts {
		opt(rel)
	}
	b.add(f)
	return rel
}

func column[E, V any](name string, ref func(*E) *V, opts []FieldOption) *FieldMetadata {
	f := &FieldMetadata{
		Name:        name,
		StorageName: ToSnakeCase(name),
		Type:        reflect.TypeOf((*V)(nil)).Elem(),
		Consistency: ConsistencyStrong,
		Accessor: Accessor{
			Get: func(entity any) any {
				return *ref(entity.(*E))
			},
			Set: func(entity any, value any) error {
				return assign(ref(entity.(*E)), value)
			},
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func single[E, T any](b *EntityBuilder[E], kind RelationKind, name string, ref func(*E) **T, opts []RelationOption) *RelationshipMetadata {
	target := reflect.TypeOf((*T)(nil)).Elem()
	f := &FieldMetadata{
		Name:        name,
		StorageName: ToSnakeCase(name) + "_id",
		Type:        reflect.TypeOf((**T)(nil)).Elem(),
		ElementType: target,
		Consistency: ConsistencyStrong,
		Accessor: Accessor{
			Get: func(entity any) any {
				if v := *ref(entity.(*E)); v != nil {
					return v
				}
				return nil
			},
			Set: func(entity any, value any) error {
				switch v := value.(type) {
				case nil:
					*ref(entity.(*E)) = nil
				case *T:
					*ref(entity.(*E)) = v
				case T:
					*ref(entity.(*E)) = &v
				default:
					return fmt.Errorf("cannot assign %T to %s", value, name)
				}
				return nil
			},
		},
	}
	rel := &RelationshipMetadata{
		Kind:        kind,
		ElementType: target,
		Field:       f,
	}
	f.Relationship = rel
	for _, opt := range opts {
		opt(rel)
	}
	b.add(f)
	return rel
}

func toSlice[T any](value any) ([]*T, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case []*T:
		return v, nil
	case []any:
		out := make([]*T, 0, len(v))
		for _, item := range v {
			t, ok := item.(*T)
			if !ok {
				return nil, fmt.Errorf("collection element %T is not %T", item, (*T)(nil))
			}
			out = append(out, t)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot assign %T to collection of %T", value, (*T)(nil))
	}
}
