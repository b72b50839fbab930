package gpa

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// =====================================
// Entity Metadata
// =====================================

// Accessor is the get/set pair for one field. It is bound when the
// metadata is built and never looked up by name afterwards.
type Accessor struct {
	Get func(entity any) any
	Set func(entity any, value any) error
}

// FieldMetadata describes one persisted or associated field.
type FieldMetadata struct {
	Name        string
	StorageName string
	Type        reflect.Type

	PrimaryKey  bool
	Owning      bool
	Lazy        bool
	ElementType reflect.Type
	Consistency Consistency

	Accessor Accessor

	// Relationship is set for association fields only.
	Relationship *RelationshipMetadata
}

// IsRelationship reports whether the field is an association.
func (f *FieldMetadata) IsRelationship() bool {
	return f.Relationship != nil
}

// RelationshipMetadata describes an association between two entities.
type RelationshipMetadata struct {
	Kind        RelationKind
	Owning      bool
	Cascade     CascadeOp
	Collection  bool
	ElementType reflect.Type
	Lazy        bool

	// Field is the owner-side field populated by this relationship.
	Field *FieldMetadata

	// MappedBy optionally names the back-reference field on the target.
	MappedBy string

	// Repository optionally names the adapter serving the target,
	// overriding the by-type lookup.
	Repository string
}

// Target returns the struct type of the associated entity.
func (r *RelationshipMetadata) Target() reflect.Type {
	return r.ElementType
}

// Cascades reports whether op should be propagated through this relationship.
func (r *RelationshipMetadata) Cascades(op CascadeOp) bool {
	return r.Owning && r.Cascade.Has(op)
}

// EntityMetadata is the immutable description of an entity type.
type EntityMetadata struct {
	Type          reflect.Type
	Name          string
	StorageName   string
	Fields        []*FieldMetadata
	PrimaryKey    *FieldMetadata
	Relationships []*RelationshipMetadata

	byName    map[string]*FieldMetadata
	byStorage map[string]*FieldMetadata
	byKind    map[RelationKind][]*RelationshipMetadata
	newFn     func() any
}

// New allocates a zero entity, always a pointer to the struct.
func (m *EntityMetadata) New() any {
	if m.newFn != nil {
		return m.newFn()
	}
	return reflect.New(m.Type).Interface()
}

// ID returns the primary-key value of entity.
func (m *EntityMetadata) ID(entity any) any {
	if entity == nil || m.PrimaryKey == nil {
		return nil
	}
	return m.PrimaryKey.Accessor.Get(entity)
}

// Field returns the field with the given Go name.
func (m *EntityMetadata) Field(name string) (*FieldMetadata, bool) {
	f, ok := m.byName[name]
	return f, ok
}

// Column returns the field stored under the given column/attribute name.
func (m *EntityMetadata) Column(storageName string) (*FieldMetadata, bool) {
	f, ok := m.byStorage[storageName]
	return f, ok
}

// Relationship returns the relationship populating the named field.
func (m *EntityMetadata) Relationship(field string) (*RelationshipMetadata, bool) {
	f, ok := m.byName[field]
	if !ok || f.Relationship == nil {
		return nil, false
	}
	return f.Relationship, true
}

// RelationshipsOf returns the relationships of one kind, in declaration order.
func (m *EntityMetadata) RelationshipsOf(kind RelationKind) []*RelationshipMetadata {
	return m.byKind[kind]
}

// BackReference finds the relationship of the given kind on m whose target
// is owner. When mappedBy is non-empty only that field is considered.
func (m *EntityMetadata) BackReference(kind RelationKind, owner reflect.Type, mappedBy string) *RelationshipMetadata {
	if mappedBy != "" {
		rel, ok := m.Relationship(mappedBy)
		if !ok || rel.ElementType != owner {
			return nil
		}
		return rel
	}
	for _, rel := range m.byKind[kind] {
		if rel.ElementType == owner {
			return rel
		}
	}
	return nil
}

// Materialize builds an entity from a storage row. Association fields are
// left untouched; columns without a matching field are ignored.
func (m *EntityMetadata) Materialize(row Row) (any, error) {
	entity := m.New()
	for i, col := range row.Columns {
		f, ok := m.byStorage[col]
		if !ok || f.Relationship != nil {
			continue
		}
		if err := f.Accessor.Set(entity, row.Values[i]); err != nil {
			return nil, NewErrorWithCause(ErrorTypeSerialization,
				fmt.Sprintf("cannot load column %s into %s.%s", col, m.Name, f.Name), err)
		}
	}
	return entity, nil
}

// Validate checks the structural invariants of the metadata.
func (m *EntityMetadata) Validate() error {
	if m.Type == nil || m.Type.Kind() != reflect.Struct {
		return ConfigError(m.Name, "", "entity type must be a struct")
	}
	pks := 0
	seen := make(map[string]bool, len(m.Fields))
	for _, f := range m.Fields {
		if seen[f.Name] {
			return ConfigError(m.Name, f.Name, "duplicate field")
		}
		seen[f.Name] = true
		if f.PrimaryKey {
			pks++
		}
		if f.Accessor.Get == nil || f.Accessor.Set == nil {
			return ConfigError(m.Name, f.Name, "missing accessor")
		}
		if rel := f.Relationship; rel != nil {
			if rel.Collection != (rel.Kind == KindOneToMany) {
				return ConfigError(m.Name, f.Name, "%s relationship collection flag mismatch", rel.Kind)
			}
			switch rel.Kind {
			case KindManyToOne, KindOneToOne, KindOneToMany:
			default:
				return ConfigError(m.Name, f.Name, "unknown relationship kind %q", rel.Kind)
			}
		}
	}
	if pks != 1 {
		return ConfigError(m.Name, "", "expected exactly one primary key, found %d", pks)
	}
	return nil
}

func (m *EntityMetadata) index() {
	m.byName = make(map[string]*FieldMetadata, len(m.Fields))
	m.byStorage = make(map[string]*FieldMetadata, len(m.Fields))
	m.byKind = make(map[RelationKind][]*RelationshipMetadata)
	m.Relationships = m.Relationships[:0]
	for _, f := range m.Fields {
		m.byName[f.Name] = f
		m.byStorage[f.StorageName] = f
		if f.PrimaryKey {
			m.PrimaryKey = f
		}
		if rel := f.Relationship; rel != nil {
			m.Relationships = append(m.Relationships, rel)
			m.byKind[rel.Kind] = append(m.byKind[rel.Kind], rel)
		}
	}
}

// NewEntityMetadata assembles metadata from pre-built fields, the form used
// by generated code. newFn may be nil.
func NewEntityMetadata(typ reflect.Type, storageName string, fields []*FieldMetadata, newFn func() any) (*EntityMetadata, error) {
	for typ != nil && typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	m := &EntityMetadata{
		Type:   typ,
		Fields: fields,
		newFn:  newFn,
	}
	if typ != nil {
		m.Name = typ.Name()
	}
	m.StorageName = storageName
	if m.StorageName == "" {
		m.StorageName = DefaultStorageName(m.Name)
	}
	m.index()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// DefaultStorageName pluralises the snake-cased type name: "OrderLine" -> "order_lines".
func DefaultStorageName(typeName string) string {
	return inflection.Plural(ToSnakeCase(typeName))
}

// ToSnakeCase converts a Go identifier to snake case.
func ToSnakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) ||
				(i+1 < len(runes) && unicode.IsLower(runes[i+1]) && unicode.IsUpper(runes[i-1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
