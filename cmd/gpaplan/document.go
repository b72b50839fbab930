package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lemmego/gpa-core"
)

// Document is the YAML form of one aggregation query and the entity it runs
// against.
//
// Example:
//
//	entity:
//	  name: Person
//	  storage: people
//	  fields:
//	    - {name: ID, primary_key: true}
//	    - {name: Name}
//	query:
//	  group_by: [name]
//	  select:
//	    - field: name
//	    - {field: id, kind: COUNT, alias: cnt}
type Document struct {
	Entity EntityDoc `yaml:"entity"`
	Query  QueryDoc  `yaml:"query"`
}

type EntityDoc struct {
	Name    string     `yaml:"name"`
	Storage string     `yaml:"storage"`
	Fields  []FieldDoc `yaml:"fields"`
}

type FieldDoc struct {
	Name       string `yaml:"name"`
	Column     string `yaml:"column"`
	PrimaryKey bool   `yaml:"primary_key"`
}

type PredicateDoc struct {
	Field    string `yaml:"field"`
	Path     string `yaml:"path"`
	Operator string `yaml:"op"`
	Value    any    `yaml:"value"`
}

type OutputDoc struct {
	Field      string        `yaml:"field"`
	Kind       string        `yaml:"kind"`
	Alias      string        `yaml:"alias"`
	Path       string        `yaml:"path"`
	Separator  string        `yaml:"separator"`
	ValueField string        `yaml:"value_field"`
	Condition  *PredicateDoc `yaml:"condition"`
}

type HavingDoc struct {
	Alias     string        `yaml:"alias"`
	Field     string        `yaml:"field"`
	Kind      string        `yaml:"kind"`
	Path      string        `yaml:"path"`
	Condition *PredicateDoc `yaml:"condition"`
	Operator  string        `yaml:"op"`
	Value     any           `yaml:"value"`
}

type QueryDoc struct {
	Where   []PredicateDoc `yaml:"where"`
	GroupBy []string       `yaml:"group_by"`
	Select  []OutputDoc    `yaml:"select"`
	Having  []HavingDoc    `yaml:"having"`
	OrderBy []gpa.Order    `yaml:"order_by"`
	Limit   int            `yaml:"limit"`
}

// LoadDocument reads and decodes a query file.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &doc, nil
}

// Metadata describes the entity as rows: each declared field reads and
// writes one column of a gpa.Row.
func (e EntityDoc) Metadata() (*gpa.EntityMetadata, error) {
	if e.Name == "" {
		return nil, gpa.ConfigError("", "", "entity name is required")
	}
	fields := make([]*gpa.FieldMetadata, 0, len(e.Fields))
	for _, fd := range e.Fields {
		column := fd.Column
		if column == "" {
			column = gpa.ToSnakeCase(fd.Name)
		}
		fields = append(fields, &gpa.FieldMetadata{
			Name:        fd.Name,
			StorageName: column,
			Type:        reflect.TypeOf((*any)(nil)).Elem(),
			PrimaryKey:  fd.PrimaryKey,
			Consistency: gpa.ConsistencyStrong,
			Accessor: gpa.Accessor{
				Get: func(entity any) any {
					v, _ := entity.(*gpa.Row).Get(column)
					return v
				},
				Set: func(entity any, value any) error {
					entity.(*gpa.Row).Set(column, value)
					return nil
				},
			},
		})
	}

	storage := e.Storage
	if storage == "" {
		storage = gpa.DefaultStorageName(e.Name)
	}
	meta, err := gpa.NewEntityMetadata(reflect.TypeOf(gpa.Row{}), storage, fields, func() any { return &gpa.Row{} })
	if err != nil {
		return nil, err
	}
	meta.Name = e.Name
	return meta, nil
}

// Build converts the document query into a gpa.AggregationQuery.
func (q QueryDoc) Build() gpa.AggregationQuery {
	b := gpa.NewAggregation().GroupBy(q.GroupBy...).Limit(q.Limit)
	for _, w := range q.Where {
		b.Where(w.Field, operator(w.Operator), w.Value)
	}
	for _, o := range q.Select {
		if o.Kind == "" {
			b.Select(gpa.Pass(o.Field))
			continue
		}
		b.Select(gpa.Agg(gpa.Aggregate{
			Field:      o.Field,
			Kind:       kind(o.Kind),
			Condition:  o.Condition.predicate(),
			Alias:      o.Alias,
			Path:       o.Path,
			Separator:  o.Separator,
			ValueField: o.ValueField,
		}))
	}
	for _, h := range q.Having {
		b.HavingAggregate(gpa.HavingFilter{
			Field:     h.Field,
			Kind:      kind(h.Kind),
			Path:      h.Path,
			Condition: h.Condition.predicate(),
			Alias:     h.Alias,
			Operator:  operator(h.Operator),
			Value:     h.Value,
		})
	}
	for _, o := range q.OrderBy {
		b.OrderBy(o.Field, gpa.OrderDirection(strings.ToUpper(string(o.Direction))))
	}
	return b.Build()
}

func (p *PredicateDoc) predicate() *gpa.Predicate {
	if p == nil {
		return nil
	}
	return &gpa.Predicate{Field: p.Field, Path: p.Path, Operator: operator(p.Operator), Value: p.Value}
}

func kind(s string) gpa.AggregationKind {
	return gpa.AggregationKind(strings.ToUpper(s))
}

func operator(s string) gpa.Operator {
	switch strings.ToLower(s) {
	case "", "eq":
		return gpa.OpEqual
	case "ne":
		return gpa.OpNotEqual
	case "gt":
		return gpa.OpGreaterThan
	case "gte":
		return gpa.OpGreaterThanOrEqual
	case "lt":
		return gpa.OpLessThan
	case "lte":
		return gpa.OpLessThanOrEqual
	case "in":
		return gpa.OpIn
	}
	return gpa.Operator(s)
}
