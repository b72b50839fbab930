package gpa

import (
	"fmt"
	"reflect"
	"strings"
)

// =====================================
// Aggregation Queries
// =====================================

// AggregationKind names an accumulator.
type AggregationKind string

const (
	Count         AggregationKind = "COUNT"
	CountDistinct AggregationKind = "COUNT_DISTINCT"
	Sum           AggregationKind = "SUM"
	Avg           AggregationKind = "AVG"
	Min           AggregationKind = "MIN"
	Max           AggregationKind = "MAX"
	CountIf       AggregationKind = "COUNT_IF"
	SumIf         AggregationKind = "SUM_IF"
	StringAgg     AggregationKind = "STRING_AGG"
	ArrayLength   AggregationKind = "ARRAY_LENGTH"
	JSONArrayAgg  AggregationKind = "JSON_ARRAY_AGG"
	JSONObjectAgg AggregationKind = "JSON_OBJECT_AGG"
	Stddev        AggregationKind = "STDDEV"
	Variance      AggregationKind = "VARIANCE"
	First         AggregationKind = "FIRST"
	Last          AggregationKind = "LAST"
)

// AggregationKinds lists every kind in declaration order.
var AggregationKinds = []AggregationKind{
	Count, CountDistinct, Sum, Avg, Min, Max, CountIf, SumIf, StringAgg,
	ArrayLength, JSONArrayAgg, JSONObjectAgg, Stddev, Variance, First, Last,
}

// Valid reports whether k is a known kind.
func (k AggregationKind) Valid() bool {
	for _, known := range AggregationKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Conditional reports whether the kind requires a per-row condition.
func (k AggregationKind) Conditional() bool {
	return k == CountIf || k == SumIf
}

// Predicate is a single (field, operator, value) comparison.
// Path optionally addresses a nested attribute of a document/JSON field.
type Predicate struct {
	Field    string
	Path     string
	Operator Operator
	Value    any
}

// Equal reports whether two predicates are structurally identical.
func (p *Predicate) Equal(o *Predicate) bool {
	if p == nil || o == nil {
		return p == o
	}
	return p.Field == o.Field && p.Path == o.Path && p.Operator == o.Operator &&
		reflect.DeepEqual(p.Value, o.Value)
}

// Filter is a pre-aggregation predicate.
type Filter = Predicate

// Aggregate describes one accumulated output column.
type Aggregate struct {
	Field     string
	Kind      AggregationKind
	Condition *Predicate
	Alias     string
	Path      string

	// Separator joins STRING_AGG values on relational targets. Defaults to ",".
	Separator string
	// ValueField is the value side of JSON_OBJECT_AGG. Defaults to "value".
	ValueField string
}

// Name returns the output column name: the alias, or lower(kind)_field.
func (a Aggregate) Name() string {
	if a.Alias != "" {
		return a.Alias
	}
	field := a.Field
	if field == "" || field == "*" {
		field = "all"
	}
	if a.Path != "" {
		field += "_" + strings.ReplaceAll(a.Path, ".", "_")
	}
	return strings.ToLower(string(a.Kind)) + "_" + field
}

// Matches reports whether the aggregate has the given structural identity.
func (a Aggregate) Matches(field string, kind AggregationKind, path string, cond *Predicate) bool {
	return a.Field == field && a.Kind == kind && a.Path == path && a.Condition.Equal(cond)
}

// Output is one projected column: a pass-through field when Aggregate is nil.
type Output struct {
	Field     string
	Aggregate *Aggregate
}

// Name returns the column name the output is exposed under.
func (o Output) Name() string {
	if o.Aggregate != nil {
		return o.Aggregate.Name()
	}
	return o.Field
}

// Pass is a pass-through output.
func Pass(field string) Output {
	return Output{Field: field}
}

// Agg is an aggregate output.
func Agg(a Aggregate) Output {
	return Output{Field: a.Field, Aggregate: &a}
}

// HavingFilter is a post-aggregation predicate. It targets an output either
// by Alias or by the structural identity (Field, Kind, Path, Condition) of
// a declared aggregate.
type HavingFilter struct {
	Field     string
	Kind      AggregationKind
	Path      string
	Condition *Predicate
	Alias     string
	Operator  Operator
	Value     any
}

// AggregationQuery is a declarative grouping query. Values are treated as
// immutable once handed to a compiler.
type AggregationQuery struct {
	Where   []Filter
	GroupBy []string
	Outputs []Output
	Having  []HavingFilter
	OrderBy []Order
	Limit   int
}

// HasAggregates reports whether any output accumulates.
func (q AggregationQuery) HasAggregates() bool {
	for _, o := range q.Outputs {
		if o.Aggregate != nil {
			return true
		}
	}
	return false
}

// Grouped reports whether the query produces one row per group.
func (q AggregationQuery) Grouped() bool {
	return len(q.GroupBy) > 0 || q.HasAggregates()
}

// IsGroupKey reports whether field is one of the group-by fields.
func (q AggregationQuery) IsGroupKey(field string) bool {
	for _, g := range q.GroupBy {
		if g == field {
			return true
		}
	}
	return false
}

// Validate checks operators, kinds and required conditions.
func (q AggregationQuery) Validate() error {
	for _, f := range q.Where {
		if err := validatePredicate(&f); err != nil {
			return err
		}
	}
	for _, o := range q.Outputs {
		a := o.Aggregate
		if a == nil {
			if o.Field == "" {
				return NewError(ErrorTypeValidation, "output without field")
			}
			continue
		}
		if !a.Kind.Valid() {
			return NewError(ErrorTypeUnsupported, fmt.Sprintf("unknown aggregation kind %q", a.Kind))
		}
		if a.Kind.Conditional() && a.Condition == nil {
			return NewError(ErrorTypeValidation, fmt.Sprintf("%s on %s requires a condition", a.Kind, a.Field))
		}
		if a.Condition != nil {
			if err := validatePredicate(a.Condition); err != nil {
				return err
			}
		}
	}
	for _, h := range q.Having {
		if !h.Operator.Valid() {
			return NewError(ErrorTypeValidation, fmt.Sprintf("unsupported operator %q in having", h.Operator))
		}
	}
	return nil
}

func validatePredicate(p *Predicate) error {
	if p.Field == "" {
		return NewError(ErrorTypeValidation, "filter without field")
	}
	if !p.Operator.Valid() {
		return NewError(ErrorTypeValidation, fmt.Sprintf("unsupported operator %q on %s", p.Operator, p.Field))
	}
	if p.Operator == OpIn {
		if _, ok := InValues(p.Value); !ok {
			return NewError(ErrorTypeValidation, fmt.Sprintf("IN on %s needs a slice value", p.Field))
		}
	}
	return nil
}

// InValues flattens the value of an IN predicate.
func InValues(value any) ([]any, bool) {
	if vs, ok := value.([]any); ok {
		return vs, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// =====================================
// Aggregation Builder
// =====================================

// AggregationBuilder provides a fluent interface for AggregationQuery.
type AggregationBuilder struct {
	q AggregationQuery
}

// NewAggregation starts an empty query.
// Example: q := gpa.NewAggregation().GroupBy("name").Select(gpa.Pass("name")).Build()
func NewAggregation() *AggregationBuilder {
	return &AggregationBuilder{}
}

// Where adds a pre-aggregation filter.
func (b *AggregationBuilder) Where(field string, op Operator, value any) *AggregationBuilder {
	b.q.Where = append(b.q.Where, Filter{Field: field, Operator: op, Value: value})
	return b
}

// GroupBy appends group-by fields.
func (b *AggregationBuilder) GroupBy(fields ...string) *AggregationBuilder {
	b.q.GroupBy = append(b.q.GroupBy, fields...)
	return b
}

// Select appends outputs.
func (b *AggregationBuilder) Select(outputs ...Output) *AggregationBuilder {
	b.q.Outputs = append(b.q.Outputs, outputs...)
	return b
}

// Having adds a post-aggregation filter on an output alias.
func (b *AggregationBuilder) Having(alias string, op Operator, value any) *AggregationBuilder {
	b.q.Having = append(b.q.Having, HavingFilter{Alias: alias, Operator: op, Value: value})
	return b
}

// HavingAggregate adds a post-aggregation filter addressed structurally.
func (b *AggregationBuilder) HavingAggregate(h HavingFilter) *AggregationBuilder {
	b.q.Having = append(b.q.Having, h)
	return b
}

// OrderBy appends a sort key.
func (b *AggregationBuilder) OrderBy(field string, dir OrderDirection) *AggregationBuilder {
	b.q.OrderBy = append(b.q.OrderBy, Order{Field: field, Direction: dir})
	return b
}

// Limit caps the number of rows; 0 means unlimited.
func (b *AggregationBuilder) Limit(n int) *AggregationBuilder {
	b.q.Limit = n
	return b
}

// Build returns a copy of the accumulated query.
func (b *AggregationBuilder) Build() AggregationQuery {
	q := b.q
	q.Where = append([]Filter(nil), b.q.Where...)
	q.GroupBy = append([]string(nil), b.q.GroupBy...)
	q.Outputs = append([]Output(nil), b.q.Outputs...)
	q.Having = append([]HavingFilter(nil), b.q.Having...)
	q.OrderBy = append([]Order(nil), b.q.OrderBy...)
	return q
}

// =====================================
// Compiled Plans
// =====================================

// PlanTarget distinguishes the two plan shapes.
type PlanTarget string

const (
	PlanStatement PlanTarget = "statement"
	PlanPipeline  PlanTarget = "pipeline"
)

// CompiledPlan is the backend-ready form of an AggregationQuery.
type CompiledPlan struct {
	Target  PlanTarget
	Dialect string
	Source  string

	// Statement and Params are set for relational targets.
	Statement string
	Params    []any

	// Stages is set for pipeline targets; each stage is backend-native.
	Stages []any

	// Columns lists the output names in projection order.
	Columns []string
}
