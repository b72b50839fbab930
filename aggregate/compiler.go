// Package aggregate compiles gpa.AggregationQuery values into backend-ready
// plans: parameterized SQL for relational dialects and bson stages for
// document pipelines.
package aggregate

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lemmego/gpa-core"
)

// Compiler turns a query into a CompiledPlan. Compilation is pure: the same
// query and metadata always produce the same plan.
type Compiler interface {
	Compile(q gpa.AggregationQuery, meta *gpa.EntityMetadata) (*gpa.CompiledPlan, error)
}

// Option configures a compiler.
type Option func(*options)

type options struct {
	logger *zap.Logger
}

// WithLogger sets the logger that reports having-alias fallbacks.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = gpa.Logger()
	}
	return o
}

// For returns the compiler for a backend name: the pipeline compiler for
// mongo and the SQL compiler for relational dialects.
func For(dialect string, opts ...Option) (Compiler, error) {
	switch d := gpa.NormalizeDialect(dialect); d {
	case gpa.DialectMongo:
		return NewPipeline(opts...), nil
	case gpa.DialectPgSQL, gpa.DialectMySQL, gpa.DialectSQLite, gpa.DialectMsSQL:
		return NewSQL(d, opts...), nil
	default:
		return nil, gpa.NewError(gpa.ErrorTypeUnsupported, fmt.Sprintf("no aggregation compiler for dialect %q", dialect))
	}
}

// prepare validates q and resolves the storage name of every field it
// names. Fields unknown to meta are used verbatim.
func prepare(q gpa.AggregationQuery, meta *gpa.EntityMetadata) (columns, error) {
	if meta == nil {
		return columns{}, gpa.NewError(gpa.ErrorTypeValidation, "aggregation requires entity metadata")
	}
	if err := q.Validate(); err != nil {
		return columns{}, err
	}
	return columns{meta: meta}, nil
}

type columns struct {
	meta *gpa.EntityMetadata
}

func (c columns) name(field string) string {
	if f, ok := c.meta.Field(field); ok && !f.IsRelationship() {
		return f.StorageName
	}
	return field
}

func outputNames(q gpa.AggregationQuery) []string {
	names := make([]string, 0, len(q.Outputs))
	for _, o := range q.Outputs {
		names = append(names, o.Name())
	}
	if len(names) == 0 && len(q.GroupBy) > 0 {
		names = append(names, q.GroupBy...)
	}
	return names
}

func descending(dir gpa.OrderDirection) bool {
	return strings.EqualFold(string(dir), string(gpa.OrderDesc))
}

// finishing reports whether the grouped value of kind still needs a
// projection step before it can be compared or returned.
func finishing(kind gpa.AggregationKind) bool {
	return kind == gpa.CountDistinct || kind == gpa.Variance
}
