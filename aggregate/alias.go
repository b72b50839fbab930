package aggregate

import (
	"go.uber.org/zap"

	"github.com/lemmego/gpa-core"
)

// havingTarget is the output a post-aggregation filter compares against.
type havingTarget struct {
	// Name is the output column name, or the raw field name on fallback.
	Name string

	// Aggregate is set when the target is an accumulated output.
	Aggregate *gpa.Aggregate

	// Output is set when the target is a declared output.
	Output *gpa.Output

	// Raw marks the fallback to the filter's own field name.
	Raw bool
}

// resolveHaving finds the output h refers to, in order: its declared alias,
// the aggregate with the same field, kind, path and condition, and finally
// the raw field name.
func resolveHaving(q gpa.AggregationQuery, h gpa.HavingFilter, logger *zap.Logger) havingTarget {
	if h.Alias != "" {
		for i := range q.Outputs {
			if q.Outputs[i].Name() == h.Alias {
				return havingTarget{Name: h.Alias, Aggregate: q.Outputs[i].Aggregate, Output: &q.Outputs[i]}
			}
		}
	}
	if h.Kind != "" {
		for i := range q.Outputs {
			a := q.Outputs[i].Aggregate
			if a != nil && a.Matches(h.Field, h.Kind, h.Path, h.Condition) {
				return havingTarget{Name: a.Name(), Aggregate: a, Output: &q.Outputs[i]}
			}
		}
	}

	name := h.Field
	if name == "" {
		name = h.Alias
	}
	logger.Warn("having filter matches no output, using raw field name",
		zap.String("field", name),
		zap.String("alias", h.Alias),
		zap.String("kind", string(h.Kind)))
	return havingTarget{Name: name, Raw: true}
}
