package aggregate

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/zap"

	"github.com/lemmego/gpa-core"
)

// Pipeline compiles queries into aggregation pipeline stages.
type Pipeline struct {
	logger *zap.Logger
}

// NewPipeline returns the document-pipeline compiler.
func NewPipeline(opts ...Option) *Pipeline {
	o := buildOptions(opts)
	return &Pipeline{logger: o.logger}
}

var matchOperators = map[gpa.Operator]string{
	gpa.OpNotEqual:           "$ne",
	gpa.OpGreaterThan:        "$gt",
	gpa.OpGreaterThanOrEqual: "$gte",
	gpa.OpLessThan:           "$lt",
	gpa.OpLessThanOrEqual:    "$lte",
	gpa.OpIn:                 "$in",
}

var exprOperators = map[gpa.Operator]string{
	gpa.OpEqual:              "$eq",
	gpa.OpNotEqual:           "$ne",
	gpa.OpGreaterThan:        "$gt",
	gpa.OpGreaterThanOrEqual: "$gte",
	gpa.OpLessThan:           "$lt",
	gpa.OpLessThanOrEqual:    "$lte",
	gpa.OpIn:                 "$in",
}

// Compile implements Compiler. Stages are bson.D values ready for
// mongo.Collection.Aggregate.
func (p *Pipeline) Compile(q gpa.AggregationQuery, meta *gpa.EntityMetadata) (*gpa.CompiledPlan, error) {
	cols, err := prepare(q, meta)
	if err != nil {
		return nil, err
	}

	var stages []any
	if len(q.Where) > 0 {
		docs := make([]bson.D, 0, len(q.Where))
		for _, f := range q.Where {
			docs = append(docs, matchDoc(fieldPath(cols, f.Field, f.Path), f.Operator, f.Value))
		}
		stages = append(stages, bson.D{{Key: "$match", Value: conjunction(docs)}})
	}

	grouped := q.Grouped()
	if grouped {
		group, err := p.group(q, cols)
		if err != nil {
			return nil, err
		}
		stages = append(stages, bson.D{{Key: "$group", Value: group}})
	}

	if len(q.Having) > 0 {
		docs := make([]bson.D, 0, len(q.Having))
		for _, h := range q.Having {
			docs = append(docs, p.having(q, h, grouped))
		}
		stages = append(stages, bson.D{{Key: "$match", Value: conjunction(docs)}})
	}

	var hidden []string
	if grouped {
		doc := project(q)
		hidden = orderOnlyKeys(q)
		for _, g := range hidden {
			doc = append(doc, bson.E{Key: g, Value: groupKeyRef(q, g)})
		}
		stages = append(stages, bson.D{{Key: "$project", Value: doc}})
	}

	if len(q.OrderBy) > 0 {
		sort := make(bson.D, 0, len(q.OrderBy))
		for _, o := range q.OrderBy {
			dir := 1
			if descending(o.Direction) {
				dir = -1
			}
			field := o.Field
			if !grouped {
				field = cols.name(field)
			}
			sort = append(sort, bson.E{Key: field, Value: dir})
		}
		stages = append(stages, bson.D{{Key: "$sort", Value: sort}})
	}

	if q.Limit > 0 {
		stages = append(stages, bson.D{{Key: "$limit", Value: int64(q.Limit)}})
	}

	if len(hidden) > 0 {
		drop := make(bson.D, 0, len(hidden))
		for _, g := range hidden {
			drop = append(drop, bson.E{Key: g, Value: 0})
		}
		stages = append(stages, bson.D{{Key: "$project", Value: drop}})
	}

	return &gpa.CompiledPlan{
		Target:  gpa.PlanPipeline,
		Dialect: gpa.DialectMongo,
		Source:  meta.StorageName,
		Stages:  stages,
		Columns: outputNames(q),
	}, nil
}

func (p *Pipeline) group(q gpa.AggregationQuery, cols columns) (bson.D, error) {
	var id any
	switch len(q.GroupBy) {
	case 0:
		id = nil
	case 1:
		id = "$" + cols.name(q.GroupBy[0])
	default:
		keys := make(bson.D, 0, len(q.GroupBy))
		for _, g := range q.GroupBy {
			keys = append(keys, bson.E{Key: g, Value: "$" + cols.name(g)})
		}
		id = keys
	}

	group := bson.D{{Key: "_id", Value: id}}
	for _, o := range q.Outputs {
		if o.Aggregate == nil {
			if q.IsGroupKey(o.Field) {
				continue
			}
			group = append(group, bson.E{Key: o.Name(), Value: bson.D{{Key: "$first", Value: "$" + cols.name(o.Field)}}})
			continue
		}
		acc, err := accumulator(cols, *o.Aggregate)
		if err != nil {
			return nil, err
		}
		group = append(group, bson.E{Key: o.Name(), Value: acc})
	}
	return group, nil
}

func accumulator(cols columns, a gpa.Aggregate) (bson.D, error) {
	ref := "$" + fieldPath(cols, a.Field, a.Path)
	switch a.Kind {
	case gpa.Count:
		return bson.D{{Key: "$sum", Value: 1}}, nil
	case gpa.CountDistinct:
		return bson.D{{Key: "$addToSet", Value: ref}}, nil
	case gpa.CountIf:
		return bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{condExpr(cols, a.Condition), 1, 0}}}}}, nil
	case gpa.SumIf:
		return bson.D{{Key: "$sum", Value: bson.D{{Key: "$cond", Value: bson.A{condExpr(cols, a.Condition), ref, 0}}}}}, nil
	case gpa.Sum:
		return bson.D{{Key: "$sum", Value: ref}}, nil
	case gpa.Avg:
		return bson.D{{Key: "$avg", Value: ref}}, nil
	case gpa.Min:
		return bson.D{{Key: "$min", Value: ref}}, nil
	case gpa.Max:
		return bson.D{{Key: "$max", Value: ref}}, nil
	case gpa.First:
		return bson.D{{Key: "$first", Value: ref}}, nil
	case gpa.Last:
		return bson.D{{Key: "$last", Value: ref}}, nil
	case gpa.StringAgg, gpa.JSONArrayAgg:
		return bson.D{{Key: "$push", Value: ref}}, nil
	case gpa.JSONObjectAgg:
		value := a.ValueField
		if value == "" {
			value = "value"
		}
		return bson.D{{Key: "$push", Value: bson.D{
			{Key: "k", Value: ref},
			{Key: "v", Value: "$" + cols.name(value)},
		}}}, nil
	case gpa.ArrayLength:
		return bson.D{{Key: "$sum", Value: bson.D{{Key: "$size", Value: bson.D{{Key: "$ifNull", Value: bson.A{ref, bson.A{}}}}}}}}, nil
	case gpa.Stddev, gpa.Variance:
		return bson.D{{Key: "$stdDevPop", Value: ref}}, nil
	default:
		return nil, gpa.NewError(gpa.ErrorTypeUnsupported, fmt.Sprintf("aggregation %s is not supported by the pipeline compiler", a.Kind))
	}
}

// finish is the projection expression that turns a grouped value into the
// reported one.
func finish(a *gpa.Aggregate, name string) any {
	switch a.Kind {
	case gpa.CountDistinct:
		return bson.D{{Key: "$size", Value: "$" + name}}
	case gpa.Variance:
		return bson.D{{Key: "$pow", Value: bson.A{"$" + name, 2}}}
	default:
		return "$" + name
	}
}

func (p *Pipeline) having(q gpa.AggregationQuery, h gpa.HavingFilter, grouped bool) bson.D {
	target := resolveHaving(q, h, p.logger)
	if target.Aggregate != nil && finishing(target.Aggregate.Kind) {
		value := h.Value
		if h.Operator == gpa.OpIn {
			value = inArray(value)
		}
		expr := finish(target.Aggregate, target.Name)
		return bson.D{{Key: "$expr", Value: bson.D{{Key: exprOperators[h.Operator], Value: bson.A{expr, value}}}}}
	}

	name := target.Name
	if grouped && target.Output != nil && target.Aggregate == nil && q.IsGroupKey(target.Output.Field) {
		name = groupKeyRef(q, target.Output.Field)[1:]
	}
	return matchDoc(name, h.Operator, h.Value)
}

func project(q gpa.AggregationQuery) bson.D {
	doc := bson.D{{Key: "_id", Value: 0}}
	if len(q.Outputs) == 0 {
		for _, g := range q.GroupBy {
			doc = append(doc, bson.E{Key: g, Value: groupKeyRef(q, g)})
		}
		return doc
	}
	for _, o := range q.Outputs {
		name := o.Name()
		switch {
		case o.Aggregate != nil && finishing(o.Aggregate.Kind):
			doc = append(doc, bson.E{Key: name, Value: finish(o.Aggregate, name)})
		case o.Aggregate == nil && q.IsGroupKey(o.Field):
			doc = append(doc, bson.E{Key: name, Value: groupKeyRef(q, o.Field)})
		default:
			doc = append(doc, bson.E{Key: name, Value: 1})
		}
	}
	return doc
}

// orderOnlyKeys returns the group keys that are sorted on but not selected.
// They are carried through the projection for $sort and dropped afterwards.
func orderOnlyKeys(q gpa.AggregationQuery) []string {
	if len(q.Outputs) == 0 {
		return nil
	}
	var keys []string
	for _, o := range q.OrderBy {
		if !q.IsGroupKey(o.Field) || hasOutput(q, o.Field) {
			continue
		}
		dup := false
		for _, k := range keys {
			dup = dup || k == o.Field
		}
		if !dup {
			keys = append(keys, o.Field)
		}
	}
	return keys
}

func hasOutput(q gpa.AggregationQuery, name string) bool {
	for _, o := range q.Outputs {
		if o.Name() == name {
			return true
		}
	}
	return false
}

// groupKeyRef addresses a group-by key inside the grouped document.
func groupKeyRef(q gpa.AggregationQuery, field string) string {
	if len(q.GroupBy) == 1 {
		return "$_id"
	}
	return "$_id." + field
}

func matchDoc(field string, op gpa.Operator, value any) bson.D {
	if op == gpa.OpEqual {
		return bson.D{{Key: field, Value: value}}
	}
	if op == gpa.OpIn {
		value = inArray(value)
	}
	return bson.D{{Key: field, Value: bson.D{{Key: matchOperators[op], Value: value}}}}
}

func condExpr(cols columns, c *gpa.Predicate) bson.D {
	value := c.Value
	if c.Operator == gpa.OpIn {
		value = inArray(value)
	}
	ref := "$" + fieldPath(cols, c.Field, c.Path)
	return bson.D{{Key: exprOperators[c.Operator], Value: bson.A{ref, value}}}
}

func conjunction(docs []bson.D) bson.D {
	if len(docs) == 1 {
		return docs[0]
	}
	all := make(bson.A, 0, len(docs))
	for _, d := range docs {
		all = append(all, d)
	}
	return bson.D{{Key: "$and", Value: all}}
}

func fieldPath(cols columns, field, path string) string {
	name := cols.name(field)
	if path != "" {
		name += "." + path
	}
	return name
}

func inArray(value any) bson.A {
	values, _ := gpa.InValues(value)
	return bson.A(values)
}
