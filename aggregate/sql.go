package aggregate

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lemmego/gpa-core"
)

// sqlDialect holds the syntax differences between relational targets.
type sqlDialect struct {
	name        string
	placeholder func(n int) string
	quote       func(ident string) string
	jsonPath    func(col, path string) string
	passThrough func(col string) string
	stringAgg   func(col, sep string) string
	jsonObject  func(key, value string) string

	// Function names; empty means the kind is unsupported.
	arrayLength string
	jsonArray   string
	stddev      string
	variance    string
}

func doubleQuote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func literal(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func dollarPath(path string) string {
	return literal("$." + path)
}

var dialects = map[string]*sqlDialect{
	gpa.DialectPgSQL: {
		name:        gpa.DialectPgSQL,
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		quote:       doubleQuote,
		jsonPath: func(col, path string) string {
			return fmt.Sprintf("(%s #>> %s)", col, literal("{"+strings.ReplaceAll(path, ".", ",")+"}"))
		},
		passThrough: func(col string) string { return fmt.Sprintf("(ARRAY_AGG(%s))[1]", col) },
		stringAgg:   func(col, sep string) string { return fmt.Sprintf("STRING_AGG(%s, %s)", col, literal(sep)) },
		jsonObject:  func(k, v string) string { return fmt.Sprintf("json_object_agg(%s, %s)", k, v) },
		arrayLength: "jsonb_array_length",
		jsonArray:   "json_agg",
		stddev:      "STDDEV_POP",
		variance:    "VAR_POP",
	},
	gpa.DialectMySQL: {
		name:        gpa.DialectMySQL,
		placeholder: func(int) string { return "?" },
		quote:       func(ident string) string { return "`" + strings.ReplaceAll(ident, "`", "``") + "`" },
		jsonPath: func(col, path string) string {
			return fmt.Sprintf("JSON_UNQUOTE(JSON_EXTRACT(%s, %s))", col, dollarPath(path))
		},
		passThrough: func(col string) string { return fmt.Sprintf("ANY_VALUE(%s)", col) },
		stringAgg:   func(col, sep string) string { return fmt.Sprintf("GROUP_CONCAT(%s SEPARATOR %s)", col, literal(sep)) },
		jsonObject:  func(k, v string) string { return fmt.Sprintf("JSON_OBJECTAGG(%s, %s)", k, v) },
		arrayLength: "JSON_LENGTH",
		jsonArray:   "JSON_ARRAYAGG",
		stddev:      "STDDEV_POP",
		variance:    "VAR_POP",
	},
	gpa.DialectSQLite: {
		name:        gpa.DialectSQLite,
		placeholder: func(int) string { return "?" },
		quote:       doubleQuote,
		jsonPath: func(col, path string) string {
			return fmt.Sprintf("json_extract(%s, %s)", col, dollarPath(path))
		},
		passThrough: func(col string) string { return col },
		stringAgg:   func(col, sep string) string { return fmt.Sprintf("GROUP_CONCAT(%s, %s)", col, literal(sep)) },
		jsonObject:  func(k, v string) string { return fmt.Sprintf("json_group_object(%s, %s)", k, v) },
		arrayLength: "json_array_length",
		jsonArray:   "json_group_array",
	},
	gpa.DialectMsSQL: {
		name:        gpa.DialectMsSQL,
		placeholder: func(n int) string { return fmt.Sprintf("@p%d", n) },
		quote:       func(ident string) string { return "[" + strings.ReplaceAll(ident, "]", "]]") + "]" },
		jsonPath: func(col, path string) string {
			return fmt.Sprintf("JSON_VALUE(%s, %s)", col, dollarPath(path))
		},
		passThrough: func(col string) string { return fmt.Sprintf("MIN(%s)", col) },
		stringAgg:   func(col, sep string) string { return fmt.Sprintf("STRING_AGG(%s, %s)", col, literal(sep)) },
		stddev:      "STDEVP",
		variance:    "VARP",
	},
}

// SQL compiles queries into parameterized SELECT statements for one
// relational dialect.
type SQL struct {
	dialect string
	logger  *zap.Logger
}

// NewSQL returns the compiler for dialect. Driver names such as "postgres"
// or "sqlite3" are accepted.
func NewSQL(dialect string, opts ...Option) *SQL {
	o := buildOptions(opts)
	return &SQL{dialect: gpa.NormalizeDialect(dialect), logger: o.logger}
}

// Dialect returns the normalized dialect name.
func (c *SQL) Dialect() string {
	return c.dialect
}

// Compile implements Compiler.
func (c *SQL) Compile(q gpa.AggregationQuery, meta *gpa.EntityMetadata) (*gpa.CompiledPlan, error) {
	d, ok := dialects[c.dialect]
	if !ok {
		return nil, gpa.NewError(gpa.ErrorTypeUnsupported, fmt.Sprintf("no SQL dialect %q", c.dialect))
	}
	cols, err := prepare(q, meta)
	if err != nil {
		return nil, err
	}

	s := &statement{d: d, cols: cols}
	grouped := q.Grouped()

	selects := make([]string, 0, len(q.Outputs))
	for _, o := range q.Outputs {
		name := o.Name()
		if o.Aggregate != nil {
			expr, err := s.aggregate(*o.Aggregate)
			if err != nil {
				return nil, err
			}
			selects = append(selects, expr+" AS "+d.quote(name))
			continue
		}
		expr := s.output(q, o, grouped)
		if expr != d.quote(name) {
			expr += " AS " + d.quote(name)
		}
		selects = append(selects, expr)
	}
	if len(selects) == 0 {
		if len(q.GroupBy) == 0 {
			selects = append(selects, "*")
		}
		for _, g := range q.GroupBy {
			selects = append(selects, s.column(g, ""))
		}
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(selects, ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(d.quote(meta.StorageName))

	if len(q.Where) > 0 {
		conds := make([]string, 0, len(q.Where))
		for i := range q.Where {
			conds = append(conds, s.predicate(&q.Where[i]))
		}
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}

	if len(q.GroupBy) > 0 {
		keys := make([]string, 0, len(q.GroupBy))
		for _, g := range q.GroupBy {
			keys = append(keys, s.column(g, ""))
		}
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(keys, ", "))
	}

	if len(q.Having) > 0 {
		conds := make([]string, 0, len(q.Having))
		for _, h := range q.Having {
			lhs, err := s.havingTarget(q, h, grouped, c.logger)
			if err != nil {
				return nil, err
			}
			conds = append(conds, s.compare(lhs, h.Operator, h.Value))
		}
		sb.WriteString(" HAVING ")
		sb.WriteString(strings.Join(conds, " AND "))
	}

	if len(q.OrderBy) > 0 {
		keys := make([]string, 0, len(q.OrderBy))
		for _, o := range q.OrderBy {
			key := s.orderKey(q, o.Field)
			if descending(o.Direction) {
				key += " DESC"
			} else {
				key += " ASC"
			}
			keys = append(keys, key)
		}
		sb.WriteString(" ORDER BY ")
		sb.WriteString(strings.Join(keys, ", "))
	}

	if q.Limit > 0 {
		if d.name == gpa.DialectMsSQL {
			if len(q.OrderBy) == 0 {
				sb.WriteString(" ORDER BY (SELECT NULL)")
			}
			fmt.Fprintf(&sb, " OFFSET 0 ROWS FETCH NEXT %d ROWS ONLY", q.Limit)
		} else {
			fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
		}
	}

	return &gpa.CompiledPlan{
		Target:    gpa.PlanStatement,
		Dialect:   d.name,
		Source:    meta.StorageName,
		Statement: sb.String(),
		Params:    s.params,
		Columns:   outputNames(q),
	}, nil
}

// statement accumulates bound parameters in text order.
type statement struct {
	d      *sqlDialect
	cols   columns
	params []any
}

func (s *statement) bind(v any) string {
	s.params = append(s.params, v)
	return s.d.placeholder(len(s.params))
}

func (s *statement) column(field, path string) string {
	col := s.d.quote(s.cols.name(field))
	if path != "" {
		return s.d.jsonPath(col, path)
	}
	return col
}

// output renders a non-aggregate output. In a grouped query a field that is
// not a group key takes the first value of its group.
func (s *statement) output(q gpa.AggregationQuery, o gpa.Output, grouped bool) string {
	col := s.column(o.Field, "")
	if grouped && !q.IsGroupKey(o.Field) {
		return s.d.passThrough(col)
	}
	return col
}

func (s *statement) orderKey(q gpa.AggregationQuery, field string) string {
	for _, o := range q.Outputs {
		if o.Name() == field {
			return s.d.quote(field)
		}
	}
	return s.column(field, "")
}

func (s *statement) havingTarget(q gpa.AggregationQuery, h gpa.HavingFilter, grouped bool, logger *zap.Logger) (string, error) {
	target := resolveHaving(q, h, logger)
	switch {
	case target.Aggregate != nil:
		return s.aggregate(*target.Aggregate)
	case target.Output != nil:
		return s.output(q, *target.Output, grouped), nil
	default:
		return s.d.quote(target.Name), nil
	}
}

func (s *statement) predicate(p *gpa.Predicate) string {
	return s.compare(s.column(p.Field, p.Path), p.Operator, p.Value)
}

func (s *statement) compare(lhs string, op gpa.Operator, value any) string {
	switch {
	case op == gpa.OpEqual && value == nil:
		return lhs + " IS NULL"
	case op == gpa.OpNotEqual && value == nil:
		return lhs + " IS NOT NULL"
	case op == gpa.OpIn:
		values, _ := gpa.InValues(value)
		if len(values) == 0 {
			return "1 = 0"
		}
		marks := make([]string, len(values))
		for i, v := range values {
			marks[i] = s.bind(v)
		}
		return lhs + " IN (" + strings.Join(marks, ", ") + ")"
	case op == gpa.OpNotEqual:
		return lhs + " <> " + s.bind(value)
	default:
		return lhs + " " + string(op) + " " + s.bind(value)
	}
}

func (s *statement) aggregate(a gpa.Aggregate) (string, error) {
	d := s.d
	col := "*"
	if a.Field != "" && a.Field != "*" {
		col = s.column(a.Field, a.Path)
	}
	unsupported := func() (string, error) {
		return "", gpa.NewError(gpa.ErrorTypeUnsupported,
			fmt.Sprintf("aggregation %s is not supported on %s", a.Kind, d.name))
	}

	switch a.Kind {
	case gpa.Count:
		return "COUNT(*)", nil
	case gpa.CountDistinct:
		return "COUNT(DISTINCT " + col + ")", nil
	case gpa.Sum, gpa.Avg, gpa.Min, gpa.Max:
		return string(a.Kind) + "(" + col + ")", nil
	case gpa.CountIf:
		return "COUNT(CASE WHEN " + s.predicate(a.Condition) + " THEN 1 END)", nil
	case gpa.SumIf:
		return "SUM(CASE WHEN " + s.predicate(a.Condition) + " THEN " + col + " ELSE 0 END)", nil
	case gpa.StringAgg:
		sep := a.Separator
		if sep == "" {
			sep = ","
		}
		return d.stringAgg(col, sep), nil
	case gpa.ArrayLength:
		if d.arrayLength == "" {
			return unsupported()
		}
		return fmt.Sprintf("SUM(COALESCE(%s(%s), 0))", d.arrayLength, col), nil
	case gpa.JSONArrayAgg:
		if d.jsonArray == "" {
			return unsupported()
		}
		return d.jsonArray + "(" + col + ")", nil
	case gpa.JSONObjectAgg:
		if d.jsonObject == nil {
			return unsupported()
		}
		value := a.ValueField
		if value == "" {
			value = "value"
		}
		return d.jsonObject(col, s.column(value, "")), nil
	case gpa.Stddev:
		if d.stddev == "" {
			return unsupported()
		}
		return d.stddev + "(" + col + ")", nil
	case gpa.Variance:
		if d.variance == "" {
			return unsupported()
		}
		return d.variance + "(" + col + ")", nil
	default:
		return unsupported()
	}
}
