package gpamongo

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lemmego/gpa-core"
)

// =====================================
// Lookups
// =====================================

// FindBy implements gpa.Adapter.
func (a *Adapter) FindBy(ctx context.Context, meta *gpa.EntityMetadata, column string, value any, limit int) ([]gpa.Row, error) {
	opts := options.Find()
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	filter := bson.D{{Key: fieldName(meta, column), Value: value}}
	return a.find(ctx, meta, filter, opts)
}

// FindIn implements gpa.Adapter.
func (a *Adapter) FindIn(ctx context.Context, meta *gpa.EntityMetadata, column string, values []any) ([]gpa.Row, error) {
	if len(values) == 0 {
		return nil, nil
	}
	filter := bson.D{{Key: fieldName(meta, column), Value: bson.D{{Key: "$in", Value: bson.A(values)}}}}
	return a.find(ctx, meta, filter, options.Find())
}

func (a *Adapter) find(ctx context.Context, meta *gpa.EntityMetadata, filter bson.D, opts *options.FindOptions) ([]gpa.Row, error) {
	cursor, err := a.collection(meta).Find(ctx, filter, opts)
	if err != nil {
		return nil, convertMongoError(err)
	}
	return decodeRows(ctx, cursor, meta, nil)
}

// =====================================
// Document Conversion
// =====================================

// fieldName converts a storage column to a document field: the primary key
// is stored as _id.
func fieldName(meta *gpa.EntityMetadata, column string) string {
	if meta != nil && meta.PrimaryKey != nil && column == meta.PrimaryKey.StorageName {
		return "_id"
	}
	return column
}

// columnName is the inverse of fieldName.
func columnName(meta *gpa.EntityMetadata, field string) string {
	if field == "_id" && meta != nil && meta.PrimaryKey != nil {
		return meta.PrimaryKey.StorageName
	}
	return field
}

// document renders a row as a BSON document, keeping column order.
func document(meta *gpa.EntityMetadata, row gpa.Row) bson.D {
	doc := make(bson.D, 0, row.Len())
	for i, col := range row.Columns {
		doc = append(doc, bson.E{Key: fieldName(meta, col), Value: row.Values[i]})
	}
	return doc
}

// decodeRows drains cursor. When columns is non-empty each row carries
// exactly those columns in that order; otherwise document order is kept.
func decodeRows(ctx context.Context, cursor *mongo.Cursor, meta *gpa.EntityMetadata, columns []string) ([]gpa.Row, error) {
	defer cursor.Close(ctx)

	var out []gpa.Row
	for cursor.Next(ctx) {
		var doc bson.D
		if err := cursor.Decode(&doc); err != nil {
			return nil, convertMongoError(err)
		}
		out = append(out, toRow(meta, doc, columns))
	}
	return out, convertMongoError(cursor.Err())
}

func toRow(meta *gpa.EntityMetadata, doc bson.D, columns []string) gpa.Row {
	if len(columns) == 0 {
		row := gpa.Row{
			Columns: make([]string, 0, len(doc)),
			Values:  make([]any, 0, len(doc)),
		}
		for _, e := range doc {
			row.Columns = append(row.Columns, columnName(meta, e.Key))
			row.Values = append(row.Values, e.Value)
		}
		return row
	}

	byKey := make(map[string]any, len(doc))
	for _, e := range doc {
		byKey[e.Key] = e.Value
	}
	values := make([]any, len(columns))
	for i, c := range columns {
		values[i] = byKey[c]
	}
	cols := make([]string, len(columns))
	copy(cols, columns)
	return gpa.RowOf(cols, values)
}
