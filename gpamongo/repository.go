package gpamongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/lemmego/gpa-core"
	"github.com/lemmego/gpa-core/aggregate"
)

// =====================================
// Unit of Work
// =====================================

// Insert implements gpa.UnitOfWork. With a zero primary key the server
// generated _id is written back to the entity.
func (a *Adapter) Insert(ctx context.Context, meta *gpa.EntityMetadata, entity any) error {
	row, err := a.metadata.Values(meta, entity)
	if err != nil {
		return err
	}
	doc := document(meta, row)
	generated := gpa.IsZeroID(meta.ID(entity))
	if generated {
		doc = without(doc, "_id")
	}

	result, err := a.collection(meta).InsertOne(ctx, doc)
	if err != nil {
		return convertMongoError(err)
	}
	if generated {
		if err := meta.PrimaryKey.Accessor.Set(entity, result.InsertedID); err != nil {
			return gpa.NewErrorWithCause(gpa.ErrorTypeSerialization,
				fmt.Sprintf("cannot store generated id %v in %s.%s", result.InsertedID, meta.Name, meta.PrimaryKey.Name), err)
		}
	}
	a.logger.Debug("insert", zap.String("collection", meta.StorageName), zap.Any("id", result.InsertedID))
	return nil
}

// Update implements gpa.UnitOfWork by replacing the stored document.
func (a *Adapter) Update(ctx context.Context, meta *gpa.EntityMetadata, entity any) error {
	row, err := a.metadata.Values(meta, entity)
	if err != nil {
		return err
	}
	id := meta.ID(entity)
	result, err := a.collection(meta).ReplaceOne(ctx, bson.D{{Key: "_id", Value: id}}, without(document(meta, row), "_id"))
	if err != nil {
		return convertMongoError(err)
	}
	if result.MatchedCount == 0 {
		return gpa.NewError(gpa.ErrorTypeNotFound, fmt.Sprintf("%s %v not found", meta.Name, id))
	}
	return nil
}

// Delete implements gpa.UnitOfWork.
func (a *Adapter) Delete(ctx context.Context, meta *gpa.EntityMetadata, entity any) error {
	if err := gpa.RequirePointer(entity); err != nil {
		return err
	}
	id := meta.ID(entity)
	result, err := a.collection(meta).DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return convertMongoError(err)
	}
	if result.DeletedCount == 0 {
		return gpa.NewError(gpa.ErrorTypeNotFound, fmt.Sprintf("%s %v not found", meta.Name, id))
	}
	return nil
}

func without(doc bson.D, key string) bson.D {
	out := make(bson.D, 0, len(doc))
	for _, e := range doc {
		if e.Key != key {
			out = append(out, e)
		}
	}
	return out
}

// =====================================
// Aggregation
// =====================================

// Execute implements gpa.Executor for pipeline plans. Result rows carry
// the plan's output columns in declaration order.
func (a *Adapter) Execute(ctx context.Context, meta *gpa.EntityMetadata, plan *gpa.CompiledPlan) ([]gpa.Row, error) {
	if plan.Target != gpa.PlanPipeline {
		return nil, gpa.NewError(gpa.ErrorTypeUnsupported, fmt.Sprintf("mongo cannot execute %s plans", plan.Target))
	}

	pipeline := make(mongo.Pipeline, 0, len(plan.Stages))
	for i, stage := range plan.Stages {
		doc, ok := stage.(bson.D)
		if !ok {
			return nil, gpa.NewError(gpa.ErrorTypeValidation, fmt.Sprintf("stage %d is %T, not a document", i, stage))
		}
		pipeline = append(pipeline, doc)
	}

	source := plan.Source
	if source == "" {
		source = meta.StorageName
	}
	a.logger.Debug("execute", zap.String("collection", source), zap.Int("stages", len(pipeline)))

	cursor, err := a.database.Collection(source).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, convertMongoError(err)
	}
	return decodeRows(ctx, cursor, meta, plan.Columns)
}

// Aggregate compiles q into a pipeline and executes it.
func (a *Adapter) Aggregate(ctx context.Context, meta *gpa.EntityMetadata, q gpa.AggregationQuery) ([]gpa.Row, error) {
	plan, err := aggregate.NewPipeline(aggregate.WithLogger(a.logger)).Compile(q, meta)
	if err != nil {
		return nil, err
	}
	return a.Execute(ctx, meta, plan)
}
