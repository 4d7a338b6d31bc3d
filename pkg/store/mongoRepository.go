package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
)

type MongoRepository struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoRepository(client *mongo.Client, database, collection string) *MongoRepository {
	return &MongoRepository{
		client:     client,
		database:   database,
		collection: collection,
	}
}

func (m *MongoRepository) coll() *mongo.Collection {
	return m.client.Database(m.database).Collection(m.collection)
}

func (m *MongoRepository) RecordOutcome(ctx context.Context, outcome *FulfillmentOutcome) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "RecordOutcome")
	defer span.End()

	startTime := time.Now()

	now := time.Now()
	filter := bson.M{"order_id": outcome.OrderID}
	// $setOnInsert keeps an existing decision untouched
	update := bson.M{
		"$setOnInsert": bson.M{
			"id":         outcome.ID,
			"order_id":   outcome.OrderID,
			"status":     outcome.Status,
			"reason":     outcome.Reason,
			"finalized":  outcome.Finalized,
			"created_at": now,
			"updated_at": now,
		},
	}
	_, err := m.coll().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "mongodb", "RecordOutcome", 1, time.Since(startTime))
	return nil
}

func (m *MongoRepository) FindByOrderID(ctx context.Context, orderID int64) (*FulfillmentOutcome, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "FindByOrderID")
	defer span.End()

	startTime := time.Now()

	var outcome FulfillmentOutcome
	err := m.coll().FindOne(ctx, bson.M{"order_id": orderID}).Decode(&outcome)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "mongodb", "FindByOrderID", 1, time.Since(startTime))
	return &outcome, nil
}

func (m *MongoRepository) MarkFinalized(ctx context.Context, orderID int64) error {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "MarkFinalized")
	defer span.End()

	startTime := time.Now()

	filter := bson.M{"order_id": orderID}
	update := bson.M{
		"$set": bson.M{
			"finalized":  true,
			"updated_at": time.Now(),
		},
	}
	_, err := m.coll().UpdateOne(ctx, filter, update)
	if err != nil {
		span.RecordError(err)
		return err
	}

	addDBStatsToSpan(span, "mongodb", "MarkFinalized", 1, time.Since(startTime))
	return nil
}

func (m *MongoRepository) ListUnfinalized(ctx context.Context, olderThan time.Duration, limit int) ([]FulfillmentOutcome, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "ListUnfinalized")
	defer span.End()

	startTime := time.Now()

	filter := bson.M{
		"finalized":  false,
		"updated_at": bson.M{"$lt": time.Now().Add(-olderThan)},
	}
	opts := options.Find().SetLimit(int64(limit)).SetSort(bson.D{{Key: "updated_at", Value: 1}})
	cursor, err := m.coll().Find(ctx, filter, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer cursor.Close(ctx)

	var outcomes []FulfillmentOutcome
	for cursor.Next(ctx) {
		var outcome FulfillmentOutcome
		if err := cursor.Decode(&outcome); err != nil {
			span.RecordError(err)
			return nil, err
		}
		outcomes = append(outcomes, outcome)
	}

	if err := cursor.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	addDBStatsToSpan(span, "mongodb", "ListUnfinalized", len(outcomes), time.Since(startTime))
	return outcomes, nil
}
