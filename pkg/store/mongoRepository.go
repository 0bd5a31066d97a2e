package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"

	"github.com/tidewater-io/changeflow/pkg/telemetry"
	"github.com/tidewater-io/changeflow/schema"
)

type MongoRepository struct {
	client     *mongo.Client
	database   string
	collection string
}

func NewMongoRepository(client *mongo.Client, database, collection string) *MongoRepository {
	if collection == "" {
		collection = "outbox"
	}
	return &MongoRepository{
		client:     client,
		database:   database,
		collection: collection,
	}
}

// nextID allocates a monotonic entry id from a counter document. Mongo has no
// serial column, so FetchUnpublished's id ordering rests on this counter.
func (m *MongoRepository) nextID(ctx context.Context) (int64, error) {
	counters := m.client.Database(m.database).Collection("counters")
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := counters.FindOneAndUpdate(ctx,
		bson.M{"_id": m.collection},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("allocate outbox id: %w", err)
	}
	return doc.Seq, nil
}

// Enqueue inserts a pending entry. Transactionality with the domain write is
// the caller's job: pass a mongo session context started around both writes.
func (m *MongoRepository) Enqueue(ctx context.Context, entry *schema.OutboxEntry) error {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "Enqueue")
	defer span.End()

	id, err := m.nextID(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	entry.ID = id

	collection := m.client.Database(m.database).Collection(m.collection)
	if _, err := collection.InsertOne(ctx, bson.M{
		"_id":           entry.ID,
		"resource_type": entry.ResourceType,
		"resource_id":   entry.ResourceID,
		"event_name":    entry.EventName,
		"topic":         entry.Topic,
		"partition_key": entry.PartitionKey,
		"payload":       entry.Payload,
		"headers":       entry.Headers,
		"status":        entry.Status,
		"attempts":      entry.Attempts,
		"created_at":    entry.CreatedAt,
		"updated_at":    entry.UpdatedAt,
	}); err != nil {
		span.RecordError(err)
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

func (m *MongoRepository) FetchUnpublished(ctx context.Context, limit int) ([]schema.OutboxEntry, error) {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "FetchUnpublished")
	defer span.End()

	startTime := time.Now()
	now := time.Now()

	collection := m.client.Database(m.database).Collection(m.collection)

	// Claim documents one at a time: findOneAndUpdate is atomic per document,
	// which stands in for FOR UPDATE SKIP LOCKED.
	var entries []schema.OutboxEntry
	for len(entries) < limit {
		filter := bson.M{
			"status":       schema.StatusPending,
			"published_at": bson.M{"$exists": false},
			"$and": []bson.M{
				{"$or": []bson.M{
					{"retry_at": bson.M{"$exists": false}},
					{"retry_at": bson.M{"$lte": now}},
				}},
				{"$or": []bson.M{
					{"claimed_at": bson.M{"$exists": false}},
					{"claimed_at": bson.M{"$lt": now.Add(-claimExpiration)}},
				}},
			},
		}
		update := bson.M{"$set": bson.M{"claimed_at": now, "updated_at": now}}
		opts := options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "_id", Value: 1}}).
			SetReturnDocument(options.After)

		var doc outboxDoc
		err := collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if err == mongo.ErrNoDocuments {
			break
		}
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		entries = append(entries, doc.toEntry())
	}

	addDBStatsToSpan(span, "mongodb", "FetchUnpublished", len(entries), time.Since(startTime))

	return entries, nil
}

func (m *MongoRepository) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "MarkPublished")
	defer span.End()

	now := time.Now()
	collection := m.client.Database(m.database).Collection(m.collection)
	_, err := collection.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "published_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{
			"status":       schema.StatusPublished,
			"published_at": now,
			"updated_at":   now,
		}},
	)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (m *MongoRepository) MarkFailed(ctx context.Context, id int64, errClass, errMsg string, retryAt time.Time) error {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "MarkFailed")
	defer span.End()

	now := time.Now()
	collection := m.client.Database(m.database).Collection(m.collection)
	_, err := collection.UpdateOne(ctx,
		bson.M{"_id": id, "published_at": bson.M{"$exists": false}},
		bson.M{
			"$inc": bson.M{"attempts": 1},
			"$set": bson.M{
				"failed_at":     now,
				"retry_at":      retryAt,
				"error_class":   errClass,
				"error_message": errMsg,
				"updated_at":    now,
			},
			"$unset": bson.M{"claimed_at": ""},
		},
	)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (m *MongoRepository) MarkExhausted(ctx context.Context, id int64, errClass, errMsg string) error {
	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "MarkExhausted")
	defer span.End()

	now := time.Now()
	collection := m.client.Database(m.database).Collection(m.collection)
	_, err := collection.UpdateOne(ctx,
		bson.M{"_id": id, "published_at": bson.M{"$exists": false}},
		bson.M{"$set": bson.M{
			"status":        schema.StatusFailed,
			"failed_at":     now,
			"error_class":   errClass,
			"error_message": errMsg,
			"updated_at":    now,
		}},
	)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

type outboxDoc struct {
	ID           int64             `bson:"_id"`
	ResourceType string            `bson:"resource_type"`
	ResourceID   string            `bson:"resource_id"`
	EventName    string            `bson:"event_name"`
	Topic        string            `bson:"topic"`
	PartitionKey string            `bson:"partition_key"`
	Payload      []byte            `bson:"payload"`
	Headers      map[string]string `bson:"headers"`
	Status       schema.Status     `bson:"status"`
	Attempts     int               `bson:"attempts"`
	CreatedAt    time.Time         `bson:"created_at"`
}

func (d outboxDoc) toEntry() schema.OutboxEntry {
	return schema.OutboxEntry{
		ID:           d.ID,
		ResourceType: d.ResourceType,
		ResourceID:   d.ResourceID,
		EventName:    d.EventName,
		Topic:        d.Topic,
		PartitionKey: d.PartitionKey,
		Payload:      d.Payload,
		Headers:      d.Headers,
		Status:       d.Status,
		Attempts:     d.Attempts,
		CreatedAt:    d.CreatedAt,
	}
}
