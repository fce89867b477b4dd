package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"allinone/internal/models"
)

type CounterRepository struct {
	coll *mongo.Collection
}

func NewCounterRepository(db *mongo.Database) *CounterRepository {
	return &CounterRepository{coll: db.Collection(colUsageCounters)}
}

func (r *CounterRepository) Peek(ctx context.Context, key string, now time.Time) (int, error) {
	var counter models.UsageCounter
	if err := r.coll.FindOne(ctx, bson.M{"key": key}).Decode(&counter); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, fmt.Errorf("find counter: %w", err)
	}
	if !counter.ResetAt.After(now) {
		return 0, nil
	}
	return counter.Count, nil
}

// Increment performs a single pipeline upsert: the server decides whether the
// stored window has closed, restarting it at 1 with resetAt, or adds one.
func (r *CounterRepository) Increment(ctx context.Context, key string, resetAt time.Time, now time.Time) (int, error) {
	expired := bson.D{{Key: "$lte", Value: bson.A{
		bson.D{{Key: "$ifNull", Value: bson.A{"$resetAt", now}}},
		now,
	}}}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "count", Value: bson.D{{Key: "$cond", Value: bson.A{
				expired,
				1,
				bson.D{{Key: "$add", Value: bson.A{"$count", 1}}},
			}}}},
			{Key: "resetAt", Value: bson.D{{Key: "$cond", Value: bson.A{expired, resetAt, "$resetAt"}}}},
			{Key: "createdAt", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$createdAt", now}}}},
			{Key: "updatedAt", Value: now},
		}}},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var counter models.UsageCounter
	err := r.coll.FindOneAndUpdate(ctx, bson.M{"key": key}, pipeline, opts).Decode(&counter)
	if mongo.IsDuplicateKeyError(err) {
		// Two upserts raced on a missing key; the loser retries as an update.
		err = r.coll.FindOneAndUpdate(ctx, bson.M{"key": key}, pipeline, opts).Decode(&counter)
	}
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return counter.Count, nil
}

func (r *CounterRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{"resetAt": bson.M{"$lt": before}})
	if err != nil {
		return 0, fmt.Errorf("delete expired counters: %w", err)
	}
	return res.DeletedCount, nil
}
