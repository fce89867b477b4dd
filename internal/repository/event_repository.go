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

type ProcessedEventRepository struct {
	coll *mongo.Collection
}

func NewProcessedEventRepository(db *mongo.Database) *ProcessedEventRepository {
	return &ProcessedEventRepository{coll: db.Collection(colProcessedEvents)}
}

// Get returns nil without error when the event has never been admitted.
func (r *ProcessedEventRepository) Get(ctx context.Context, eventID string) (*models.ProcessedEvent, error) {
	var event models.ProcessedEvent
	if err := r.coll.FindOne(ctx, bson.M{"stripeEventId": eventID}).Decode(&event); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("find processed event: %w", err)
	}
	return &event, nil
}

// InsertInFlight admits a new event. A concurrent admission of the same id
// yields ErrDuplicate.
func (r *ProcessedEventRepository) InsertInFlight(ctx context.Context, eventID string, now time.Time) error {
	_, err := r.coll.InsertOne(ctx, models.ProcessedEvent{
		StripeEventID: eventID,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return wrapWriteErr("insert processed event", err)
	}
	return nil
}

func (r *ProcessedEventRepository) Touch(ctx context.Context, eventID string, now time.Time) error {
	_, err := r.coll.UpdateOne(ctx, bson.M{"stripeEventId": eventID}, bson.M{
		"$set": bson.M{"updatedAt": now},
	})
	if err != nil {
		return fmt.Errorf("touch processed event: %w", err)
	}
	return nil
}

func (r *ProcessedEventRepository) MarkProcessed(ctx context.Context, eventID string, now time.Time) error {
	_, err := r.coll.UpdateOne(ctx, bson.M{"stripeEventId": eventID}, bson.M{
		"$set": bson.M{"processedAt": now, "updatedAt": now},
	})
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

// ListInFlightBefore returns events admitted but never completed whose last
// attempt is older than before.
func (r *ProcessedEventRepository) ListInFlightBefore(ctx context.Context, before time.Time, limit int64) ([]models.ProcessedEvent, error) {
	filter := bson.M{"processedAt": nil, "updatedAt": bson.M{"$lt": before}}
	opts := options.Find().SetSort(bson.D{{Key: "updatedAt", Value: 1}}).SetLimit(limit)

	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find in-flight events: %w", err)
	}
	var events []models.ProcessedEvent
	if err := cursor.All(ctx, &events); err != nil {
		return nil, fmt.Errorf("decode in-flight events: %w", err)
	}
	return events, nil
}
