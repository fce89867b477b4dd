package repository

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"allinone/internal/models"
)

type PendingPurchaseRepository struct {
	coll *mongo.Collection
}

func NewPendingPurchaseRepository(db *mongo.Database) *PendingPurchaseRepository {
	return &PendingPurchaseRepository{coll: db.Collection(colPendingPurchase)}
}

func (r *PendingPurchaseRepository) Create(ctx context.Context, pending models.PendingPurchase) error {
	if _, err := r.coll.InsertOne(ctx, pending); err != nil {
		return wrapWriteErr("insert pending purchase", err)
	}
	return nil
}

// ListUnclaimed returns the unclaimed rows for emailLower, oldest first.
func (r *PendingPurchaseRepository) ListUnclaimed(ctx context.Context, emailLower string) ([]models.PendingPurchase, error) {
	filter := bson.M{"emailLower": emailLower, "claimedByUserId": nil}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find pending purchases: %w", err)
	}
	var rows []models.PendingPurchase
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("decode pending purchases: %w", err)
	}
	return rows, nil
}

// MarkClaimed stamps an unclaimed row with its claimer. It reports false when
// the row was already claimed.
func (r *PendingPurchaseRepository) MarkClaimed(ctx context.Context, id string, userID string, now time.Time) (bool, error) {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id, "claimedByUserId": nil},
		bson.M{"$set": bson.M{"claimedByUserId": userID, "claimedAt": now, "updatedAt": now}},
	)
	if err != nil {
		return false, fmt.Errorf("mark pending claimed: %w", err)
	}
	return res.ModifiedCount == 1, nil
}
