package repository

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	colUsers           = "users"
	colSessions        = "sessions"
	colUsageCounters   = "usage_counters"
	colProcessedEvents = "processed_stripe_events"
	colPendingPurchase = "pending_purchases"
)

var ErrDuplicate = errors.New("duplicate key")

// EnsureIndexes creates every index the repositories rely on. It runs once at
// startup, before the HTTP server accepts traffic.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	for col, models := range indexModels() {
		if _, err := db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("ensure %s indexes: %w", col, err)
		}
	}
	return nil
}

func indexModels() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colUsers: {
			{
				Keys:    bson.D{{Key: "emailLower", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("email_lower_unique"),
			},
			{
				Keys:    bson.D{{Key: "verificationTokenHash", Value: 1}},
				Options: options.Index().SetSparse(true).SetName("verification_token_idx"),
			},
			{
				Keys:    bson.D{{Key: "stripeCustomerId", Value: 1}},
				Options: options.Index().SetSparse(true).SetName("stripe_customer_idx"),
			},
			{
				Keys:    bson.D{{Key: "stripeSubscriptionId", Value: 1}},
				Options: options.Index().SetSparse(true).SetName("stripe_subscription_idx"),
			},
		},
		colSessions: {
			{
				Keys:    bson.D{{Key: "tokenHash", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("session_token_unique"),
			},
			{
				Keys:    bson.D{{Key: "expiresAt", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(0).SetName("session_ttl"),
			},
			{
				Keys:    bson.D{{Key: "userId", Value: 1}},
				Options: options.Index().SetName("session_user_idx"),
			},
		},
		colUsageCounters: {
			{
				Keys:    bson.D{{Key: "key", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("usage_counter_key_unique"),
			},
			{
				Keys:    bson.D{{Key: "resetAt", Value: 1}},
				Options: options.Index().SetName("usage_counter_reset_idx"),
			},
		},
		colProcessedEvents: {
			{
				Keys:    bson.D{{Key: "stripeEventId", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("processed_stripe_event_id_unique"),
			},
		},
		colPendingPurchase: {
			{
				Keys: bson.D{
					{Key: "emailLower", Value: 1},
					{Key: "claimedByUserId", Value: 1},
					{Key: "createdAt", Value: 1},
				},
				Options: options.Index().SetName("pending_purchase_claim_lookup"),
			},
			{
				Keys:    bson.D{{Key: "stripeCustomerId", Value: 1}},
				Options: options.Index().SetSparse(true).SetName("pending_customer_idx"),
			},
			{
				Keys:    bson.D{{Key: "stripeSubscriptionId", Value: 1}},
				Options: options.Index().SetSparse(true).SetName("pending_subscription_idx"),
			},
		},
	}
}

func wrapWriteErr(op string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}
