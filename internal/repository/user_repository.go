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

var ErrUserNotFound = errors.New("user not found")

type UserRepository struct {
	coll *mongo.Collection
}

func NewUserRepository(db *mongo.Database) *UserRepository {
	return &UserRepository{coll: db.Collection(colUsers)}
}

func (r *UserRepository) Create(ctx context.Context, user models.User) error {
	if _, err := r.coll.InsertOne(ctx, user); err != nil {
		return wrapWriteErr("insert user", err)
	}
	return nil
}

func (r *UserRepository) GetByID(ctx context.Context, id string) (models.User, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

// FindByEmail looks a user up by normalized email.
func (r *UserRepository) FindByEmail(ctx context.Context, emailLower string) (models.User, error) {
	return r.findOne(ctx, bson.M{"emailLower": emailLower})
}

func (r *UserRepository) findOne(ctx context.Context, filter bson.M) (models.User, error) {
	var user models.User
	if err := r.coll.FindOne(ctx, filter).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.User{}, ErrUserNotFound
		}
		return models.User{}, fmt.Errorf("find user: %w", err)
	}
	return user, nil
}

func (r *UserRepository) DeleteByID(ctx context.Context, id string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

// VerifyEmail marks the owner of an unexpired verification token as verified
// and burns the token.
func (r *UserRepository) VerifyEmail(ctx context.Context, tokenHash string, now time.Time) (models.User, error) {
	filter := bson.M{
		"verificationTokenHash":      tokenHash,
		"verificationTokenExpiresAt": bson.M{"$gt": now},
	}
	update := bson.M{
		"$set":   bson.M{"emailVerified": true, "updatedAt": now},
		"$unset": bson.M{"verificationTokenHash": "", "verificationTokenExpiresAt": ""},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var user models.User
	if err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.User{}, ErrUserNotFound
		}
		return models.User{}, fmt.Errorf("verify email: %w", err)
	}
	return user, nil
}

func (r *UserRepository) TouchLogin(ctx context.Context, id string, now time.Time) error {
	_, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"lastLoginAt": now, "updatedAt": now},
	})
	if err != nil {
		return fmt.Errorf("touch login: %w", err)
	}
	return nil
}

// ApplyEntitlement overwrites the user's plan fields and processor refs as one
// unit. Empty refs are removed.
func (r *UserRepository) ApplyEntitlement(ctx context.Context, id string, ent models.Entitlement) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, entitlementUpdateDoc(ent, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("apply entitlement: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrUserNotFound
	}
	return nil
}

func entitlementUpdateDoc(ent models.Entitlement, now time.Time) bson.M {
	set := bson.M{
		"plan":          ent.Plan,
		"planStatus":    ent.PlanStatus,
		"planExpiresAt": ent.PlanExpiresAt,
		"updatedAt":     now,
	}
	unset := bson.M{}
	if ent.StripeCustomerID != "" {
		set["stripeCustomerId"] = ent.StripeCustomerID
	} else {
		unset["stripeCustomerId"] = ""
	}
	if ent.StripeSubscriptionID != "" {
		set["stripeSubscriptionId"] = ent.StripeSubscriptionID
	} else {
		unset["stripeSubscriptionId"] = ""
	}

	doc := bson.M{"$set": set}
	if len(unset) > 0 {
		doc["$unset"] = unset
	}
	return doc
}

// SetCustomerIDIfEmpty stores customerID only when the user has none yet. It
// reports whether this call won.
func (r *UserRepository) SetCustomerIDIfEmpty(ctx context.Context, id string, customerID string) (bool, error) {
	filter := bson.M{
		"_id":              id,
		"stripeCustomerId": bson.M{"$in": bson.A{nil, ""}},
	}
	res, err := r.coll.UpdateOne(ctx, filter, bson.M{
		"$set": bson.M{"stripeCustomerId": customerID, "updatedAt": time.Now().UTC()},
	})
	if err != nil {
		return false, fmt.Errorf("set customer id: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

// UpdateByRefs applies update to every user matching either processor ref.
// With no refs it matches nothing.
func (r *UserRepository) UpdateByRefs(ctx context.Context, customerID, subscriptionID string, update models.EntitlementUpdate) (int64, error) {
	var or bson.A
	if customerID != "" {
		or = append(or, bson.M{"stripeCustomerId": customerID})
	}
	if subscriptionID != "" {
		or = append(or, bson.M{"stripeSubscriptionId": subscriptionID})
	}
	if len(or) == 0 || update.Empty() {
		return 0, nil
	}

	set := bson.M{"updatedAt": time.Now().UTC()}
	unset := bson.M{}
	if update.Plan != nil {
		set["plan"] = *update.Plan
	}
	if update.PlanStatus != nil {
		set["planStatus"] = *update.PlanStatus
	}
	if update.ClearPlanExpiry {
		set["planExpiresAt"] = nil
	}
	if update.StripeSubscriptionID != nil {
		if *update.StripeSubscriptionID == "" {
			unset["stripeSubscriptionId"] = ""
		} else {
			set["stripeSubscriptionId"] = *update.StripeSubscriptionID
		}
	}

	doc := bson.M{"$set": set}
	if len(unset) > 0 {
		doc["$unset"] = unset
	}

	res, err := r.coll.UpdateMany(ctx, bson.M{"$or": or}, doc)
	if err != nil {
		return 0, fmt.Errorf("update by refs: %w", err)
	}
	return res.ModifiedCount, nil
}

// ExpireDayPassByCustomer downgrades day-pass holders of the customer to free.
func (r *UserRepository) ExpireDayPassByCustomer(ctx context.Context, customerID string) (int64, error) {
	if customerID == "" {
		return 0, nil
	}
	filter := bson.M{"stripeCustomerId": customerID, "plan": models.PlanDayPass}
	res, err := r.coll.UpdateMany(ctx, filter, bson.M{
		"$set": bson.M{
			"plan":          models.PlanFree,
			"planStatus":    models.PlanStatusExpired,
			"planExpiresAt": nil,
			"updatedAt":     time.Now().UTC(),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("expire day pass: %w", err)
	}
	return res.ModifiedCount, nil
}
