package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"allinone/internal/models"
)

var ErrSessionNotFound = errors.New("session not found")

type SessionRepository struct {
	coll *mongo.Collection
}

func NewSessionRepository(db *mongo.Database) *SessionRepository {
	return &SessionRepository{coll: db.Collection(colSessions)}
}

func (r *SessionRepository) Create(ctx context.Context, session models.Session) error {
	if _, err := r.coll.InsertOne(ctx, session); err != nil {
		return wrapWriteErr("insert session", err)
	}
	return nil
}

// FindByTokenHash returns the live session for tokenHash. The TTL monitor runs
// about once a minute, so expiry is checked here as well.
func (r *SessionRepository) FindByTokenHash(ctx context.Context, tokenHash string, now time.Time) (models.Session, error) {
	filter := bson.M{"tokenHash": tokenHash, "expiresAt": bson.M{"$gt": now}}

	var session models.Session
	if err := r.coll.FindOne(ctx, filter).Decode(&session); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Session{}, ErrSessionNotFound
		}
		return models.Session{}, fmt.Errorf("find session: %w", err)
	}
	return session, nil
}

func (r *SessionRepository) DeleteByTokenHash(ctx context.Context, tokenHash string) error {
	if _, err := r.coll.DeleteOne(ctx, bson.M{"tokenHash": tokenHash}); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *SessionRepository) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{"userId": userID})
	if err != nil {
		return 0, fmt.Errorf("delete user sessions: %w", err)
	}
	return res.DeletedCount, nil
}
