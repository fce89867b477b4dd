package models

import "time"

type UsageCounter struct {
	Key       string    `bson:"key"`
	Count     int       `bson:"count"`
	ResetAt   time.Time `bson:"resetAt"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}
