package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type (
	// User is a local account as stored by the client. The account
	// itself only ever leaves memory as an encrypted pickle.
	User struct {
		ID            primitive.ObjectID `bson:"_id,omitempty"`
		Name          string             `bson:"name"`
		AccountPickle string             `bson:"account_pickle"`
		UpdatedAt     time.Time          `bson:"updated_at"`
	}
)
