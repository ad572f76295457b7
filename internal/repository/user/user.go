package user

import (
	"context"
	"time"

	"e2e_ratchet/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// UserRepo stores account pickles by user name.
	UserRepo struct {
		collection *mongo.Collection
	}
)

func NewUserRepo(db *mongo.Database) *UserRepo {
	return &UserRepo{
		collection: db.Collection("users"),
	}
}

func (r *UserRepo) GetByName(ctx context.Context, name string) (*model.User, error) {
	filter := bson.M{
		"name": name,
	}

	var user model.User
	err := r.collection.FindOne(ctx, filter).Decode(&user)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &user, nil
}

// Save inserts the user or replaces the stored pickle.
func (r *UserRepo) Save(ctx context.Context, user *model.User) error {
	user.UpdatedAt = time.Now().UTC()

	filter := bson.M{"name": user.Name}
	update := bson.M{
		"$set": bson.M{
			"account_pickle": user.AccountPickle,
			"updated_at":     user.UpdatedAt,
		},
	}
	_, err := r.collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}
