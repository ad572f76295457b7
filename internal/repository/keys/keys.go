package keys

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"e2e_ratchet/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrUnknownUser      = errors.New("unknown user")
	ErrNoOneTimeKeys    = errors.New("no one-time keys left")
	ErrIdentityMismatch = errors.New("identity keys do not match the registered ones")
)

type (
	oneTimeKeyDoc struct {
		ID  string `bson:"key_id"`
		Key string `bson:"key"`
	}

	keyDoc struct {
		Name        string             `bson:"name"`
		Identity    model.IdentityKeys `bson:"identity"`
		OneTimeKeys []oneTimeKeyDoc    `bson:"one_time_keys"`
		FallbackKey *oneTimeKeyDoc     `bson:"fallback_key,omitempty"`
	}

	// KeyRepo is the published key directory: one document per user
	// holding the identity keys, a queue of unclaimed one-time keys and
	// the latest fallback key.
	KeyRepo struct {
		collection *mongo.Collection
	}
)

func NewKeyRepo(db *mongo.Database) *KeyRepo {
	return &KeyRepo{
		collection: db.Collection("keys"),
	}
}

func (r *KeyRepo) get(ctx context.Context, name string) (*keyDoc, error) {
	var doc keyDoc
	err := r.collection.FindOne(ctx, bson.M{"name": name}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func toDocs(keys model.OneTimeKeys) []oneTimeKeyDoc {
	docs := make([]oneTimeKeyDoc, 0, len(keys))
	for id, k := range keys {
		docs = append(docs, oneTimeKeyDoc{ID: id, Key: k})
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

// Publish registers the identity on first use, appends the bundle's
// one-time keys and replaces the fallback key when the bundle has one.
// A different identity for a known user is rejected.
func (r *KeyRepo) Publish(ctx context.Context, bundle *model.KeyBundle) error {
	existing, err := r.get(ctx, bundle.User)
	if err != nil {
		return err
	}
	if existing != nil && existing.Identity != bundle.Identity {
		return fmt.Errorf("%w: %s", ErrIdentityMismatch, bundle.User)
	}

	set := bson.M{"identity": bundle.Identity}
	if fallback := toDocs(bundle.FallbackKey); len(fallback) > 0 {
		set["fallback_key"] = fallback[0]
	}
	update := bson.M{
		"$set": set,
		"$push": bson.M{
			"one_time_keys": bson.M{"$each": toDocs(bundle.OneTimeKeys)},
		},
	}
	_, err = r.collection.UpdateOne(ctx, bson.M{"name": bundle.User}, update, options.Update().SetUpsert(true))
	return err
}

// Claim pops the oldest one-time key of name. Each key is handed out
// once. With no one-time keys left the fallback key is returned, and it
// stays in place for later claims.
func (r *KeyRepo) Claim(ctx context.Context, name string) (*model.ClaimedKeys, error) {
	filter := bson.M{
		"name":            name,
		"one_time_keys.0": bson.M{"$exists": true},
	}
	update := bson.M{"$pop": bson.M{"one_time_keys": -1}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)

	var doc keyDoc
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		existing, err := r.get(ctx, name)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownUser, name)
		}
		if existing.FallbackKey == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoOneTimeKeys, name)
		}
		return &model.ClaimedKeys{
			User:         existing.Name,
			Identity:     existing.Identity,
			OneTimeKeyID: existing.FallbackKey.ID,
			OneTimeKey:   existing.FallbackKey.Key,
			Fallback:     true,
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(doc.OneTimeKeys) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoOneTimeKeys, name)
	}

	return &model.ClaimedKeys{
		User:         doc.Name,
		Identity:     doc.Identity,
		OneTimeKeyID: doc.OneTimeKeys[0].ID,
		OneTimeKey:   doc.OneTimeKeys[0].Key,
	}, nil
}

// Count is the number of unclaimed one-time keys of name.
func (r *KeyRepo) Count(ctx context.Context, name string) (int, error) {
	doc, err := r.get(ctx, name)
	if err != nil {
		return 0, err
	}
	if doc == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownUser, name)
	}
	return len(doc.OneTimeKeys), nil
}

// Identity returns the registered identity keys of name.
func (r *KeyRepo) Identity(ctx context.Context, name string) (*model.IdentityKeys, error) {
	doc, err := r.get(ctx, name)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, name)
	}
	return &doc.Identity, nil
}
