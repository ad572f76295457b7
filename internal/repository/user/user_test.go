package user

import (
	"context"
	"testing"

	"e2e_ratchet/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestUserRepo(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("found", func(mt *mtest.T) {
		repo := NewUserRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(1, "db.users", mtest.FirstBatch, bson.D{
			{Key: "name", Value: "alice"},
			{Key: "account_pickle", Value: "pickled"},
		}))

		u, err := repo.GetByName(context.Background(), "alice")
		require.NoError(t, err)
		require.NotNil(t, u)
		assert.Equal(t, "alice", u.Name)
		assert.Equal(t, "pickled", u.AccountPickle)
	})

	mt.Run("missing", func(mt *mtest.T) {
		repo := NewUserRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, "db.users", mtest.FirstBatch))

		u, err := repo.GetByName(context.Background(), "nobody")
		require.NoError(t, err)
		assert.Nil(t, u)
	})

	mt.Run("save", func(mt *mtest.T) {
		repo := NewUserRepo(mt.DB)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 1},
		))

		u := &model.User{Name: "alice", AccountPickle: "p2"}
		require.NoError(t, repo.Save(context.Background(), u))
		assert.False(t, u.UpdatedAt.IsZero())
	})
}
