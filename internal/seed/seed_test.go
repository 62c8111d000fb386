package seed

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"murmur/internal/backend"
	"murmur/internal/models"
	"murmur/internal/testutil"
)

func TestUsersWritesAccountAndEmailIndex(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	s := NewSeeder(gw)

	users, err := s.Users(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, users, 3)

	for _, u := range users {
		assert.NotEmpty(t, u.ID)
		assert.NotEmpty(t, u.Username)
		assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(Password)))

		_, ok := gw.Doc(backend.UserPath(u.ID))
		assert.True(t, ok)

		emailKey := strings.ReplaceAll(u.Email, ".", ",")
		idx, ok := gw.Doc(backend.EmailIndexPath(emailKey))
		require.True(t, ok)
		assert.Equal(t, u.ID, idx["user_id"])
	}
}

func TestConversationSeedsPageableHistory(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	s := NewSeeder(gw)

	a := models.User{ID: "seed-a", Username: "a"}
	b := models.User{ID: "seed-b", Username: "b"}

	chatID, err := s.Conversation(context.Background(), a, b, 8)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationID(a.ID, b.ID), chatID)

	recs, err := gw.Fetch(context.Background(), backend.ChatMessagesPath(chatID), backend.Query{})
	require.NoError(t, err)
	require.Len(t, recs, 8)

	// Timestamps are explicit and strictly increasing so history paging
	// has real windows to walk.
	var prev int64
	for _, rec := range recs {
		var m models.Message
		require.NoError(t, json.Unmarshal(rec.Data, &m))
		assert.Equal(t, chatID, m.ChatID)
		assert.Greater(t, m.Timestamp, prev)
		prev = m.Timestamp
	}

	meta, ok := gw.Doc(backend.ChatMetaPath(chatID))
	require.True(t, ok)
	assert.Equal(t, chatID, meta["id"])

	_, ok = gw.Doc(backend.UserChatsPath(a.ID) + "/" + chatID)
	assert.True(t, ok)
	_, ok = gw.Doc(backend.UserChatsPath(b.ID) + "/" + chatID)
	assert.True(t, ok)
}

func TestMeshSkipsSelfPairing(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	s := NewSeeder(gw)

	users := []models.User{{ID: "only", Username: "only"}}
	require.NoError(t, s.Mesh(context.Background(), users, 3, 5))

	recs, err := gw.Fetch(context.Background(), backend.UserChatsPath("only"), backend.Query{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}
