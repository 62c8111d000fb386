package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/backend"
	"murmur/internal/featureflags"
	"murmur/internal/models"
	"murmur/internal/testutil"
)

var (
	alice = models.User{ID: "alice", Username: "alice"}
	bob   = models.User{ID: "bob", Username: "bob"}
)

func newTestSession(t *testing.T, gw backend.Gateway) *Session {
	t.Helper()
	s, err := New(context.Background(), gw, alice)
	require.NoError(t, err)
	return s
}

func TestNewGoesOnlineAndRegistersDisconnect(t *testing.T) {
	t.Parallel()
	var disconnectPath string
	var disconnectFields map[string]any
	gw := testutil.NewMemoryGateway()
	stub := &testutil.GatewayStub{
		UpdateFunc: gw.Update,
		OnDisconnectFunc: func(path string, fields map[string]any) {
			disconnectPath = path
			disconnectFields = fields
		},
	}

	_, err := New(context.Background(), stub, alice)
	require.NoError(t, err)

	doc, ok := gw.Doc(backend.StatusPath(alice.ID))
	require.True(t, ok)
	assert.Equal(t, true, doc["active"])

	assert.Equal(t, backend.StatusPath(alice.ID), disconnectPath)
	assert.Equal(t, false, disconnectFields["active"])
	assert.Equal(t, "", disconnectFields["typing_in"])
}

func TestCreateChatDeterministicID(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	s := newTestSession(t, gw)

	id, err := s.CreateChat(context.Background(), bob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConversationID(alice.ID, bob.ID), id)
	assert.Equal(t, "alice_bob", id)

	doc, ok := gw.Doc(backend.ChatMetaPath(id))
	require.True(t, ok)
	assert.ElementsMatch(t, []any{"alice", "bob"}, doc["participants"])

	// Both participants got a chat list entry.
	_, ok = gw.Doc(backend.UserChatsPath(alice.ID) + "/" + id)
	assert.True(t, ok)
	_, ok = gw.Doc(backend.UserChatsPath(bob.ID) + "/" + id)
	assert.True(t, ok)
}

func TestCreateChatIdempotent(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	s := newTestSession(t, gw)

	first, err := s.CreateChat(context.Background(), bob.ID)
	require.NoError(t, err)
	writesAfterFirst := len(gw.WriteCalls)

	second, err := s.CreateChat(context.Background(), bob.ID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	// The existing conversation is never rewritten.
	assert.Equal(t, writesAfterFirst, len(gw.WriteCalls))
}

func TestCreateChatRejectsSelfAndEmpty(t *testing.T) {
	t.Parallel()
	s := newTestSession(t, testutil.NewMemoryGateway())

	_, err := s.CreateChat(context.Background(), alice.ID)
	assert.Error(t, err)
	_, err = s.CreateChat(context.Background(), "")
	assert.Error(t, err)
}

func TestChatsOrderedByActivity(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	ctx := context.Background()

	write := func(chatID string, updatedAt int64) {
		require.NoError(t, gw.Write(ctx, backend.ChatMetaPath(chatID), map[string]any{
			"id":           chatID,
			"participants": []string{alice.ID, "p-" + chatID},
			"updated_at":   updatedAt,
		}))
		require.NoError(t, gw.Write(ctx, backend.UserChatsPath(alice.ID)+"/"+chatID, map[string]any{
			"chat_id":   chatID,
			"timestamp": updatedAt,
		}))
	}
	write("c-old", 100)
	write("c-new", 300)
	write("c-mid", 200)

	s := newTestSession(t, gw)
	convs, err := s.Chats(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 3)
	assert.Equal(t, "c-new", convs[0].ID)
	assert.Equal(t, "c-mid", convs[1].ID)
	assert.Equal(t, "c-old", convs[2].ID)
}

func TestMarkMessagesAsReadSingleBatchedUpdate(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var updates []map[string]any
	stub := &testutil.GatewayStub{
		UpdateFunc: func(_ context.Context, path string, fields map[string]any) error {
			if path == backend.StatusPath(alice.ID) {
				return nil // presence writes are not under test
			}
			mu.Lock()
			updates = append(updates, fields)
			mu.Unlock()
			assert.Equal(t, backend.ChatMessagesPath("alice_bob"), path)
			return nil
		},
	}
	s := newTestSession(t, stub)

	msgs := []models.Message{
		{ID: "m1", SenderID: bob.ID, Read: false, Status: models.StatusSent},
		{ID: "m2", SenderID: bob.ID, Read: true, Status: models.StatusSent},  // already read
		{ID: "m3", SenderID: alice.ID, Read: false, Status: models.StatusSent}, // own message
		{ID: "m4", SenderID: bob.ID, Read: false, Status: models.StatusSent},
	}
	require.NoError(t, s.MarkMessagesAsRead(context.Background(), "alice_bob", msgs))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, updates, 1, "all receipts ride one batched update")
	assert.Equal(t, map[string]any{"m1/read": true, "m4/read": true}, updates[0])
}

func TestMarkMessagesAsReadNothingToFlagWritesNothing(t *testing.T) {
	t.Parallel()
	calls := 0
	stub := &testutil.GatewayStub{
		UpdateFunc: func(_ context.Context, path string, _ map[string]any) error {
			if path != backend.StatusPath(alice.ID) {
				calls++
			}
			return nil
		},
	}
	s := newTestSession(t, stub)

	msgs := []models.Message{
		{ID: "m1", SenderID: alice.ID, Read: false},
		{ID: "m2", SenderID: bob.ID, Read: true},
	}
	require.NoError(t, s.MarkMessagesAsRead(context.Background(), "alice_bob", msgs))
	assert.Zero(t, calls)
}

func TestMarkMessagesAsReadKillSwitch(t *testing.T) {
	t.Parallel()
	calls := 0
	stub := &testutil.GatewayStub{
		UpdateFunc: func(_ context.Context, path string, _ map[string]any) error {
			if path != backend.StatusPath(alice.ID) {
				calls++
			}
			return nil
		},
	}
	s, err := New(context.Background(), stub, alice,
		WithFlags(featureflags.NewManager("read_receipts=off")))
	require.NoError(t, err)

	msgs := []models.Message{
		{ID: "m1", SenderID: bob.ID, Read: false, Status: models.StatusSent},
	}
	require.NoError(t, s.MarkMessagesAsRead(context.Background(), "alice_bob", msgs))
	assert.Zero(t, calls, "receipts stay off while the flag is down")
}

func TestWatchPartnerDeliversStatus(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	s := newTestSession(t, gw)

	statuses := make(chan models.PartnerStatus, 4)
	cancel, err := s.WatchPartner(context.Background(), bob.ID, func(st models.PartnerStatus) {
		statuses <- st
	}, nil)
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, gw.Update(context.Background(), backend.StatusPath(bob.ID), map[string]any{
		"active":    true,
		"typing_in": "alice_bob",
	}))

	select {
	case st := <-statuses:
		assert.True(t, st.Active)
		assert.True(t, st.Typing("alice_bob"))
		assert.False(t, st.Typing("other_chat"))
	case <-time.After(time.Second):
		t.Fatal("expected a presence delivery")
	}
}

func TestWatchChatsRefetchesOnChange(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	s := newTestSession(t, gw)

	lists := make(chan []models.Conversation, 4)
	cancel, err := s.WatchChats(context.Background(), func(convs []models.Conversation) {
		lists <- convs
	}, nil)
	require.NoError(t, err)
	defer cancel()

	_, err = s.CreateChat(context.Background(), bob.ID)
	require.NoError(t, err)

	select {
	case convs := <-lists:
		require.Len(t, convs, 1)
		assert.Equal(t, "alice_bob", convs[0].ID)
	case <-time.After(time.Second):
		t.Fatal("expected a chat list delivery")
	}
}

func TestLogoutTearsDownSubscriptionsAndPresence(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	s := newTestSession(t, gw)

	delivered := 0
	var mu sync.Mutex
	_, err := s.WatchPartner(context.Background(), bob.ID, func(models.PartnerStatus) {
		mu.Lock()
		delivered++
		mu.Unlock()
	}, nil)
	require.NoError(t, err)

	require.NoError(t, s.Logout(context.Background()))

	require.NoError(t, gw.Update(context.Background(), backend.StatusPath(bob.ID), map[string]any{
		"active": true,
	}))
	mu.Lock()
	assert.Zero(t, delivered)
	mu.Unlock()

	doc, ok := gw.Doc(backend.StatusPath(alice.ID))
	require.True(t, ok)
	assert.Equal(t, false, doc["active"])

	// Everything after logout is rejected.
	_, err = s.CreateChat(context.Background(), bob.ID)
	assert.ErrorIs(t, err, ErrLoggedOut)
	_, err = s.Chats(context.Background())
	assert.ErrorIs(t, err, ErrLoggedOut)
	assert.NoError(t, s.Logout(context.Background()))
}
