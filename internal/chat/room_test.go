package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/backend"
	"murmur/internal/models"
	"murmur/internal/testutil"
)

const (
	testUser    = "ua"
	testPartner = "ub"
)

var testChatID = models.ConversationID(testUser, testPartner)

func seedChat(t *testing.T, gw *testutil.MemoryGateway, history ...models.Message) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, gw.Write(ctx, backend.ChatMetaPath(testChatID), models.Conversation{
		ID:           testChatID,
		Participants: []string{testUser, testPartner},
	}))
	require.NoError(t, gw.Write(ctx, backend.UserPath(testPartner), models.User{
		ID:       testPartner,
		Username: "partner",
	}))
	for _, m := range history {
		require.NoError(t, gw.Write(ctx, backend.ChatMessagesPath(testChatID)+"/"+m.ID, m))
	}
}

func openTestRoom(t *testing.T, gw backend.Gateway, pageSize int) *Room {
	t.Helper()
	room, err := OpenRoom(context.Background(), RoomConfig{
		Gateway:  gw,
		ChatID:   testChatID,
		UserID:   testUser,
		PageSize: pageSize,
		Clock:    func() int64 { return 500_000 },
	})
	require.NoError(t, err)
	t.Cleanup(room.Close)
	return room
}

func waitForStatus(t *testing.T, room *Room, id string, status string) models.Message {
	t.Helper()
	var got models.Message
	assert.Eventually(t, func() bool {
		for _, m := range room.Messages() {
			if m.Status == status && (id == "" || m.ID == id) {
				got = m
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return got
}

func TestOpenRoomMissingChat(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()

	_, err := OpenRoom(context.Background(), RoomConfig{Gateway: gw, ChatID: "nope", UserID: testUser})
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestOpenRoomMissingPartner(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	require.NoError(t, gw.Write(context.Background(), backend.ChatMetaPath(testChatID), models.Conversation{
		ID:           testChatID,
		Participants: []string{testUser, testPartner},
	}))

	_, err := OpenRoom(context.Background(), RoomConfig{Gateway: gw, ChatID: testChatID, UserID: testUser})
	assert.ErrorIs(t, err, ErrPartnerNotFound)
}

func TestOpenRoomSeedsHistory(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	seedChat(t, gw,
		models.Message{ID: "m2", SenderID: testPartner, Text: "two", Timestamp: 200},
		models.Message{ID: "m1", SenderID: testUser, Text: "one", Timestamp: 100},
	)

	room := openTestRoom(t, gw, 50)
	msgs := room.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, models.StatusSent, msgs[0].Status)
	assert.Equal(t, "partner", room.Partner().Username)
}

func TestSendOptimisticThenConfirmed(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	seedChat(t, gw)
	room := openTestRoom(t, gw, 50)

	require.NoError(t, room.Send(context.Background(), "hello", nil, nil, nil))

	// Pending copy is visible before any network round trip completes.
	msgs := room.Messages()
	require.Len(t, msgs, 1)
	pendingOrSent := msgs[0].Status == models.StatusPending || msgs[0].Status == models.StatusSent
	assert.True(t, pendingOrSent)
	assert.Equal(t, "hello", msgs[0].Text)

	confirmed := waitForStatus(t, room, "", models.StatusSent)
	assert.NotEqual(t, confirmed.ID, confirmed.ClientTag, "confirmed copy carries the server id")
	require.Len(t, room.Messages(), 1, "confirmation replaces the pending copy, never duplicates it")

	// The send also bumps the conversation summary.
	assert.Eventually(t, func() bool {
		doc, ok := gw.Doc(backend.ChatMetaPath(testChatID))
		return ok && doc["last_message"] != nil
	}, time.Second, 5*time.Millisecond)
}

func TestSendRejectsEmptyPayload(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	seedChat(t, gw)
	room := openTestRoom(t, gw, 50)

	err := room.Send(context.Background(), "", nil, nil, nil)
	assert.Error(t, err)
	assert.Empty(t, room.Messages())
}

func TestConfirmedCopyKeepsPosition(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	seedChat(t, gw, models.Message{ID: "old", SenderID: testPartner, Text: "old", Timestamp: 100})
	room := openTestRoom(t, gw, 50)

	require.NoError(t, room.Send(context.Background(), "mine", nil, nil, nil))
	waitForStatus(t, room, "", models.StatusSent)

	msgs := room.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "old", msgs[0].ID)
	assert.Equal(t, "mine", msgs[1].Text)
}

func TestLiveDeliveryFromPartner(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	seedChat(t, gw)
	room := openTestRoom(t, gw, 50)

	var notified sync.WaitGroup
	notified.Add(1)
	var once sync.Once
	room.OnChange(func() { once.Do(notified.Done) })

	_, err := gw.Push(context.Background(), backend.ChatMessagesPath(testChatID), models.Message{
		SenderID: testPartner,
		Text:     "hi there",
	})
	require.NoError(t, err)

	notified.Wait()
	msgs := room.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi there", msgs[0].Text)
	assert.Equal(t, models.StatusSent, msgs[0].Status)
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	seedChat(t, gw)
	room := openTestRoom(t, gw, 50)

	m := models.Message{ID: "dup", SenderID: testPartner, Text: "once", Timestamp: 2_000_000}
	path := backend.ChatMessagesPath(testChatID) + "/dup"
	require.NoError(t, gw.Write(context.Background(), path, m))
	require.NoError(t, gw.Write(context.Background(), path, m))

	assert.Eventually(t, func() bool { return len(room.Messages()) == 1 }, time.Second, 5*time.Millisecond)
	msgs := room.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "once", msgs[0].Text)
}

func TestReadReceiptArrivesAsUpdate(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	seedChat(t, gw, models.Message{ID: "m1", SenderID: testUser, Text: "sent", Timestamp: 900_000})
	room := openTestRoom(t, gw, 50)

	require.NoError(t, gw.Update(context.Background(), backend.ChatMessagesPath(testChatID), map[string]any{
		"m1/read": true,
	}))

	assert.Eventually(t, func() bool {
		msgs := room.Messages()
		return len(msgs) == 1 && msgs[0].Read
	}, time.Second, 5*time.Millisecond)
}

func TestCloseDropsLateDeliveries(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	seedChat(t, gw)
	room := openTestRoom(t, gw, 50)

	room.Close()

	_, err := gw.Push(context.Background(), backend.ChatMessagesPath(testChatID), models.Message{
		SenderID: testPartner,
		Text:     "too late",
	})
	require.NoError(t, err)

	assert.Never(t, func() bool { return len(room.Messages()) != 0 }, 50*time.Millisecond, 10*time.Millisecond)
	assert.ErrorIs(t, room.Send(context.Background(), "x", nil, nil, nil), ErrRoomClosed)
	_, err = room.LoadOlder(context.Background())
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestLoadOlderMergesPage(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	seedChat(t, gw,
		models.Message{ID: "m1", SenderID: testPartner, Text: "1", Timestamp: 100},
		models.Message{ID: "m2", SenderID: testUser, Text: "2", Timestamp: 200},
		models.Message{ID: "m3", SenderID: testPartner, Text: "3", Timestamp: 300},
	)
	room := openTestRoom(t, gw, 2)

	require.Len(t, room.Messages(), 2)
	assert.Equal(t, "m2", room.Messages()[0].ID)

	added, err := room.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.True(t, added)
	msgs := room.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids(msgs))

	// Past the start of history nothing more arrives.
	added, err = room.LoadOlder(context.Background())
	require.NoError(t, err)
	assert.False(t, added)
}

func TestSetInputPublishesTyping(t *testing.T) {
	t.Parallel()
	gw := testutil.NewMemoryGateway()
	seedChat(t, gw)
	room := openTestRoom(t, gw, 50)

	room.SetInput("typing away")
	assert.Eventually(t, func() bool {
		doc, ok := gw.Doc(backend.StatusPath(testUser))
		return ok && doc["typing_in"] == testChatID
	}, time.Second, 5*time.Millisecond)

	room.SetInput("")
	assert.Eventually(t, func() bool {
		doc, ok := gw.Doc(backend.StatusPath(testUser))
		return ok && doc["typing_in"] == ""
	}, time.Second, 5*time.Millisecond)
}

// flakyGateway fails pushes on demand while passing everything else
// through to the in-memory backend.
type flakyGateway struct {
	*testutil.MemoryGateway
	mu       sync.Mutex
	failPush bool
}

func (f *flakyGateway) setFailPush(fail bool) {
	f.mu.Lock()
	f.failPush = fail
	f.mu.Unlock()
}

func (f *flakyGateway) Push(ctx context.Context, path string, value any) (string, error) {
	f.mu.Lock()
	fail := f.failPush
	f.mu.Unlock()
	if fail {
		return "", assert.AnError
	}
	return f.MemoryGateway.Push(ctx, path, value)
}

func TestFailedSendThenRetry(t *testing.T) {
	t.Parallel()
	gw := &flakyGateway{MemoryGateway: testutil.NewMemoryGateway()}
	seedChat(t, gw.MemoryGateway)
	room := openTestRoom(t, gw, 50)

	gw.setFailPush(true)
	require.NoError(t, room.Send(context.Background(), "doomed", nil, nil, nil))

	failed := waitForStatus(t, room, "", models.StatusFailed)
	assert.NotEmpty(t, failed.FailureReason)
	require.Len(t, room.Messages(), 1, "failed copy stays visible for retry")

	// Retrying an unknown or non-failed id is rejected.
	assert.Error(t, room.Retry(context.Background(), "ghost"))

	gw.setFailPush(false)
	require.NoError(t, room.Retry(context.Background(), failed.ID))

	confirmed := waitForStatus(t, room, "", models.StatusSent)
	assert.Equal(t, "doomed", confirmed.Text)
	assert.Empty(t, confirmed.FailureReason)
	require.Len(t, room.Messages(), 1)
}
