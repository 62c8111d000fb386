package chat

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"murmur/internal/backend"
	"murmur/internal/models"
	"murmur/internal/observability"
)

var (
	ErrChatNotFound    = errors.New("chat not found")
	ErrPartnerNotFound = errors.New("chat partner not found")
	ErrRoomClosed      = errors.New("room is closed")
)

// RoomConfig carries the knobs for opening a conversation.
type RoomConfig struct {
	Gateway backend.Gateway
	ChatID  string
	UserID  string

	// PageSize and TypingDecay fall back to package defaults when zero.
	PageSize    int
	TypingDecay time.Duration

	// DisableTyping drops typing signalling entirely (feature flag off).
	DisableTyping bool

	// Clock returns the local time in milliseconds, for pending message
	// timestamps. Defaults to the wall clock.
	Clock func() int64
}

// Room owns one open conversation: the message store, history pager,
// live feed, outbox and typing monitor. All mutations funnel through the
// room's mutex, and every async completion checks the closed flag first
// so nothing lands after Close.
type Room struct {
	gw     backend.Gateway
	chatID string
	userID string
	clock  func() int64
	log    *observability.RoomLogger

	conv    models.Conversation
	partner models.User

	store  *MessageStore
	pager  *HistoryPager
	feed   *LiveFeed
	outbox *Outbox
	typing *TypingMonitor

	mu      sync.Mutex
	closed  bool
	lastErr error
	// tags maps a client tag to its confirmed server id once either the
	// push response or the live feed has reconciled the optimistic copy.
	tags map[string]string
	// pendingBlobs keeps attachment payloads until confirmation so a
	// failed send can be retried without the caller re-supplying bytes.
	pendingBlobs map[string][]byte

	onChange func()
}

// OpenRoom loads the conversation and partner records, fetches the most
// recent history page and starts the live feed. A missing conversation
// or partner is fatal for the room.
func OpenRoom(ctx context.Context, cfg RoomConfig) (*Room, error) {
	r := &Room{
		gw:           cfg.Gateway,
		chatID:       cfg.ChatID,
		userID:       cfg.UserID,
		clock:        cfg.Clock,
		log:          observability.NewRoomLogger(cfg.ChatID),
		store:        NewMessageStore(),
		tags:         make(map[string]string),
		pendingBlobs: make(map[string][]byte),
	}
	if r.clock == nil {
		r.clock = func() int64 { return time.Now().UnixMilli() }
	}

	if err := cfg.Gateway.Read(ctx, backend.ChatMetaPath(cfg.ChatID), &r.conv); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	partnerID := r.conv.Partner(cfg.UserID)
	if partnerID == "" {
		return nil, ErrPartnerNotFound
	}
	if err := cfg.Gateway.Read(ctx, backend.UserPath(partnerID), &r.partner); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrPartnerNotFound
		}
		return nil, err
	}

	r.pager = NewHistoryPager(cfg.Gateway, cfg.ChatID, cfg.PageSize)
	msgs, err := r.pager.LoadInitial(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		r.store.Insert(m)
	}

	after, _ := r.store.NewestTimestamp()
	feed, err := OpenLiveFeed(ctx, cfg.Gateway, cfg.ChatID, after, r.onLiveMessage, r.onFeedError)
	if err != nil {
		return nil, err
	}
	r.feed = feed

	r.outbox = NewOutbox(cfg.Gateway, cfg.ChatID, cfg.UserID, r.conv.Participants, r.clock, OutboxCallbacks{
		OnProgress:  r.onProgress,
		OnConfirmed: r.onConfirmed,
		OnFailed:    r.onFailed,
	})
	publish := r.publishTyping
	if cfg.DisableTyping {
		publish = func(bool) {}
	}
	r.typing = NewTypingMonitor(cfg.TypingDecay, publish)

	r.log.LogOpen(ctx, r.store.Len())
	return r, nil
}

// Partner returns the other participant's user record as loaded at open.
func (r *Room) Partner() models.User {
	return r.partner
}

// OnChange registers the callback invoked after every visible mutation.
// It fires outside the room lock.
func (r *Room) OnChange(fn func()) {
	r.mu.Lock()
	r.onChange = fn
	r.mu.Unlock()
}

// Err returns the most recent live feed failure, if any.
func (r *Room) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Timeline renders the current store as display entries with day
// separators.
func (r *Room) Timeline() []models.TimelineEntry {
	r.mu.Lock()
	msgs := r.store.Snapshot()
	r.mu.Unlock()
	return BuildTimeline(msgs, time.Now())
}

// Messages returns the raw ascending message snapshot.
func (r *Room) Messages() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Snapshot()
}

// Send performs an optimistic send: the pending copy appears in the
// store immediately and delivery runs in the background. blob carries
// the attachment payload and may be nil for text sends.
func (r *Room) Send(ctx context.Context, text string, att *models.Attachment, blob []byte, reply *models.ReplyRef) error {
	m, err := r.outbox.Prepare(text, att, reply)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	r.store.Insert(m)
	if blob != nil {
		r.pendingBlobs[m.ClientTag] = blob
	}
	r.mu.Unlock()
	r.notify()

	r.log.LogSend(ctx, m.ClientTag, att != nil)
	go r.deliver(ctx, m, blob)
	return nil
}

// Retry re-delivers a failed message, reusing the attachment payload
// kept from the original send.
func (r *Room) Retry(ctx context.Context, id string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	m, ok := r.store.Get(id)
	if !ok || m.Status != models.StatusFailed {
		r.mu.Unlock()
		return models.NewNotFoundError("failed message", id)
	}
	blob := r.pendingBlobs[m.ClientTag]
	r.store.Apply(id, func(msg *models.Message) {
		msg.Status = models.StatusPending
		msg.FailureReason = ""
		msg.UploadProgress = 0
	})
	m.Status = models.StatusPending
	r.mu.Unlock()
	r.notify()

	r.log.LogSend(ctx, m.ClientTag, m.Attachment != nil)
	go r.deliver(ctx, m, blob)
	return nil
}

// LoadOlder merges the next history page into the store. It reports
// whether anything new arrived; a call during another fetch or past the
// start of history does nothing.
func (r *Room) LoadOlder(ctx context.Context) (bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrRoomClosed
	}
	before, ok := r.store.OldestTimestamp()
	r.mu.Unlock()
	if !ok {
		return false, nil
	}

	msgs, loaded, err := r.pager.LoadOlder(ctx, before)
	if err != nil || !loaded {
		return false, err
	}

	added := false
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrRoomClosed
	}
	for _, m := range msgs {
		if r.store.Insert(m) {
			added = true
		}
	}
	r.mu.Unlock()
	if added {
		r.notify()
	}
	return added, nil
}

// SetInput feeds the draft text into the typing monitor.
func (r *Room) SetInput(text string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.typing.InputChanged(text)
}

// Close tears the room down: live feed cancelled, typing cleared, all
// late async completions dropped. Idempotent.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.typing.Stop()
	r.feed.Close()
	r.log.LogClose(context.Background())
}

func (r *Room) deliver(ctx context.Context, m models.Message, blob []byte) {
	var reader *bytes.Reader
	var size int64
	if blob != nil {
		reader = bytes.NewReader(blob)
		size = int64(len(blob))
	}
	if reader == nil {
		r.outbox.Deliver(ctx, m, nil, 0)
		return
	}
	r.outbox.Deliver(ctx, m, reader, size)
}

func (r *Room) notify() {
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// onLiveMessage reconciles a live delivery against the store: the server
// copy of an optimistic send replaces the pending copy in place, a known
// id is an update or a redelivery, anything else is a new message.
func (r *Room) onLiveMessage(m models.Message) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}

	switch {
	case m.ClientTag != "" && r.store.Has(m.ClientTag):
		// Feed beat the push response: swap the pending copy in place.
		r.tags[m.ClientTag] = m.ID
		delete(r.pendingBlobs, m.ClientTag)
		r.store.SwapID(m.ClientTag, m.ID, func(msg *models.Message) {
			r.adopt(msg, m)
		})
	case r.store.Has(m.ID):
		// Redelivery or a field change (read receipts arrive this way).
		observability.DuplicateDeliveries.Inc()
		r.store.Apply(m.ID, func(msg *models.Message) {
			r.adopt(msg, m)
		})
	case m.ClientTag != "" && r.tags[m.ClientTag] != "":
		// Already reconciled under the server id and since evicted from
		// the visible window. Drop it.
		observability.DuplicateDeliveries.Inc()
	default:
		r.store.Insert(m)
	}
	r.mu.Unlock()
	r.notify()
}

// adopt copies the server copy's wire fields onto the stored message,
// marking it confirmed.
func (r *Room) adopt(msg *models.Message, server models.Message) {
	msg.ID = server.ID
	msg.Text = server.Text
	msg.Attachment = server.Attachment
	msg.Reaction = server.Reaction
	msg.ReplyTo = server.ReplyTo
	msg.Read = server.Read
	msg.Timestamp = server.Timestamp
	msg.Status = models.StatusSent
	msg.FailureReason = ""
}

func (r *Room) onFeedError(err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.lastErr = err
	r.mu.Unlock()
	r.log.LogFeedError(context.Background(), err)
	r.notify()
}

func (r *Room) onConfirmed(tag, serverID string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	delete(r.pendingBlobs, tag)
	if r.tags[tag] == "" {
		r.tags[tag] = serverID
		r.store.SwapID(tag, serverID, func(msg *models.Message) {
			msg.Status = models.StatusSent
			msg.FailureReason = ""
		})
	}
	r.mu.Unlock()
	r.log.LogConfirm(context.Background(), tag, serverID)
	r.notify()
}

func (r *Room) onFailed(tag string, err error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.store.Apply(tag, func(msg *models.Message) {
		msg.Status = models.StatusFailed
		msg.FailureReason = err.Error()
	})
	r.mu.Unlock()
	r.log.LogSendFailed(context.Background(), tag, err)
	r.notify()
}

func (r *Room) onProgress(tag string, percent int) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.store.Apply(tag, func(msg *models.Message) {
		msg.UploadProgress = percent
	})
	r.mu.Unlock()
	r.notify()
}

// publishTyping flips the user's typing field on the presence record.
// Best effort: a failed flip only costs the indicator.
func (r *Room) publishTyping(typing bool) {
	target := ""
	if typing {
		target = r.chatID
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = r.gw.Update(ctx, backend.StatusPath(r.userID), map[string]any{
		"typing_in":   target,
		"last_active": backend.ServerTimestamp,
	})
}
