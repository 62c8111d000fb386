// Package session holds the per-user client state above individual
// conversations: presence, the chat list, partner watches and read
// receipts. A Session wraps the backend gateway for exactly one signed-in
// user; callers construct it explicitly after authenticating.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"murmur/internal/backend"
	"murmur/internal/chat"
	"murmur/internal/featureflags"
	"murmur/internal/models"
	"murmur/internal/observability"
)

var ErrLoggedOut = errors.New("session is logged out")

// Session is the signed-in user's client-side root. All subscriptions it
// hands out are cancelled on Logout.
type Session struct {
	gw   backend.Gateway
	user models.User

	pageSize    int
	typingDecay time.Duration
	flags       *featureflags.Manager

	mu      sync.Mutex
	closed  bool
	cancels []backend.CancelFunc
}

// Option tweaks session construction.
type Option func(*Session)

// WithPageSize overrides the history page size for rooms the session opens.
func WithPageSize(n int) Option {
	return func(s *Session) { s.pageSize = n }
}

// WithTypingDecay overrides the typing indicator decay for rooms the
// session opens. Tests shorten it.
func WithTypingDecay(d time.Duration) Option {
	return func(s *Session) { s.typingDecay = d }
}

/// WithFlags attaches a feature-flag manager. Flags act as kill switches:
// "read_receipts" and "typing_indicator" can be turned off per user.
func WithFlags(m *featureflags.Manager) Option {
	return func(s *Session) { s.flags = m }
}

// New builds a session for the authenticated user and brings them
// online: the presence record flips to active and the gateway is told to
// flip it back on disconnect.
func New(ctx context.Context, gw backend.Gateway, user models.User, opts ...Option) (*Session, error) {
	s := &Session{gw: gw, user: user}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.goOnline(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// User returns the signed-in user's record.
func (s *Session) User() models.User {
	return s.user
}

func (s *Session) goOnline(ctx context.Context) error {
	statusPath := backend.StatusPath(s.user.ID)
	err := s.gw.Update(ctx, statusPath, map[string]any{
		"active":      true,
		"last_active": backend.ServerTimestamp,
	})
	if err != nil {
		return fmt.Errorf("going online: %w", err)
	}
	s.gw.OnDisconnect(statusPath, map[string]any{
		"active":      false,
		"typing_in":   "",
		"last_active": backend.ServerTimestamp,
	})
	return nil
}

// CreateChat ensures the conversation with partnerID exists and returns
// its id. The id is deterministic in the participant pair, and an
// existing conversation is never rewritten.
func (s *Session) CreateChat(ctx context.Context, partnerID string) (string, error) {
	if s.isClosed() {
		return "", ErrLoggedOut
	}
	if partnerID == "" || partnerID == s.user.ID {
		return "", models.NewValidationError("chat partner must be another user")
	}

	chatID := models.ConversationID(s.user.ID, partnerID)
	metaPath := backend.ChatMetaPath(chatID)

	var existing models.Conversation
	err := s.gw.Read(ctx, metaPath, &existing)
	if err == nil {
		return chatID, nil
	}
	if !errors.Is(err, backend.ErrNotFound) {
		return "", err
	}

	conv := models.Conversation{
		ID:           chatID,
		Participants: []string{s.user.ID, partnerID},
	}
	if err := s.gw.Write(ctx, metaPath, map[string]any{
		"id":           conv.ID,
		"participants": conv.Participants,
		"updated_at":   backend.ServerTimestamp,
	}); err != nil {
		return "", err
	}
	for _, uid := range conv.Participants {
		err := s.gw.Write(ctx, backend.UserChatsPath(uid)+"/"+chatID, map[string]any{
			"chat_id":   chatID,
			"timestamp": backend.ServerTimestamp,
		})
		if err != nil {
			return "", err
		}
	}
	return chatID, nil
}

// OpenRoom opens the conversation for interactive use.
func (s *Session) OpenRoom(ctx context.Context, chatID string) (*chat.Room, error) {
	if s.isClosed() {
		return nil, ErrLoggedOut
	}
	return chat.OpenRoom(ctx, chat.RoomConfig{
		Gateway:       s.gw,
		ChatID:        chatID,
		UserID:        s.user.ID,
		PageSize:      s.pageSize,
		TypingDecay:   s.typingDecay,
		DisableTyping: s.flags.Disabled("typing_indicator", s.user.ID),
	})
}

// Chats returns the user's conversations, most recently active first.
func (s *Session) Chats(ctx context.Context) ([]models.Conversation, error) {
	if s.isClosed() {
		return nil, ErrLoggedOut
	}
	entries, err := s.gw.Fetch(ctx, backend.UserChatsPath(s.user.ID), backend.Query{})
	if err != nil {
		return nil, err
	}

	convs := make([]models.Conversation, 0, len(entries))
	for _, rec := range entries {
		var entry models.ChatListEntry
		if err := json.Unmarshal(rec.Data, &entry); err != nil {
			continue
		}
		var conv models.Conversation
		err := s.gw.Read(ctx, backend.ChatMetaPath(entry.ChatID), &conv)
		if errors.Is(err, backend.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].UpdatedAt > convs[j].UpdatedAt
	})
	return convs, nil
}

// WatchChats subscribes to the user's chat list. onChange fires with the
// re-fetched, re-ordered list after every membership or activity change.
func (s *Session) WatchChats(ctx context.Context, onChange func([]models.Conversation), onError func(error)) (backend.CancelFunc, error) {
	if s.isClosed() {
		return nil, ErrLoggedOut
	}
	cancel, err := s.gw.Subscribe(ctx, backend.UserChatsPath(s.user.ID), backend.Query{}, func(backend.Record) {
		convs, err := s.Chats(ctx)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(convs)
	}, onError)
	if err != nil {
		return nil, err
	}
	return s.track(cancel), nil
}

// WatchPartner subscribes to another user's presence record.
func (s *Session) WatchPartner(ctx context.Context, userID string, onStatus func(models.PartnerStatus), onError func(error)) (backend.CancelFunc, error) {
	if s.isClosed() {
		return nil, ErrLoggedOut
	}
	cancel, err := s.gw.Subscribe(ctx, backend.StatusPath(userID), backend.Query{}, func(rec backend.Record) {
		var st models.PartnerStatus
		if err := json.Unmarshal(rec.Data, &st); err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onStatus(st)
	}, onError)
	if err != nil {
		return nil, err
	}
	return s.track(cancel), nil
}

// MarkMessagesAsRead flags the partner's unread messages in one batched
// update. Messages the user sent, or already-read ones, are left alone;
// with nothing to flag no write happens at all.
func (s *Session) MarkMessagesAsRead(ctx context.Context, chatID string, msgs []models.Message) error {
	if s.isClosed() {
		return ErrLoggedOut
	}
	if s.flags.Disabled("read_receipts", s.user.ID) {
		return nil
	}

	fields := make(map[string]any)
	for _, m := range msgs {
		if m.Read || m.IsMine(s.user.ID) || m.Status == models.StatusPending || m.Status == models.StatusFailed {
			continue
		}
		fields[m.ID+"/read"] = true
	}
	if len(fields) == 0 {
		return nil
	}
	return s.gw.Update(ctx, backend.ChatMessagesPath(chatID), fields)
}

// Logout cancels every subscription the session handed out and flips
// presence to inactive. The gateway connection itself stays open; the
// owner closes it.
func (s *Session) Logout(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	observability.GlobalLogger.Info("session logged out", "user_id", s.user.ID)

	return s.gw.Update(ctx, backend.StatusPath(s.user.ID), map[string]any{
		"active":      false,
		"typing_in":   "",
		"last_active": backend.ServerTimestamp,
	})
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// track remembers the cancel for Logout teardown and wraps it so a
// manual cancel is also safe after Logout.
func (s *Session) track(cancel backend.CancelFunc) backend.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cancel()
		return func() {}
	}
	s.cancels = append(s.cancels, cancel)
	var once sync.Once
	return func() { once.Do(cancel) }
}
