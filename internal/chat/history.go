package chat

import (
	"context"
	"encoding/json"
	"sync"

	"murmur/internal/backend"
	"murmur/internal/models"
	"murmur/internal/observability"
)

// DefaultPageSize is the history window fetched per page.
const DefaultPageSize = 50

// HistoryPager fetches timestamp-keyed windows of a conversation's
// history: the most recent page first, then strictly-older pages on
// demand. It never mutates the store itself; the room merges pages so a
// failed fetch leaves the store untouched.
type HistoryPager struct {
	gw       backend.Gateway
	path     string
	pageSize int

	mu        sync.Mutex
	inFlight  bool
	exhausted bool
}

// NewHistoryPager returns a pager over the conversation's message
// collection. pageSize <= 0 selects DefaultPageSize.
func NewHistoryPager(gw backend.Gateway, chatID string, pageSize int) *HistoryPager {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &HistoryPager{
		gw:       gw,
		path:     backend.ChatMessagesPath(chatID),
		pageSize: pageSize,
	}
}

// LoadInitial fetches the most recent page, ascending by timestamp. A
// short page means the conversation has no older history.
func (p *HistoryPager) LoadInitial(ctx context.Context) ([]models.Message, error) {
	if !p.begin() {
		return nil, nil
	}
	defer p.end()

	recs, err := p.gw.Fetch(ctx, p.path, backend.Query{LimitToLast: p.pageSize})
	if err != nil {
		return nil, err
	}
	observability.HistoryPages.WithLabelValues("initial").Inc()

	if len(recs) < p.pageSize {
		p.setExhausted()
	}
	return decodeMessages(recs)
}

// LoadOlder fetches up to a page of messages strictly older than before,
// ascending by timestamp. A call while another is in flight, or after
// history is exhausted, is a no-op; loaded reports whether a fetch ran.
func (p *HistoryPager) LoadOlder(ctx context.Context, before int64) (msgs []models.Message, loaded bool, err error) {
	p.mu.Lock()
	if p.inFlight || p.exhausted {
		p.mu.Unlock()
		return nil, false, nil
	}
	p.inFlight = true
	p.mu.Unlock()
	defer p.end()

	recs, err := p.gw.Fetch(ctx, p.path, backend.Query{LimitToLast: p.pageSize, Before: before})
	if err != nil {
		return nil, false, err
	}
	observability.HistoryPages.WithLabelValues("older").Inc()

	if len(recs) < p.pageSize {
		p.setExhausted()
	}
	msgs, err = decodeMessages(recs)
	return msgs, true, err
}

// Exhausted reports whether no older history remains.
func (p *HistoryPager) Exhausted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exhausted
}

func (p *HistoryPager) begin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inFlight {
		return false
	}
	p.inFlight = true
	return true
}

func (p *HistoryPager) end() {
	p.mu.Lock()
	p.inFlight = false
	p.mu.Unlock()
}

func (p *HistoryPager) setExhausted() {
	p.mu.Lock()
	p.exhausted = true
	p.mu.Unlock()
}

// decodeMessage turns a raw backend record into a confirmed message.
func decodeMessage(rec backend.Record) (models.Message, error) {
	var m models.Message
	if err := json.Unmarshal(rec.Data, &m); err != nil {
		return models.Message{}, err
	}
	if m.ID == "" {
		m.ID = rec.Key
	}
	m.Status = models.StatusSent
	return m, nil
}

func decodeMessages(recs []backend.Record) ([]models.Message, error) {
	msgs := make([]models.Message, 0, len(recs))
	for _, rec := range recs {
		m, err := decodeMessage(rec)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
