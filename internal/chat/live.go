package chat

import (
	"context"
	"sync"

	"murmur/internal/backend"
	"murmur/internal/models"
	"murmur/internal/observability"
)

// LiveFeed is the standing subscription for messages newer than the
// latest known timestamp. Delivery order is whatever the backend
// produces; the store's positional insert absorbs out-of-order arrival,
// and the room's id/tag reconciliation absorbs redelivery.
type LiveFeed struct {
	// deliverMu serializes callbacks and lets Close wait out a delivery
	// already in flight, so no callback fires after Close returns.
	deliverMu sync.Mutex

	mu     sync.Mutex
	closed bool
	cancel backend.CancelFunc
}

// OpenLiveFeed subscribes to the conversation's message collection for
// records committed after the given instant. Callbacks stop permanently
// once Close is called, including deliveries already in flight.
func OpenLiveFeed(
	ctx context.Context,
	gw backend.Gateway,
	chatID string,
	after int64,
	onMessage func(models.Message),
	onError func(error),
) (*LiveFeed, error) {
	f := &LiveFeed{}

	deliver := func(rec backend.Record) {
		f.deliverMu.Lock()
		defer f.deliverMu.Unlock()
		if f.isClosed() {
			return
		}
		m, err := decodeMessage(rec)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onMessage(m)
	}

	reportErr := func(err error) {
		f.deliverMu.Lock()
		defer f.deliverMu.Unlock()
		if !f.isClosed() && onError != nil {
			onError(err)
		}
	}

	cancel, err := gw.Subscribe(ctx, backend.ChatMessagesPath(chatID), backend.Query{After: after}, deliver, reportErr)
	if err != nil {
		return nil, err
	}
	f.cancel = cancel
	observability.LiveSubscriptions.Inc()
	return f, nil
}

// Close stops delivery. No callback fires after Close returns.
func (f *LiveFeed) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	// Wait for an in-flight delivery to drain before returning.
	f.deliverMu.Lock()
	f.deliverMu.Unlock() //nolint:staticcheck // barrier, not a critical section

	f.cancel()
	observability.LiveSubscriptions.Dec()
}

func (f *LiveFeed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
