package redisbackend

import (
	"context"
	"encoding/json"
	"sync"

	"murmur/internal/backend"
	"murmur/internal/observability"
)

// Subscribe opens a standing listener on the channel for path. Changes
// committed at or before q.After are filtered out. The returned cancel
// discards deliveries that are in flight when it is called.
func (c *Client) Subscribe(
	ctx context.Context,
	path string,
	q backend.Query,
	onRecord func(backend.Record),
	onError func(error),
) (backend.CancelFunc, error) {
	if c.isClosed() {
		return nil, backend.ErrClosed
	}

	sub := c.rdb.Subscribe(ctx, chanPrefix+path)

	// Wait for the subscription to be established so records published
	// immediately after this call returns are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		observability.BackendErrorRate.WithLabelValues("subscribe").Inc()
		return nil, err
	}

	var mu sync.Mutex
	cancelled := false

	ch := sub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					mu.Lock()
					if !cancelled && onError != nil {
						onError(err)
					}
					mu.Unlock()
					continue
				}
				if q.After > 0 && env.Timestamp <= q.After {
					continue
				}
				mu.Lock()
				if !cancelled {
					onRecord(backend.Record{Key: env.Key, Data: env.Data})
				}
				mu.Unlock()
			}
		}
	}()

	cancel := func() {
		mu.Lock()
		cancelled = true
		mu.Unlock()
		_ = sub.Close()
	}
	return cancel, nil
}
