// Package redisbackend is the Redis-backed reference implementation of
// the backend.Gateway contract. Records are JSON documents keyed by their
// hierarchical path, collections carry a sorted-set index scored by the
// record timestamp, and live delivery rides Redis pub/sub.
package redisbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// newPushKey generates a collection child key. Ordering never depends on
// the key itself, only on the record timestamp.
func newPushKey() string {
	return uuid.NewString()
}

const (
	recPrefix  = "murmur:rec:"
	idxPrefix  = "murmur:idx:"
	chanPrefix = "murmur:ch:"
	blobPrefix = "murmur:blob:"
)

// Client implements backend.Gateway on a Redis connection.
type Client struct {
	rdb *redis.Client
	now func() time.Time

	mu         sync.Mutex
	closed     bool
	disconnect []disconnectWrite
}

type disconnectWrite struct {
	path   string
	fields map[string]any
}

// New connects to Redis at addr and verifies the connection.
func New(addr, password string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewWithClient(rdb), nil
}

// NewWithClient wraps an existing Redis client (tests use miniredis here).
func NewWithClient(rdb *redis.Client) *Client {
	return &Client{
		rdb: rdb,
		now: time.Now,
	}
}

// SetClock overrides the backend clock used to resolve server timestamps.
func (c *Client) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// OnDisconnect registers an update applied when the client disconnects.
func (c *Client) OnDisconnect(path string, fields map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnect = append(c.disconnect, disconnectWrite{path: path, fields: fields})
}

// Close applies registered on-disconnect writes and releases the
// connection. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	pending := c.disconnect
	c.disconnect = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, w := range pending {
		if err := c.Update(ctx, w.path, w.fields); err != nil {
			// Best effort: a failed presence flip must not block teardown.
			continue
		}
	}

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.rdb.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) nowMillis() int64 {
	c.mu.Lock()
	now := c.now
	c.mu.Unlock()
	return now().UnixMilli()
}

// parentPath returns the collection path above p, or "" at the root.
func parentPath(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i]
}

// lastSegment returns the key of the record at p within its collection.
func lastSegment(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return p
	}
	return p[i+1:]
}

// envelope is the pub/sub frame carrying a record change.
type envelope struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// toDoc converts a value into a generic document. Maps are copied
// as-is so timestamp sentinels survive; everything else round-trips
// through JSON.
func toDoc(value any) (map[string]any, error) {
	if m, ok := value.(map[string]any); ok {
		doc := make(map[string]any, len(m))
		for k, v := range m {
			doc[k] = v
		}
		return doc, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("value is not a JSON object: %w", err)
	}
	return doc, nil
}

// numField reads a numeric document field as int64 milliseconds.
func numField(doc map[string]any, field string) (int64, bool) {
	v, ok := doc[field]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}
