package redisbackend

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"murmur/internal/backend"
	"murmur/internal/observability"
)

// Write sets the record at path, replacing any previous value.
func (c *Client) Write(ctx context.Context, path string, value any) error {
	ctx, span := observability.TraceGatewayOperation(ctx, "write", path)
	defer span.End()

	if c.isClosed() {
		return backend.ErrClosed
	}

	doc, err := toDoc(value)
	if err != nil {
		return err
	}
	c.resolveSentinels(doc)

	if err := c.saveDoc(ctx, path, doc); err != nil {
		span.RecordError(err)
		observability.BackendErrorRate.WithLabelValues("write").Inc()
		return err
	}
	return nil
}

// Update merges fields into the record at path. Field keys of the form
// "childKey/field" address fields of child records, so one call can touch
// several children of a collection.
func (c *Client) Update(ctx context.Context, path string, fields map[string]any) error {
	ctx, span := observability.TraceGatewayOperation(ctx, "update", path)
	defer span.End()

	if c.isClosed() {
		return backend.ErrClosed
	}

	own := make(map[string]any)
	children := make(map[string]map[string]any)
	for k, v := range fields {
		if child, field, ok := strings.Cut(k, "/"); ok {
			if children[child] == nil {
				children[child] = make(map[string]any)
			}
			children[child][field] = v
		} else {
			own[k] = v
		}
	}

	if len(own) > 0 {
		if err := c.mergeDoc(ctx, path, own); err != nil {
			span.RecordError(err)
			observability.BackendErrorRate.WithLabelValues("update").Inc()
			return err
		}
	}
	for child, childFields := range children {
		if err := c.mergeDoc(ctx, path+"/"+child, childFields); err != nil {
			span.RecordError(err)
			observability.BackendErrorRate.WithLabelValues("update").Inc()
			return err
		}
	}
	return nil
}

// Push appends value under a generated key in the collection at path.
func (c *Client) Push(ctx context.Context, path string, value any) (string, error) {
	ctx, span := observability.TraceGatewayOperation(ctx, "push", path)
	defer span.End()

	if c.isClosed() {
		return "", backend.ErrClosed
	}

	doc, err := toDoc(value)
	if err != nil {
		return "", err
	}
	c.resolveSentinels(doc)

	key := newPushKey()
	if ts, ok := numField(doc, "timestamp"); !ok || ts == 0 {
		doc["timestamp"] = c.nowMillis()
	}
	if id, ok := doc["id"].(string); ok && id == "" {
		doc["id"] = key
	}

	if err := c.saveDoc(ctx, path+"/"+key, doc); err != nil {
		span.RecordError(err)
		observability.BackendErrorRate.WithLabelValues("push").Inc()
		return "", err
	}
	return key, nil
}

// Read is a one-shot fetch of the record at path.
func (c *Client) Read(ctx context.Context, path string, dest any) error {
	ctx, span := observability.TraceGatewayOperation(ctx, "read", path)
	defer span.End()

	if c.isClosed() {
		return backend.ErrClosed
	}

	raw, err := c.rdb.Get(ctx, recPrefix+path).Bytes()
	if errors.Is(err, redis.Nil) {
		return backend.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		observability.BackendErrorRate.WithLabelValues("read").Inc()
		return err
	}
	return json.Unmarshal(raw, dest)
}

// Fetch returns collection children inside the query window, ascending by
// timestamp. LimitToLast keeps the most recent records within the bounds.
func (c *Client) Fetch(ctx context.Context, path string, q backend.Query) ([]backend.Record, error) {
	ctx, span := observability.TraceGatewayOperation(ctx, "fetch", path)
	defer span.End()

	if c.isClosed() {
		return nil, backend.ErrClosed
	}

	min := "-inf"
	if q.After > 0 {
		min = "(" + strconv.FormatInt(q.After, 10)
	}
	max := "+inf"
	if q.Before > 0 {
		max = "(" + strconv.FormatInt(q.Before, 10)
	}

	rangeBy := &redis.ZRangeBy{Min: min, Max: max}
	if q.LimitToLast > 0 {
		rangeBy.Count = int64(q.LimitToLast)
	}

	// Newest-first so LimitToLast trims from the old end, then reversed
	// into ascending order for the caller.
	keys, err := c.rdb.ZRevRangeByScore(ctx, idxPrefix+path, rangeBy).Result()
	if err != nil {
		span.RecordError(err)
		observability.BackendErrorRate.WithLabelValues("fetch").Inc()
		return nil, err
	}

	records := make([]backend.Record, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		raw, err := c.rdb.Get(ctx, recPrefix+path+"/"+keys[i]).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			span.RecordError(err)
			observability.BackendErrorRate.WithLabelValues("fetch").Inc()
			return nil, err
		}
		records = append(records, backend.Record{Key: keys[i], Data: raw})
	}
	return records, nil
}

// resolveSentinels replaces server-timestamp placeholders with the
// backend clock in milliseconds, recursing into nested documents.
func (c *Client) resolveSentinels(doc map[string]any) {
	for k, v := range doc {
		switch val := v.(type) {
		case map[string]any:
			c.resolveSentinels(val)
		default:
			if v == backend.ServerTimestamp {
				doc[k] = c.nowMillis()
			}
		}
	}
}

// mergeDoc loads the record at path (creating it when absent), merges the
// fields, and saves.
func (c *Client) mergeDoc(ctx context.Context, path string, fields map[string]any) error {
	doc := make(map[string]any)
	raw, err := c.rdb.Get(ctx, recPrefix+path).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		// New record from a partial update.
	case err != nil:
		return err
	default:
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
	}

	for k, v := range fields {
		doc[k] = v
	}
	c.resolveSentinels(doc)

	return c.saveDoc(ctx, path, doc)
}

// saveDoc persists the document, maintains the parent collection's
// timestamp index, and publishes the change on the record's channel and
// its parent collection's channel.
func (c *Client) saveDoc(ctx context.Context, path string, doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, recPrefix+path, raw, 0).Err(); err != nil {
		return err
	}

	ts, indexed := numField(doc, "timestamp")
	parent := parentPath(path)
	if indexed && parent != "" {
		member := redis.Z{Score: float64(ts), Member: lastSegment(path)}
		if err := c.rdb.ZAdd(ctx, idxPrefix+parent, member).Err(); err != nil {
			return err
		}
	}

	// The envelope carries the commit time, not the record timestamp, so
	// subscribers filtering by Query.After still see later edits to old
	// records (read receipts ride on those).
	env := envelope{Key: lastSegment(path), Data: raw, Timestamp: c.nowMillis()}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := c.rdb.Publish(ctx, chanPrefix+path, frame).Err(); err != nil {
		return err
	}
	if parent != "" {
		if err := c.rdb.Publish(ctx, chanPrefix+parent, frame).Err(); err != nil {
			return err
		}
	}
	return nil
}
