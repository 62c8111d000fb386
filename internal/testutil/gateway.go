// Package testutil provides shared test doubles and fixtures for engine tests.
package testutil

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"murmur/internal/backend"
)

// GatewayStub is a func-field backend.Gateway for tests that want to
// script individual operations. Unset fields succeed doing nothing.
type GatewayStub struct {
	WriteFunc        func(ctx context.Context, path string, value any) error
	UpdateFunc       func(ctx context.Context, path string, fields map[string]any) error
	PushFunc         func(ctx context.Context, path string, value any) (string, error)
	ReadFunc         func(ctx context.Context, path string, dest any) error
	FetchFunc        func(ctx context.Context, path string, q backend.Query) ([]backend.Record, error)
	SubscribeFunc    func(ctx context.Context, path string, q backend.Query, onRecord func(backend.Record), onError func(error)) (backend.CancelFunc, error)
	UploadBlobFunc   func(ctx context.Context, path string, r io.Reader, size int64, onProgress func(int)) (string, error)
	OnDisconnectFunc func(path string, fields map[string]any)
	CloseFunc        func() error
}

func (s *GatewayStub) Write(ctx context.Context, path string, value any) error {
	if s.WriteFunc != nil {
		return s.WriteFunc(ctx, path, value)
	}
	return nil
}

func (s *GatewayStub) Update(ctx context.Context, path string, fields map[string]any) error {
	if s.UpdateFunc != nil {
		return s.UpdateFunc(ctx, path, fields)
	}
	return nil
}

func (s *GatewayStub) Push(ctx context.Context, path string, value any) (string, error) {
	if s.PushFunc != nil {
		return s.PushFunc(ctx, path, value)
	}
	return "pushed", nil
}

func (s *GatewayStub) Read(ctx context.Context, path string, dest any) error {
	if s.ReadFunc != nil {
		return s.ReadFunc(ctx, path, dest)
	}
	return backend.ErrNotFound
}

func (s *GatewayStub) Fetch(ctx context.Context, path string, q backend.Query) ([]backend.Record, error) {
	if s.FetchFunc != nil {
		return s.FetchFunc(ctx, path, q)
	}
	return nil, nil
}

func (s *GatewayStub) Subscribe(ctx context.Context, path string, q backend.Query, onRecord func(backend.Record), onError func(error)) (backend.CancelFunc, error) {
	if s.SubscribeFunc != nil {
		return s.SubscribeFunc(ctx, path, q, onRecord, onError)
	}
	return func() {}, nil
}

func (s *GatewayStub) UploadBlob(ctx context.Context, path string, r io.Reader, size int64, onProgress func(int)) (string, error) {
	if s.UploadBlobFunc != nil {
		return s.UploadBlobFunc(ctx, path, r, size, onProgress)
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	if onProgress != nil {
		onProgress(100)
	}
	return "stub://" + path, nil
}

func (s *GatewayStub) OnDisconnect(path string, fields map[string]any) {
	if s.OnDisconnectFunc != nil {
		s.OnDisconnectFunc(path, fields)
	}
}

func (s *GatewayStub) Close() error {
	if s.CloseFunc != nil {
		return s.CloseFunc()
	}
	return nil
}

// MemoryGateway is an in-memory backend for tests exercising full flows:
// records live in a map, subscriptions deliver synchronously on the
// caller's goroutine, and every saved record notifies its own path and
// its parent collection.
type MemoryGateway struct {
	mu      sync.Mutex
	docs    map[string]map[string]any
	subs    map[string][]*memorySub
	nowMS   int64
	nextKey int

	WriteCalls  []string
	UpdateCalls []string
	PushCalls   []string
}

type memorySub struct {
	after     int64
	onRecord  func(backend.Record)
	cancelled bool
}

func NewMemoryGateway() *MemoryGateway {
	return &MemoryGateway{
		docs:  make(map[string]map[string]any),
		subs:  make(map[string][]*memorySub),
		nowMS: 1_000_000,
	}
}

// Advance moves the fake server clock forward and returns the new time.
func (g *MemoryGateway) Advance(ms int64) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nowMS += ms
	return g.nowMS
}

// Doc returns a copy of the stored document at path.
func (g *MemoryGateway) Doc(path string) (map[string]any, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	doc, ok := g.docs[path]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out, true
}

func (g *MemoryGateway) Write(_ context.Context, path string, value any) error {
	doc, err := g.toDoc(value)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.WriteCalls = append(g.WriteCalls, path)
	g.saveLocked(path, doc)
	subs := g.pendingLocked(path, doc)
	g.mu.Unlock()
	g.deliver(subs, path, doc)
	return nil
}

func (g *MemoryGateway) Update(_ context.Context, path string, fields map[string]any) error {
	g.mu.Lock()
	g.UpdateCalls = append(g.UpdateCalls, path)

	byPath := map[string]map[string]any{}
	for k, v := range fields {
		target := path
		field := k
		if child, f, ok := strings.Cut(k, "/"); ok {
			target = path + "/" + child
			field = f
		}
		if byPath[target] == nil {
			byPath[target] = map[string]any{}
		}
		byPath[target][field] = v
	}

	type delivery struct {
		subs []*memorySub
		path string
		doc  map[string]any
	}
	var deliveries []delivery
	for target, f := range byPath {
		doc := g.docs[target]
		if doc == nil {
			doc = map[string]any{}
		}
		for k, v := range f {
			doc[k] = v
		}
		g.saveLocked(target, doc)
		deliveries = append(deliveries, delivery{g.pendingLocked(target, doc), target, doc})
	}
	g.mu.Unlock()

	for _, d := range deliveries {
		g.deliver(d.subs, d.path, d.doc)
	}
	return nil
}

func (g *MemoryGateway) Push(_ context.Context, path string, value any) (string, error) {
	doc, err := g.toDoc(value)
	if err != nil {
		return "", err
	}
	g.mu.Lock()
	g.PushCalls = append(g.PushCalls, path)
	g.nextKey++
	key := "k" + strconv.Itoa(g.nextKey)
	if ts, ok := num(doc["timestamp"]); !ok || ts == 0 {
		doc["timestamp"] = float64(g.nowMS)
	}
	if id, ok := doc["id"].(string); ok && id == "" {
		doc["id"] = key
	}
	full := path + "/" + key
	g.saveLocked(full, doc)
	subs := g.pendingLocked(full, doc)
	g.mu.Unlock()
	g.deliver(subs, full, doc)
	return key, nil
}

func (g *MemoryGateway) Read(_ context.Context, path string, dest any) error {
	g.mu.Lock()
	doc, ok := g.docs[path]
	g.mu.Unlock()
	if !ok {
		return backend.ErrNotFound
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

func (g *MemoryGateway) Fetch(_ context.Context, path string, q backend.Query) ([]backend.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	type child struct {
		key string
		ts  int64
		doc map[string]any
	}
	var children []child
	prefix := path + "/"
	for p, doc := range g.docs {
		if !strings.HasPrefix(p, prefix) || strings.Contains(p[len(prefix):], "/") {
			continue
		}
		ts, _ := num(doc["timestamp"])
		if q.After > 0 && ts <= q.After {
			continue
		}
		if q.Before > 0 && ts >= q.Before {
			continue
		}
		children = append(children, child{key: p[len(prefix):], ts: ts, doc: doc})
	}
	sort.Slice(children, func(i, j int) bool { return children[i].ts < children[j].ts })
	if q.LimitToLast > 0 && len(children) > q.LimitToLast {
		children = children[len(children)-q.LimitToLast:]
	}

	records := make([]backend.Record, 0, len(children))
	for _, c := range children {
		raw, err := json.Marshal(c.doc)
		if err != nil {
			return nil, err
		}
		records = append(records, backend.Record{Key: c.key, Data: raw})
	}
	return records, nil
}

func (g *MemoryGateway) Subscribe(_ context.Context, path string, q backend.Query, onRecord func(backend.Record), _ func(error)) (backend.CancelFunc, error) {
	sub := &memorySub{after: q.After, onRecord: onRecord}
	g.mu.Lock()
	g.subs[path] = append(g.subs[path], sub)
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		sub.cancelled = true
		g.mu.Unlock()
	}, nil
}

func (g *MemoryGateway) UploadBlob(_ context.Context, path string, r io.Reader, _ int64, onProgress func(int)) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	if onProgress != nil {
		onProgress(100)
	}
	return "mem://" + path, nil
}

func (g *MemoryGateway) OnDisconnect(string, map[string]any) {}

func (g *MemoryGateway) Close() error { return nil }

func (g *MemoryGateway) toDoc(value any) (map[string]any, error) {
	if m, ok := value.(map[string]any); ok {
		doc := make(map[string]any, len(m))
		for k, v := range m {
			if v == backend.ServerTimestamp {
				v = float64(g.now())
			}
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
		return nil, err
	}
	return doc, nil
}

func (g *MemoryGateway) now() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nowMS
}

func (g *MemoryGateway) saveLocked(path string, doc map[string]any) {
	g.resolveLocked(doc)
	g.docs[path] = doc
}

func (g *MemoryGateway) resolveLocked(doc map[string]any) {
	for k, v := range doc {
		switch val := v.(type) {
		case map[string]any:
			g.resolveLocked(val)
		default:
			if v == backend.ServerTimestamp {
				doc[k] = float64(g.nowMS)
			}
		}
	}
}

// pendingLocked collects the live subscribers for path and its parent
// collection that should see this document. Query.After compares against
// the commit clock, matching the real backend.
func (g *MemoryGateway) pendingLocked(path string, _ map[string]any) []*memorySub {
	ts := g.nowMS
	var out []*memorySub
	targets := []string{path}
	if i := strings.LastIndex(path, "/"); i > 0 {
		targets = append(targets, path[:i])
	}
	for _, target := range targets {
		for _, sub := range g.subs[target] {
			if sub.cancelled {
				continue
			}
			if sub.after > 0 && ts <= sub.after {
				continue
			}
			out = append(out, sub)
		}
	}
	return out
}

func (g *MemoryGateway) deliver(subs []*memorySub, path string, doc map[string]any) {
	if len(subs) == 0 {
		return
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return
	}
	key := path
	if i := strings.LastIndex(path, "/"); i >= 0 {
		key = path[i+1:]
	}
	for _, sub := range subs {
		g.mu.Lock()
		cancelled := sub.cancelled
		g.mu.Unlock()
		if !cancelled {
			sub.onRecord(backend.Record{Key: key, Data: raw})
		}
	}
}

func num(v any) (int64, bool) {
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

