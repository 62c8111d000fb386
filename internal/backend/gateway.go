// Package backend defines the contract the chat engine consumes from the
// hosted realtime data store: hierarchical record reads and writes, append
// with generated keys, windowed fetches ordered by timestamp, standing
// subscriptions, blob uploads with progress, server-assigned timestamps,
// and presence-on-disconnect registration.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by Read when no record exists at the path.
var ErrNotFound = errors.New("backend: record not found")

// ErrClosed is returned once the gateway has been shut down.
var ErrClosed = errors.New("backend: gateway closed")

// serverTimestamp is the sentinel type behind ServerTimestamp.
type serverTimestamp struct{}

// ServerTimestamp is a write-time placeholder. A field set to this value
// in Write or Update is resolved to the backend's clock (milliseconds) at
// commit, never the client's.
var ServerTimestamp = serverTimestamp{}

// Query bounds a windowed fetch or subscription over a record collection.
// The reference implementation orders by the records' "timestamp" field.
type Query struct {
	// LimitToLast caps the result to the N records with the highest
	// timestamps inside the bounds. Zero means no cap.
	LimitToLast int
	// After is an exclusive lower bound; zero means unbounded. Fetch
	// compares it against record timestamps, Subscribe against commit
	// times, so subscribers still see later edits to old records.
	After int64
	// Before is an exclusive upper timestamp bound; zero means unbounded.
	Before int64
}

// Record is a raw collection child as delivered by Fetch or Subscribe.
type Record struct {
	Key  string
	Data []byte // JSON document
}

// CancelFunc stops a subscription. After it returns, no further callbacks
// fire; deliveries already in flight are discarded.
type CancelFunc func()

// Gateway is the vendor-backend surface the engine is written against.
// Implementations must be safe for concurrent use.
type Gateway interface {
	// Write sets the record at path, replacing any previous value.
	Write(ctx context.Context, path string, value any) error

	// Update merges fields into the record at path. A field key may name a
	// child record field as "childKey/field", allowing one call to touch
	// several children of a collection.
	Update(ctx context.Context, path string, fields map[string]any) error

	// Push appends value under a generated key in the collection at path
	// and returns that key. If the record's timestamp field is zero it is
	// stamped with the backend clock at commit.
	Push(ctx context.Context, path string, value any) (string, error)

	// Read is a one-shot fetch of the record at path into dest.
	Read(ctx context.Context, path string, dest any) error

	// Fetch returns collection children inside the query window, ascending
	// by timestamp.
	Fetch(ctx context.Context, path string, q Query) ([]Record, error)

	// Subscribe opens a standing listener for records arriving at path
	// (a collection for message feeds, a single record for presence).
	// onRecord runs once per observed record in backend delivery order,
	// which is not guaranteed to be timestamp order across concurrent
	// writers. Records committed at or before q.After are filtered out.
	Subscribe(ctx context.Context, path string, q Query, onRecord func(Record), onError func(error)) (CancelFunc, error)

	// UploadBlob streams a binary to the blob store at path, reporting
	// progress as a 0-100 percentage when size is known, and resolves to a
	// fetchable URL. No partial blob remains referenced after an error.
	UploadBlob(ctx context.Context, path string, r io.Reader, size int64, onProgress func(percent int)) (string, error)

	// OnDisconnect registers an Update applied when the client's
	// connection ends, cleanly or not.
	OnDisconnect(path string, fields map[string]any)

	// Close tears the connection down, applying on-disconnect writes.
	Close() error
}

// Keyspace paths used by the engine. The layout is backend configuration,
// not a protocol: chats/{id}/meta, chats/{id}/messages/{key},
// users/{id}, users/{id}/chats/{chatID}, status/{id}.
func ChatMetaPath(chatID string) string { return "chats/" + chatID + "/meta" }

func ChatMessagesPath(chatID string) string { return "chats/" + chatID + "/messages" }

func UserPath(userID string) string { return "users/" + userID }

func UserChatsPath(userID string) string { return "users/" + userID + "/chats" }

func StatusPath(userID string) string { return "status/" + userID }

func EmailIndexPath(email string) string { return "index/emails/" + email }

func ChatBlobPath(chatID, name string) string { return "chats/" + chatID + "/" + name }

func AvatarBlobPath(userID string) string { return "avatars/" + userID }
