// Package models contains data structures for the application's domain models.
package models

// Message lifecycle statuses. A message is born pending on the optimistic
// path and ends up sent or failed; failed messages may re-enter pending
// through an explicit retry.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Attachment kinds.
const (
	AttachmentImage = "image"
	AttachmentFile  = "file"
)

// Attachment describes an uploaded binary referenced by a message.
type Attachment struct {
	Kind   string `json:"kind"`
	URL    string `json:"url"`
	Name   string `json:"name,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
}

// ReplyRef is a denormalized copy of the message being replied to,
// not a live reference; the original may change or disappear.
type ReplyRef struct {
	MessageID string `json:"message_id"`
	SenderID  string `json:"sender_id"`
	Text      string `json:"text,omitempty"`
	ImageURL  string `json:"image_url,omitempty"`
}

// Message is one chat message. The wire fields round-trip through the
// backend; Status, UploadProgress and FailureReason exist only in the
// client's in-memory store.
type Message struct {
	ID         string      `json:"id"`
	ChatID     string      `json:"chat_id"`
	SenderID   string      `json:"sender_id"`
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Reaction   string      `json:"reaction,omitempty"`
	ReplyTo    *ReplyRef   `json:"reply_to,omitempty"`
	Read       bool        `json:"read"`
	Timestamp  int64       `json:"timestamp"`

	// ClientTag carries the temporary client-generated identifier so the
	// live feed can recognize the server copy of an optimistic send.
	ClientTag string `json:"client_tag,omitempty"`

	Status         string `json:"-"`
	UploadProgress int    `json:"-"`
	FailureReason  string `json:"-"`
}

// Sendable reports whether the message carries exactly one payload:
// non-empty text, an image, or a file.
func (m *Message) Sendable() bool {
	payloads := 0
	if m.Text != "" {
		payloads++
	}
	if m.Attachment != nil {
		switch m.Attachment.Kind {
		case AttachmentImage, AttachmentFile:
			payloads++
		default:
			return false
		}
	}
	return payloads == 1
}

// IsMine reports whether the message was sent by the given user.
func (m *Message) IsMine(userID string) bool {
	return m.SenderID == userID
}
