package chat

import (
	"context"
	"io"

	"github.com/google/uuid"

	"murmur/internal/backend"
	"murmur/internal/models"
	"murmur/internal/observability"
)

// OutboxCallbacks receive the lifecycle of a single optimistic send.
// The client tag identifies the local copy across all three.
type OutboxCallbacks struct {
	OnProgress  func(clientTag string, percent int)
	OnConfirmed func(clientTag, serverID string)
	OnFailed    func(clientTag string, err error)
}

// Outbox performs optimistic sends for one conversation. Prepare builds
// the local pending copy synchronously; Deliver ships it to the backend
// and reports the outcome through the callbacks. A failed delivery keeps
// the local copy around so the same message can be handed back to
// Deliver on retry.
type Outbox struct {
	gw           backend.Gateway
	chatID       string
	sender       string
	participants []string
	now          func() int64
	cb           OutboxCallbacks
}

func NewOutbox(gw backend.Gateway, chatID, senderID string, participants []string, now func() int64, cb OutboxCallbacks) *Outbox {
	return &Outbox{
		gw:           gw,
		chatID:       chatID,
		sender:       senderID,
		participants: participants,
		now:          now,
		cb:           cb,
	}
}

// Prepare validates the payload and builds the pending local copy. The
// generated id doubles as the client tag so the server copy arriving on
// the live feed can be matched back to this one.
func (o *Outbox) Prepare(text string, att *models.Attachment, reply *models.ReplyRef) (models.Message, error) {
	tag := uuid.NewString()
	m := models.Message{
		ID:        tag,
		ClientTag: tag,
		ChatID:    o.chatID,
		SenderID:  o.sender,
		Text:      text,
		ReplyTo:   reply,
		Timestamp: o.now(),
		Status:    models.StatusPending,
	}
	if att != nil {
		m.Attachment = att
	}
	if !m.Sendable() {
		return models.Message{}, models.NewValidationError("message needs exactly one of text, image or file")
	}
	return m, nil
}

// Deliver uploads the attachment payload when one is given, pushes the
// message, and bumps the conversation summary. blob may be nil for
// plain text sends. Deliver blocks; the room runs it on its own
// goroutine.
func (o *Outbox) Deliver(ctx context.Context, m models.Message, blob io.Reader, blobSize int64) {
	tag := m.ClientTag

	if blob != nil && m.Attachment != nil {
		url, err := o.gw.UploadBlob(ctx, backend.ChatBlobPath(o.chatID, tag), blob, blobSize, func(percent int) {
			if o.cb.OnProgress != nil {
				o.cb.OnProgress(tag, percent)
			}
		})
		if err != nil {
			o.fail(tag, err)
			return
		}
		m.Attachment.URL = url
	}

	// The server owns the committed id and timestamp. Clearing both lets
	// Push stamp them; the local copy keeps its own until confirmation.
	wire := m
	wire.ID = ""
	wire.Timestamp = 0

	serverID, err := o.gw.Push(ctx, backend.ChatMessagesPath(o.chatID), wire)
	if err != nil {
		o.fail(tag, err)
		return
	}

	if err := o.bumpSummary(ctx, m); err != nil {
		// The message itself committed. Surface the summary failure to
		// the error path but still confirm the send.
		observability.BackendErrorRate.WithLabelValues("update").Inc()
	}

	observability.MessagesSent.WithLabelValues("sent").Inc()
	if o.cb.OnConfirmed != nil {
		o.cb.OnConfirmed(tag, serverID)
	}
}

func (o *Outbox) fail(tag string, err error) {
	observability.MessagesSent.WithLabelValues("failed").Inc()
	if o.cb.OnFailed != nil {
		o.cb.OnFailed(tag, err)
	}
}

// bumpSummary rewrites the conversation's last-message preview and
// touches every participant's chat list entry so lists re-sort.
func (o *Outbox) bumpSummary(ctx context.Context, m models.Message) error {
	last := map[string]any{
		"text":      m.Text,
		"sender_id": m.SenderID,
		"timestamp": backend.ServerTimestamp,
	}
	if m.Attachment != nil {
		last["has_image"] = m.Attachment.Kind == models.AttachmentImage
		last["has_file"] = m.Attachment.Kind == models.AttachmentFile
	}
	err := o.gw.Update(ctx, backend.ChatMetaPath(o.chatID), map[string]any{
		"last_message": last,
		"updated_at":   backend.ServerTimestamp,
	})
	if err != nil {
		return err
	}
	for _, uid := range o.participants {
		err := o.gw.Update(ctx, backend.UserChatsPath(uid)+"/"+o.chatID, map[string]any{
			"timestamp": backend.ServerTimestamp,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
