package models

import (
	"sort"
	"strings"
)

// LastMessage is the denormalized summary of a conversation's most recent
// message, kept on the conversation record for list display.
type LastMessage struct {
	Text      string `json:"text,omitempty"`
	SenderID  string `json:"sender_id"`
	HasImage  bool   `json:"has_image,omitempty"`
	HasFile   bool   `json:"has_file,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Conversation is a two-participant chat thread. Its identifier is a pure
// function of the participant set, so creating the same conversation twice
// yields the same record.
type Conversation struct {
	ID           string       `json:"id"`
	Participants []string     `json:"participants"`
	LastMessage  *LastMessage `json:"last_message,omitempty"`
	UpdatedAt    int64        `json:"updated_at"`
}

// ChatListEntry is the per-user membership record indexed under
// users/{id}/chats. Timestamp mirrors the conversation's UpdatedAt so the
// chat list can be windowed and ordered the same way messages are.
type ChatListEntry struct {
	ChatID    string `json:"chat_id"`
	Timestamp int64  `json:"timestamp"`
}

// ConversationID derives the deterministic identifier for a two-party
// conversation: the participant ids sorted and joined.
func ConversationID(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// Partner returns the other participant, or "" if the user is not a
// participant of the conversation.
func (c *Conversation) Partner(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// HasParticipant reports whether the user belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
