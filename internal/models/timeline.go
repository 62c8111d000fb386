package models

// Timeline entry kinds.
const (
	EntryDaySeparator = "day"
	EntryMessage      = "message"
)

// TimelineEntry is one render-ready element of a conversation timeline:
// either a date separator or a message wrapper. Entries are derived
// transiently from the message store and never persisted.
type TimelineEntry struct {
	Kind string
	// ID is stable for a given store snapshot: the message id, or for a
	// separator an id derived from the day's first message timestamp.
	ID      string
	Label   string   // separator display label ("Today", "Yesterday", ...)
	Message *Message // set when Kind == EntryMessage
}
