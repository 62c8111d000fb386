package chat

import (
	"math"
	"strconv"
	"time"

	"murmur/internal/models"
)

// BuildTimeline derives the render-ready sequence for a store snapshot:
// messages in store order with one date separator before each calendar
// day's run. The projection is total and deterministic for a given
// (snapshot, now) pair; separator ids come from the day's first message
// timestamp, never from the wall clock.
func BuildTimeline(msgs []models.Message, now time.Time) []models.TimelineEntry {
	if len(msgs) == 0 {
		return nil
	}

	entries := make([]models.TimelineEntry, 0, len(msgs)+4)
	var curYear, curDay int
	haveDay := false

	for i := range msgs {
		m := msgs[i]
		t := time.UnixMilli(m.Timestamp).In(now.Location())
		year, day := t.Year(), t.YearDay()
		if !haveDay || year != curYear || day != curDay {
			curYear, curDay = year, day
			haveDay = true
			entries = append(entries, models.TimelineEntry{
				Kind:  models.EntryDaySeparator,
				ID:    "day-" + strconv.FormatInt(m.Timestamp, 10),
				Label: DayLabel(m.Timestamp, now),
			})
		}
		entries = append(entries, models.TimelineEntry{
			Kind:    models.EntryMessage,
			ID:      m.ID,
			Message: &msgs[i],
		})
	}
	return entries
}

// DayLabel renders the separator label for a timestamp relative to now:
// "Today", "Yesterday", the weekday name inside the last week, otherwise
// a short date.
func DayLabel(ts int64, now time.Time) string {
	t := time.UnixMilli(ts).In(now.Location())

	dayStart := func(t time.Time) time.Time {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}
	msgDay := dayStart(t)
	today := dayStart(now)

	// Rounded so a DST-shifted day still counts as one calendar day.
	switch days := int(math.Round(today.Sub(msgDay).Hours() / 24)); {
	case days <= 0:
		return "Today"
	case days == 1:
		return "Yesterday"
	case days < 7:
		return t.Weekday().String()
	default:
		return t.Format("Jan 2, 2006")
	}
}
