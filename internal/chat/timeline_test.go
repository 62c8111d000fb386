package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/models"
)

func TestBuildTimelineEmpty(t *testing.T) {
	t.Parallel()
	assert.Nil(t, BuildTimeline(nil, time.Now()))
}

func TestBuildTimelineSeparatorPerDay(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 31, 15, 0, 0, 0, time.UTC)
	day := func(daysAgo int, hour int) int64 {
		return now.AddDate(0, 0, -daysAgo).Truncate(24 * time.Hour).Add(time.Duration(hour) * time.Hour).UnixMilli()
	}

	msgs := []models.Message{
		{ID: "m1", Timestamp: day(1, 9)},
		{ID: "m2", Timestamp: day(1, 10)},
		{ID: "m3", Timestamp: day(0, 8)},
	}

	entries := BuildTimeline(msgs, now)
	require.Len(t, entries, 5)

	assert.Equal(t, models.EntryDaySeparator, entries[0].Kind)
	assert.Equal(t, "Yesterday", entries[0].Label)
	assert.Equal(t, models.EntryMessage, entries[1].Kind)
	assert.Equal(t, "m1", entries[1].ID)
	assert.Equal(t, "m2", entries[2].ID)
	assert.Equal(t, models.EntryDaySeparator, entries[3].Kind)
	assert.Equal(t, "Today", entries[3].Label)
	assert.Equal(t, "m3", entries[4].ID)
}

func TestBuildTimelineSeparatorIDIsStable(t *testing.T) {
	t.Parallel()
	msgs := []models.Message{{ID: "m1", Timestamp: 1_700_000_000_000}}

	first := BuildTimeline(msgs, time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC))
	second := BuildTimeline(msgs, time.Date(2026, 8, 31, 23, 0, 0, 0, time.UTC))

	require.NotEmpty(t, first)
	require.NotEmpty(t, second)
	// Labels drift with "now" but the identity of the separator does not.
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, "day-1700000000000", first[0].ID)
}

func TestDayLabel(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC) // a Monday

	tests := []struct {
		name    string
		daysAgo int
		want    string
	}{
		{"Today", 0, "Today"},
		{"Yesterday", 1, "Yesterday"},
		{"Two Days Ago", 2, "Saturday"},
		{"Six Days Ago", 6, "Tuesday"},
		{"One Week Ago", 7, "Aug 24, 2026"},
		{"Long Ago", 400, "Jul 27, 2025"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := now.AddDate(0, 0, -tt.daysAgo).UnixMilli()
			assert.Equal(t, tt.want, DayLabel(ts, now))
		})
	}
}

func TestDayLabelFutureTimestampIsToday(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	// Client clock behind the server: a slightly-future message still
	// renders under today.
	ts := now.Add(2 * time.Hour).UnixMilli()
	assert.Equal(t, "Today", DayLabel(ts, now))
}
