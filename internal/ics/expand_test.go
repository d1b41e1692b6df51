package ics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dailySeries = `BEGIN:VEVENT
UID:daily-1
DTSTART;TZID=Europe/Berlin:20250224T090000
DTEND;TZID=Europe/Berlin:20250224T093000
RRULE:FREQ=DAILY;COUNT=10
EXDATE;TZID=Europe/Berlin:20250304T090000
SUMMARY:Daily sync
BEGIN:VALARM
ACTION:DISPLAY
TRIGGER:-PT10M
END:VALARM
END:VEVENT
`

func TestExpandOccurrencesRecurring(t *testing.T) {
	berlin := mustLoad(t, "Europe/Berlin")
	body := calendar(dailySeries, `BEGIN:VEVENT
UID:daily-1
RECURRENCE-ID;TZID=Europe/Berlin:20250305T090000
DTSTART;TZID=Europe/Berlin:20250305T140000
DTEND;TZID=Europe/Berlin:20250305T143000
SUMMARY:Daily sync (moved)
END:VEVENT
`)
	parsed, err := ParseICS(testSub, body, berlin)
	require.NoError(t, err)
	require.Len(t, parsed, 2)

	res, err := ExpandOccurrences(parsed, ExpandConfig{
		RangeStart: time.Date(2025, 3, 3, 0, 0, 0, 0, berlin),
		RangeEnd:   time.Date(2025, 3, 6, 0, 0, 0, 0, berlin),
	})
	require.NoError(t, err)
	require.Len(t, res.Occurrences, 2)

	first := res.Occurrences[0]
	assert.Equal(t, "Daily sync", first.Event.Summary)
	assert.True(t, first.Start.Equal(time.Date(2025, 3, 3, 9, 0, 0, 0, berlin)))
	assert.Equal(t, 30*time.Minute, first.End.Sub(first.Start))

	moved := res.Occurrences[1]
	assert.Equal(t, "Daily sync (moved)", moved.Event.Summary)
	assert.True(t, moved.Start.Equal(time.Date(2025, 3, 5, 14, 0, 0, 0, berlin)))
	assert.Empty(t, res.TruncatedEvents)
}

func TestExpandOccurrencesCancelledOverride(t *testing.T) {
	berlin := mustLoad(t, "Europe/Berlin")
	body := calendar(dailySeries, `BEGIN:VEVENT
UID:daily-1
RECURRENCE-ID;TZID=Europe/Berlin:20250303T090000
DTSTART;TZID=Europe/Berlin:20250303T090000
DTEND;TZID=Europe/Berlin:20250303T093000
STATUS:CANCELLED
SUMMARY:Daily sync
END:VEVENT
`)
	parsed, err := ParseICS(testSub, body, berlin)
	require.NoError(t, err)

	res, err := ExpandOccurrences(parsed, ExpandConfig{
		RangeStart: time.Date(2025, 3, 3, 0, 0, 0, 0, berlin),
		RangeEnd:   time.Date(2025, 3, 4, 0, 0, 0, 0, berlin),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Occurrences)
}

func TestExpandOccurrencesCap(t *testing.T) {
	berlin := mustLoad(t, "Europe/Berlin")
	parsed, err := ParseICS(testSub, calendar(dailySeries), berlin)
	require.NoError(t, err)

	res, err := ExpandOccurrences(parsed, ExpandConfig{
		RangeStart:             time.Date(2025, 2, 1, 0, 0, 0, 0, berlin),
		RangeEnd:               time.Date(2025, 4, 1, 0, 0, 0, 0, berlin),
		MaxOccurrencesPerEvent: 3,
	})
	require.NoError(t, err)
	assert.Len(t, res.Occurrences, 3)
	assert.Equal(t, []string{"daily-1"}, res.TruncatedEvents)
}

func TestExpandOccurrencesSingleEventRange(t *testing.T) {
	parsed := []ParsedEvent{
		{UID: "in", Start: time.Date(2025, 3, 3, 23, 59, 0, 0, time.UTC), End: time.Date(2025, 3, 4, 0, 30, 0, 0, time.UTC)},
		{UID: "edge", Start: time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC), End: time.Date(2025, 3, 4, 1, 0, 0, 0, time.UTC)},
		{UID: "before", Start: time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC), End: time.Date(2025, 3, 2, 13, 0, 0, 0, time.UTC)},
	}

	res, err := ExpandOccurrences(parsed, ExpandConfig{
		RangeStart: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
		RangeEnd:   time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, res.Occurrences, 1)
	assert.Equal(t, "in", res.Occurrences[0].Event.UID)
}

func TestExpandOccurrencesRejectsInvertedRange(t *testing.T) {
	_, err := ExpandOccurrences(nil, ExpandConfig{
		RangeStart: time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC),
		RangeEnd:   time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC),
	})
	assert.Error(t, err)
}
