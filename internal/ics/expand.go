package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calalert/internal/log"
)

const defaultMaxOccurrencesPerEvent = 5000

// ExpandConfig controls recurrence expansion.
type ExpandConfig struct {
	// Occurrences starting in [RangeStart, RangeEnd) are returned.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single series. Zero means 5000.
	MaxOccurrencesPerEvent int
}

// Occurrence is one concrete instance of a ParsedEvent. For overridden
// instances Event is the override VEVENT.
type Occurrence struct {
	Event ParsedEvent
	Start time.Time
	End   time.Time
}

// ExpandResult is the expansion output plus the UIDs that hit the cap.
type ExpandResult struct {
	Occurrences     []Occurrence
	TruncatedEvents []string
}

// ExpandOccurrences turns parsed VEVENTs into concrete occurrences within
// the configured range. It handles single events, RRULE series, EXDATE
// exclusions and RECURRENCE-ID overrides (including cancelled ones).
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult

	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	uids := make([]string, 0)
	for _, ev := range events {
		if ev.IsOverride() {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
			continue
		}
		if _, seen := baseByUID[ev.UID]; !seen {
			uids = append(uids, ev.UID)
		}
		baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
	}

	for _, uid := range uids {
		ov := overridesByUID[uid]
		truncated := false
		for _, ev := range baseByUID[uid] {
			if ev.Cancelled {
				continue
			}
			occ, hitCap := expandEvent(ev, ov, cfg)
			truncated = truncated || hitCap
			result.Occurrences = append(result.Occurrences, occ...)
		}
		if truncated {
			result.TruncatedEvents = append(result.TruncatedEvents, uid)
			appLog.Warn("expand: occurrences truncated",
				"uid", uid,
				"cap", cfg.MaxOccurrencesPerEvent,
			)
		}
	}

	return result, nil
}

func expandEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Occurrence, bool) {
	if ev.RawRRule == "" {
		return expandSingleEvent(ev, cfg), false
	}
	return expandRecurringEvent(ev, overrides, cfg)
}

func expandSingleEvent(ev ParsedEvent, cfg ExpandConfig) []Occurrence {
	if !inRange(ev.Start, cfg) {
		return nil
	}
	return []Occurrence{{Event: ev, Start: ev.Start, End: ev.End}}
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]Occurrence, bool) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Warn("expand: failed to parse RRULE", "uid", ev.UID, "rrule", ev.RawRRule, "error", err.Error())
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	// Overrides may move an instance into the window from outside it, so
	// the base series is scanned with one event length of slack.
	dur := ev.End.Sub(ev.Start)
	loc := ev.Start.Location()
	times := set.Between(cfg.RangeStart.In(loc).Add(-dur), cfg.RangeEnd.In(loc), true)

	out := make([]Occurrence, 0, len(times))
	hitCap := false
	for _, occStart := range times {
		if len(out) >= cfg.MaxOccurrencesPerEvent {
			hitCap = true
			break
		}

		occ := Occurrence{Event: ev, Start: occStart, End: occStart.Add(dur)}
		if o, ok := findOverride(overrides, occStart); ok {
			if o.Cancelled {
				continue
			}
			occ = Occurrence{Event: o, Start: o.Start, End: o.End}
		}
		if !inRange(occ.Start, cfg) {
			continue
		}
		out = append(out, occ)
	}

	return out, hitCap
}

// findOverride returns the override whose RECURRENCE-ID is the instant start.
func findOverride(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func inRange(t time.Time, cfg ExpandConfig) bool {
	return !t.Before(cfg.RangeStart) && t.Before(cfg.RangeEnd)
}
