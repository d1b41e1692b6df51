package ics

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	appLog "calalert/internal/log"
	"calalert/internal/model"
)

// SourceName identifies this source in errors and logs.
const SourceName = "ics"

// Source is a CalendarSource over a set of ICS subscriptions.
type Source struct {
	subs    []Subscription
	fetcher *Fetcher
	loc     *time.Location
}

// NewSource builds a Source. loc is the configured zone used for floating
// times.
func NewSource(subs []Subscription, fetcher *Fetcher, loc *time.Location) *Source {
	if loc == nil {
		loc = time.Local
	}
	return &Source{subs: subs, fetcher: fetcher, loc: loc}
}

// FetchEvents returns one Event per (occurrence × DISPLAY reminder) for
// occurrences starting within the day window [startDate, endDate]. All-day
// and cancelled events are skipped. If any subscription cannot be fetched
// or parsed the whole call fails and no events are returned.
func (s *Source) FetchEvents(ctx context.Context, startDate, endDate time.Time) ([]model.Event, error) {
	results, err := s.fetcher.FetchAll(ctx, s.subs)
	if err != nil {
		return nil, &model.ConnectionError{Source: SourceName, Err: err}
	}

	var errs *multierror.Error
	parsed := make([]ParsedEvent, 0)
	for _, res := range results {
		evs, err := ParseICS(res.Subscription, res.Body, s.loc)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", res.Subscription.ID, err))
			continue
		}
		parsed = append(parsed, evs...)
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, &model.ConnectionError{Source: SourceName, Err: err}
	}

	expanded, err := ExpandOccurrences(parsed, ExpandConfig{
		RangeStart: startDate,
		RangeEnd:   endDate.AddDate(0, 0, 1),
	})
	if err != nil {
		return nil, &model.ConnectionError{Source: SourceName, Err: err}
	}

	out := make([]model.Event, 0, len(expanded.Occurrences))
	for _, occ := range expanded.Occurrences {
		if occ.Event.AllDay {
			continue
		}
		for _, r := range occ.Event.Reminders {
			if r.Action != ActionDisplay {
				continue
			}
			out = append(out, model.NewEvent(occ.Event.Summary, occ.Event.Location, occ.Start, occ.End, r.LeadMinutes, s.loc))
		}
	}

	appLog.Debug("ics events collected",
		"subscriptions", len(s.subs),
		"occurrences", len(expanded.Occurrences),
		"events", len(out),
	)
	return out, nil
}
