package gcal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/api/calendar/v3"

	appLog "calalert/internal/log"
	"calalert/internal/model"
	"calalert/internal/secrets"
)

// SourceName identifies this source in errors and logs.
const SourceName = "google"

const (
	statusCancelled = "cancelled"
	methodPopup     = "popup"
)

// Source is a CalendarSource over every calendar in the user's list.
type Source struct {
	api   API
	creds secrets.Google
	loc   *time.Location

	mu         sync.Mutex
	configured bool
}

// NewSource builds a Source. A nil api means the real Google service.
func NewSource(creds secrets.Google, loc *time.Location, api API) *Source {
	if api == nil {
		api = &LowLevelAPI{}
	}
	if loc == nil {
		loc = time.Local
	}
	return &Source{api: api, creds: creds, loc: loc}
}

// Reconnect drops the authenticated service; the next fetch signs in again.
func (s *Source) Reconnect() {
	s.mu.Lock()
	s.configured = false
	s.mu.Unlock()
}

// FetchEvents returns one Event per (event instance × popup reminder) for
// the day window [startDate, endDate]. Cancelled and all-day events are
// skipped. Any API failure fails the whole call.
func (s *Source) FetchEvents(ctx context.Context, startDate, endDate time.Time) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.configured {
		if err := s.api.Configure(ctx, s.creds); err != nil {
			return nil, connErr(fmt.Errorf("sign in: %w", err))
		}
		s.configured = true
		appLog.Info("signed in to google calendar")
	}

	cals, err := s.calendars(ctx)
	if err != nil {
		return nil, connErr(fmt.Errorf("list calendars: %w", err))
	}

	timeMin := startDate.Format(time.RFC3339)
	timeMax := endDate.AddDate(0, 0, 1).Format(time.RFC3339)

	out := make([]model.Event, 0)
	for _, cal := range cals {
		items, err := s.events(ctx, cal.Id, timeMin, timeMax)
		if err != nil {
			return nil, connErr(fmt.Errorf("list events of %s: %w", cal.Summary, err))
		}
		for _, item := range items {
			evs, err := s.convert(item, cal.DefaultReminders)
			if err != nil {
				appLog.Warn("skipping unreadable event", "calendar", cal.Summary, "event_id", item.Id, "error", err.Error())
				continue
			}
			out = append(out, evs...)
		}
	}

	appLog.Debug("google events collected", "calendars", len(cals), "events", len(out))
	return out, nil
}

func (s *Source) calendars(ctx context.Context) ([]*calendar.CalendarListEntry, error) {
	var out []*calendar.CalendarListEntry
	pageToken := ""
	for {
		list, err := s.api.ListCalendars(ctx, pageToken)
		if err != nil {
			return nil, err
		}
		for _, entry := range list.Items {
			if entry.Deleted {
				continue
			}
			out = append(out, entry)
		}
		if list.NextPageToken == "" {
			return out, nil
		}
		pageToken = list.NextPageToken
	}
}

func (s *Source) events(ctx context.Context, calendarID, timeMin, timeMax string) ([]*calendar.Event, error) {
	var out []*calendar.Event
	pageToken := ""
	for {
		page, err := s.api.ListEvents(ctx, calendarID, timeMin, timeMax, pageToken)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if page.NextPageToken == "" {
			return out, nil
		}
		pageToken = page.NextPageToken
	}
}

// convert expands one API event into its popup reminders. Events without
// a popup reminder produce nothing.
func (s *Source) convert(item *calendar.Event, defaults []*calendar.EventReminder) ([]model.Event, error) {
	if item.Status == statusCancelled {
		return nil, nil
	}
	if item.Start == nil || item.Start.DateTime == "" {
		// all-day
		return nil, nil
	}

	start, err := s.parseDateTime(item.Start)
	if err != nil {
		return nil, err
	}
	end := start
	if item.End != nil && item.End.DateTime != "" {
		if end, err = s.parseDateTime(item.End); err != nil {
			return nil, err
		}
	}

	reminders := defaults
	if item.Reminders != nil && !item.Reminders.UseDefault {
		reminders = item.Reminders.Overrides
	}

	var out []model.Event
	for _, r := range reminders {
		if r == nil || r.Method != methodPopup {
			continue
		}
		out = append(out, model.NewEvent(item.Summary, item.Location, start, end, int(r.Minutes), s.loc))
	}
	return out, nil
}

// parseDateTime reads an RFC 3339 time, placed in the event's zone when
// the API names one and in the configured zone otherwise.
func (s *Source) parseDateTime(dt *calendar.EventDateTime) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse event time %q: %w", dt.DateTime, err)
	}
	loc := s.loc
	if dt.TimeZone != "" {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	return t.In(loc), nil
}

func connErr(err error) error {
	return &model.ConnectionError{Source: SourceName, Err: err}
}
