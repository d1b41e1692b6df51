package model

import (
	"time"
)

// Event is one alarm occurrence: a single reminder of a single occurrence
// of a calendar event. It is a value type; two Events with the same
// title, location, start/end instants and lead time are the same Event.
// Calendar feeds give no durable per-occurrence ID, so an upstream edit
// that is later reverted shows up as delete + recreate.
type Event struct {
	Title    string
	Location string

	// Start / End always carry a concrete location.
	Start time.Time
	End   time.Time

	// LeadMinutes is how long before Start the alarm fires. Never negative.
	LeadMinutes int
}

// EventKey is the comparable identity of an Event. Instants are stored as
// Unix nanoseconds so the same moment expressed in two zones compares equal.
type EventKey struct {
	Title       string
	Location    string
	Start       int64
	End         int64
	LeadMinutes int
}

// NewEvent builds an Event, normalizing zone-less timestamps into loc.
//
// A timestamp is treated as zone-less when its location is nil or
// time.Local and loc differs from time.Local: parsers in this repo read
// floating ICS times with time.Local, and the configured display zone
// takes precedence for those. If loc is nil, time.Local is used.
func NewEvent(title, location string, start, end time.Time, leadMinutes int, loc *time.Location) Event {
	if loc == nil {
		loc = time.Local
	}
	if leadMinutes < 0 {
		leadMinutes = 0
	}
	return Event{
		Title:       title,
		Location:    location,
		Start:       Normalize(start, loc),
		End:         Normalize(end, loc),
		LeadMinutes: leadMinutes,
	}
}

// Normalize re-reads a zone-less timestamp (located in time.Local) as wall
// clock time in loc. Other timestamps are returned unchanged.
func Normalize(t time.Time, loc *time.Location) time.Time {
	if t.IsZero() || loc == nil {
		return t
	}
	if t.Location() == time.Local && loc != time.Local {
		// Re-interpret the wall clock in the configured zone.
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
	}
	return t
}

// Key returns the value identity of e.
func (e Event) Key() EventKey {
	return EventKey{
		Title:       e.Title,
		Location:    e.Location,
		Start:       e.Start.UnixNano(),
		End:         e.End.UnixNano(),
		LeadMinutes: e.LeadMinutes,
	}
}

// Equal reports whether e and o are the same alarm occurrence.
func (e Event) Equal(o Event) bool {
	return e.Key() == o.Key()
}

// StartUnix is the start as an absolute instant in Unix seconds.
func (e Event) StartUnix() int64 {
	return e.Start.Unix()
}

// AlarmUnix is StartUnix minus the lead time.
func (e Event) AlarmUnix() int64 {
	return e.StartUnix() - 60*int64(e.LeadMinutes)
}

// AlarmAt is AlarmUnix as a time.Time in the event's zone.
func (e Event) AlarmAt() time.Time {
	return time.Unix(e.AlarmUnix(), 0).In(e.Start.Location())
}
