package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calalert/internal/log"
)

// Reminder actions from VALARM ACTION.
const (
	ActionDisplay = "DISPLAY"
	ActionAudio   = "AUDIO"
	ActionEmail   = "EMAIL"
)

// Reminder is one VALARM with a trigger relative to the event start.
type Reminder struct {
	Action      string
	LeadMinutes int
}

// ParsedEvent is a VEVENT as read from the feed, before recurrence
// expansion. Zone-less times are already placed in the configured zone.
type ParsedEvent struct {
	Subscription Subscription

	UID      string
	Summary  string
	Location string

	Start     time.Time
	End       time.Time
	AllDay    bool
	Cancelled bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID when this VEVENT overrides one instance

	Reminders []Reminder
}

// IsOverride reports whether ev replaces a single instance of a series.
func (ev ParsedEvent) IsOverride() bool {
	return ev.Recurrence != nil
}

// ParseICS parses one feed body. Malformed VEVENTs are logged and skipped;
// only an unreadable calendar is an error.
func ParseICS(sub Subscription, body []byte, loc *time.Location) ([]ParsedEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(sub, comp, loc)
		if perr != nil {
			appLog.Warn("skipping malformed VEVENT", "id", sub.ID, "error", perr.Error())
			continue
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "id", sub.ID, "event_count", len(events))
	return events, nil
}

func parseVEvent(sub Subscription, ve *ical.VEvent, loc *time.Location) (ParsedEvent, error) {
	out := ParsedEvent{Subscription: sub}

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Cancelled = strings.EqualFold(strings.TrimSpace(p.Value), "CANCELLED")
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, fmt.Errorf("%s: missing DTSTART", out.UID)
	}
	out.AllDay = isDateValue(dtStart)

	start, err := propTime(dtStart, ve.GetStartAt, loc)
	if err != nil {
		return out, fmt.Errorf("%s: DTSTART: %w", out.UID, err)
	}
	out.Start = start

	switch dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); {
	case dtEnd != nil:
		end, err := propTime(dtEnd, ve.GetEndAt, loc)
		if err != nil {
			return out, fmt.Errorf("%s: DTEND: %w", out.UID, err)
		}
		out.End = end
	case ve.GetProperty(ical.ComponentPropertyDuration) != nil:
		d, err := parseDuration(ve.GetProperty(ical.ComponentPropertyDuration).Value)
		if err != nil {
			return out, fmt.Errorf("%s: DURATION: %w", out.UID, err)
		}
		out.End = out.Start.Add(d)
	case out.AllDay:
		out.End = out.Start.AddDate(0, 0, 1)
	default:
		out.End = out.Start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t, err := parseICSTime(part, tzidParam(p.ICalParameters), loc)
			if err != nil {
				appLog.Debug("ignoring unparsable EXDATE", "uid", out.UID, "value", part)
				continue
			}
			out.ExDates = append(out.ExDates, t)
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		t, err := parseICSTime(p.Value, tzidParam(p.ICalParameters), loc)
		if err != nil {
			return out, fmt.Errorf("%s: RECURRENCE-ID: %w", out.UID, err)
		}
		out.Recurrence = &t
	}

	for _, alarm := range ve.Alarms() {
		r, ok := parseAlarm(alarm)
		if !ok {
			continue
		}
		out.Reminders = append(out.Reminders, r)
	}

	return out, nil
}

// propTime reads a DTSTART/DTEND. Floating values are placed in loc;
// TZID and UTC values go through the library's zone handling.
func propTime(p *ical.IANAProperty, lib func() (time.Time, error), loc *time.Location) (time.Time, error) {
	if tzidParam(p.ICalParameters) == "" && !strings.HasSuffix(strings.TrimSpace(p.Value), "Z") {
		return parseICSTime(p.Value, "", loc)
	}
	return lib()
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func tzidParam(params map[string][]string) string {
	if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
		return tzs[0]
	}
	return ""
}

// parseAlarm reads ACTION and a start-relative TRIGGER. Absolute and
// end-related triggers, and triggers after the start, are not supported.
func parseAlarm(a *ical.VAlarm) (Reminder, bool) {
	var r Reminder
	if p := a.GetProperty("ACTION"); p != nil {
		r.Action = strings.ToUpper(strings.TrimSpace(p.Value))
	}

	trigger := a.GetProperty("TRIGGER")
	if trigger == nil {
		return r, false
	}
	if vs, ok := trigger.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE-TIME") {
		return r, false
	}
	if vs, ok := trigger.ICalParameters["RELATED"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "END") {
		return r, false
	}

	d, err := parseDuration(trigger.Value)
	if err != nil || d > 0 {
		return r, false
	}
	r.LeadMinutes = int(-d / time.Minute)
	return r, true
}

// parseDuration parses an RFC 5545 duration such as -PT15M, P1DT2H or -P1W.
func parseDuration(v string) (time.Duration, error) {
	s := strings.ToUpper(strings.TrimSpace(v))
	if s == "" {
		return 0, errors.New("empty duration")
	}

	sign := time.Duration(1)
	switch s[0] {
	case '-':
		sign = -1
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") || len(s) < 3 {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	s = s[1:]

	var total time.Duration
	inTime := false
	num := ""
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			num += string(c)
		case c == 'T':
			if inTime || num != "" {
				return 0, fmt.Errorf("invalid duration %q", v)
			}
			inTime = true
		default:
			if num == "" {
				return 0, fmt.Errorf("invalid duration %q", v)
			}
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q: %w", v, err)
			}
			num = ""
			unit, ok := durationUnit(c, inTime)
			if !ok {
				return 0, fmt.Errorf("invalid duration %q", v)
			}
			total += time.Duration(n) * unit
		}
	}
	if num != "" {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return sign * total, nil
}

func durationUnit(c rune, inTime bool) (time.Duration, bool) {
	if inTime {
		switch c {
		case 'H':
			return time.Hour, true
		case 'M':
			return time.Minute, true
		case 'S':
			return time.Second, true
		}
		return 0, false
	}
	switch c {
	case 'W':
		return 7 * 24 * time.Hour, true
	case 'D':
		return 24 * time.Hour, true
	}
	return 0, false
}

// parseICSTime parses a DATE or DATE-TIME value. UTC values keep UTC,
// TZID values use that zone and floating values use loc.
func parseICSTime(v, tzid string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	in := loc
	if tzid != "" {
		l, err := time.LoadLocation(tzid)
		if err != nil {
			return time.Time{}, fmt.Errorf("unknown TZID %q: %w", tzid, err)
		}
		in = l
	}

	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, in)
	}
	return time.ParseInLocation("20060102", v, in)
}
