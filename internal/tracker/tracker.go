// Package tracker is the event tracking engine: a fetch cycle that keeps
// the pending set in line with what the calendar source reports, and an
// alarm cycle that fires one notification per occurrence at its alarm time
// and evicts occurrences once they start. The two cycles run independently
// and share only the EventStore.
//
// Occurrences are compared by value (title, location, start, end, lead
// minutes) because feeds carry no durable per-occurrence identifier. An
// upstream edit that is later reverted is therefore seen as delete +
// recreate and may re-arm an alarm whose time has not yet passed, but an
// unchanged occurrence is never alarmed twice.
//
// Pending occurrences are dropped purely by absence from the latest fetch
// window. If the window shifts (lookahead shrinks, or an occurrence sits
// exactly on the window edge) an occurrence can be dropped without having
// been deleted upstream. This is expected behavior.
package tracker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"calalert/internal/metrics"
	"calalert/internal/model"
)

// CalendarSource returns one Event per (event × occurrence × visual
// reminder) in the day window [startDate, endDate]. Failures are reported
// as *model.ConnectionError, never as partial results.
type CalendarSource interface {
	FetchEvents(ctx context.Context, startDate, endDate time.Time) ([]model.Event, error)
}

// Reconnector is implemented by sources that hold a session which should be
// rebuilt from scratch after a failed fetch.
type Reconnector interface {
	Reconnect()
}

// Notifier shows an alert without waiting for the user to acknowledge it.
// Failures are reported as *model.NotifyError and never retried.
type Notifier interface {
	Show(ctx context.Context, title, body, icon string) error
}

// Config holds the read-only engine settings.
type Config struct {
	// LookaheadDays sizes the fetch window [today, today+LookaheadDays].
	LookaheadDays int
	// QuerySchedule drives the fetch cadence after a successful fetch.
	QuerySchedule cron.Schedule
	// LoginRetry is the wait after a failed fetch. When LoginRetryMax is
	// larger, consecutive failures back off exponentially up to it.
	LoginRetry    time.Duration
	LoginRetryMax time.Duration
	AlarmInterval time.Duration
	// StartupOffset delays the first alarm scan.
	StartupOffset time.Duration
	// TimeFormat is a strftime layout for the start time in alert bodies.
	TimeFormat string
	Icon       string
	// Location is the zone for the fetch window and for display.
	Location *time.Location
	// NotifyTimeout bounds a single Notifier.Show call.
	NotifyTimeout time.Duration
	// RestartDelay is the pause before a supervised loop is restarted.
	RestartDelay time.Duration
}

const (
	defaultNotifyTimeout = 10 * time.Second
	defaultRestartDelay  = 5 * time.Second
	defaultTimeFormat    = "%Y-%m-%d %H:%M:%S"
)

// Tracker owns the EventStore and runs both cycles against it.
type Tracker struct {
	cfg       Config
	source    CalendarSource
	notifier  Notifier
	store     *EventStore
	reconnect *ReconnectPolicy
	metrics   *metrics.Metrics

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithSleep replaces the context-aware sleep used between iterations.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Tracker) { t.sleep = sleep }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// New builds a Tracker. Zero durations in cfg fall back to sensible
// defaults so tests can pass a partial Config.
func New(cfg Config, source CalendarSource, notifier Notifier, opts ...Option) *Tracker {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.LookaheadDays < 0 {
		cfg.LookaheadDays = 0
	}
	if cfg.AlarmInterval <= 0 {
		cfg.AlarmInterval = 30 * time.Second
	}
	if cfg.QuerySchedule == nil {
		cfg.QuerySchedule = cron.Every(5 * time.Minute)
	}
	if cfg.LoginRetry <= 0 {
		cfg.LoginRetry = 10 * time.Minute
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = defaultTimeFormat
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = defaultRestartDelay
	}

	t := &Tracker{
		cfg:       cfg,
		source:    source,
		notifier:  notifier,
		store:     NewEventStore(),
		reconnect: NewReconnectPolicy(cfg.LoginRetry, cfg.LoginRetryMax),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.metrics == nil {
		t.metrics = metrics.New()
	}
	return t
}

// Store exposes the shared store for read-only views (status server, --once).
func (t *Tracker) Store() *EventStore {
	return t.store
}

func (t *Tracker) Metrics() *metrics.Metrics {
	return t.metrics
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
