package tracker

import (
	"context"
	"errors"
	"time"

	appLog "calalert/internal/log"
	"calalert/internal/model"
)

// Window returns the fetch window for now: [today, today+LookaheadDays] as
// midnights in the configured zone.
func (t *Tracker) Window(now time.Time) (startDate, endDate time.Time) {
	local := now.In(t.cfg.Location)
	startDate = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, t.cfg.Location)
	endDate = startDate.AddDate(0, 0, t.cfg.LookaheadDays)
	return startDate, endDate
}

// FetchOnce runs one fetch cycle iteration and returns how long to wait
// before the next one: the query schedule after a success, the reconnect
// backoff after a failure. A failure leaves the store untouched.
func (t *Tracker) FetchOnce(ctx context.Context) time.Duration {
	startDate, endDate := t.Window(t.now())
	t.metrics.FetchTotal.Inc()

	fresh, err := t.source.FetchEvents(ctx, startDate, endDate)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		var cerr *model.ConnectionError
		if !errors.As(err, &cerr) {
			err = &model.ConnectionError{Source: "calendar", Err: err}
		}
		t.metrics.FetchFailures.Inc()
		wait := t.reconnect.Next()
		appLog.Error("calendar fetch failed; store left unchanged", err,
			"retry_in", wait.String(),
			"consecutive_failures", t.reconnect.Failures(),
		)
		if r, ok := t.source.(Reconnector); ok {
			r.Reconnect()
		}
		return wait
	}
	t.reconnect.Reset()

	now := t.now()
	res := t.store.Reconcile(fresh, now)
	t.metrics.Pending.Set(float64(res.Pending))

	for _, ev := range res.Removed {
		appLog.Debug("dropped occurrence no longer reported by source", eventKVs(ev)...)
	}
	for _, ev := range res.Added {
		appLog.Debug("tracking occurrence", eventKVs(ev)...)
	}
	appLog.Info("calendar fetch completed",
		"window_start", startDate.Format(time.DateOnly),
		"window_end", endDate.Format(time.DateOnly),
		"fetched", res.Fetched,
		"added", len(res.Added),
		"removed", len(res.Removed),
		"past", res.Past,
		"pending", res.Pending,
	)

	wait := t.cfg.QuerySchedule.Next(now).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait
}

// StartFetchLoop runs the fetch cycle until ctx is cancelled.
func (t *Tracker) StartFetchLoop(ctx context.Context) error {
	appLog.Info("fetch loop started", "lookahead_days", t.cfg.LookaheadDays)
	for {
		wait := t.fetchIteration(ctx)
		if err := t.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// fetchIteration isolates one iteration: a panic is logged and treated as a
// failed fetch.
func (t *Tracker) fetchIteration(ctx context.Context) (wait time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			wait = t.cfg.LoginRetry
			appLog.Error("fetch iteration panicked", panicError(r), "retry_in", wait.String())
		}
	}()
	return t.FetchOnce(ctx)
}

func eventKVs(ev model.Event) []any {
	return []any{
		"title", ev.Title,
		"start", ev.Start.Format(time.RFC3339),
		"lead_minutes", ev.LeadMinutes,
	}
}

// FetchFailures is the number of consecutive failed fetches. Read it only
// from the goroutine that runs the fetch cycle.
func (t *Tracker) FetchFailures() int {
	return t.reconnect.Failures()
}
