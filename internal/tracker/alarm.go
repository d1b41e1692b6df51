package tracker

import (
	"context"
	"time"

	"github.com/ncruces/go-strftime"

	appLog "calalert/internal/log"
	"calalert/internal/model"
)

// AlarmOnce runs one alarm cycle iteration at the current clock time.
func (t *Tracker) AlarmOnce(ctx context.Context) ScanResult {
	res := t.store.ScanAndAlarm(ctx, t.now(), t.fire)

	t.metrics.Pending.Set(float64(res.Pending))
	t.metrics.Evicted.Add(float64(len(res.Evicted)))
	for _, ev := range res.Evicted {
		appLog.Debug("occurrence started; evicted", eventKVs(ev)...)
	}
	return res
}

// StartAlarmLoop waits for the startup offset, then runs the alarm cycle
// every AlarmInterval until ctx is cancelled.
func (t *Tracker) StartAlarmLoop(ctx context.Context) error {
	appLog.Info("alarm loop started",
		"interval", t.cfg.AlarmInterval.String(),
		"startup_offset", t.cfg.StartupOffset.String(),
	)
	if err := t.sleep(ctx, t.cfg.StartupOffset); err != nil {
		return err
	}
	for {
		t.alarmIteration(ctx)
		if err := t.sleep(ctx, t.cfg.AlarmInterval); err != nil {
			return err
		}
	}
}

func (t *Tracker) alarmIteration(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			appLog.Error("alarm iteration panicked", panicError(r))
		}
	}()
	t.AlarmOnce(ctx)
}

// fire shows one alarm. Called by the store with the lock released.
func (t *Tracker) fire(ctx context.Context, ev model.Event) {
	body := t.Body(ev)
	appLog.Info("***** ALARM *****", "title", ev.Title, "start", t.FormatStart(ev), "lead_minutes", ev.LeadMinutes)
	t.metrics.AlarmsFired.Inc()

	nctx, cancel := context.WithTimeout(ctx, t.cfg.NotifyTimeout)
	defer cancel()
	if err := t.notifier.Show(nctx, ev.Title, body, t.cfg.Icon); err != nil {
		t.metrics.NotifyFailures.Inc()
		appLog.Error("failed to show alarm; not retrying", err, "title", ev.Title)
	}
}

// FormatStart renders the start time in the configured zone and format.
func (t *Tracker) FormatStart(ev model.Event) string {
	return t.FormatTime(ev.Start)
}

// FormatTime renders ts in the configured zone and format.
func (t *Tracker) FormatTime(ts time.Time) string {
	return strftime.Format(t.cfg.TimeFormat, ts.In(t.cfg.Location))
}

// Body is the notification text for ev.
func (t *Tracker) Body(ev model.Event) string {
	body := "Starting: " + t.FormatStart(ev)
	if ev.Location != "" {
		body += "\nLocation: " + ev.Location
	}
	return body
}
