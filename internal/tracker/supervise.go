package tracker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/oklog/run"

	appLog "calalert/internal/log"
)

// Actor is an additional long-running task run next to the two cycles,
// such as the status HTTP server. Execute must return when ctx is done.
type Actor struct {
	Name    string
	Execute func(ctx context.Context) error
}

// Run starts the fetch and alarm loops, each under Supervise, plus any extra
// actors, and blocks until ctx is cancelled or an actor fails for good.
// Cancellation is a clean shutdown and returns nil.
func (t *Tracker) Run(ctx context.Context, extra ...Actor) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group
	g.Add(func() error {
		return t.Supervise(ctx, "fetch", t.StartFetchLoop)
	}, func(error) {
		cancel()
	})
	g.Add(func() error {
		return t.Supervise(ctx, "alarm", t.StartAlarmLoop)
	}, func(error) {
		cancel()
	})
	for _, a := range extra {
		a := a
		g.Add(func() error {
			if err := a.Execute(ctx); err != nil && ctx.Err() == nil {
				return fmt.Errorf("%s: %w", a.Name, err)
			}
			return ctx.Err()
		}, func(error) {
			cancel()
		})
	}

	err := g.Run()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Supervise runs fn until ctx is done, restarting it after RestartDelay
// whenever it returns or panics while ctx is still live.
func (t *Tracker) Supervise(ctx context.Context, name string, fn func(context.Context) error) error {
	for {
		err := protect(ctx, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			err = errors.New("loop returned without error")
		}
		t.metrics.LoopRestarts.WithLabelValues(name).Inc()
		appLog.Error("loop exited unexpectedly; restarting", err,
			"loop", name,
			"restart_in", t.cfg.RestartDelay.String(),
		)
		if err := t.sleep(ctx, t.cfg.RestartDelay); err != nil {
			return err
		}
	}
}

func protect(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return fn(ctx)
}

func panicError(r any) error {
	return fmt.Errorf("panic: %v\n%s", r, debug.Stack())
}
