// Package notify shows alarms to the user. Every notifier returns as soon
// as the alert is handed off and never waits for it to be dismissed.
package notify

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	appLog "calalert/internal/log"
	"calalert/internal/model"
)

// Notifier kinds accepted by New.
const (
	KindAuto       = "auto"
	KindDBus       = "dbus"
	KindNotifySend = "notify-send"
	KindConsole    = "console"
)

// AppName is reported to the notification server.
const AppName = "calalert"

// Notifier shows a single alert.
type Notifier interface {
	Show(ctx context.Context, title, body, icon string) error
}

// Options are shared by all notifier kinds.
type Options struct {
	// Expire is how long an alert stays visible. Zero keeps it until the
	// user closes it.
	Expire time.Duration
	// Output receives console alerts. Defaults to stdout.
	Output io.Writer
}

// New returns the notifier for kind. "auto" tries D-Bus, then notify-send,
// then the console.
func New(kind string, opts Options) (Notifier, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindAuto, "":
		return Chain{NewDBus(opts.Expire), NewCommand("", opts.Expire), NewConsole(opts.Output)}, nil
	case KindDBus:
		return NewDBus(opts.Expire), nil
	case KindNotifySend:
		return NewCommand("", opts.Expire), nil
	case KindConsole:
		return NewConsole(opts.Output), nil
	default:
		return nil, fmt.Errorf("unknown notifier %q", kind)
	}
}

// Console prints alerts as a banner line.
type Console struct {
	w io.Writer
}

func NewConsole(w io.Writer) *Console {
	if w == nil {
		w = os.Stdout
	}
	return &Console{w: w}
}

func (c *Console) Show(_ context.Context, title, body, _ string) error {
	line := strings.ReplaceAll(body, "\n", " | ")
	if _, err := fmt.Fprintf(c.w, "***** ALARM %s ***** %s\n", title, line); err != nil {
		return &model.NotifyError{Notifier: KindConsole, Err: err}
	}
	return nil
}

// Chain tries notifiers in order and stops at the first that succeeds.
type Chain []Notifier

func (c Chain) Show(ctx context.Context, title, body, icon string) error {
	var errs *multierror.Error
	for _, n := range c {
		err := n.Show(ctx, title, body, icon)
		if err == nil {
			return nil
		}
		appLog.Debug("notifier failed; trying next", "error", err.Error())
		errs = multierror.Append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return &model.NotifyError{Notifier: "chain", Err: err}
	}
	return &model.NotifyError{Notifier: "chain", Err: fmt.Errorf("no notifiers configured")}
}

func expireMillis(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d >= math.MaxInt32*time.Millisecond {
		return math.MaxInt32
	}
	return int32(d / time.Millisecond)
}
