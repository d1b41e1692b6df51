package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/oklog/run"
	"github.com/urfave/cli/v2"

	"calalert/internal/config"
	"calalert/internal/gcal"
	"calalert/internal/ics"
	appLog "calalert/internal/log"
	"calalert/internal/metrics"
	"calalert/internal/notify"
	"calalert/internal/secrets"
	"calalert/internal/tracker"
	"calalert/internal/web"
)

const version = "0.1.0"

func main() {
	app := cli.NewApp()
	app.Name = "calalert"
	app.Usage = "Pop up desktop alerts for upcoming calendar events"
	app.Version = version
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Path to the YAML config file (created with defaults if missing)",
			Value:   config.DefaultPath(),
			EnvVars: []string{"CALALERT_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "secrets",
			Usage:   "Path to the secrets file (default: secrets.yaml next to the config)",
			EnvVars: []string{"CALALERT_SECRETS"},
		},
		&cli.StringFlag{
			Name:    "listen",
			Usage:   "Status server address, overrides the config file (e.g. 127.0.0.1:8765)",
			EnvVars: []string{"CALALERT_LISTEN"},
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "Enable debug logging",
			EnvVars: []string{"CALALERT_DEBUG"},
		},
		&cli.BoolFlag{
			Name:  "once",
			Usage: "Run one fetch and one alarm scan, print pending alarms and exit",
		},
	}
	app.Action = runAgent

	if err := app.Run(os.Args); err != nil {
		appLog.Error("calalert exited with error", err)
		os.Exit(1)
	}
}

func runAgent(c *cli.Context) error {
	configPath := c.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", configPath, err)
	}

	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	if c.Bool("debug") {
		appLog.SetLevel(appLog.LevelDebug)
	}
	if l := c.String("listen"); l != "" {
		cfg.Listen = l
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	schedule, err := cfg.QueryScheduler()
	if err != nil {
		return err
	}

	secretsPath := c.String("secrets")
	if secretsPath == "" {
		secretsPath = filepath.Join(filepath.Dir(configPath), "secrets.yaml")
	}
	sec, err := secrets.Load(secretsPath)
	if err != nil {
		return err
	}

	source, err := buildSource(cfg, sec, loc)
	if err != nil {
		return fmt.Errorf("%w (edit %s)", err, configPath)
	}
	notifier, err := notify.New(cfg.Notifier, notify.Options{Expire: cfg.NotifyExpire()})
	if err != nil {
		return err
	}

	appLog.Info("calalert starting",
		"version", version,
		"config", configPath,
		"source", cfg.Source,
		"notifier", cfg.Notifier,
		"timezone", loc.String(),
		"lookahead_days", cfg.LookaheadDays,
		"query_interval", cfg.QueryInterval().String(),
		"query_schedule", cfg.QuerySchedule,
		"listen", cfg.Listen,
		"once", c.Bool("once"),
	)

	m := metrics.New()
	tr := tracker.New(tracker.Config{
		LookaheadDays: cfg.LookaheadDays,
		QuerySchedule: schedule,
		LoginRetry:    cfg.LoginRetry(),
		LoginRetryMax: cfg.LoginRetryMax(),
		AlarmInterval: cfg.AlarmInterval(),
		StartupOffset: cfg.StartupOffset(),
		TimeFormat:    cfg.TimeFormat,
		Icon:          cfg.Icon,
		Location:      loc,
	}, source, notifier, tracker.WithMetrics(m))

	if c.Bool("once") {
		return runOnce(c.Context, tr, os.Stdout)
	}

	actors := []tracker.Actor{signalActor()}
	if cfg.Listen != "" {
		srv := web.NewServer(cfg, tr.Store(), m.Handler(), loc)
		actors = append(actors, tracker.Actor{Name: "web", Execute: srv.Serve})
	}

	err = tr.Run(c.Context, actors...)
	appLog.Info("calalert exiting")
	return err
}

func buildSource(cfg *config.Config, sec *secrets.Secrets, loc *time.Location) (tracker.CalendarSource, error) {
	switch cfg.Source {
	case config.SourceGoogle:
		creds, err := sec.GoogleCredentials()
		if err != nil {
			return nil, err
		}
		return gcal.NewSource(creds, loc, nil), nil
	default:
		subs, err := subscriptions(cfg, sec)
		if err != nil {
			return nil, err
		}
		return ics.NewSource(subs, ics.NewFetcher(cfg.CacheDir, nil), loc), nil
	}
}

// subscriptions resolves configured ICS feeds, taking private URLs from the
// secrets file when the config leaves them out.
func subscriptions(cfg *config.Config, sec *secrets.Secrets) ([]ics.Subscription, error) {
	if len(cfg.ICS) == 0 {
		return nil, errors.New("no ICS subscriptions configured")
	}
	subs := make([]ics.Subscription, 0, len(cfg.ICS))
	for i, ic := range cfg.ICS {
		id := ic.ID
		if id == "" {
			id = ic.Name
		}
		if id == "" {
			id = fmt.Sprintf("ics-%d", i+1)
		}
		u := ic.URL
		if u == "" {
			var ok bool
			if u, ok = sec.ICSURL(id); !ok {
				return nil, fmt.Errorf("ics source %q has no url in config or secrets", id)
			}
		}
		subs = append(subs, ics.Subscription{ID: id, Name: ic.Name, URL: u})
	}
	return subs, nil
}

// signalActor ends the run group on SIGINT or SIGTERM.
func signalActor() tracker.Actor {
	return tracker.Actor{
		Name: "signal",
		Execute: func(ctx context.Context) error {
			execute, interrupt := run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM)
			defer interrupt(nil)
			err := execute()
			var sig run.SignalError
			if errors.As(err, &sig) {
				appLog.Info("signal received, shutting down", "signal", sig.Signal.String())
				return context.Canceled
			}
			return err
		},
	}
}

func runOnce(ctx context.Context, tr *tracker.Tracker, w io.Writer) error {
	tr.FetchOnce(ctx)
	if tr.FetchFailures() > 0 {
		return errors.New("calendar fetch failed")
	}
	tr.AlarmOnce(ctx)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ALARM AT\tSTART\tLEAD\tSTATE\tTITLE")
	for _, st := range tr.Store().Snapshot() {
		state := "pending"
		if st.Alarmed {
			state = "alarmed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%dm\t%s\t%s\n",
			tr.FormatTime(st.Event.AlarmAt()),
			tr.FormatStart(st.Event),
			st.Event.LeadMinutes,
			state,
			st.Event.Title,
		)
	}
	return tw.Flush()
}
