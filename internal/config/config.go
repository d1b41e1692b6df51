package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ICSConfig describes a single ICS subscription source.
type ICSConfig struct {
	// ID is an internal identifier used for logging and secret lookup.
	ID string `yaml:"id" json:"id"`
	// Name is a human-friendly label.
	Name string `yaml:"name" json:"name"`
	// URL is the ICS subscription endpoint. Private feed URLs embed a
	// token; leave this empty to have it looked up in the secrets file
	// under ics.<id>.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the status server.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

const (
	SourceICS    = "ics"
	SourceGoogle = "google"

	defaultQuerySleep      = 300
	defaultAlarmSleep      = 30
	defaultLookaheadDays   = 1
	defaultLoginRetrySleep = 600
	defaultThreadOffset    = 5
	defaultTimeFormat      = "%Y-%m-%d %H:%M:%S"
	defaultIcon            = "appointment-soon"
	defaultNotifier        = "auto"
	defaultLogLevel        = "info"
)

// Config is the top-level application configuration.
type Config struct {
	// Timezone is the IANA zone used for the lookahead window, for
	// zone-less feed timestamps and for display. Empty means local.
	Timezone string `yaml:"timezone" json:"timezone"`

	// Source selects the calendar backend: "ics" or "google".
	Source string `yaml:"source" json:"source"`

	// ICS is the list of subscribed ICS sources.
	ICS []ICSConfig `yaml:"ics" json:"ics"`

	QuerySleepSeconds int `yaml:"query_sleep_seconds" json:"query_sleep_seconds"`

	// QuerySchedule is an optional cron-style schedule (e.g. "*/10 * * * *").
	// When set it drives the fetch cadence instead of QuerySleepSeconds.
	QuerySchedule string `yaml:"query_schedule,omitempty" json:"query_schedule,omitempty"`

	AlarmSleepSeconds int `yaml:"alarm_sleep_seconds" json:"alarm_sleep_seconds"`

	// LookaheadDays is the size of the fetch window [today, today+N].
	LookaheadDays int `yaml:"lookahead_days" json:"lookahead_days"`

	// LoginRetrySleepSeconds is the wait after a failed fetch.
	LoginRetrySleepSeconds int `yaml:"login_retry_sleep_seconds" json:"login_retry_sleep_seconds"`

	// LoginRetryMaxSeconds, when larger than LoginRetrySleepSeconds, makes
	// the retry wait grow exponentially up to this cap.
	LoginRetryMaxSeconds int `yaml:"login_retry_max_seconds,omitempty" json:"login_retry_max_seconds,omitempty"`

	// ThreadOffsetSeconds delays the first alarm scan so the first fetch
	// has a chance to fill the store.
	ThreadOffsetSeconds int `yaml:"thread_offset_seconds" json:"thread_offset_seconds"`

	// TimeFormat is a strftime-style layout for the start time in alerts.
	TimeFormat string `yaml:"time_format" json:"time_format"`

	// Icon is the freedesktop icon name (or path) used for alerts.
	Icon string `yaml:"icon" json:"icon"`

	// Notifier is one of "auto", "dbus", "notify-send", "console".
	Notifier string `yaml:"notifier" json:"notifier"`

	// NotifyExpireSeconds is how long alerts stay on screen; 0 keeps them
	// until dismissed.
	NotifyExpireSeconds int `yaml:"notify_expire_seconds" json:"notify_expire_seconds"`

	// CacheDir stores ICS bodies and HTTP cache metadata.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	// Listen enables the status HTTP server when non-empty.
	Listen string `yaml:"listen,omitempty" json:"listen,omitempty"`

	// BasicAuth, if non-nil, protects every status endpoint except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Timezone:               "",
		Source:                 SourceICS,
		ICS:                    []ICSConfig{},
		QuerySleepSeconds:      defaultQuerySleep,
		AlarmSleepSeconds:      defaultAlarmSleep,
		LookaheadDays:          defaultLookaheadDays,
		LoginRetrySleepSeconds: defaultLoginRetrySleep,
		ThreadOffsetSeconds:    defaultThreadOffset,
		TimeFormat:             defaultTimeFormat,
		Icon:                   defaultIcon,
		Notifier:               defaultNotifier,
		NotifyExpireSeconds:    0,
		CacheDir:               defaultCacheDir(),
		LogLevel:               defaultLogLevel,
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/calalert/config.yaml (or the
// platform equivalent).
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "./calalert.yaml"
	}
	return filepath.Join(dir, "calalert", "config.yaml")
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "./var/ics-cache"
	}
	return filepath.Join(dir, "calalert", "ics")
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	switch c.Source {
	case SourceICS, SourceGoogle:
	default:
		c.Source = SourceICS
	}
	if c.ICS == nil {
		c.ICS = []ICSConfig{}
	}
	if c.QuerySleepSeconds <= 0 {
		c.QuerySleepSeconds = defaultQuerySleep
	}
	if c.AlarmSleepSeconds <= 0 {
		c.AlarmSleepSeconds = defaultAlarmSleep
	}
	// Zero lookahead is valid: today only.
	if c.LookaheadDays < 0 {
		c.LookaheadDays = defaultLookaheadDays
	}
	if c.LoginRetrySleepSeconds <= 0 {
		c.LoginRetrySleepSeconds = defaultLoginRetrySleep
	}
	if c.LoginRetryMaxSeconds < 0 {
		c.LoginRetryMaxSeconds = 0
	}
	if c.ThreadOffsetSeconds < 0 {
		c.ThreadOffsetSeconds = 0
	}
	if c.TimeFormat == "" {
		c.TimeFormat = defaultTimeFormat
	}
	if c.Icon == "" {
		c.Icon = defaultIcon
	}
	switch c.Notifier {
	case "auto", "dbus", "notify-send", "console":
	default:
		c.Notifier = defaultNotifier
	}
	if c.NotifyExpireSeconds < 0 {
		c.NotifyExpireSeconds = 0
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir()
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
}

// Validate reports settings that cannot be defaulted away.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.QuerySchedule != "" {
		if _, err := cron.ParseStandard(c.QuerySchedule); err != nil {
			return fmt.Errorf("config: invalid query_schedule %q: %w", c.QuerySchedule, err)
		}
	}
	return nil
}

// Location resolves Timezone; empty means time.Local.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// QueryScheduler returns the fetch cadence: the cron schedule when
// QuerySchedule is set, otherwise a constant QuerySleepSeconds delay.
func (c *Config) QueryScheduler() (cron.Schedule, error) {
	if c.QuerySchedule == "" {
		return cron.Every(c.QueryInterval()), nil
	}
	return cron.ParseStandard(c.QuerySchedule)
}

func (c *Config) QueryInterval() time.Duration { return seconds(c.QuerySleepSeconds) }
func (c *Config) AlarmInterval() time.Duration { return seconds(c.AlarmSleepSeconds) }
func (c *Config) LoginRetry() time.Duration { return seconds(c.LoginRetrySleepSeconds) }
func (c *Config) LoginRetryMax() time.Duration { return seconds(c.LoginRetryMaxSeconds) }
func (c *Config) StartupOffset() time.Duration { return seconds(c.ThreadOffsetSeconds) }
func (c *Config) NotifyExpire() time.Duration { return seconds(c.NotifyExpireSeconds) }

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return cfg, nil
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calalert-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Save is a convenience method on Config that delegates to the package-level
// Save function.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
