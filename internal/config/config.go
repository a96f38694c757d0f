// Package config handles towncrier configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./towncrier.yaml, ~/.config/towncrier/config.yaml,
// /etc/towncrier/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"towncrier.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "towncrier", "config.yaml"))
	}

	paths = append(paths, "/etc/towncrier/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Duration wraps time.Duration so YAML values can be written as "72h"
// or "15m" instead of nanosecond integers.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Config holds all towncrier configuration.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	YouTube  YouTubeConfig  `yaml:"youtube"`
	Call     CallConfig     `yaml:"call"`
	Announce AnnounceConfig `yaml:"announce"`
	Rewrite  RewriteConfig  `yaml:"rewrite"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// TelegramConfig defines the bot connection and target chat.
type TelegramConfig struct {
	Token string `yaml:"token"`
	// ChatID is the group the bot posts into. Zero means setup mode:
	// commands are served (so /chatid works) but nothing is scheduled.
	ChatID int64 `yaml:"chat_id"`
}

// YouTubeConfig identifies the playlist holding call recordings.
type YouTubeConfig struct {
	PlaylistID string `yaml:"playlist_id"`
	// ChannelURL is interpolated into reminder messages.
	ChannelURL string `yaml:"channel_url"`
}

// CallConfig defines the weekly anchor rule and reminder lead times.
type CallConfig struct {
	Weekday  string     `yaml:"weekday"`  // lowercase English day name
	Hour     int        `yaml:"hour"`     // 0-23, civil time in Timezone
	Minute   int        `yaml:"minute"`   // 0-59
	Timezone string     `yaml:"timezone"` // IANA zone name
	Leads    []Duration `yaml:"reminders"`
}

// AnnounceConfig controls the recording check poller.
type AnnounceConfig struct {
	CheckInterval Duration `yaml:"check_interval"`
}

// RewriteConfig defines the text-generation assistant used for agenda
// rendering. Optional: with no API key the plain bullet rendering is used.
type RewriteConfig struct {
	APIKey  string   `yaml:"api_key"`
	Model   string   `yaml:"model"`
	Timeout Duration `yaml:"timeout"`
}

// weekdays maps config day names to time.Weekday.
var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Weekday resolves the configured day name.
func (c CallConfig) ResolvedWeekday() (time.Weekday, error) {
	wd, ok := weekdays[strings.ToLower(strings.TrimSpace(c.Weekday))]
	if !ok {
		return 0, fmt.Errorf("unknown weekday %q", c.Weekday)
	}
	return wd, nil
}

// Location loads the configured IANA time zone.
func (c CallConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// LeadTimes returns the configured reminder lead times as durations.
func (c CallConfig) LeadTimes() []time.Duration {
	leads := make([]time.Duration, 0, len(c.Leads))
	for _, l := range c.Leads {
		leads = append(leads, l.Duration)
	}
	return leads
}

// Load reads configuration from a YAML file. Environment variables in
// the form ${VAR} are expanded before parsing, so secrets can live in
// the environment rather than the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration: Thursday 17:00 Europe/Berlin
// with reminders 3 days, 1 day, and 1 hour before the call.
func Default() *Config {
	return &Config{
		Call: CallConfig{
			Weekday:  "thursday",
			Hour:     17,
			Minute:   0,
			Timezone: "Europe/Berlin",
			Leads: []Duration{
				{72 * time.Hour},
				{24 * time.Hour},
				{time.Hour},
			},
		},
		Announce: AnnounceConfig{
			CheckInterval: Duration{6 * time.Hour},
		},
		Rewrite: RewriteConfig{
			Model:   "claude-3-5-haiku-latest",
			Timeout: Duration{30 * time.Second},
		},
		DataDir:  ".",
		LogLevel: "info",
	}
}

// Validate checks that the configuration is usable. A missing chat_id is
// allowed (setup mode); everything else the daemon needs must be present
// and parseable.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.YouTube.PlaylistID == "" {
		return fmt.Errorf("youtube.playlist_id is required")
	}
	if _, err := c.Call.ResolvedWeekday(); err != nil {
		return fmt.Errorf("call.weekday: %w", err)
	}
	if c.Call.Hour < 0 || c.Call.Hour > 23 {
		return fmt.Errorf("call.hour %d out of range", c.Call.Hour)
	}
	if c.Call.Minute < 0 || c.Call.Minute > 59 {
		return fmt.Errorf("call.minute %d out of range", c.Call.Minute)
	}
	if _, err := c.Call.Location(); err != nil {
		return err
	}
	if len(c.Call.Leads) == 0 {
		return fmt.Errorf("call.reminders must list at least one lead time")
	}
	for _, l := range c.Call.Leads {
		if l.Duration <= 0 {
			return fmt.Errorf("call.reminders entries must be positive, got %s", l)
		}
	}
	if c.Announce.CheckInterval.Duration <= 0 {
		return fmt.Errorf("announce.check_interval must be positive")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// IsFullyConfigured reports whether the bot can run its schedule, i.e.
// the target chat is known. When false the daemon runs in setup mode.
func (c *Config) IsFullyConfigured() bool {
	return c.Telegram.ChatID != 0
}
