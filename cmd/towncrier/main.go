// Towncrier keeps a weekly community call on track.
//
// It posts reminders before each call, collects agenda topics, watches
// a YouTube playlist for the recording, and announces it when it shows
// up. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	towncrier serve          Start the bot daemon
//	towncrier init [dir]     Initialize a working directory with defaults
//	towncrier check          Validate the configuration and exit
//	towncrier nextcall       Print the next call time and reminder schedule
//	towncrier version        Print version and build information
//	towncrier -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/towncrier-bot/towncrier/internal/agenda"
	"github.com/towncrier-bot/towncrier/internal/announce"
	"github.com/towncrier-bot/towncrier/internal/bot"
	"github.com/towncrier-bot/towncrier/internal/buildinfo"
	"github.com/towncrier-bot/towncrier/internal/config"
	"github.com/towncrier-bot/towncrier/internal/cyclestate"
	"github.com/towncrier-bot/towncrier/internal/feed"
	"github.com/towncrier-bot/towncrier/internal/journal"
	"github.com/towncrier-bot/towncrier/internal/llm"
	"github.com/towncrier-bot/towncrier/internal/reminder"
	"github.com/towncrier-bot/towncrier/internal/schedule"
	"github.com/towncrier-bot/towncrier/internal/telegram"
)

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand: the flag
// package relies on package-level globals, which gets in the way of
// calling run() concurrently from tests, and the surface is tiny.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "check":
		return runCheck(stdout, configPath)
	case "nextcall":
		return runNextCall(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Towncrier - weekly community call bot")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: towncrier [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the bot daemon")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  check        Validate the configuration and exit")
	fmt.Fprintln(w, "  nextcall     Print the next call time and reminder schedule")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./towncrier.yaml, ~/.config/towncrier/config.yaml, /etc/towncrier/config.yaml")
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runCheck validates the configuration without starting anything.
func runCheck(w io.Writer, configPath string) error {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", cfgPath, err)
	}

	fmt.Fprintf(w, "Configuration OK: %s\n", cfgPath)
	if !cfg.IsFullyConfigured() {
		fmt.Fprintln(w, "Note: telegram.chat_id is not set; serve will run in setup mode.")
	}
	return nil
}

// runNextCall prints the next anchor and the reminder fire times.
func runNextCall(w io.Writer, configPath string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	rule, err := callRule(cfg)
	if err != nil {
		return err
	}

	now := time.Now()
	anchor := rule.NextAnchor(now)
	fmt.Fprintf(w, "Next call: %s (%s)\n", anchor.Format("Mon 2006-01-02 15:04 MST"), anchor.Sub(now).Round(time.Minute))

	for _, ft := range schedule.FireTimes(now, anchor, cfg.Call.LeadTimes()) {
		fmt.Fprintf(w, "  reminder (%s): %s\n", ft.Variant, ft.At.In(rule.Loc).Format("Mon 2006-01-02 15:04"))
	}
	return nil
}

// runServe is the primary operating mode. Without a configured chat_id
// it serves commands only (setup mode); otherwise it also recovers any
// interrupted cycle advance, schedules reminders, and starts the
// recording poller.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting towncrier", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%s: %w", cfgPath, err)
	}

	// Reconfigure the logger now that the desired level is known.
	{
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "setup_mode", !cfg.IsFullyConfigured())

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	jnl, err := journal.Open(filepath.Join(cfg.DataDir, "journal.db"))
	if err != nil {
		return err
	}
	defer jnl.Close()

	store := cyclestate.NewStore(filepath.Join(cfg.DataDir, "cycle.yaml"), logger)

	rule, err := callRule(cfg)
	if err != nil {
		return err
	}

	source := feed.NewSource(cfg.YouTube.PlaylistID, logger)

	var rewriter llm.Rewriter
	if cfg.Rewrite.APIKey != "" {
		rewriter = llm.NewAnthropicRewriter(cfg.Rewrite.APIKey, cfg.Rewrite.Model, cfg.Rewrite.Timeout.Duration, logger)
	} else {
		logger.Info("no rewrite api_key configured, agenda stays a plain list")
	}
	renderer := agenda.NewRenderer(store, rewriter, cfg.Rewrite.Timeout.Duration, logger)

	tg := telegram.NewClient(cfg.Telegram.Token, logger)

	// SIGINT/SIGTERM cancellation flows through the same ctx used by
	// every component.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if me, err := tg.GetMe(ctx); err != nil {
		logger.Warn("telegram connectivity check failed", "error", err)
	} else {
		logger.Info("connected to telegram", "bot", me.Username)
	}

	opts := bot.Options{
		Chat:       tg,
		ChatID:     cfg.Telegram.ChatID,
		Store:      store,
		Renderer:   renderer,
		Feed:       source,
		Rule:       rule,
		Offsets:    jnl,
		ChannelURL: cfg.YouTube.ChannelURL,
		Logger:     logger,
	}

	if !cfg.IsFullyConfigured() {
		logger.Warn("telegram.chat_id not set, running in setup mode (send /chatid in the target group)")
		return bot.New(opts).Run(ctx)
	}

	// The scheduler's fire callback and the workflow's advance hook
	// reference each other through the bot, so wire in two steps.
	var b *bot.Bot
	sched := reminder.New(rule, cfg.Call.LeadTimes(), func(fctx context.Context, ft schedule.FireTime) {
		b.HandleReminder(fctx, ft)
	}, logger)
	defer sched.Stop()

	workflow := announce.NewWorkflow(store, source, tg, jnl, cfg.Telegram.ChatID, func() {
		sched.Rebuild(time.Now())
	}, logger)

	opts.Reminders = sched
	opts.Announcer = workflow
	b = bot.New(opts)

	// Finish any advance interrupted between announcing and saving.
	if err := workflow.Recover(); err != nil {
		return fmt.Errorf("recover interrupted announce: %w", err)
	}

	sched.Rebuild(time.Now())

	poller := announce.NewPoller(workflow, cfg.Announce.CheckInterval.Duration, logger)
	go poller.Run(ctx)

	return b.Run(ctx)
}

// callRule builds the schedule rule from validated configuration.
func callRule(cfg *config.Config) (schedule.Rule, error) {
	weekday, err := cfg.Call.ResolvedWeekday()
	if err != nil {
		return schedule.Rule{}, err
	}
	loc, err := cfg.Call.Location()
	if err != nil {
		return schedule.Rule{}, err
	}
	return schedule.Rule{
		Weekday: weekday,
		Hour:    cfg.Call.Hour,
		Minute:  cfg.Call.Minute,
		Loc:     loc,
	}, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
