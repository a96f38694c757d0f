// Package announce runs the cycle-advance workflow: detect a new
// recording, announce it, and roll the cycle over. The whole sequence
// holds one mutex so concurrent triggers (the poller and a manual
// command) cannot double-announce.
package announce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/towncrier-bot/towncrier/internal/cyclestate"
	"github.com/towncrier-bot/towncrier/internal/feed"
	"github.com/towncrier-bot/towncrier/internal/journal"
	"github.com/towncrier-bot/towncrier/internal/telegram"
)

// Source yields the latest recording.
type Source interface {
	Latest(ctx context.Context) (*feed.Item, error)
}

// Sender posts announcement messages to the community chat.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string, mode telegram.ParseMode, linkPreview bool) error
}

// Marker persists the announce-sent flag across restarts. Satisfied by
// *journal.Journal.
type Marker interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
}

// Workflow owns the announce-and-advance sequence for one chat.
type Workflow struct {
	mu         sync.Mutex
	store      *cyclestate.Store
	source     Source
	sender     Sender
	marker     Marker
	chatID     int64
	onAdvanced func()
	logger     *slog.Logger
}

// NewWorkflow wires the workflow. onAdvanced runs after every
// successful advance (the caller rebuilds reminders there); it may be
// nil.
func NewWorkflow(store *cyclestate.Store, source Source, sender Sender, marker Marker, chatID int64, onAdvanced func(), logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		store:      store,
		source:     source,
		sender:     sender,
		marker:     marker,
		chatID:     chatID,
		onAdvanced: onAdvanced,
		logger:     logger.With("component", "announce"),
	}
}

// CheckAndAnnounce fetches the latest recording and, if it has not been
// announced yet, posts the announcement and advances the cycle. Returns
// true when a new recording was announced. Safe to call repeatedly and
// concurrently; the dedup marker makes repeats no-ops.
func (w *Workflow) CheckAndAnnounce(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	item, err := w.source.Latest(ctx)
	if errors.Is(err, feed.ErrEmptyFeed) {
		w.logger.Debug("playlist still empty")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetch latest recording: %w", err)
	}

	st, _ := w.store.Snapshot()
	if item.ID == st.LastVideoID {
		w.logger.Debug("latest recording already announced", "video_id", item.ID)
		return false, nil
	}

	// Preview enabled so the recording link unfurls in the chat.
	msg := composeAnnouncement(st.CycleNumber, item)
	if err := w.sender.SendMessage(ctx, w.chatID, msg, telegram.ModeMarkdownV2, true); err != nil {
		return false, fmt.Errorf("send announcement: %w", err)
	}

	// The announcement is out. From here the advance must land even if
	// the process dies: the marker lets Recover finish the job.
	if err := w.marker.Set(journal.KeyAnnouncedVideo, item.ID); err != nil {
		w.logger.Warn("failed to persist announce marker", "error", err)
	}

	if _, err := w.store.AdvanceCycle(item.ID); err != nil {
		return false, fmt.Errorf("advance cycle after announcing %s: %w", item.ID, err)
	}

	if err := w.marker.Delete(journal.KeyAnnouncedVideo); err != nil {
		w.logger.Warn("failed to clear announce marker", "error", err)
	}

	w.logger.Info("recording announced, cycle advanced",
		"video_id", item.ID,
		"closed_cycle", st.CycleNumber,
	)
	if w.onAdvanced != nil {
		w.onAdvanced()
	}
	return true, nil
}

// Recover completes an advance that was interrupted between sending the
// announcement and saving the cycle document. It never sends a message.
// Call once at startup, before the poller starts.
func (w *Workflow) Recover() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	pending, err := w.marker.Get(journal.KeyAnnouncedVideo)
	if err != nil {
		return fmt.Errorf("read announce marker: %w", err)
	}
	if pending == "" {
		return nil
	}

	st, _ := w.store.Snapshot()
	if pending != st.LastVideoID {
		w.logger.Warn("completing interrupted cycle advance", "video_id", pending)
		if _, err := w.store.AdvanceCycle(pending); err != nil {
			return fmt.Errorf("recover cycle advance for %s: %w", pending, err)
		}
		if w.onAdvanced != nil {
			w.onAdvanced()
		}
	}
	return w.marker.Delete(journal.KeyAnnouncedVideo)
}

// composeAnnouncement builds the MarkdownV2 announcement for the cycle
// that just ended.
func composeAnnouncement(cycle int, item *feed.Item) string {
	return fmt.Sprintf(
		"🎬 *Die Aufzeichnung von Call \\#%d ist online\\!*\n\n*%s*\n%s\n\n%s",
		cycle,
		telegram.EscapeMarkdownV2(item.Title),
		telegram.EscapeMarkdownV2(item.Summary()),
		telegram.EscapeMarkdownV2(item.URL),
	)
}

// Poller periodically triggers the workflow.
type Poller struct {
	workflow *Workflow
	interval time.Duration
	logger   *slog.Logger
}

// NewPoller creates a poller with the given check interval.
func NewPoller(workflow *Workflow, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		workflow: workflow,
		interval: interval,
		logger:   logger.With("component", "announce-poller"),
	}
}

// Run checks once immediately, then on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("recording poller started", "interval", p.interval)

	p.check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("recording poller stopped")
			return
		case <-ticker.C:
			p.check(ctx)
		}
	}
}

func (p *Poller) check(ctx context.Context) {
	announced, err := p.workflow.CheckAndAnnounce(ctx)
	if err != nil {
		p.logger.Error("recording check failed", "error", err)
		return
	}
	if announced {
		p.logger.Info("poller announced a new recording")
	}
}
