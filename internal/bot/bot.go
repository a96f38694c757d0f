// Package bot wires the Telegram command surface to the cycle state,
// the reminder scheduler, and the announce workflow.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/towncrier-bot/towncrier/internal/agenda"
	"github.com/towncrier-bot/towncrier/internal/announce"
	"github.com/towncrier-bot/towncrier/internal/cyclestate"
	"github.com/towncrier-bot/towncrier/internal/journal"
	"github.com/towncrier-bot/towncrier/internal/schedule"
	"github.com/towncrier-bot/towncrier/internal/telegram"
)

// pollTimeout is the server-side long-poll duration for getUpdates.
const pollTimeout = 50 * time.Second

// ChatAPI is the Telegram surface the bot needs. Satisfied by
// *telegram.Client.
type ChatAPI interface {
	SendMessage(ctx context.Context, chatID int64, text string, mode telegram.ParseMode, linkPreview bool) error
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
	IsPrivileged(ctx context.Context, chatID, userID int64) (bool, error)
}

// Announcer triggers the announce-and-advance workflow.
type Announcer interface {
	CheckAndAnnounce(ctx context.Context) (bool, error)
}

// Reminders is the scheduler surface used by commands.
type Reminders interface {
	Rebuild(now time.Time) time.Time
	Status() (anchor time.Time, pending int)
}

// OffsetStore persists the getUpdates high-water mark.
type OffsetStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
}

// Options collects the bot's collaborators. Reminders and Announcer are
// nil in setup mode (no target chat configured yet).
type Options struct {
	Chat      ChatAPI
	ChatID    int64
	Store     *cyclestate.Store
	Renderer  *agenda.Renderer
	Reminders Reminders
	Announcer Announcer
	Feed      announce.Source
	Rule      schedule.Rule
	Offsets   OffsetStore
	// ChannelURL is appended to reminder messages when set.
	ChannelURL string
	Logger     *slog.Logger
}

// Bot serves the Telegram command surface.
type Bot struct {
	chat       ChatAPI
	chatID     int64
	store      *cyclestate.Store
	renderer   *agenda.Renderer
	reminders  Reminders
	announcer  Announcer
	feed       announce.Source
	rule       schedule.Rule
	offsets    OffsetStore
	channelURL string
	logger     *slog.Logger
	wg         sync.WaitGroup
}

// New creates a bot from its options.
func New(opts Options) *Bot {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		chat:       opts.Chat,
		chatID:     opts.ChatID,
		store:      opts.Store,
		renderer:   opts.Renderer,
		reminders:  opts.Reminders,
		announcer:  opts.Announcer,
		feed:       opts.Feed,
		rule:       opts.Rule,
		offsets:    opts.Offsets,
		channelURL: opts.ChannelURL,
		logger:     logger.With("component", "bot"),
	}
}

// setupMode reports whether no target chat is configured yet. Only
// /start and /chatid are useful in this state.
func (b *Bot) setupMode() bool {
	return b.chatID == 0
}

// Run long-polls for updates until ctx is done. Each command is handled
// on its own goroutine so a slow handler never stalls the poll loop.
func (b *Bot) Run(ctx context.Context) error {
	offset := b.loadOffset()
	b.logger.Info("update loop started", "offset", offset, "setup_mode", b.setupMode())

	for {
		if ctx.Err() != nil {
			break
		}

		updates, err := b.chat.GetUpdates(ctx, offset, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			b.logger.Error("getUpdates failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			msg := u.Message
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handle(ctx, msg)
			}()
		}

		if len(updates) > 0 {
			b.saveOffset(offset)
		}
	}

	b.wg.Wait()
	b.logger.Info("update loop stopped")
	return nil
}

func (b *Bot) loadOffset() int64 {
	s, err := b.offsets.Get(journal.KeyUpdateOffset)
	if err != nil || s == "" {
		return 0
	}
	offset, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		b.logger.Warn("invalid persisted update offset", "value", s)
		return 0
	}
	return offset
}

func (b *Bot) saveOffset(offset int64) {
	if err := b.offsets.Set(journal.KeyUpdateOffset, strconv.FormatInt(offset, 10)); err != nil {
		b.logger.Warn("failed to persist update offset", "error", err)
	}
}

// handle parses and dispatches one incoming message.
func (b *Bot) handle(ctx context.Context, msg *telegram.Message) {
	fields := strings.Fields(msg.Text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return
	}
	// "/addtopic@TowncrierBot Thema" -> "/addtopic"
	cmd := strings.ToLower(strings.SplitN(fields[0], "@", 2)[0])
	args := strings.TrimSpace(strings.TrimPrefix(msg.Text, fields[0]))

	b.logger.Debug("command received", "command", cmd, "chat_id", msg.Chat.ID)

	if b.setupMode() && cmd != "/start" && cmd != "/chatid" {
		b.reply(ctx, msg.Chat.ID, setupText)
		return
	}

	switch cmd {
	case "/start":
		b.handleStart(ctx, msg)
	case "/chatid":
		b.reply(ctx, msg.Chat.ID, fmt.Sprintf("Die ID dieses Chats ist: %d", msg.Chat.ID))
	case "/status":
		b.handleStatus(ctx, msg)
	case "/nextcall":
		b.reply(ctx, msg.Chat.ID, nextCallMessage(b.rule.NextAnchor(time.Now()), b.rule.Loc, time.Now()))
	case "/topics":
		b.handleTopics(ctx, msg)
	case "/addtopic":
		b.handleAddTopic(ctx, msg, args)
	case "/setcycle":
		b.handleSetCycle(ctx, msg, args)
	case "/latestvideo":
		b.handleLatestVideo(ctx, msg)
	case "/postvideo":
		b.handlePostVideo(ctx, msg)
	}
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if err := b.chat.SendMessage(ctx, chatID, text, telegram.ModeNone, false); err != nil {
		b.logger.Error("reply failed", "chat_id", chatID, "error", err)
	}
}

// requirePrivilege replies and returns false when the sender is not a
// chat admin.
func (b *Bot) requirePrivilege(ctx context.Context, msg *telegram.Message) bool {
	if msg.From == nil {
		return false
	}
	ok, err := b.chat.IsPrivileged(ctx, msg.Chat.ID, msg.From.ID)
	if err != nil {
		b.logger.Error("privilege check failed", "user_id", msg.From.ID, "error", err)
		b.reply(ctx, msg.Chat.ID, "Berechtigungsprüfung fehlgeschlagen, versuch es später nochmal.")
		return false
	}
	if !ok {
		b.reply(ctx, msg.Chat.ID, notPrivilegedText)
	}
	return ok
}

func (b *Bot) handleStart(ctx context.Context, msg *telegram.Message) {
	text := startText
	if b.setupMode() {
		text += "\n\n" + setupText
	}
	b.reply(ctx, msg.Chat.ID, text)
}

func (b *Bot) handleStatus(ctx context.Context, msg *telegram.Message) {
	st, _ := b.store.Snapshot()

	var anchor time.Time
	var pending int
	if b.reminders != nil {
		anchor, pending = b.reminders.Status()
	}
	if anchor.IsZero() {
		anchor = b.rule.NextAnchor(time.Now())
	}

	b.reply(ctx, msg.Chat.ID, statusMessage(st.CycleNumber, len(st.Agenda), anchor, b.rule.Loc, pending))
}

func (b *Bot) handleTopics(ctx context.Context, msg *telegram.Message) {
	st, _ := b.store.Snapshot()
	if len(st.Agenda) == 0 {
		b.reply(ctx, msg.Chat.ID, agenda.NoTopicsText)
		return
	}
	b.reply(ctx, msg.Chat.ID, fmt.Sprintf("Themen für Call #%d:\n%s", st.CycleNumber, agenda.Bullets(st.Agenda)))
}

func (b *Bot) handleAddTopic(ctx context.Context, msg *telegram.Message, args string) {
	if !b.requirePrivilege(ctx, msg) {
		return
	}
	st, err := b.store.AppendTopic(args)
	if errors.Is(err, cyclestate.ErrEmptyTopic) {
		b.reply(ctx, msg.Chat.ID, "Benutzung: /addtopic <Thema>")
		return
	}
	if err != nil {
		b.logger.Error("append topic failed", "error", err)
		b.reply(ctx, msg.Chat.ID, "Das Thema konnte nicht gespeichert werden.")
		return
	}
	b.reply(ctx, msg.Chat.ID, fmt.Sprintf("Thema notiert! Damit stehen %d Themen auf der Liste für Call #%d.", len(st.Agenda), st.CycleNumber))
}

func (b *Bot) handleSetCycle(ctx context.Context, msg *telegram.Message, args string) {
	if !b.requirePrivilege(ctx, msg) {
		return
	}
	n, err := strconv.Atoi(args)
	if err != nil || n < 1 {
		b.reply(ctx, msg.Chat.ID, "Benutzung: /setcycle <Nummer ab 1>")
		return
	}
	if err := b.store.SetCycleNumber(n); err != nil {
		b.logger.Error("set cycle failed", "error", err)
		b.reply(ctx, msg.Chat.ID, "Die Call-Nummer konnte nicht gesetzt werden.")
		return
	}
	if b.reminders != nil {
		b.reminders.Rebuild(time.Now())
	}
	b.reply(ctx, msg.Chat.ID, fmt.Sprintf("Alles klar, der nächste Call ist #%d.", n))
}

func (b *Bot) handleLatestVideo(ctx context.Context, msg *telegram.Message) {
	item, err := b.feed.Latest(ctx)
	if err != nil {
		b.logger.Error("latest video lookup failed", "error", err)
		b.reply(ctx, msg.Chat.ID, "Das neueste Video konnte gerade nicht abgerufen werden.")
		return
	}
	b.reply(ctx, msg.Chat.ID, fmt.Sprintf("Neueste Aufzeichnung:\n%s\n%s", item.Title, item.URL))
}

func (b *Bot) handlePostVideo(ctx context.Context, msg *telegram.Message) {
	if !b.requirePrivilege(ctx, msg) {
		return
	}
	announced, err := b.announcer.CheckAndAnnounce(ctx)
	if err != nil {
		b.logger.Error("manual announce failed", "error", err)
		b.reply(ctx, msg.Chat.ID, "Die Prüfung auf eine neue Aufzeichnung ist fehlgeschlagen.")
		return
	}
	if !announced {
		b.reply(ctx, msg.Chat.ID, "Keine neue Aufzeichnung gefunden.")
	}
}

// HandleReminder composes and sends one reminder. Wired as the
// scheduler's fire callback.
func (b *Bot) HandleReminder(ctx context.Context, ft schedule.FireTime) {
	anchor := ft.At.Add(ft.Lead)
	st, _ := b.store.Snapshot()

	agendaText, err := b.renderer.AgendaText(ctx)
	if err != nil {
		b.logger.Error("agenda rendering failed", "error", err)
		agendaText = agenda.Bullets(st.Agenda)
	}

	msg := reminderMessage(ft.Variant, anchor, b.rule.Loc, st.CycleNumber, agendaText, b.channelURL)
	if err := b.chat.SendMessage(ctx, b.chatID, msg, telegram.ModeMarkdownV2, false); err != nil {
		b.logger.Error("reminder send failed", "variant", ft.Variant, "error", err)
	}
}
