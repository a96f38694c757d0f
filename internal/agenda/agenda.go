// Package agenda renders the current topic list into announcement
// prose, caching the rendering in the cycle document so repeated
// reminders within one cycle do not repeat the assistant call.
package agenda

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/towncrier-bot/towncrier/internal/cyclestate"
	"github.com/towncrier-bot/towncrier/internal/llm"
)

// NoTopicsText is returned when the agenda is empty. It is never
// written to the cache so a first topic immediately changes the output.
const NoTopicsText = "Bisher wurden noch keine Themen eingereicht. Schlag gerne eins vor!"

const rewriteHint = "Formuliere die folgende Themenliste als kurze Vorschau für Call #%d:"

// Renderer produces the agenda text for reminders and status replies.
type Renderer struct {
	store    *cyclestate.Store
	rewriter llm.Rewriter
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRenderer creates a renderer. rewriter may be nil, in which case
// the plain bullet list is always used.
func NewRenderer(store *cyclestate.Store, rewriter llm.Rewriter, timeout time.Duration, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Renderer{
		store:    store,
		rewriter: rewriter,
		timeout:  timeout,
		logger:   logger.With("component", "agenda"),
	}
}

// AgendaText returns the rendered agenda for the current cycle. The
// cached rendering wins when present; otherwise the topic list is
// rewritten and the result cached against the revision observed before
// the call, so a topic added mid-flight invalidates the attempt. Any
// rewrite failure falls back to the raw bullet list, uncached.
func (r *Renderer) AgendaText(ctx context.Context) (string, error) {
	st, rev := r.store.Snapshot()
	if st.AgendaText != "" {
		return st.AgendaText, nil
	}
	if len(st.Agenda) == 0 {
		return NoTopicsText, nil
	}

	bullets := Bullets(st.Agenda)
	if r.rewriter == nil {
		return bullets, nil
	}

	rctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	text, err := r.rewriter.Rewrite(rctx, bullets, fmt.Sprintf(rewriteHint, st.CycleNumber))
	if err != nil {
		r.logger.Warn("agenda rewrite failed, using plain list", "error", err)
		return bullets, nil
	}

	cached, err := r.store.SetAgendaText(rev, text)
	if err != nil {
		return "", err
	}
	if !cached {
		r.logger.Debug("agenda changed during rewrite, rendering not cached")
	}
	return text, nil
}

// Bullets formats topics as a plain bullet list, one per line.
func Bullets(topics []string) string {
	var sb strings.Builder
	for i, topic := range topics {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("• ")
		sb.WriteString(topic)
	}
	return sb.String()
}
