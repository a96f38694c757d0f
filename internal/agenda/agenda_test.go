package agenda

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/towncrier-bot/towncrier/internal/cyclestate"
)

type fakeRewriter struct {
	calls  atomic.Int64
	out    string
	err    error
	during func() // runs while the rewrite is "in flight"

	mu      sync.Mutex
	gotText string
	gotHint string
}

func (f *fakeRewriter) Rewrite(_ context.Context, text, hint string) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.gotText = text
	f.gotHint = hint
	f.mu.Unlock()
	if f.during != nil {
		f.during()
	}
	if f.err != nil {
		return "", f.err
	}
	if f.out != "" {
		return f.out, nil
	}
	return "umformuliert: " + text, nil
}

func newTestStore(t *testing.T) *cyclestate.Store {
	t.Helper()
	return cyclestate.NewStore(filepath.Join(t.TempDir(), "state.yaml"), nil)
}

func TestAgendaText_Empty(t *testing.T) {
	store := newTestStore(t)
	rw := &fakeRewriter{}
	r := NewRenderer(store, rw, time.Second, nil)

	got, err := r.AgendaText(context.Background())
	if err != nil {
		t.Fatalf("AgendaText() error: %v", err)
	}
	if got != NoTopicsText {
		t.Errorf("AgendaText() = %q, want no-topics text", got)
	}
	if rw.calls.Load() != 0 {
		t.Error("rewriter called for empty agenda")
	}

	// The sentinel is never cached.
	st, _ := store.Snapshot()
	if st.AgendaText != "" {
		t.Errorf("AgendaText cached = %q, want empty", st.AgendaText)
	}
}

func TestAgendaText_RewritesAndCaches(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.AppendTopic("Firmware"); err != nil {
		t.Fatal(err)
	}
	rw := &fakeRewriter{out: "Diese Woche: Firmware!"}
	r := NewRenderer(store, rw, time.Second, nil)

	got, err := r.AgendaText(context.Background())
	if err != nil {
		t.Fatalf("AgendaText() error: %v", err)
	}
	if got != "Diese Woche: Firmware!" {
		t.Errorf("AgendaText() = %q", got)
	}

	// Second call served from the cache.
	got2, err := r.AgendaText(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got2 != got {
		t.Errorf("cached AgendaText() = %q, want %q", got2, got)
	}
	if rw.calls.Load() != 1 {
		t.Errorf("rewriter calls = %d, want 1", rw.calls.Load())
	}
}

func TestAgendaText_HintCarriesCycleNumber(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetCycleNumber(42); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendTopic("Thema"); err != nil {
		t.Fatal(err)
	}
	rw := &fakeRewriter{out: "Text"}
	r := NewRenderer(store, rw, time.Second, nil)

	if _, err := r.AgendaText(context.Background()); err != nil {
		t.Fatalf("AgendaText() error: %v", err)
	}

	rw.mu.Lock()
	hint, text := rw.gotHint, rw.gotText
	rw.mu.Unlock()
	if !strings.Contains(hint, "42") {
		t.Errorf("hint = %q, want current cycle number as context", hint)
	}
	if text != "• Thema" {
		t.Errorf("text = %q, want raw topic list", text)
	}
}

func TestAgendaText_FallbackOnError(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.AppendTopic("Thema A"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AppendTopic("Thema B"); err != nil {
		t.Fatal(err)
	}
	rw := &fakeRewriter{err: errors.New("api down")}
	r := NewRenderer(store, rw, time.Second, nil)

	got, err := r.AgendaText(context.Background())
	if err != nil {
		t.Fatalf("AgendaText() error: %v", err)
	}
	if !strings.Contains(got, "• Thema A") || !strings.Contains(got, "• Thema B") {
		t.Errorf("AgendaText() = %q, want bullet fallback", got)
	}

	// Fallback output must not poison the cache.
	st, _ := store.Snapshot()
	if st.AgendaText != "" {
		t.Errorf("fallback was cached: %q", st.AgendaText)
	}
}

func TestAgendaText_MidFlightChangeNotCached(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.AppendTopic("ursprünglich"); err != nil {
		t.Fatal(err)
	}

	rw := &fakeRewriter{out: "veralteter Text"}
	rw.during = func() {
		if _, err := store.AppendTopic("dazwischen"); err != nil {
			t.Errorf("AppendTopic() error: %v", err)
		}
	}
	r := NewRenderer(store, rw, time.Second, nil)

	if _, err := r.AgendaText(context.Background()); err != nil {
		t.Fatalf("AgendaText() error: %v", err)
	}

	st, _ := store.Snapshot()
	if st.AgendaText != "" {
		t.Errorf("stale rendering cached: %q", st.AgendaText)
	}
}

func TestAgendaText_NilRewriter(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.AppendTopic("ohne Assistent"); err != nil {
		t.Fatal(err)
	}
	r := NewRenderer(store, nil, time.Second, nil)

	got, err := r.AgendaText(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got != "• ohne Assistent" {
		t.Errorf("AgendaText() = %q", got)
	}
}

func TestBullets(t *testing.T) {
	got := Bullets([]string{"eins", "zwei"})
	want := "• eins\n• zwei"
	if got != want {
		t.Errorf("Bullets() = %q, want %q", got, want)
	}
}
