package announce

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
	"github.com/towncrier-bot/towncrier/internal/feed"
	"github.com/towncrier-bot/towncrier/internal/journal"
	"github.com/towncrier-bot/towncrier/internal/telegram"
)

type fakeSource struct {
	mu   sync.Mutex
	item *feed.Item
	err  error
}

func (f *fakeSource) Latest(context.Context) (*feed.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.item, nil
}

type fakeSender struct {
	mu       sync.Mutex
	sends    []string
	previews []bool
	err      error
}

func (f *fakeSender) SendMessage(_ context.Context, _ int64, text string, _ telegram.ParseMode, linkPreview bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sends = append(f.sends, text)
	f.previews = append(f.previews, linkPreview)
	return nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

type memMarker struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemMarker() *memMarker { return &memMarker{m: make(map[string]string)} }

func (mm *memMarker) Get(key string) (string, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return mm.m[key], nil
}

func (mm *memMarker) Set(key, value string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.m[key] = value
	return nil
}

func (mm *memMarker) Delete(key string) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	delete(mm.m, key)
	return nil
}

func newTestStore(t *testing.T) *cyclestate.Store {
	t.Helper()
	return cyclestate.NewStore(filepath.Join(t.TempDir(), "state.yaml"), nil)
}

func testItem(id string) *feed.Item {
	return &feed.Item{
		ID:        id,
		Title:     "Builder Call Aufzeichnung",
		URL:       "https://www.youtube.com/watch?v=" + id,
		Published: time.Now(),
	}
}

func TestCheckAndAnnounce_NewRecording(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetCycleNumber(9); err != nil {
		t.Fatal(err)
	}
	sender := &fakeSender{}
	var advanced atomic.Int64
	w := NewWorkflow(store, &fakeSource{item: testItem("vid-new")}, sender, newMemMarker(), -100,
		func() { advanced.Add(1) }, nil)

	announced, err := w.CheckAndAnnounce(context.Background())
	if err != nil {
		t.Fatalf("CheckAndAnnounce() error: %v", err)
	}
	if !announced {
		t.Fatal("announced = false, want true")
	}

	sends := sender.sent()
	if len(sends) != 1 {
		t.Fatalf("sends = %d, want 1", len(sends))
	}
	// The announcement names the cycle that just ended.
	if !strings.Contains(sends[0], "#9") {
		t.Errorf("announcement = %q, want closing cycle number 9", sends[0])
	}
	// The recording link should unfurl.
	sender.mu.Lock()
	preview := sender.previews[0]
	sender.mu.Unlock()
	if !preview {
		t.Error("announcement sent without link preview")
	}

	st, _ := store.Snapshot()
	if st.CycleNumber != 10 {
		t.Errorf("CycleNumber = %d, want 10", st.CycleNumber)
	}
	if st.LastVideoID != "vid-new" {
		t.Errorf("LastVideoID = %q", st.LastVideoID)
	}
	if advanced.Load() != 1 {
		t.Errorf("onAdvanced calls = %d, want 1", advanced.Load())
	}
}

func TestCheckAndAnnounce_RepeatIsNoop(t *testing.T) {
	store := newTestStore(t)
	sender := &fakeSender{}
	src := &fakeSource{item: testItem("vid-1")}
	w := NewWorkflow(store, src, sender, newMemMarker(), -100, nil, nil)

	if _, err := w.CheckAndAnnounce(context.Background()); err != nil {
		t.Fatal(err)
	}
	announced, err := w.CheckAndAnnounce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if announced {
		t.Error("second check announced the same recording")
	}
	if len(sender.sent()) != 1 {
		t.Errorf("sends = %d, want 1", len(sender.sent()))
	}
	st, _ := store.Snapshot()
	if st.CycleNumber != 2 {
		t.Errorf("CycleNumber = %d, want a single advance", st.CycleNumber)
	}
}

func TestCheckAndAnnounce_ConcurrentTriggers(t *testing.T) {
	store := newTestStore(t)
	sender := &fakeSender{}
	w := NewWorkflow(store, &fakeSource{item: testItem("vid-race")}, sender, newMemMarker(), -100, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.CheckAndAnnounce(context.Background()); err != nil {
				t.Errorf("CheckAndAnnounce() error: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(sender.sent()); n != 1 {
		t.Errorf("sends = %d, want exactly 1", n)
	}
	st, _ := store.Snapshot()
	if st.CycleNumber != 2 {
		t.Errorf("CycleNumber = %d, want exactly one advance", st.CycleNumber)
	}
}

func TestCheckAndAnnounce_FeedErrorNoMutation(t *testing.T) {
	store := newTestStore(t)
	sender := &fakeSender{}
	w := NewWorkflow(store, &fakeSource{err: errors.New("feed down")}, sender, newMemMarker(), -100, nil, nil)

	if _, err := w.CheckAndAnnounce(context.Background()); err == nil {
		t.Error("expected feed error")
	}
	if len(sender.sent()) != 0 {
		t.Error("message sent despite feed failure")
	}
	st, _ := store.Snapshot()
	if st.CycleNumber != 1 || st.LastVideoID != "" {
		t.Errorf("state mutated: %+v", st)
	}
}

func TestCheckAndAnnounce_EmptyFeedIsNoop(t *testing.T) {
	store := newTestStore(t)
	w := NewWorkflow(store, &fakeSource{err: feed.ErrEmptyFeed}, &fakeSender{}, newMemMarker(), -100, nil, nil)

	announced, err := w.CheckAndAnnounce(context.Background())
	if err != nil {
		t.Fatalf("empty feed should not be an error: %v", err)
	}
	if announced {
		t.Error("announced = true for empty feed")
	}
}

func TestCheckAndAnnounce_SendErrorNoAdvance(t *testing.T) {
	store := newTestStore(t)
	marker := newMemMarker()
	w := NewWorkflow(store, &fakeSource{item: testItem("vid-x")}, &fakeSender{err: errors.New("telegram down")}, marker, -100, nil, nil)

	if _, err := w.CheckAndAnnounce(context.Background()); err == nil {
		t.Error("expected send error")
	}
	st, _ := store.Snapshot()
	if st.CycleNumber != 1 || st.LastVideoID != "" {
		t.Errorf("state mutated after failed send: %+v", st)
	}
	if v, _ := marker.Get(journal.KeyAnnouncedVideo); v != "" {
		t.Errorf("marker set after failed send: %q", v)
	}
}

func TestRecover_CompletesInterruptedAdvance(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetCycleNumber(5); err != nil {
		t.Fatal(err)
	}
	marker := newMemMarker()
	// Crash window: announcement went out, cycle document never saved.
	if err := marker.Set(journal.KeyAnnouncedVideo, "vid-crash"); err != nil {
		t.Fatal(err)
	}
	sender := &fakeSender{}
	w := NewWorkflow(store, &fakeSource{item: testItem("vid-crash")}, sender, marker, -100, nil, nil)

	if err := w.Recover(); err != nil {
		t.Fatalf("Recover() error: %v", err)
	}

	st, _ := store.Snapshot()
	if st.CycleNumber != 6 || st.LastVideoID != "vid-crash" {
		t.Errorf("state after recover = %+v", st)
	}
	if len(sender.sent()) != 0 {
		t.Error("recover must never send a message")
	}
	if v, _ := marker.Get(journal.KeyAnnouncedVideo); v != "" {
		t.Error("marker not cleared after recover")
	}

	// The poller finding the same recording afterwards is a no-op.
	announced, err := w.CheckAndAnnounce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if announced {
		t.Error("recording re-announced after recovery")
	}
}

func TestRecover_MarkerMatchingStateJustClears(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.AdvanceCycle("vid-done"); err != nil {
		t.Fatal(err)
	}
	marker := newMemMarker()
	if err := marker.Set(journal.KeyAnnouncedVideo, "vid-done"); err != nil {
		t.Fatal(err)
	}
	w := NewWorkflow(store, &fakeSource{}, &fakeSender{}, marker, -100, nil, nil)

	if err := w.Recover(); err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
	st, _ := store.Snapshot()
	if st.CycleNumber != 2 {
		t.Errorf("CycleNumber = %d, want unchanged 2", st.CycleNumber)
	}
	if v, _ := marker.Get(journal.KeyAnnouncedVideo); v != "" {
		t.Error("marker not cleared")
	}
}

func TestRecover_NoMarkerIsNoop(t *testing.T) {
	store := newTestStore(t)
	w := NewWorkflow(store, &fakeSource{}, &fakeSender{}, newMemMarker(), -100, nil, nil)
	if err := w.Recover(); err != nil {
		t.Fatalf("Recover() error: %v", err)
	}
}
