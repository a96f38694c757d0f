// Package cyclestate persists the call-cycle document: the cycle
// counter, the agenda for the upcoming call, the cached agenda text,
// and the dedup marker for the last announced recording.
//
// The document is a single YAML file so operators can read and
// hand-edit it between runs (bumping cycle_number after a skipped
// week is the expected case). It is the only state that survives a
// restart. All mutating methods serialize on one mutex; a read-modify-
// write outside the store would risk an agenda append racing a cycle
// advance.
package cyclestate

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// ErrEmptyTopic rejects blank agenda entries.
	ErrEmptyTopic = errors.New("topic text is empty")

	// ErrInvalidCycleNumber rejects non-positive cycle overrides.
	ErrInvalidCycleNumber = errors.New("cycle number must be positive")
)

// State is the persisted cycle document. One instance per deployment.
type State struct {
	// CycleNumber counts call cycles, starting at 1. The advance
	// workflow only ever increments it; /setcycle may set it freely.
	CycleNumber int `yaml:"cycle_number"`

	// Agenda holds topic strings in insertion order. Cleared on advance.
	Agenda []string `yaml:"agenda,omitempty"`

	// AgendaText caches the assistant-written rendering of Agenda.
	// Present only while it matches the current Agenda and CycleNumber.
	AgendaText string `yaml:"agenda_text,omitempty"`

	// LastVideoID is the dedup marker: the id of the most recently
	// announced recording. Empty until the first announcement.
	LastVideoID string `yaml:"last_video_id,omitempty"`
}

// Store owns the cycle document. The zero document is created lazily on
// first access if the file is missing or unreadable.
type Store struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	loaded bool
	state  State
	rev    uint64 // bumped on every mutation that can invalidate AgendaText
}

// NewStore creates a store persisting to path. Nothing is read until
// the first access.
func NewStore(path string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:   path,
		logger: logger.With("component", "cyclestate"),
	}
}

// bootstrap is the state used when no document exists yet.
func bootstrap() State {
	return State{CycleNumber: 1}
}

// loadLocked reads the document from disk once. A missing file means
// first run; a malformed file is logged and replaced by bootstrap
// defaults — losing a counter is less harmful than refusing to run.
func (s *Store) loadLocked() {
	if s.loaded {
		return
	}
	s.loaded = true
	s.state = bootstrap()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("state file unreadable, using defaults", "path", s.path, "error", err)
		}
		return
	}

	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		s.logger.Warn("state file malformed, using defaults", "path", s.path, "error", err)
		return
	}

	// Tolerate hand edits: normalize out-of-range counters instead of
	// refusing the document.
	if st.CycleNumber < 1 {
		s.logger.Warn("state file has non-positive cycle_number, normalizing to 1",
			"value", st.CycleNumber)
		st.CycleNumber = 1
	}
	s.state = st
}

// saveLocked replaces the whole document on disk. The write goes to a
// temp file which is synced and renamed into place, so a crash leaves
// either the old or the new document, never a torn one.
func (s *Store) saveLocked() error {
	data, err := yaml.Marshal(s.state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".cyclestate-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the current state and a revision token.
// The token identifies the agenda generation: pass it to SetAgendaText
// to populate the cache only if no mutation happened in between.
func (s *Store) Snapshot() (State, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	st := s.state
	st.Agenda = append([]string(nil), s.state.Agenda...)
	return st, s.rev
}

// AppendTopic adds a topic to the agenda and invalidates the cached
// agenda text in the same critical section.
func (s *Store) AppendTopic(text string) (State, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return State{}, ErrEmptyTopic
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	prev := s.state
	s.state.Agenda = append(append([]string(nil), s.state.Agenda...), text)
	s.state.AgendaText = ""
	s.rev++

	if err := s.saveLocked(); err != nil {
		s.state = prev
		return State{}, err
	}

	st := s.state
	st.Agenda = append([]string(nil), s.state.Agenda...)
	return st, nil
}

// SetCycleNumber applies a manual counter override. The cached agenda
// text is tied to the counter it was written for, so it is cleared.
func (s *Store) SetCycleNumber(n int) error {
	if n < 1 {
		return ErrInvalidCycleNumber
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	prev := s.state
	s.state.CycleNumber = n
	s.state.AgendaText = ""
	s.rev++

	if err := s.saveLocked(); err != nil {
		s.state = prev
		return err
	}
	return nil
}

// SetAgendaText stores assistant-written agenda text, but only if rev
// still matches the current agenda generation. A stale token means the
// agenda (or counter) changed while the assistant call was in flight;
// the result is discarded and false is returned.
func (s *Store) SetAgendaText(rev uint64, text string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	if rev != s.rev {
		return false, nil
	}

	prev := s.state
	s.state.AgendaText = text
	if err := s.saveLocked(); err != nil {
		s.state = prev
		return false, err
	}
	return true, nil
}

// AdvanceCycle closes out the current cycle as one indivisible unit:
// increment the counter, clear the agenda and its cached text, and
// record the announced recording id as the new dedup marker.
func (s *Store) AdvanceCycle(videoID string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loadLocked()

	prev := s.state
	s.state.CycleNumber++
	s.state.Agenda = nil
	s.state.AgendaText = ""
	s.state.LastVideoID = videoID
	s.rev++

	if err := s.saveLocked(); err != nil {
		s.state = prev
		return State{}, err
	}

	s.logger.Info("cycle advanced",
		"cycle", s.state.CycleNumber,
		"video_id", videoID,
	)
	return s.state, nil
}
