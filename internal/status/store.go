// Package status owns the local record of world statuses and its JSON file.
package status

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

var ErrCorruptState = errors.New("status file is corrupt")

// Entry is one world and its label.
type Entry struct {
	Slug   string `json:"slug"`
	Status Label  `json:"status"`
}

// Change is published to subscribers after a mutation has been persisted.
type Change struct {
	Slug     string    `json:"slug"`
	Previous Label     `json:"previous,omitempty"`
	Status   Label     `json:"status"`
	At       time.Time `json:"at"`
}

// Store maps world slugs to labels. Every mutation is persisted before the
// lock is released, so the file never lags a successful Set.
type Store struct {
	path string

	mu      sync.Mutex
	entries map[string]Label

	subMu     sync.RWMutex
	listeners []chan Change
}

// Open loads the store at path. A missing file yields an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, entries: make(map[string]Label)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read status file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return s, nil
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	for slug, v := range raw {
		label, err := ParseLabel(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: world %q: %v", ErrCorruptState, path, slug, err)
		}
		s.entries[slug] = label
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Set stores label for slug and persists the whole mapping. On a failed write
// the previous value is restored.
func (s *Store) Set(slug string, label Label) error {
	if slug == "" {
		return errors.New("status: empty slug")
	}
	if !label.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}

	s.mu.Lock()
	prev, existed := s.entries[slug]
	s.entries[slug] = label
	if err := s.saveLocked(); err != nil {
		if existed {
			s.entries[slug] = prev
		} else {
			delete(s.entries, slug)
		}
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.publish(Change{Slug: slug, Previous: prev, Status: label, At: time.Now().UTC()})
	return nil
}

// Decide picks the label slug should hold given what the store has now. It
// runs under the store lock and must not call back into the store.
type Decide func(slug string, current Label, known bool) (Label, bool)

// Apply asks decide about each slug against the current entries and persists
// the resulting changes with one write. Entries that already hold the chosen
// label are skipped; the applied changes are returned.
func (s *Store) Apply(slugs []string, decide Decide) ([]Change, error) {
	now := time.Now().UTC()
	s.mu.Lock()
	var changes []Change
	seen := make(map[string]bool, len(slugs))
	for _, slug := range slugs {
		if slug == "" || seen[slug] {
			continue
		}
		seen[slug] = true
		prev, known := s.entries[slug]
		label, ok := decide(slug, prev, known)
		if !ok || (known && label == prev) {
			continue
		}
		if !label.Valid() {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %q=%q", ErrInvalidLabel, slug, label)
		}
		changes = append(changes, Change{Slug: slug, Previous: prev, Status: label, At: now})
	}
	if len(changes) == 0 {
		s.mu.Unlock()
		return nil, nil
	}
	for _, c := range changes {
		s.entries[c.Slug] = c.Status
	}
	if err := s.saveLocked(); err != nil {
		for _, c := range changes {
			if c.Previous == "" {
				delete(s.entries, c.Slug)
			} else {
				s.entries[c.Slug] = c.Previous
			}
		}
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	sort.Slice(changes, func(i, j int) bool { return changes[i].Slug < changes[j].Slug })
	for _, c := range changes {
		s.publish(c)
	}
	return changes, nil
}

func (s *Store) Get(slug string) (Label, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.entries[slug]
	return l, ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Snapshot returns all entries sorted by slug.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for slug, label := range s.entries {
		out = append(out, Entry{Slug: slug, Status: label})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out
}

// Report renders the numbered listing shown to operators. Empty when the
// store holds nothing.
func (s *Store) Report() string {
	var b strings.Builder
	for i, e := range s.Snapshot() {
		fmt.Fprintf(&b, "World %d: %s | Status: %s\n", i+1, e.Slug, e.Status)
	}
	return b.String()
}

// Subscribe returns a channel receiving every persisted change. Slow
// subscribers miss changes instead of blocking writers.
func (s *Store) Subscribe() chan Change {
	ch := make(chan Change, 16)
	s.subMu.Lock()
	s.listeners = append(s.listeners, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Store) Unsubscribe(ch chan Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for i, l := range s.listeners {
		if l == ch {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func (s *Store) publish(c Change) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	for _, ch := range s.listeners {
		select {
		case ch <- c:
		default:
		}
	}
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode statuses: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create status dir: %w", err)
		}
	}
	if err := renameio.WriteFile(s.path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write status file: %w", err)
	}
	return nil
}
