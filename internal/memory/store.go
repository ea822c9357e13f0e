// Package memory implements the persisted key-value state service. All access
// goes through bus events; other services never touch the store directly.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/cantina-labs/cantinaos/internal/events"
)

// DefaultPersistDebounce batches rapid changes into a single disk write.
const DefaultPersistDebounce = 500 * time.Millisecond

// Store is the in-memory state record with debounced atomic persistence.
// Values must be JSON-serializable; they round-trip through the state file
// across restarts.
type Store struct {
	path     string
	debounce time.Duration
	log      *slog.Logger

	mu    sync.Mutex
	data  map[events.MemoryKey]any
	timer *time.Timer
}

// NewStore creates a store persisting to path. A zero debounce uses
// [DefaultPersistDebounce]; a negative one writes immediately on change.
func NewStore(path string, debounce time.Duration, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	if debounce == 0 {
		debounce = DefaultPersistDebounce
	}
	return &Store{
		path:     path,
		debounce: debounce,
		log:      log,
		data:     make(map[events.MemoryKey]any),
	}
}

// Load reads the state file if present and returns the loaded keys. A missing
// file is not an error; a corrupt one is reported and treated as empty rather
// than clobbering the in-memory state.
func (s *Store) Load() (map[events.MemoryKey]any, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: read %q: %w", s.path, err)
	}

	loaded := make(map[events.MemoryKey]any)
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("memory: parse %q: %w", s.path, err)
	}

	s.mu.Lock()
	for k, v := range loaded {
		s.data[k] = v
	}
	s.mu.Unlock()
	return loaded, nil
}

// Get returns the value for key and whether it is present.
func (s *Store) Get(key events.MemoryKey) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Set writes key and returns the previous value. The change is persisted
// after the debounce interval.
func (s *Store) Set(key events.MemoryKey, value any) (previous any) {
	s.mu.Lock()
	previous = s.data[key]
	s.data[key] = value
	s.schedulePersistLocked()
	s.mu.Unlock()
	return previous
}

// Append treats key as a list and appends value, returning the new list.
func (s *Store) Append(key events.MemoryKey, value any) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, _ := s.data[key].([]any)
	list = append(list, value)
	s.data[key] = list
	s.schedulePersistLocked()
	return list
}

// schedulePersistLocked arms the debounce timer. Changes arriving while the
// timer runs ride along with the pending write.
func (s *Store) schedulePersistLocked() {
	if s.debounce < 0 {
		go s.persist()
		return
	}
	if s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.debounce, s.persist)
}

// Flush writes any pending change immediately. Called on service stop so a
// debounced write is never lost to shutdown.
func (s *Store) Flush() {
	s.mu.Lock()
	pending := s.timer != nil
	if pending {
		s.timer.Stop()
	}
	s.mu.Unlock()
	if pending {
		s.persist()
	}
}

// persist writes the full state atomically (write-temp + rename).
func (s *Store) persist() {
	s.mu.Lock()
	s.timer = nil
	raw, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.Unlock()
	if err != nil {
		s.log.Error("memory state not serializable", "err", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.log.Error("memory persist failed", "path", s.path, "err", err)
		return
	}
	if err := renameio.WriteFile(s.path, raw, 0o644); err != nil {
		s.log.Error("memory persist failed", "path", s.path, "err", err)
		return
	}
	s.log.Debug("memory state persisted", "path", s.path, "bytes", len(raw))
}
