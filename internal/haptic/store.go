package haptic

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Compile-time interface check.
var _ Settings = (*FileStore)(nil)

// Record is the on-disk form of the feedback settings.
type Record struct {
	HapticsEnabled bool      `json:"haptics_enabled"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// FileStore keeps the haptics preference in memory for lock-free reads and,
// when a path is set, persists every change as a small JSON document.
// Thread-safe for concurrent use.
type FileStore struct {
	enabled atomic.Bool

	mu   sync.Mutex
	path string
}

// NewFileStore creates a store seeded with def. When path is non-empty and
// the file exists, its value overrides def.
func NewFileStore(path string, def bool) (*FileStore, error) {
	s := &FileStore{path: path}
	s.enabled.Store(def)
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("haptic: read settings: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("haptic: parse settings %q: %w", path, err)
	}
	s.enabled.Store(rec.HapticsEnabled)
	return s, nil
}

// HapticFeedbackEnabled implements [Settings].
func (s *FileStore) HapticFeedbackEnabled() bool {
	return s.enabled.Load()
}

// SetHapticFeedbackEnabled changes the preference and persists it. The
// in-memory value changes even when persisting fails.
func (s *FileStore) SetHapticFeedbackEnabled(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.enabled.Store(on)
	if s.path == "" {
		return nil
	}

	data, err := json.Marshal(Record{HapticsEnabled: on, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("haptic: marshal: %w", err)
	}
	data = append(data, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("haptic: write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("haptic: replace settings: %w", err)
	}
	return nil
}
