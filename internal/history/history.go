// Package history persists a record of each finished invocation, with the
// captured stderr kept for the most recent failures.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
	"unicode/utf8"
)

// ErrNotFound is returned when no record exists for an ID.
var ErrNotFound = errors.New("not found in history")

// Store keeps invocation records as one JSON file per response.
type Store struct {
	dir string

	mu      sync.RWMutex
	entries map[string]*Entry // keyed by response ID
}

// Entry is the record of one finished invocation.
type Entry struct {
	ResponseID      string      `json:"response_id"`
	Provider        string      `json:"provider"`
	Mode            string      `json:"mode"`  // stream, oneshot
	State           string      `json:"state"` // completed, failed, timed_out
	Prompt          string      `json:"prompt"`
	PromptPreview   string      `json:"prompt_preview"`
	WorkDir         string      `json:"work_dir,omitempty"`
	Attempts        int         `json:"attempts"`
	UsedFallback    bool        `json:"used_fallback"`
	StartedAt       time.Time   `json:"started_at"`
	CompletedAt     time.Time   `json:"completed_at"`
	DurationSeconds float64     `json:"duration_seconds"`
	ExitCode        *int        `json:"exit_code,omitempty"`
	Output          string      `json:"output,omitempty"`
	OutputPreview   string      `json:"output_preview,omitempty"`
	Error           *EntryError `json:"error,omitempty"`
	HasStderr       bool        `json:"has_stderr"`
}

// EntryError captures error details.
type EntryError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ListOptions controls filtering and pagination for List.
type ListOptions struct {
	Page     int // 1-indexed
	Limit    int // max 100
	Provider string
	State    string
}

// ListResult contains paginated history entries.
type ListResult struct {
	Entries    []EntrySummary `json:"entries"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	Total      int            `json:"total"`
	TotalPages int            `json:"total_pages"`
}

// EntrySummary is Entry without the prompt and output bodies.
type EntrySummary struct {
	ResponseID      string      `json:"response_id"`
	Provider        string      `json:"provider"`
	Mode            string      `json:"mode"`
	State           string      `json:"state"`
	PromptPreview   string      `json:"prompt_preview"`
	Attempts        int         `json:"attempts"`
	UsedFallback    bool        `json:"used_fallback"`
	CompletedAt     time.Time   `json:"completed_at"`
	DurationSeconds float64     `json:"duration_seconds"`
	ExitCode        *int        `json:"exit_code,omitempty"`
	Error           *EntryError `json:"error,omitempty"`
	HasStderr       bool        `json:"has_stderr"`
}

// Retention limits
const (
	MaxEntries       = 200
	MaxStderrEntries = 20
	PreviewLength    = 200
)

// NewStore opens (creating if needed) a history directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	s := &Store{dir: dir, entries: make(map[string]*Entry)}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	return s, nil
}

// Save records an invocation and prunes past the retention limits.
func (s *Store) Save(entry *Entry) error {
	if entry.ResponseID == "" {
		return fmt.Errorf("history entry has no response id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry.PromptPreview = preview(entry.Prompt)
	entry.OutputPreview = preview(entry.Output)
	if !entry.StartedAt.IsZero() && !entry.CompletedAt.IsZero() {
		entry.DurationSeconds = entry.CompletedAt.Sub(entry.StartedAt).Seconds()
	}
	if _, err := os.Stat(s.stderrPath(entry.ResponseID)); err == nil {
		entry.HasStderr = true
	}

	if err := writeJSON(s.entryPath(entry.ResponseID), entry); err != nil {
		return fmt.Errorf("saving entry: %w", err)
	}
	s.entries[entry.ResponseID] = entry
	s.pruneUnlocked()
	return nil
}

// SaveStderr stores the stderr captured for a response.
func (s *Store) SaveStderr(responseID string, stderr []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.stderrPath(responseID), stderr, 0o644); err != nil {
		return fmt.Errorf("saving stderr: %w", err)
	}
	if entry, ok := s.entries[responseID]; ok && !entry.HasStderr {
		entry.HasStderr = true
		if err := writeJSON(s.entryPath(responseID), entry); err != nil {
			return fmt.Errorf("updating entry: %w", err)
		}
	}
	return nil
}

// Get retrieves a record by response ID.
func (s *Store) Get(responseID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[responseID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", responseID, ErrNotFound)
	}
	cp := *entry
	return &cp, nil
}

// GetStderr returns the stderr stored for a response.
func (s *Store) GetStderr(responseID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.stderrPath(responseID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("stderr for %s: %w", responseID, ErrNotFound)
		}
		return nil, fmt.Errorf("reading stderr: %w", err)
	}
	return data, nil
}

// List returns records newest first.
func (s *Store) List(opts ListOptions) ListResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.Limit < 1 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}

	var matched []*Entry
	for _, e := range s.newestFirstUnlocked() {
		if opts.Provider != "" && e.Provider != opts.Provider {
			continue
		}
		if opts.State != "" && e.State != opts.State {
			continue
		}
		matched = append(matched, e)
	}

	total := len(matched)
	start := min((opts.Page-1)*opts.Limit, total)
	end := min(start+opts.Limit, total)

	entries := make([]EntrySummary, 0, end-start)
	for _, e := range matched[start:end] {
		entries = append(entries, e.summary())
	}

	return ListResult{
		Entries:    entries,
		Page:       opts.Page,
		Limit:      opts.Limit,
		Total:      total,
		TotalPages: (total + opts.Limit - 1) / opts.Limit,
	}
}

func (e *Entry) summary() EntrySummary {
	return EntrySummary{
		ResponseID:      e.ResponseID,
		Provider:        e.Provider,
		Mode:            e.Mode,
		State:           e.State,
		PromptPreview:   e.PromptPreview,
		Attempts:        e.Attempts,
		UsedFallback:    e.UsedFallback,
		CompletedAt:     e.CompletedAt,
		DurationSeconds: e.DurationSeconds,
		ExitCode:        e.ExitCode,
		Error:           e.Error,
		HasStderr:       e.HasStderr,
	}
}

func (s *Store) load() error {
	files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return err
	}

	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil || entry.ResponseID == "" {
			continue
		}
		_, statErr := os.Stat(s.stderrPath(entry.ResponseID))
		entry.HasStderr = statErr == nil
		s.entries[entry.ResponseID] = &entry
	}
	return nil
}

func (s *Store) newestFirstUnlocked() []*Entry {
	sorted := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		sorted = append(sorted, e)
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CompletedAt.After(sorted[j].CompletedAt)
	})
	return sorted
}

// pruneUnlocked drops records past MaxEntries and stderr captures past
// MaxStderrEntries. Caller holds the write lock.
func (s *Store) pruneUnlocked() {
	sorted := s.newestFirstUnlocked()

	if len(sorted) > MaxEntries {
		for _, e := range sorted[MaxEntries:] {
			os.Remove(s.entryPath(e.ResponseID))
			os.Remove(s.stderrPath(e.ResponseID))
			delete(s.entries, e.ResponseID)
		}
		sorted = sorted[:MaxEntries]
	}

	for i := MaxStderrEntries; i < len(sorted); i++ {
		e := sorted[i]
		if !e.HasStderr {
			continue
		}
		os.Remove(s.stderrPath(e.ResponseID))
		e.HasStderr = false
		writeJSON(s.entryPath(e.ResponseID), e)
	}
}

func (s *Store) entryPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *Store) stderrPath(id string) string {
	return filepath.Join(s.dir, id+".stderr.log")
}

// preview cuts s to PreviewLength bytes without splitting a rune.
func preview(s string) string {
	if len(s) <= PreviewLength {
		return s
	}
	cut := PreviewLength
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
