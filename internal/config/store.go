package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"phobos.org.uk/relay/internal/logging"
)

// reloadDebounce coalesces the burst of events an editor save produces.
const reloadDebounce = 200 * time.Millisecond

// Store holds the current settings. Readers take a Snapshot, a value copy
// that later reloads do not touch.
type Store struct {
	path string

	mu  sync.RWMutex
	cfg Config
}

// NewStore wraps an already loaded config. path may be empty for a store
// that is never reloaded.
func NewStore(cfg *Config, path string) *Store {
	return &Store{path: path, cfg: *cfg}
}

// OpenStore loads path (or defaults, if it does not exist) into a Store.
func OpenStore(path string) (*Store, error) {
	cfg, err := LoadOrDefault(path)
	if err != nil {
		return nil, err
	}
	return NewStore(cfg, path), nil
}

// Path returns the settings file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Snapshot returns a copy of the current settings.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Replace swaps in new settings.
func (s *Store) Replace(cfg *Config) {
	s.mu.Lock()
	s.cfg = *cfg
	s.mu.Unlock()
}

// Reload re-reads the settings file. On error the current settings stay.
func (s *Store) Reload() error {
	if s.path == "" {
		return fmt.Errorf("store has no settings file")
	}
	cfg, err := LoadOrDefault(s.path)
	if err != nil {
		return err
	}
	s.Replace(cfg)
	return nil
}

// Watch reloads the settings whenever the file changes, until ctx is done.
// The parent directory is watched so editors that replace the file on save
// are picked up.
func (s *Store) Watch(ctx context.Context, log *logging.Logger) error {
	if s.path == "" {
		return fmt.Errorf("store has no settings file")
	}
	if log == nil {
		log = logging.Discard()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	target := filepath.Clean(s.path)
	dir := filepath.Dir(target)
	if err := fsw.Add(dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}

	debounce := time.NewTimer(reloadDebounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(reloadDebounce)

		case <-debounce.C:
			if err := s.Reload(); err != nil {
				log.Warn("settings reload failed, keeping previous settings", map[string]any{"path": s.path, "error": err.Error()})
				continue
			}
			log.Info("settings reloaded", map[string]any{"path": s.path})

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn("settings watcher error", map[string]any{"error": err.Error()})
		}
	}
}
