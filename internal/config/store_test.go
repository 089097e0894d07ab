package config

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStoreSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.ProjectDir = "/one"
	store := NewStore(cfg, "")

	snap := store.Snapshot()
	cfg.ProjectDir = "/mutated-after"

	next := Default()
	next.ProjectDir = "/two"
	store.Replace(next)

	require.Equal(t, "/one", snap.ProjectDir)
	require.Equal(t, "/two", store.Snapshot().ProjectDir)
}

func TestStoreReload(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "project_dir: /a\n")

	store, err := OpenStore(path)
	require.NoError(t, err)
	require.Equal(t, "/a", store.Snapshot().ProjectDir)

	writeConfig(t, path, "project_dir: /b\n")
	require.NoError(t, store.Reload())
	require.Equal(t, "/b", store.Snapshot().ProjectDir)

	writeConfig(t, path, "port: 0\n")
	require.Error(t, store.Reload())
	require.Equal(t, "/b", store.Snapshot().ProjectDir, "invalid file keeps previous settings")
}

func TestStoreReloadWithoutPath(t *testing.T) {
	t.Parallel()

	require.Error(t, NewStore(Default(), "").Reload())
}

func TestStoreConcurrentSnapshots(t *testing.T) {
	t.Parallel()

	store := NewStore(Default(), "")
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = store.Snapshot().ProjectDir
			}
		}()
		go func(n int) {
			defer wg.Done()
			cfg := Default()
			cfg.ProjectDir = filepath.Join("/p", string(rune('a'+n)))
			for j := 0; j < 200; j++ {
				store.Replace(cfg)
			}
		}(i)
	}
	wg.Wait()
}

func TestStoreWatchPicksUpChanges(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "project_dir: /before\n")
	store, err := OpenStore(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx, nil) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, path, "project_dir: /after\n")

	require.Eventually(t, func() bool {
		return store.Snapshot().ProjectDir == "/after"
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
