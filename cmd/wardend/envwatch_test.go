package main

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wardenhq/warden/internal/store"
)

type fakeRestarter struct {
	mu   sync.Mutex
	keys []string
}

func (r *fakeRestarter) RestartGroup(_ context.Context, groupKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, groupKey)
	return nil
}

func (r *fakeRestarter) restarted(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.keys {
		if k == key {
			return true
		}
	}
	return false
}

func newEnvWatchFixture(t *testing.T) (string, *store.Store, *fakeRestarter, *envWatcher) {
	t.Helper()
	st, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	groupsDir := t.TempDir()
	r := &fakeRestarter{}
	w := newEnvWatcher(groupsDir, st, r, zap.NewNop())
	return groupsDir, st, r, w
}

func TestEnvChangeRestartsGroup(t *testing.T) {
	groupsDir, st, r, w := newEnvWatchFixture(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertGroup(ctx, &store.Group{JID: "111@g.us", Folder: "alpha"}))
	require.NoError(t, os.MkdirAll(filepath.Join(groupsDir, "alpha"), 0o755))

	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	envPath := filepath.Join(groupsDir, "alpha", ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("MODEL=large\n"), 0o644))

	require.Eventually(t, func() bool {
		return r.restarted("111@g.us")
	}, 3*time.Second, 20*time.Millisecond)
}

func TestEnvWatchPicksUpFoldersCreatedLater(t *testing.T) {
	groupsDir, st, r, w := newEnvWatchFixture(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertGroup(ctx, &store.Group{JID: "222@g.us", Folder: "beta"}))
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	dir := filepath.Join(groupsDir, "beta")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	// The watch on the new directory races the write; keep writing
	// until a change is observed.
	require.Eventually(t, func() bool {
		require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("X=1\n"), 0o644))
		return r.restarted("222@g.us")
	}, 3*time.Second, 50*time.Millisecond)
}

func TestEnvChangeIgnoresUnregisteredFolderAndOtherFiles(t *testing.T) {
	groupsDir, st, r, w := newEnvWatchFixture(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertGroup(ctx, &store.Group{JID: "111@g.us", Folder: "alpha"}))
	require.NoError(t, os.MkdirAll(filepath.Join(groupsDir, "alpha"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(groupsDir, "stray"), 0o755))

	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// A folder with no registration and a non-env file never restart
	// anything.
	require.NoError(t, os.WriteFile(filepath.Join(groupsDir, "stray", ".env"), []byte("X=1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(groupsDir, "alpha", "notes.txt"), []byte("n"), 0o644))

	time.Sleep(200 * time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	require.Empty(t, r.keys)
}
