package persist

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/qsysbridge/core/internal/cache"
)

func newTestCacheWithEntries(t *testing.T) *cache.Cache {
	t.Helper()
	c := cache.New(cache.Config{MaxEntries: 10, TTL: time.Hour, CleanupInterval: time.Hour})
	t.Cleanup(c.Close)
	c.Set("MainMixer.gain", cache.ControlState{Name: "MainMixer.gain", Value: -6.0, String: "-6.0dB", Source: "core"})
	c.Set("MainMixer.mute", cache.ControlState{Name: "MainMixer.mute", Value: true, String: "true", Source: "user"})
	return c
}

func TestSnapshotStore_SaveAndLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")
	store := NewSnapshotStore(path, 3, zap.NewNop().Sugar())

	c := newTestCacheWithEntries(t)
	require.NoError(t, store.Save(c))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.Contains(t, loaded, "MainMixer.gain")
	assert.Equal(t, -6.0, loaded["MainMixer.gain"].Value)
	assert.Equal(t, "cache", loaded["MainMixer.gain"].Source)
	assert.Equal(t, true, loaded["MainMixer.mute"].Value)
}

func TestSnapshotStore_Load_MissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	store := NewSnapshotStore(filepath.Join(dir, "missing.json"), 3, zap.NewNop().Sugar())

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestSnapshotStore_Save_RotatesBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapshot.json")
	store := NewSnapshotStore(path, 2, zap.NewNop().Sugar())

	c := newTestCacheWithEntries(t)
	require.NoError(t, store.Save(c))
	require.NoError(t, store.Save(c))
	require.NoError(t, store.Save(c))

	assert.FileExists(t, path)
	assert.FileExists(t, path+".bak1")
	assert.FileExists(t, path+".bak2")
	assert.NoFileExists(t, path+".bak3")
}
