package authz

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brennhill/gasoline-coordinator/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "kv.json"))
	require.NoError(t, err)
	return s
}

func TestPilotDefaultsFalse(t *testing.T) {
	g := New(newTestStore(t))
	g.Init()
	assert.False(t, g.PilotEnabled())
	assert.Error(t, g.RequirePilot())
}

func TestPilotEnabledAfterStorageChange(t *testing.T) {
	s := newTestStore(t)
	g := New(s)
	g.Init()
	require.NoError(t, s.Set("aiWebPilotEnabled", true))
	assert.True(t, g.PilotEnabled())
	assert.NoError(t, g.RequirePilot())
}

func TestTrackingNavigationDoesNotClear(t *testing.T) {
	s := newTestStore(t)
	g := New(s)
	g.Init()
	require.NoError(t, g.Track(context.Background(), 42, "https://a.example.com", "A"))
	g.UpdateTrackedNavigation(42, "https://b.example.org", "B")

	tracked := g.Tracked()
	require.NotNil(t, tracked)
	assert.Equal(t, "https://b.example.org", tracked.URL)
	assert.Equal(t, "B", tracked.Title)
}

func TestTabRemovalClearsTracking(t *testing.T) {
	s := newTestStore(t)
	g := New(s)
	g.Init()
	require.NoError(t, g.Track(context.Background(), 42, "https://a.example.com", "A"))
	g.ClearTrackingIfTab(42)
	assert.Nil(t, g.Tracked())
}

func TestWaitReadyUnblocksAfterInit(t *testing.T) {
	s := newTestStore(t)
	g := New(s)
	g.Init()
	assert.NoError(t, g.WaitReady(context.Background()))
}

func TestExternalFileWriteIsPickedUpByWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.json")
	s, err := storage.Open(path)
	require.NoError(t, err)
	g := New(s)
	g.Init()
	defer g.Close()

	require.NoError(t, os.WriteFile(path, []byte(`{"aiWebPilotEnabled":true}`), 0o600))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if g.PilotEnabled() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("external write to the backing file was not picked up by the fsnotify watch")
}
