package lifecycle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brennhill/gasoline-coordinator/internal/authz"
	"github.com/brennhill/gasoline-coordinator/internal/dedupe"
	"github.com/brennhill/gasoline-coordinator/internal/governor"
	"github.com/brennhill/gasoline-coordinator/internal/storage"
	"github.com/brennhill/gasoline-coordinator/internal/telemetry"
)

func newGateWithTracking(t *testing.T, tabID int) *authz.Gate {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "kv.json"))
	require.NoError(t, err)
	g := authz.New(store)
	g.Init()
	require.NoError(t, g.Track(context.Background(), tabID, "https://example.com", "Old"))
	return g
}

func TestTabRemovedClearsTrackingOnlyForTrackedTab(t *testing.T) {
	g := newGateWithTracking(t, 42)
	glue := &Glue{Authz: g}

	glue.OnTabRemoved(99)
	assert.NotNil(t, g.Tracked())

	glue.OnTabRemoved(42)
	assert.Nil(t, g.Tracked())
}

// Scenario 5: stale tracked tab title refreshed on URL-change hook.
func TestTabURLChangeRefreshesUrlAndTitleWithoutClearingTracking(t *testing.T) {
	g := newGateWithTracking(t, 42)
	glue := &Glue{Authz: g}

	glue.OnTabURLChanged(42, "https://example.com", "Example Domain")

	tracked := g.Tracked()
	require.NotNil(t, tracked)
	assert.Equal(t, 42, tracked.TabID)
	assert.Equal(t, "https://example.com", tracked.URL)
	assert.Equal(t, "Example Domain", tracked.Title)
}

type fakeTabQuery struct{ exists map[int]bool }

func (f fakeTabQuery) Exists(ctx context.Context, tabID int) (bool, error) {
	return f.exists[tabID], nil
}
func (f fakeTabQuery) Title(ctx context.Context, tabID int) (string, error) { return "", nil }

func TestRecoverOnStartupKeepsTrackingIfTabStillExists(t *testing.T) {
	g := newGateWithTracking(t, 42)
	glue := &Glue{Authz: g, Tabs: fakeTabQuery{exists: map[int]bool{42: true}}}
	require.NoError(t, glue.RecoverOnStartup(context.Background()))
	assert.NotNil(t, g.Tracked())
}

func TestRecoverOnStartupClearsTrackingIfTabGone(t *testing.T) {
	g := newGateWithTracking(t, 42)
	glue := &Glue{Authz: g, Tabs: fakeTabQuery{exists: map[int]bool{}}}
	require.NoError(t, glue.RecoverOnStartup(context.Background()))
	assert.Nil(t, g.Tracked())
}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "kv.json"))
	require.NoError(t, err)
	return s
}

func TestCheckStateVersionDetectsRestart(t *testing.T) {
	s := newStore(t)
	glue := &Glue{Store: s}

	restarted, err := glue.CheckStateVersion("v1")
	require.NoError(t, err)
	assert.False(t, restarted)

	restarted, err = glue.CheckStateVersion("v2")
	require.NoError(t, err)
	assert.True(t, restarted)
}

func TestRunStopsAllTickersWhenContextCancelled(t *testing.T) {
	gov := governor.NewMemoryGovernor()
	glue := &Glue{
		Governor: gov,
		Dedup:    dedupe.New(),
		Counts:   func() governor.Counts { return governor.Counts{LogEntries: 1} },
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		glue.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestErrorGroupFlushInvokesHandlerOnlyWithAggregates(t *testing.T) {
	dedup := dedupe.New()
	entry := telemetry.Entry{
		Kind:    telemetry.KindException,
		Level:   telemetry.LevelError,
		Message: "boom",
	}
	_ = dedup.Process(entry)
	_ = dedup.Process(entry)

	var gotCount int
	glue := &Glue{Dedup: dedup, OnFlushed: func(ctx context.Context, entries []telemetry.Entry) { gotCount = len(entries) }}
	glue.runErrorGroupFlush(context.Background())
	assert.Equal(t, 1, gotCount)
}
