package dispatch

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brennhill/gasoline-coordinator/internal/authz"
	"github.com/brennhill/gasoline-coordinator/internal/domaction"
	"github.com/brennhill/gasoline-coordinator/internal/snapshot"
	"github.com/brennhill/gasoline-coordinator/internal/storage"
	"github.com/brennhill/gasoline-coordinator/internal/wire"
)

type fakeTabs struct {
	tabs map[int]TabInfo
}

func (f *fakeTabs) ActiveTab(ctx context.Context) (TabInfo, error) {
	return f.tabs[1], nil
}

func (f *fakeTabs) GetTab(ctx context.Context, tabID int) (TabInfo, bool, error) {
	info, ok := f.tabs[tabID]
	return info, ok, nil
}

func (f *fakeTabs) NewTab(ctx context.Context, url string) (TabInfo, error) {
	return TabInfo{ID: 99, URL: url}, nil
}
func (f *fakeTabs) SwitchTab(ctx context.Context, tabID int) error { return nil }
func (f *fakeTabs) CloseTab(ctx context.Context, tabID int) error  { return nil }

type fakeCSQuerier struct{}

func (fakeCSQuerier) Query(ctx context.Context, tabID int, msgType string, params map[string]any) (any, error) {
	return map[string]any{"ok": true}, nil
}

type fakeDOMTransport struct {
	inject func(ctx context.Context, tabID int, frameIDs []int, world domaction.World, action string, params map[string]any) ([]domaction.DOMResult, error)
}

func (f *fakeDOMTransport) Inject(ctx context.Context, tabID int, frameIDs []int, world domaction.World, action string, params map[string]any) ([]domaction.DOMResult, error) {
	return f.inject(ctx, tabID, frameIDs, world, action, params)
}

func (f *fakeDOMTransport) ProbeFrames(ctx context.Context, tabID int, selector string) ([]int, error) {
	return []int{0}, nil
}

func newGate(t *testing.T, pilotEnabled bool, tracked *authz.TrackedTarget) *authz.Gate {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "kv.json"))
	require.NoError(t, err)
	g := authz.New(store)
	g.Init()
	require.NoError(t, store.Set("aiWebPilotEnabled", pilotEnabled))
	if tracked != nil {
		require.NoError(t, g.Track(context.Background(), tracked.TabID, tracked.URL, tracked.Title))
	}
	return g
}

func newSnapshots(t *testing.T) *snapshot.Store {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "snap.json"))
	require.NoError(t, err)
	return snapshot.New(store)
}

func baseDispatcher(t *testing.T, pilotEnabled bool, tracked *authz.TrackedTarget, tabs map[int]TabInfo, inject func(ctx context.Context, tabID int, frameIDs []int, world domaction.World, action string, params map[string]any) ([]domaction.DOMResult, error)) *Dispatcher {
	return &Dispatcher{
		Authz:         newGate(t, pilotEnabled, tracked),
		Tabs:          &fakeTabs{tabs: tabs},
		ContentScript: fakeCSQuerier{},
		DOM:           domaction.New(&fakeDOMTransport{inject: inject}),
		Snapshots:     newSnapshots(t),
	}
}

func decodeResult(t *testing.T, r wire.CommandResult) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(r.Result, &m))
	return m
}

// Scenario 3: pierce_shadow auto resolution.
func TestPierceShadowAutoResolvesTrueWhenTrackedTabSameOrigin(t *testing.T) {
	tracked := &authz.TrackedTarget{TabID: 42, URL: "https://app.example.com/a", Title: "A"}
	tabs := map[int]TabInfo{42: {ID: 42, URL: "https://app.example.com/a", Title: "A"}}
	var receivedPierce any
	d := baseDispatcher(t, true, tracked, tabs, func(ctx context.Context, tabID int, frameIDs []int, world domaction.World, action string, params map[string]any) ([]domaction.DOMResult, error) {
		receivedPierce = params["pierce_shadow"]
		return []domaction.DOMResult{{FrameID: 0, Success: true}}, nil
	})
	cmd := wire.Command{ID: "c1", Type: "dom", TabID: 42, Params: mustJSON(map[string]any{"action": "list_interactive", "selector": ".x", "pierce_shadow": "auto"})}
	r := d.Dispatch(context.Background(), cmd)
	assert.Equal(t, "complete", r.Status)
	assert.Equal(t, true, receivedPierce)
}

func TestPierceShadowAutoResolvesFalseOnOriginMismatch(t *testing.T) {
	tracked := &authz.TrackedTarget{TabID: 42, URL: "https://other.example.org/", Title: "A"}
	tabs := map[int]TabInfo{42: {ID: 42, URL: "https://app.example.com/a"}}
	var receivedPierce any
	d := baseDispatcher(t, true, tracked, tabs, func(ctx context.Context, tabID int, frameIDs []int, world domaction.World, action string, params map[string]any) ([]domaction.DOMResult, error) {
		receivedPierce = params["pierce_shadow"]
		return []domaction.DOMResult{{FrameID: 0, Success: true}}, nil
	})
	cmd := wire.Command{ID: "c2", Type: "dom", TabID: 42, Params: mustJSON(map[string]any{"action": "list_interactive", "selector": ".x", "pierce_shadow": "auto"})}
	r := d.Dispatch(context.Background(), cmd)
	assert.Equal(t, "complete", r.Status)
	assert.Equal(t, false, receivedPierce)
}

func TestPierceShadowAutoResolvesFalseWhenPilotDisabled(t *testing.T) {
	tracked := &authz.TrackedTarget{TabID: 42, URL: "https://app.example.com/a"}
	tabs := map[int]TabInfo{42: {ID: 42, URL: "https://app.example.com/a"}}
	var receivedPierce any
	d := baseDispatcher(t, false, tracked, tabs, func(ctx context.Context, tabID int, frameIDs []int, world domaction.World, action string, params map[string]any) ([]domaction.DOMResult, error) {
		receivedPierce = params["pierce_shadow"]
		return []domaction.DOMResult{{FrameID: 0, Success: true}}, nil
	})
	cmd := wire.Command{ID: "c3", Type: "dom", TabID: 42, Params: mustJSON(map[string]any{"action": "list_interactive", "selector": ".x", "pierce_shadow": "auto"})}
	r := d.Dispatch(context.Background(), cmd)
	assert.Equal(t, "complete", r.Status)
	assert.Equal(t, false, receivedPierce)
}

func TestPierceShadowInvalidStringIsHardErrorAndNothingDispatched(t *testing.T) {
	tracked := &authz.TrackedTarget{TabID: 42, URL: "https://app.example.com/a"}
	tabs := map[int]TabInfo{42: {ID: 42, URL: "https://app.example.com/a"}}
	dispatched := false
	d := baseDispatcher(t, true, tracked, tabs, func(ctx context.Context, tabID int, frameIDs []int, world domaction.World, action string, params map[string]any) ([]domaction.DOMResult, error) {
		dispatched = true
		return []domaction.DOMResult{{FrameID: 0, Success: true}}, nil
	})
	cmd := wire.Command{ID: "c4", Type: "dom", TabID: 42, Params: mustJSON(map[string]any{"action": "list_interactive", "selector": ".x", "pierce_shadow": "sometimes"})}
	r := d.Dispatch(context.Background(), cmd)
	assert.Equal(t, "error", r.Status)
	assert.Contains(t, r.Error, "invalid_param")
	assert.Contains(t, r.Error, "pierce_shadow")
	assert.False(t, dispatched)
}

// Scenario 4: DOM world fallback for execute.
func TestExecuteFallsBackToIsolatedOnCSPThenSucceeds(t *testing.T) {
	tabs := map[int]TabInfo{1: {ID: 1, URL: "https://example.com", Title: "Example"}}
	d := baseDispatcher(t, true, nil, tabs, func(ctx context.Context, tabID int, frameIDs []int, world domaction.World, action string, params map[string]any) ([]domaction.DOMResult, error) {
		if world == domaction.WorldMain {
			return []domaction.DOMResult{{FrameID: 0, Success: false, Error: "Content Security Policy blocked eval"}}, nil
		}
		return []domaction.DOMResult{{FrameID: 0, Success: true, Value: "Example"}}, nil
	})
	cmd := wire.Command{ID: "c5", Type: "execute", TabID: 1, Params: mustJSON(map[string]any{"code": "document.title"})}
	r := d.Dispatch(context.Background(), cmd)
	require.Equal(t, "complete", r.Status)
	m := decodeResult(t, r)
	assert.Equal(t, true, m["success"])
	assert.Equal(t, "isolated", m["execution_world"])
	assert.Equal(t, true, m["fallback_attempted"])
}

func TestExecuteBothWorldsRefusedReturnsCSPBlockedAllWorlds(t *testing.T) {
	tabs := map[int]TabInfo{1: {ID: 1, URL: "https://example.com"}}
	d := baseDispatcher(t, true, nil, tabs, func(ctx context.Context, tabID int, frameIDs []int, world domaction.World, action string, params map[string]any) ([]domaction.DOMResult, error) {
		return []domaction.DOMResult{{FrameID: 0, Success: false, Error: "unsafe-eval is blocked"}}, nil
	})
	cmd := wire.Command{ID: "c6", Type: "execute", TabID: 1, Params: mustJSON(map[string]any{"code": "document.title"})}
	r := d.Dispatch(context.Background(), cmd)
	require.Equal(t, "complete", r.Status)
	m := decodeResult(t, r)
	assert.Equal(t, false, m["success"])
	assert.Equal(t, "csp_blocked_all_worlds", m["error"])
}

func TestExecuteRequiresPilot(t *testing.T) {
	tabs := map[int]TabInfo{1: {ID: 1, URL: "https://example.com"}}
	d := baseDispatcher(t, false, nil, tabs, func(ctx context.Context, tabID int, frameIDs []int, world domaction.World, action string, params map[string]any) ([]domaction.DOMResult, error) {
		return []domaction.DOMResult{{FrameID: 0, Success: true}}, nil
	})
	cmd := wire.Command{ID: "c7", Type: "execute", TabID: 1, Params: mustJSON(map[string]any{"code": "1+1"})}
	r := d.Dispatch(context.Background(), cmd)
	assert.Equal(t, "error", r.Status)
	assert.Contains(t, r.Error, "ai_web_pilot_disabled")
}

func TestUnknownCommandTypeReturnsUnknownAction(t *testing.T) {
	tabs := map[int]TabInfo{1: {ID: 1, URL: "https://example.com"}}
	d := baseDispatcher(t, true, nil, tabs, nil)
	cmd := wire.Command{ID: "c8", Type: "bogus", TabID: 1}
	r := d.Dispatch(context.Background(), cmd)
	assert.Equal(t, "error", r.Status)
	assert.Contains(t, r.Error, "unknown_action")
}

func TestTabResolutionFallsBackToActiveTab(t *testing.T) {
	tabs := map[int]TabInfo{1: {ID: 1, URL: "https://active.example.com"}}
	d := baseDispatcher(t, true, nil, tabs, func(ctx context.Context, tabID int, frameIDs []int, world domaction.World, action string, params map[string]any) ([]domaction.DOMResult, error) {
		assert.Equal(t, 1, tabID)
		return []domaction.DOMResult{{FrameID: 0, Success: true}}, nil
	})
	cmd := wire.Command{ID: "c9", Type: "dom", Params: mustJSON(map[string]any{"action": "list_interactive"})}
	r := d.Dispatch(context.Background(), cmd)
	assert.Equal(t, "complete", r.Status)
}

func TestStateSaveLoadRoundTripThroughDispatcher(t *testing.T) {
	tabs := map[int]TabInfo{1: {ID: 1}}
	d := baseDispatcher(t, true, nil, tabs, nil)

	saveCmd := wire.Command{ID: "s1", Type: "state_save", TabID: 1, Params: mustJSON(map[string]any{"name": "bug-1", "page_url": "https://x"})}
	r := d.Dispatch(context.Background(), saveCmd)
	require.Equal(t, "complete", r.Status)

	loadCmd := wire.Command{ID: "s2", Type: "state_load", TabID: 1, Params: mustJSON(map[string]any{"name": "bug-1"})}
	r2 := d.Dispatch(context.Background(), loadCmd)
	require.Equal(t, "complete", r2.Status)
	m := decodeResult(t, r2)
	assert.NotNil(t, m["snapshot"])
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
