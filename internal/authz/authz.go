// Package authz implements the pilot & tracking authorization model
// (spec §4.J): a process-wide pilotEnabled cache hydrated from persistent
// storage at startup, invalidated on storage change via the fsnotify
// watch internal/storage.Store.Watch already sets up, and gated behind an
// init-ready signal so commands arriving before hydration completes wait
// rather than racing a zero value. Tracked-tab resolution lives alongside
// it since both gate the same class of mutating commands.
package authz

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/brennhill/gasoline-coordinator/internal/storage"
)

// pilotEnabledKey and the tracked-target keys are the storage.Store keys
// this package owns.
const (
	pilotEnabledKey    = "aiWebPilotEnabled"
	trackedTabIDKey    = "trackedTabId"
	trackedTabURLKey   = "trackedTabUrl"
	trackedTabTitleKey = "trackedTabTitle"
)

// DefaultPilotEnabled resolves Open Question (i): recommend false,
// requiring explicit user opt-in, rather than the source's other,
// default-true loader.
const DefaultPilotEnabled = false

// TrackedTarget is the persisted (tabId, url, title) triple for the tab
// the user has chosen to track (spec §3 Tracked Target).
type TrackedTarget struct {
	TabID int
	URL   string
	Title string
}

// Gate hydrates pilotEnabled and the tracked target from storage, keeps
// them current via storage change notifications, and gates reads behind
// an init-ready signal so commands arriving before hydration wait.
type Gate struct {
	store *storage.Store

	ready     chan struct{}
	readyOnce sync.Once

	pilotEnabled atomic.Bool

	mu      sync.RWMutex
	tracked *TrackedTarget

	stopWatch func()

	// OnPilotChange, if set, is invoked whenever pilotEnabled flips during
	// Init or a reload triggered by a storage change.
	OnPilotChange func(enabled bool)
	// OnTrackingChange, if set, is invoked whenever the tracked tab
	// transitions between tracked and untracked.
	OnTrackingChange func(tracked bool)
}

// New constructs a Gate over store. Call Init before serving any commands.
func New(store *storage.Store) *Gate {
	return &Gate{store: store, ready: make(chan struct{})}
}

// Init hydrates state from storage, arms change notifications, and starts
// the fsnotify watch on the backing file so an external writer (another
// process, a popup writing directly to the file) is picked up without a
// restart. It must complete (closing the ready gate) before any command
// is dispatched.
func (g *Gate) Init() {
	g.reload()
	g.store.OnChange(func(key string) {
		switch key {
		case "", pilotEnabledKey, trackedTabIDKey, trackedTabURLKey, trackedTabTitleKey:
			g.reload()
		}
	})
	if stop, err := g.store.Watch(); err == nil {
		g.stopWatch = stop
	}
	g.readyOnce.Do(func() { close(g.ready) })
}

// Close stops the external-file watch armed by Init, if any.
func (g *Gate) Close() {
	if g.stopWatch != nil {
		g.stopWatch()
	}
}

func (g *Gate) reload() {
	prevPilot := g.pilotEnabled.Load()
	newPilot := g.store.GetBool(pilotEnabledKey, DefaultPilotEnabled)
	g.pilotEnabled.Store(newPilot)
	if newPilot != prevPilot && g.OnPilotChange != nil {
		g.OnPilotChange(newPilot)
	}

	var id int
	hasID, _ := g.store.Get(trackedTabIDKey, &id)

	g.mu.Lock()
	wasTracked := g.tracked != nil
	if !hasID {
		g.tracked = nil
	} else {
		url := g.store.GetString(trackedTabURLKey)
		title := g.store.GetString(trackedTabTitleKey)
		g.tracked = &TrackedTarget{TabID: id, URL: url, Title: title}
	}
	nowTracked := g.tracked != nil
	g.mu.Unlock()

	if nowTracked != wasTracked && g.OnTrackingChange != nil {
		g.OnTrackingChange(nowTracked)
	}
}

// WaitReady blocks until initial hydration has completed or ctx is done.
func (g *Gate) WaitReady(ctx context.Context) error {
	select {
	case <-g.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PilotEnabled reports the current pilot opt-in state.
func (g *Gate) PilotEnabled() bool { return g.pilotEnabled.Load() }

// Tracked returns the current tracked target, or nil if none is tracked.
func (g *Gate) Tracked() *TrackedTarget {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.tracked == nil {
		return nil
	}
	cp := *g.tracked
	return &cp
}

// Track persists a new tracked target (explicit user action).
func (g *Gate) Track(ctx context.Context, tabID int, url, title string) error {
	if err := g.store.Set(trackedTabIDKey, tabID); err != nil {
		return err
	}
	if err := g.store.Set(trackedTabURLKey, url); err != nil {
		return err
	}
	return g.store.Set(trackedTabTitleKey, title)
}

// UpdateTrackedNavigation updates url+title for the tracked tab on
// navigation (spec §4.L: origin changes do NOT clear tracking, but both
// fields must be refreshed together).
func (g *Gate) UpdateTrackedNavigation(tabID int, url, title string) {
	g.mu.Lock()
	if g.tracked == nil || g.tracked.TabID != tabID {
		g.mu.Unlock()
		return
	}
	g.tracked.URL = url
	g.tracked.Title = title
	g.mu.Unlock()
	// The store's change callback reloads the gate under g.mu, so the
	// writes happen after the lock is released.
	_ = g.store.Set(trackedTabURLKey, url)
	_ = g.store.Set(trackedTabTitleKey, title)
}

// ClearTracking clears tracking, e.g. on tab removal (spec §4.L: tab
// removal DOES clear tracking, unlike navigation).
func (g *Gate) ClearTracking() {
	g.mu.Lock()
	g.tracked = nil
	g.mu.Unlock()
	_ = g.store.Delete(trackedTabIDKey)
	_ = g.store.Delete(trackedTabURLKey)
	_ = g.store.Delete(trackedTabTitleKey)
}

// ClearTrackingIfTab clears tracking only if the currently tracked tab
// matches tabID.
func (g *Gate) ClearTrackingIfTab(tabID int) {
	g.mu.RLock()
	matches := g.tracked != nil && g.tracked.TabID == tabID
	g.mu.RUnlock()
	if matches {
		g.ClearTracking()
	}
}

// ErrPilotDisabled is returned when a mutating command is attempted while
// pilot is off.
type ErrPilotDisabled struct{}

func (e *ErrPilotDisabled) Error() string { return "ai_web_pilot_disabled" }

// RequirePilot returns ErrPilotDisabled unless pilot is currently enabled.
func (g *Gate) RequirePilot() error {
	if !g.PilotEnabled() {
		return &ErrPilotDisabled{}
	}
	return nil
}
