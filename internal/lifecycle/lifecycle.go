// Package lifecycle implements the event & lifecycle glue (spec §4.L):
// the periodic ticks the browser alarms API would drive (reconnect probe,
// error-group flush, memory check, error-group cleanup), tab lifecycle
// hooks (removal clears tracking, URL change refreshes the tracked
// title), and startup recovery via a stored state-version marker. Ticks
// are modeled with time.Ticker and launched through internal/util.SafeGo,
// grounded on the teacher's own supervised-goroutine-per-ticker pattern
// (_examples/brennhill-.../internal/ticker or equivalent background loop).
package lifecycle

import (
	"context"
	"time"

	"github.com/brennhill/gasoline-coordinator/internal/authz"
	"github.com/brennhill/gasoline-coordinator/internal/dedupe"
	"github.com/brennhill/gasoline-coordinator/internal/governor"
	"github.com/brennhill/gasoline-coordinator/internal/logging"
	"github.com/brennhill/gasoline-coordinator/internal/storage"
	"github.com/brennhill/gasoline-coordinator/internal/telemetry"
	"github.com/brennhill/gasoline-coordinator/internal/util"
)

// Tunables per spec §4.L.
const (
	ReconnectProbeInterval    = 5 * time.Second
	ErrorGroupFlushInterval   = 30 * time.Second
	MemoryCheckInterval       = 30 * time.Second
	ErrorGroupCleanupInterval = 10 * time.Minute
)

const stateVersionKey = "gasoline_state_version"

// ReconnectProbe is invoked on each reconnect tick; a real implementation
// forces an immediate sync.Client.Flush.
type ReconnectProbe func(ctx context.Context)

// FlushedHandler receives the error-group aggregates produced by a flush
// tick, for shipping to the telemetry batcher.
type FlushedHandler func(ctx context.Context, entries []telemetry.Entry)

// CountsSource supplies the current buffer counts the memory governor
// checks on each tick.
type CountsSource func() governor.Counts

// MemoryPressureHook is invoked after every memory-check tick with the
// resulting pressure state, for metrics reporting.
type MemoryPressureHook func(governor.State)

// TabQuery looks up whether a tab still exists, for startup recovery.
type TabQuery interface {
	Exists(ctx context.Context, tabID int) (bool, error)
	Title(ctx context.Context, tabID int) (string, error)
}

// Glue owns the supervised background tickers and the tab lifecycle
// hooks a real browser-event bridge would call into.
type Glue struct {
	Authz    *authz.Gate
	Dedup    *dedupe.Deduper
	Governor *governor.MemoryGovernor
	Store    *storage.Store
	Logger   logging.Logger

	Reconnect        ReconnectProbe
	OnFlushed        FlushedHandler
	OnMemoryPressure MemoryPressureHook
	Counts           CountsSource
	Tabs             TabQuery
}

// Run launches all four supervised tickers; it returns once ctx is
// cancelled, stopping every ticker.
func (g *Glue) Run(ctx context.Context) {
	util.SafeGo(func() { g.tickLoop(ctx, ReconnectProbeInterval, g.runReconnect) })
	util.SafeGo(func() { g.tickLoop(ctx, ErrorGroupFlushInterval, g.runErrorGroupFlush) })
	util.SafeGo(func() { g.tickLoop(ctx, MemoryCheckInterval, g.runMemoryCheck) })
	util.SafeGo(func() { g.tickLoop(ctx, ErrorGroupCleanupInterval, g.runErrorGroupCleanup) })
	<-ctx.Done()
}

func (g *Glue) tickLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (g *Glue) runReconnect(ctx context.Context) {
	if g.Reconnect != nil {
		g.Reconnect(ctx)
	}
}

func (g *Glue) runErrorGroupFlush(ctx context.Context) {
	aggregated := g.Dedup.Flush()
	if len(aggregated) > 0 && g.OnFlushed != nil {
		g.OnFlushed(ctx, aggregated)
	}
}

func (g *Glue) runMemoryCheck(ctx context.Context) {
	if g.Counts == nil {
		return
	}
	before := g.Governor.Snapshot().Level
	after := g.Governor.Check(g.Counts())
	if g.Logger != nil && after.Level != before {
		g.Logger.InfoCtx(ctx, "memory pressure level changed", "from", before.String(), "to", after.Level.String())
	}
	if g.OnMemoryPressure != nil {
		g.OnMemoryPressure(after)
	}
}

func (g *Glue) runErrorGroupCleanup(ctx context.Context) {
	g.Dedup.GC()
}

// OnTabRemoved implements the tab-remove lifecycle hook: clear tracking
// if the removed tab was the tracked tab (screenshot timestamp clearing
// is the screenshot limiter's own Clear, invoked by the caller alongside
// this since the limiter is keyed purely by tab id and owned elsewhere).
func (g *Glue) OnTabRemoved(tabID int) {
	g.Authz.ClearTrackingIfTab(tabID)
}

// OnTabURLChanged implements the tracked-tab URL-change hook: origin
// changes do NOT clear tracking, but both url and title are refreshed
// together (spec §4.L / scenario 5).
func (g *Glue) OnTabURLChanged(tabID int, newURL, newTitle string) {
	g.Authz.UpdateTrackedNavigation(tabID, newURL, newTitle)
}

// RecoverOnStartup implements the browser-startup tab-tracking recheck:
// if the tracked tab still exists, tracking is kept; otherwise it is
// cleared.
func (g *Glue) RecoverOnStartup(ctx context.Context) error {
	tracked := g.Authz.Tracked()
	if tracked == nil {
		return nil
	}
	exists, err := g.Tabs.Exists(ctx, tracked.TabID)
	if err != nil {
		return err
	}
	if !exists {
		g.Authz.ClearTracking()
	}
	return nil
}

// CheckStateVersion compares the stored state-version marker against
// current to detect a service-worker/process restart (spec §4.L); it
// always persists current for the next check and reports whether a
// restart (marker mismatch) was detected.
func (g *Glue) CheckStateVersion(current string) (restarted bool, err error) {
	previous := g.Store.GetString(stateVersionKey)
	restarted = previous != "" && previous != current
	if restarted && g.Logger != nil {
		g.Logger.WarnCtx(context.Background(), "service-worker restart detected, ephemeral state lost", "previous_version", previous, "current_version", current)
	}
	if err := g.Store.Set(stateVersionKey, current); err != nil {
		return restarted, err
	}
	return restarted, nil
}
