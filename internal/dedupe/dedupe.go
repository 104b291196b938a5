// Package dedupe implements the error-group deduper (spec §4.C): a
// signature-keyed window that suppresses repeated occurrences of the same
// error/warn entry and periodically emits an aggregated synthetic entry.
// The LRU-by-lastSeen eviction the spec calls for falls directly out of
// hashicorp/golang-lru/v2's access-order semantics (Get/Add both touch
// MRU), the same cache used for the processed-command-id set in
// internal/sync and the source-map cache in internal/governor — all three
// are grounded on the teranos-QNTX pack's indirect golang-lru dependency.
package dedupe

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/brennhill/gasoline-coordinator/internal/telemetry"
)

// Tunables per spec §3/§4.C.
const (
	DedupWindow        = 5 * time.Second
	MaxTrackedErrors   = 100
	ErrorGroupMaxAge   = time.Hour
	ErrorGroupFlushDur = 30 * time.Second
)

type group struct {
	representative telemetry.Entry
	count          int
	firstSeen      time.Time
	lastSeen       time.Time
}

// Deduper tracks error groups by signature and decides which occurrences
// are worth forwarding.
type Deduper struct {
	cache *lru.Cache[string, *group]
	now   func() time.Time
}

// New constructs a Deduper bounded at MaxTrackedErrors groups.
func New() *Deduper {
	c, _ := lru.New[string, *group](MaxTrackedErrors)
	return &Deduper{cache: c, now: time.Now}
}

// Result is the outcome of Process for one incoming entry.
type Result struct {
	ShouldSend bool
	Entry      telemetry.Entry
}

// Process implements processErrorGroup(entry) -> {shouldSend, entry?}.
// Only error/warn level entries participate in dedup; everything else
// bypasses unchanged.
func (d *Deduper) Process(entry telemetry.Entry) Result {
	if entry.Level != telemetry.LevelError && entry.Level != telemetry.LevelWarn {
		return Result{ShouldSend: true, Entry: entry}
	}

	sig := telemetry.Signature(entry)
	now := d.now()

	g, ok := d.cache.Get(sig)
	if ok {
		if now.Sub(g.lastSeen) < DedupWindow {
			g.count++
			g.lastSeen = now
			return Result{ShouldSend: false}
		}

		// Outside the window: treat as a fresh occurrence of a known group.
		previousCount := g.count
		out := entry
		if previousCount > 1 {
			out.Enrichments.PreviousOccurrences = previousCount - 1
		}
		g.count = 1
		g.firstSeen = now
		g.lastSeen = now
		g.representative = entry
		return Result{ShouldSend: true, Entry: out}
	}

	// No existing group: the LRU's own Add eviction enforces the
	// MaxTrackedErrors cap by evicting the least-recently-touched group,
	// which is exactly the oldest-lastSeen group since every touch updates
	// MRU.
	d.cache.Add(sig, &group{representative: entry, count: 1, firstSeen: now, lastSeen: now})
	return Result{ShouldSend: true, Entry: entry}
}

// Flush implements flushErrorGroups(): emits a synthetic aggregated entry
// for every group with count > 1, carrying the number of suppressed
// repeats (count minus the occurrence already sent), resets the count to 1
// so only later repeats feed the next aggregate, and deletes groups that
// have gone stale beyond ErrorGroupFlushDur*2.
func (d *Deduper) Flush() []telemetry.Entry {
	now := d.now()
	var emitted []telemetry.Entry

	for _, sig := range d.cache.Keys() {
		g, ok := d.cache.Peek(sig)
		if !ok {
			continue
		}

		if now.Sub(g.lastSeen) > ErrorGroupFlushDur*2 {
			d.cache.Remove(sig)
			continue
		}

		if g.count > 1 {
			out := g.representative.Clone()
			out.Enrichments.AggregatedCount = g.count - 1
			out.Enrichments.FirstSeen = g.firstSeen
			out.Enrichments.LastSeen = g.lastSeen
			out.Timestamp = now
			emitted = append(emitted, out)
			g.count = 1
		}
	}
	return emitted
}

// GC deletes groups untouched beyond ErrorGroupMaxAge, run on its own
// slower tick per spec §4.L (error-group cleanup every 10m).
func (d *Deduper) GC() int {
	now := d.now()
	removed := 0
	for _, sig := range d.cache.Keys() {
		g, ok := d.cache.Peek(sig)
		if !ok {
			continue
		}
		if now.Sub(g.lastSeen) > ErrorGroupMaxAge {
			d.cache.Remove(sig)
			removed++
		}
	}
	return removed
}

// Len reports the number of currently tracked groups.
func (d *Deduper) Len() int { return d.cache.Len() }
