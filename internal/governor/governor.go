// Package governor implements the cache & memory governor (spec §4.D): an
// LRU source-map cache with negative caching, a per-tab screenshot rate
// limiter, and the memory-pressure state machine that halves batcher
// capacities under soft pressure and disables network-body capture under
// hard pressure. The LRU is hashicorp/golang-lru/v2, the same dependency
// used by internal/dedupe and internal/sync; human-readable byte reporting
// uses dustin/go-humanize, grounded on the daemon-style reporting in the
// retrieved gpud example tree.
package governor

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/brennhill/gasoline-coordinator/internal/sourcemap"
)

// SourceMapCacheSize is the bound on cached (possibly negative) parsed maps.
const SourceMapCacheSize = 50

// SourceMapCache is an LRU cache from script URL to a parsed source map, or
// nil for a cached negative result (fetch failed / no map present).
type SourceMapCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *sourcemap.Map]
}

// NewSourceMapCache constructs a cache bounded at SourceMapCacheSize.
func NewSourceMapCache() *SourceMapCache {
	c, _ := lru.New[string, *sourcemap.Map](SourceMapCacheSize)
	return &SourceMapCache{cache: c}
}

// Get returns the cached entry (which may be a nil *Map representing a
// negative cache hit) and whether it was present at all.
func (c *SourceMapCache) Get(scriptURL string) (*sourcemap.Map, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Get(scriptURL)
}

// Set stores m (nil for a negative cache entry) under scriptURL, evicting
// the least-recently-used entry if the cache is at capacity.
func (c *SourceMapCache) Set(scriptURL string, m *sourcemap.Map) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(scriptURL, m)
}

// Size reports the number of cached entries (including negative ones).
func (c *SourceMapCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// Clear empties the cache.
func (c *SourceMapCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// Screenshot rate-limit tunables (spec §4.D, §8).
const (
	ScreenshotMinInterval   = 5 * time.Second
	ScreenshotWindow        = time.Minute
	ScreenshotMaxPerMinute  = 10
)

// ScreenshotLimiter enforces a per-tab minimum interval and a rolling
// per-minute cap.
type ScreenshotLimiter struct {
	mu   sync.Mutex
	now  func() time.Time
	tabs map[int][]time.Time // recent screenshot timestamps, oldest first
}

// NewScreenshotLimiter constructs a limiter.
func NewScreenshotLimiter() *ScreenshotLimiter {
	return &ScreenshotLimiter{now: time.Now, tabs: make(map[int][]time.Time)}
}

// Decision is the outcome of a screenshot rate-limit check.
type Decision struct {
	Allowed       bool
	Reason        string // "session_limit" | "rate_limit"
	NextAllowedIn time.Duration
}

// Check decides whether tabID may take a screenshot now, and if allowed,
// records the event.
func (s *ScreenshotLimiter) Check(tabID int) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	events := s.tabs[tabID]

	cutoff := now.Add(-ScreenshotWindow)
	kept := events[:0]
	for _, e := range events {
		if e.After(cutoff) {
			kept = append(kept, e)
		}
	}
	events = kept

	if len(events) > 0 {
		last := events[len(events)-1]
		if now.Sub(last) < ScreenshotMinInterval {
			s.tabs[tabID] = events
			return Decision{Allowed: false, Reason: "rate_limit", NextAllowedIn: ScreenshotMinInterval - now.Sub(last)}
		}
	}
	if len(events) >= ScreenshotMaxPerMinute {
		oldest := events[0]
		s.tabs[tabID] = events
		return Decision{Allowed: false, Reason: "session_limit", NextAllowedIn: ScreenshotWindow - now.Sub(oldest)}
	}

	events = append(events, now)
	s.tabs[tabID] = events
	return Decision{Allowed: true}
}

// Clear forgets all history for a tab, e.g. on tab removal (spec §4.L).
func (s *ScreenshotLimiter) Clear(tabID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tabs, tabID)
}

// Memory pressure thresholds and average per-item size estimates (spec §4.D).
const (
	SoftThresholdBytes int64 = 20 * 1024 * 1024
	HardThresholdBytes int64 = 50 * 1024 * 1024
	hysteresisBytes    int64 = 1 * 1024 * 1024

	AvgLogEntryBytes     int64 = 500
	AvgWSEventBytes      int64 = 300
	AvgNetworkBodyBytes  int64 = 1000
	AvgActionBytes       int64 = 400
)

// Level is the coarse memory-pressure classification.
type Level int

const (
	LevelNormal Level = iota
	LevelSoft
	LevelHard
)

func (l Level) String() string {
	switch l {
	case LevelSoft:
		return "soft"
	case LevelHard:
		return "hard"
	default:
		return "normal"
	}
}

// Counts is the raw item counts the estimator sums with the per-kind
// average sizes to approximate buffered memory usage.
type Counts struct {
	LogEntries   int
	WSEvents     int
	NetworkBodies int
	Actions      int
}

// State is the memory-pressure machine's externally observable state.
type State struct {
	Level               Level
	ReducedCapacities    bool
	NetworkBodyDisabled  bool
	EstimatedBytes       int64
	LastCheck            time.Time
}

// Humanized renders EstimatedBytes for logs/metrics reporting.
func (s State) Humanized() string { return humanize.Bytes(uint64(maxInt64(s.EstimatedBytes, 0))) }

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// MemoryGovernor tracks buffer-memory pressure and the resulting capacity
// degradations. Safe for concurrent use; Check is meant to be invoked from
// the 30s lifecycle tick (spec §4.L).
type MemoryGovernor struct {
	mu    sync.Mutex
	state State
	now   func() time.Time
}

// NewMemoryGovernor constructs a governor starting at normal pressure.
func NewMemoryGovernor() *MemoryGovernor {
	return &MemoryGovernor{state: State{Level: LevelNormal}, now: time.Now}
}

// Check estimates buffer memory from counts and updates pressure state,
// applying a small hysteresis margin on the downward transitions to avoid
// flapping at the threshold boundary.
func (g *MemoryGovernor) Check(c Counts) State {
	g.mu.Lock()
	defer g.mu.Unlock()

	estimated := int64(c.LogEntries)*AvgLogEntryBytes +
		int64(c.WSEvents)*AvgWSEventBytes +
		int64(c.NetworkBodies)*AvgNetworkBodyBytes +
		int64(c.Actions)*AvgActionBytes

	// Re-evaluate repeatedly so a large single-tick drain (or spike) can
	// cross more than one threshold at once (spec §4.L scenario 6: 55MB ->
	// 10MB collapses hard directly to normal, not just to soft).
	level := g.state.Level
	for {
		next := level
		switch level {
		case LevelNormal:
			if estimated >= SoftThresholdBytes {
				next = LevelSoft
			}
		case LevelSoft:
			if estimated >= HardThresholdBytes {
				next = LevelHard
			} else if estimated < SoftThresholdBytes-hysteresisBytes {
				next = LevelNormal
			}
		case LevelHard:
			if estimated < HardThresholdBytes-hysteresisBytes {
				next = LevelSoft
			}
		}
		if next == level {
			break
		}
		level = next
	}

	g.state = State{
		Level:               level,
		ReducedCapacities:   level != LevelNormal,
		NetworkBodyDisabled: level == LevelHard,
		EstimatedBytes:      estimated,
		LastCheck:           g.now(),
	}
	return g.state
}

// Snapshot returns the last computed state without recomputing it.
func (g *MemoryGovernor) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// ReducedCapacities implements corectx.CapacitySource.
func (g *MemoryGovernor) ReducedCapacities() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.ReducedCapacities
}

// NetworkBodyDisabled implements corectx.CapacitySource.
func (g *MemoryGovernor) NetworkBodyDisabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.NetworkBodyDisabled
}
