// Package corectx defines the Core Context: a value passed by reference
// into every component at construction, replacing the module-global mutable
// state the original extension (and the teacher's own Capture god object)
// uses. Components depend on the narrow capability interface they need
// rather than the whole context, per spec §9's design note on circular
// references between modules.
package corectx

import "context"

// ServerURLSource exposes the configured control-server base URL. It is
// read-only; the URL is user-configurable at runtime (popup settings, out
// of scope), so HTTP-speaking components call ServerURL on each request
// rather than caching it.
type ServerURLSource interface {
	ServerURL() string
}

// ConnectionStatusSink receives coarse connection/badge status changes for
// display (badge color/text, popup statusUpdate broadcast — both out of
// scope UI surfaces; this is the seam a real UI would subscribe through).
type ConnectionStatusSink interface {
	OnConnectionStatus(ctx context.Context, connected bool, detail string)
}

// DebugLogSink receives background-level debug log lines destined for
// POST /extension-logs.
type DebugLogSink interface {
	OnDebugLog(ctx context.Context, level, message string, data map[string]any)
}

// CapacitySource is consulted by batchers to learn whether the memory
// governor currently requires reduced capacities (spec §4.B, §4.D).
type CapacitySource interface {
	ReducedCapacities() bool
	NetworkBodyDisabled() bool
}

// Context bundles the capabilities a component may need. Not every
// component needs every capability; constructors take only the interfaces
// they use. Context is a plain struct of those interfaces and implements
// none of them itself.
type Context struct {
	URLSource  ServerURLSource
	StatusSink ConnectionStatusSink
	DebugSink  DebugLogSink
	Capacity   CapacitySource
}
