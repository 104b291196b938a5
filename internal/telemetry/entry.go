// Package telemetry defines the captured-event data model shared by the
// batcher, deduper, and sync client. Entries are created by capture call
// sites (outside this module's scope — content scripts observe the page)
// and are exclusively owned by whichever Batcher holds them until dispatch;
// after a successful send the entry is dropped.
package telemetry

import "time"

// Kind discriminates the telemetry entry types captured by the extension.
type Kind int

const (
	KindException Kind = iota
	KindNetwork
	KindConsole
	KindWebSocket
	KindAction
	KindPerf
	KindScreenshot
)

func (k Kind) String() string {
	switch k {
	case KindException:
		return "exception"
	case KindNetwork:
		return "network"
	case KindConsole:
		return "console"
	case KindWebSocket:
		return "ws"
	case KindAction:
		return "action"
	case KindPerf:
		return "perf"
	case KindScreenshot:
		return "screenshot"
	default:
		return "unknown"
	}
}

// Level is the severity of a console/exception entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelLog   Level = "log"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Origin identifies the page a captured entry came from.
type Origin struct {
	TabID int
	URL   string
}

// Enrichments are fields that can be attached to an entry after capture,
// by the deduper or source-map resolver, before it is sent.
type Enrichments struct {
	AggregatedCount      int
	FirstSeen            time.Time
	LastSeen             time.Time
	PreviousOccurrences  int
	SourceMapResolved    bool
	ErrorID              string
	Extra                map[string]any
}

// Entry is one captured telemetry record. Type-specific fields are only
// populated for the matching Kind; the rest are zero values.
type Entry struct {
	Kind      Kind
	Timestamp time.Time
	Level     Level
	Origin    Origin
	Stack     string

	// exception
	Message string

	// network
	Method      string
	URL         string
	Status      int
	TimingMs    float64
	BodyRef     string

	// ws
	Direction string // "in" | "out"
	PayloadRef string

	// action
	Selector string
	ActionKind string
	Target     string

	// console
	Args []any

	Enrichments Enrichments
}

// Clone returns a deep-enough copy safe for a synthetic aggregation entry to
// be built from a representative without mutating the original.
func (e Entry) Clone() Entry {
	cp := e
	if e.Args != nil {
		cp.Args = append([]any(nil), e.Args...)
	}
	if e.Enrichments.Extra != nil {
		cp.Enrichments.Extra = make(map[string]any, len(e.Enrichments.Extra))
		for k, v := range e.Enrichments.Extra {
			cp.Enrichments.Extra[k] = v
		}
	}
	return cp
}
