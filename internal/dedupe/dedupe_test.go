package dedupe

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brennhill/gasoline-coordinator/internal/telemetry"
)

func itoa(i int) string { return strconv.Itoa(i) }

func exceptionEntry(t time.Time) telemetry.Entry {
	return telemetry.Entry{
		Kind:      telemetry.KindException,
		Timestamp: t,
		Level:     telemetry.LevelError,
		Message:   "TypeError: x is undefined",
		Stack:     "at foo (a.js:1:1)",
	}
}

func TestDedupFlowSuppressesAndAggregates(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	d := New()
	d.now = func() time.Time { return clock }

	first := d.Process(exceptionEntry(base))
	assert.True(t, first.ShouldSend)

	for i := 1; i <= 4; i++ {
		clock = base.Add(time.Duration(i) * time.Second)
		r := d.Process(exceptionEntry(clock))
		assert.False(t, r.ShouldSend, "occurrence %d should be suppressed", i)
	}

	clock = base.Add(10 * time.Second)
	flushed := d.Flush()
	require.Len(t, flushed, 1)
	assert.Equal(t, 4, flushed[0].Enrichments.AggregatedCount)
	assert.Equal(t, base, flushed[0].Enrichments.FirstSeen)
	assert.Equal(t, base.Add(4*time.Second), flushed[0].Enrichments.LastSeen)
}

func TestNonErrorLevelsBypassDedup(t *testing.T) {
	d := New()
	e := telemetry.Entry{Kind: telemetry.KindConsole, Level: telemetry.LevelInfo, Args: []any{"hi"}}
	r1 := d.Process(e)
	r2 := d.Process(e)
	assert.True(t, r1.ShouldSend)
	assert.True(t, r2.ShouldSend)
}

func TestGroupOutsideWindowIsFreshOccurrence(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := base
	d := New()
	d.now = func() time.Time { return clock }

	d.Process(exceptionEntry(base))
	clock = base.Add(1 * time.Second)
	d.Process(exceptionEntry(clock)) // count=2, still within window

	clock = base.Add(10 * time.Second) // outside DedupWindow
	r := d.Process(exceptionEntry(clock))
	assert.True(t, r.ShouldSend)
	assert.Equal(t, 1, r.Entry.Enrichments.PreviousOccurrences)
}

func TestMaxTrackedErrorsEnforcedByLRUEviction(t *testing.T) {
	d := New()
	for i := 0; i < MaxTrackedErrors+10; i++ {
		e := telemetry.Entry{
			Kind:    telemetry.KindException,
			Level:   telemetry.LevelError,
			Message: "distinct error " + itoa(i),
			Stack:   "at f (x.js:1:1)",
		}
		d.Process(e)
	}
	assert.LessOrEqual(t, d.Len(), MaxTrackedErrors)
}
