// Package batch implements the debounced, size-capped delivery queue
// (spec §4.B). It comes in two flavors matching the spec: a plain Batcher
// with no breaker, and a breaker-wrapped Batcher whose flush path consults
// a *breaker.Breaker before every send. The debounce-timer-plus-mutex
// shape follows the teacher's util.SafeGo goroutine-launch idiom
// (_examples/brennhill-.../internal/util/safego.go) for the background
// flush goroutine.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/brennhill/gasoline-coordinator/internal/breaker"
	"github.com/brennhill/gasoline-coordinator/internal/corectx"
	"github.com/brennhill/gasoline-coordinator/internal/util"
)

// MaxPendingBuffer is the hard cap on queued-but-unsent items, regardless
// of input rate (spec §8 testable property).
const MaxPendingBuffer = 1000

// SendFunc delivers one batch. A non-nil error is treated as a failed send.
type SendFunc[T any] func(ctx context.Context, batch []T) error

// Options configures a Batcher.
type Options[T any] struct {
	DebounceMs   int // default 100
	MaxBatchSize int // default 50
	RetryBudget  int // default 3

	// Breaker, if non-nil, gates every flush attempt (breaker-wrapped
	// flavor). Nil selects the simple flavor (always attempts to send).
	Breaker *breaker.Breaker

	// Capacity, if non-nil, is consulted on every enqueue/flush to learn
	// whether the memory governor currently demands reduced capacities.
	Capacity corectx.CapacitySource

	Send SendFunc[T]
	Now  func() time.Time
}

// Batcher is a debounced, size-capped, optionally breaker-guarded queue.
// Safe for concurrent use.
type Batcher[T any] struct {
	mu sync.Mutex

	debounce     time.Duration
	maxBatchSize int
	retryBudget  int
	brk          *breaker.Breaker
	capacity     corectx.CapacitySource
	send         SendFunc[T]
	now          func() time.Time

	pending   []T
	timer     *time.Timer
	connected bool
	flushing  bool
}

// New constructs a Batcher with the given options.
func New[T any](opts Options[T]) *Batcher[T] {
	if opts.DebounceMs <= 0 {
		opts.DebounceMs = 100
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 50
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = 3
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Batcher[T]{
		debounce:     time.Duration(opts.DebounceMs) * time.Millisecond,
		maxBatchSize: opts.MaxBatchSize,
		retryBudget:  opts.RetryBudget,
		brk:          opts.Breaker,
		capacity:     opts.Capacity,
		send:         opts.Send,
		now:          opts.Now,
	}
}

// effectiveMaxBatchSize halves the configured cap when the memory governor
// reports reduced capacities (spec §4.B, §4.D).
func (b *Batcher[T]) effectiveMaxBatchSize() int {
	if b.capacity != nil && b.capacity.ReducedCapacities() {
		half := b.maxBatchSize / 2
		if half < 1 {
			half = 1
		}
		return half
	}
	return b.maxBatchSize
}

// Enqueue adds an item to the pending buffer. Items beyond MaxPendingBuffer
// are dropped silently (spec §4.B). Reaching the effective batch size
// triggers an immediate flush; otherwise the debounce timer is (re)armed.
func (b *Batcher[T]) Enqueue(ctx context.Context, item T) {
	b.mu.Lock()
	if len(b.pending) >= MaxPendingBuffer {
		b.mu.Unlock()
		return
	}
	b.pending = append(b.pending, item)
	immediate := len(b.pending) >= b.effectiveMaxBatchSize()
	b.mu.Unlock()

	if immediate {
		b.cancelTimer()
		util.SafeGo(func() { b.Flush(ctx) })
		return
	}
	b.armTimer(ctx)
}

func (b *Batcher[T]) armTimer(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		return
	}
	b.timer = time.AfterFunc(b.debounce, func() {
		b.mu.Lock()
		b.timer = nil
		b.mu.Unlock()
		b.Flush(ctx)
	})
}

func (b *Batcher[T]) cancelTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// Connected reports whether the last flush succeeded.
func (b *Batcher[T]) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// PendingLen reports the current queue depth.
func (b *Batcher[T]) PendingLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// requeue prepends items back onto pending, capped at MaxPendingBuffer
// (oldest-dropped, since the prepended items are themselves the oldest
// logically pending work).
func (b *Batcher[T]) requeue(items []T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	merged := append(append([]T{}, items...), b.pending...)
	if len(merged) > MaxPendingBuffer {
		merged = merged[:MaxPendingBuffer]
	}
	b.pending = merged
}

// Flush attempts to send all currently pending items. If a breaker is
// configured and open, the batch is abandoned and requeued without calling
// Send. On failure, up to retryBudget-1 additional attempts are made,
// spaced by the breaker's backoff schedule; exhaustion requeues.
func (b *Batcher[T]) Flush(ctx context.Context) {
	b.mu.Lock()
	if b.flushing || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	b.flushing = true
	items := b.pending
	b.pending = nil
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.flushing = false
		b.mu.Unlock()
	}()

	if b.brk != nil && b.brk.GetState() == breaker.Open {
		b.requeue(items)
		return
	}

	attempt := 1
	for {
		var err error
		if b.brk != nil {
			err = b.brk.Execute(ctx, func(ctx context.Context) error { return b.send(ctx, items) })
		} else {
			err = b.send(ctx, items)
		}

		if err == nil {
			b.mu.Lock()
			b.connected = true
			b.mu.Unlock()
			return
		}

		if b.brk != nil && b.brk.GetState() == breaker.Open {
			b.requeue(items)
			return
		}

		if attempt >= b.retryBudget {
			b.requeue(items)
			return
		}

		backoff := time.Duration(0)
		if b.brk != nil {
			backoff = b.brk.Backoff(attempt + 1)
		}
		if backoff > 0 {
			select {
			case <-ctx.Done():
				b.requeue(items)
				return
			case <-time.After(backoff):
			}
		}
		attempt++
	}
}
