package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brennhill/gasoline-coordinator/internal/breaker"
)

func TestBatcherFlushesAtMaxBatchSize(t *testing.T) {
	var mu sync.Mutex
	var sent [][]int

	b := New(Options[int]{
		MaxBatchSize: 3,
		DebounceMs:   10_000, // long enough that only the size trigger fires
		Send: func(ctx context.Context, batch []int) error {
			mu.Lock()
			defer mu.Unlock()
			sent = append(sent, append([]int{}, batch...))
			return nil
		},
	})

	ctx := context.Background()
	b.Enqueue(ctx, 1)
	b.Enqueue(ctx, 2)
	b.Enqueue(ctx, 3)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sent) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, sent[0])
	mu.Unlock()
}

func TestBatcherPendingCappedAtMaxPendingBuffer(t *testing.T) {
	blocked := make(chan struct{})
	b := New(Options[int]{
		MaxBatchSize: 1_000_000, // never trigger size flush
		DebounceMs:   1_000_000,
		Send: func(ctx context.Context, batch []int) error {
			<-blocked
			return nil
		},
	})

	ctx := context.Background()
	for i := 0; i < MaxPendingBuffer+500; i++ {
		b.Enqueue(ctx, i)
	}
	assert.Equal(t, MaxPendingBuffer, b.PendingLen())
	close(blocked)
}

func TestBatcherHalvesCapUnderReducedCapacities(t *testing.T) {
	reduced := true
	b := New(Options[int]{
		MaxBatchSize: 10,
		Capacity:     fakeCapacity{reduced: &reduced},
		Send:         func(ctx context.Context, batch []int) error { return nil },
	})
	assert.Equal(t, 5, b.effectiveMaxBatchSize())
}

func TestBatcherRequeuesWhenBreakerOpen(t *testing.T) {
	brk := breaker.New(breaker.Options{MaxFailures: 1})
	require.Error(t, brk.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") }))
	require.Equal(t, breaker.Open, brk.GetState())

	called := false
	b := New(Options[int]{
		MaxBatchSize: 100,
		DebounceMs:   1_000_000,
		Breaker:      brk,
		Send: func(ctx context.Context, batch []int) error {
			called = true
			return nil
		},
	})

	ctx := context.Background()
	b.Enqueue(ctx, 1)
	b.Flush(ctx)

	assert.False(t, called)
	assert.Equal(t, 1, b.PendingLen())
}

func TestBatcherRetriesThenRequeuesOnExhaustion(t *testing.T) {
	attempts := 0
	b := New(Options[int]{
		MaxBatchSize: 100,
		RetryBudget:  2,
		Send: func(ctx context.Context, batch []int) error {
			attempts++
			return errors.New("always fails")
		},
	})

	ctx := context.Background()
	b.Enqueue(ctx, 1)
	b.Flush(ctx)

	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, b.PendingLen())
}

type fakeCapacity struct{ reduced *bool }

func (f fakeCapacity) ReducedCapacities() bool   { return *f.reduced }
func (f fakeCapacity) NetworkBodyDisabled() bool { return false }
