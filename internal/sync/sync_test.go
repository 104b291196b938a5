package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brennhill/gasoline-coordinator/internal/corectx"
	"github.com/brennhill/gasoline-coordinator/internal/wire"
)

type fakeURLSource struct{ url string }

func (f fakeURLSource) ServerURL() string { return f.url }

type fakeStatusSink struct {
	mu    sync.Mutex
	calls []bool
}

func (f *fakeStatusSink) OnConnectionStatus(ctx context.Context, connected bool, detail string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, connected)
}

func (f *fakeStatusSink) snapshot() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool{}, f.calls...)
}

func newCore(url string, sink corectx.ConnectionStatusSink) *corectx.Context {
	return &corectx.Context{URLSource: fakeURLSource{url: url}, StatusSink: sink}
}

func TestDuplicateCommandIDDispatchedOnce(t *testing.T) {
	var dispatchCount atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := wire.SyncResponse{NextPollMs: 100_000, Commands: []wire.Command{{ID: "cmd-1", Type: "dom"}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	done := make(chan struct{}, 10)
	c := New(Options{
		HTTPClient: srv.Client(),
		Core:       newCore(srv.URL, nil),
	})
	c.opts.OnCommand = func(ctx context.Context, cmd wire.Command) {
		dispatchCount.Add(1)
		done <- struct{}{}
	}

	ctx := context.Background()
	c.Flush(ctx)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected dispatch")
	}

	c.Flush(ctx) // server resends the same command id; must not re-dispatch

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), dispatchCount.Load())
}

func TestConnectedFlipsOnlyAfterTwoConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := &fakeStatusSink{}
	c := New(Options{
		HTTPClient: srv.Client(),
		Core:       newCore(srv.URL, sink),
	})

	ctx := context.Background()
	c.Flush(ctx)
	assert.Empty(t, sink.snapshot(), "a single failure must not flip the badge")

	c.Flush(ctx)
	require.Len(t, sink.snapshot(), 1, "the second consecutive failure must flip it")
	assert.False(t, sink.snapshot()[0])
}

func TestQueueCommandResultCapsAtMaxQueuedResults(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
		json.NewEncoder(w).Encode(wire.SyncResponse{NextPollMs: 100_000})
	}))
	defer srv.Close()

	c := New(Options{HTTPClient: srv.Client(), Core: newCore(srv.URL, nil)})
	ctx := context.Background()

	c.mu.Lock()
	c.syncing = true // each triggered Flush then only marks a follow-up and leaves the buffer alone
	c.mu.Unlock()
	for i := 0; i < MaxQueuedResults+50; i++ {
		c.QueueCommandResult(ctx, wire.CommandResult{ID: "r"})
	}
	c.mu.Lock()
	n := len(c.pendingResults)
	c.mu.Unlock()
	assert.Equal(t, MaxQueuedResults, n)
	close(blocked)
}
