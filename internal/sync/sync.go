// Package sync implements the sync client (spec §4.G): a single long-poll
// loop that POSTs telemetry/results to /sync and pulls commands from the
// response. The processed-command-id set uses hashicorp/golang-lru/v2 (the
// same dependency backing internal/dedupe and internal/governor); the
// extension session identifier uses google/uuid, grounded on the
// teranos-QNTX and 99souls-ariadne pack entries.
package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/brennhill/gasoline-coordinator/internal/corectx"
	"github.com/brennhill/gasoline-coordinator/internal/errs"
	"github.com/brennhill/gasoline-coordinator/internal/fsm"
	"github.com/brennhill/gasoline-coordinator/internal/logging"
	"github.com/brennhill/gasoline-coordinator/internal/wire"
)

// Tunables per spec §4.G.
const (
	DefaultNextPollMs  = 1000
	RetryDelay         = 1000 * time.Millisecond
	OverallTimeout     = 8 * time.Second
	ProcessedIDCacheSize = 1000
	MaxQueuedResults   = 200
	ConsecutiveFailuresToFlip = 2
)

// CommandHandler dispatches one received command; it must not block the
// sync loop (spec: "the sync client never awaits a command").
type CommandHandler func(ctx context.Context, cmd wire.Command)

// VersionMismatchHook is invoked (non-fatally) when the server's
// major.minor version differs from ours.
type VersionMismatchHook func(ours, theirs string)

// RoundtripHook is invoked after every /sync POST attempt, success or
// failure, for metrics reporting.
type RoundtripHook func(success bool)

// SettingsSource supplies the current settings payload for each sync POST.
type SettingsSource func() wire.SyncSettings

// Options configures a Client.
type Options struct {
	HTTPClient        *http.Client
	ExtSessionID      string
	ExtensionVer      string
	OurVersion        string // major.minor, e.g. "1.4"
	Settings          SettingsSource
	OnCommand         CommandHandler
	OnVersionMismatch VersionMismatchHook
	OnRoundtrip       RoundtripHook
	Machine           *fsm.Machine
	Core              *corectx.Context
	Logger            logging.Logger
	Now               func() time.Time
}

// Client runs the /sync long-poll loop.
type Client struct {
	opts Options

	mu                  sync.Mutex
	pendingResults      []wire.CommandResult
	lastCommandAck      string
	consecutiveFailures int
	connected           bool
	statusReported      bool
	syncing             bool
	flushRequested      bool
	stopped             bool

	// processed holds the last ProcessedIDCacheSize command ids, evicting
	// the least recently seen. A duplicate delivered after more than that
	// many other ids have arrived since its last sighting is no longer
	// recognised and is dispatched again.
	processed *lru.Cache[string, struct{}]
}

// New constructs a sync Client.
func New(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: OverallTimeout}
	}
	if opts.ExtSessionID == "" {
		opts.ExtSessionID = uuid.NewString()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	processed, _ := lru.New[string, struct{}](ProcessedIDCacheSize)
	return &Client{opts: opts, processed: processed}
}

// QueueCommandResult enqueues a terminal command result and triggers an
// immediate flush. The internal buffer is capped at MaxQueuedResults,
// dropping the oldest on overflow.
func (c *Client) QueueCommandResult(ctx context.Context, r wire.CommandResult) {
	c.mu.Lock()
	c.pendingResults = append(c.pendingResults, r)
	if len(c.pendingResults) > MaxQueuedResults {
		c.pendingResults = c.pendingResults[len(c.pendingResults)-MaxQueuedResults:]
	}
	c.mu.Unlock()
	go c.Flush(ctx)
}

// Connected reports the coarse connection flag (flips only after
// ConsecutiveFailuresToFlip failures, to avoid badge flapping).
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Stop halts future scheduled syncs.
func (c *Client) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

// Run starts the long-poll loop: an immediate first sync, then subsequent
// syncs scheduled at the server's advertised next_poll_ms (or RetryDelay on
// failure).
func (c *Client) Run(ctx context.Context) {
	if c.opts.Machine != nil {
		c.opts.Machine.Transition(fsm.EventPollingStarted)
		defer c.opts.Machine.Transition(fsm.EventPollingStopped)
	}
	for {
		c.mu.Lock()
		stopped := c.stopped
		c.mu.Unlock()
		if stopped || ctx.Err() != nil {
			return
		}

		nextPoll := c.Flush(ctx)

		select {
		case <-ctx.Done():
			return
		case <-time.After(nextPoll):
		}
	}
}

// Flush performs one sync POST if none is already in flight. If a sync is
// already running, it sets flushRequested so the in-flight sync schedules
// an immediate follow-up; it returns the poll delay to wait before the
// NEXT loop iteration (0 when a follow-up is requested).
func (c *Client) Flush(ctx context.Context) time.Duration {
	c.mu.Lock()
	if c.syncing {
		c.flushRequested = true
		c.mu.Unlock()
		return 0
	}
	c.syncing = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.syncing = false
		again := c.flushRequested
		c.flushRequested = false
		c.mu.Unlock()
		if again {
			go c.Flush(ctx)
		}
	}()

	delay, err := c.doSync(ctx)
	if err != nil {
		c.mu.Lock()
		c.consecutiveFailures++
		flip := c.consecutiveFailures >= ConsecutiveFailuresToFlip
		c.mu.Unlock()
		if c.opts.Machine != nil {
			c.opts.Machine.Transition(fsm.EventPollFail)
		}
		if flip {
			c.setConnected(ctx, false, err.Error())
		}
		if c.opts.Logger != nil {
			c.opts.Logger.WarnCtx(ctx, "sync failed", "error", err.Error())
		}
		if c.opts.OnRoundtrip != nil {
			c.opts.OnRoundtrip(false)
		}
		return RetryDelay
	}

	c.mu.Lock()
	c.consecutiveFailures = 0
	c.mu.Unlock()
	c.setConnected(ctx, true, "")
	if c.opts.Machine != nil {
		c.opts.Machine.Transition(fsm.EventPollSuccess)
	}
	if c.opts.OnRoundtrip != nil {
		c.opts.OnRoundtrip(true)
	}
	return delay
}

func (c *Client) setConnected(ctx context.Context, connected bool, detail string) {
	c.mu.Lock()
	changed := !c.statusReported || c.connected != connected
	c.connected = connected
	c.statusReported = true
	c.mu.Unlock()
	if !changed {
		return
	}
	if c.opts.Machine != nil {
		if connected {
			c.opts.Machine.Transition(fsm.EventServerUp)
		} else {
			c.opts.Machine.Transition(fsm.EventServerDown)
		}
	}
	if c.opts.Core != nil && c.opts.Core.StatusSink != nil {
		c.opts.Core.StatusSink.OnConnectionStatus(ctx, connected, detail)
	}
}

func (c *Client) doSync(ctx context.Context) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, OverallTimeout)
	defer cancel()

	c.mu.Lock()
	results := c.pendingResults
	c.pendingResults = nil
	ack := c.lastCommandAck
	c.mu.Unlock()

	var settings *wire.SyncSettings
	if c.opts.Settings != nil {
		s := c.opts.Settings()
		settings = &s
	}

	req := wire.SyncRequest{
		ExtSessionID:     c.opts.ExtSessionID,
		ExtensionVersion: c.opts.ExtensionVer,
		Settings:         settings,
		LastCommandAck:   ack,
		CommandResults:   results,
	}

	body, err := json.Marshal(req)
	if err != nil {
		c.requeueResults(results)
		return RetryDelay, errs.Wrap(err, "marshaling sync request")
	}

	url := ""
	if c.opts.Core != nil && c.opts.Core.URLSource != nil {
		url = c.opts.Core.URLSource.ServerURL()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/sync", bytes.NewReader(body))
	if err != nil {
		c.requeueResults(results)
		return RetryDelay, errs.Wrap(err, "building sync request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Gasoline-Client", "gasoline-agentd")
	httpReq.Header.Set("X-Gasoline-Extension-Version", c.opts.ExtensionVer)

	resp, err := c.opts.HTTPClient.Do(httpReq)
	if err != nil {
		c.requeueResults(results)
		return RetryDelay, errs.Wrap(err, "posting /sync")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		c.requeueResults(results)
		return RetryDelay, errs.Newf("unexpected /sync status %d", resp.StatusCode)
	}

	var syncResp wire.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&syncResp); err != nil {
		c.requeueResults(results)
		return RetryDelay, errs.Wrap(err, "decoding sync response")
	}

	if syncResp.ServerVersion != "" && c.opts.OnVersionMismatch != nil {
		if majorMinor(syncResp.ServerVersion) != majorMinor(c.opts.OurVersion) {
			c.opts.OnVersionMismatch(c.opts.OurVersion, syncResp.ServerVersion)
		}
	}

	for _, cmd := range syncResp.Commands {
		c.dispatchOnce(ctx, cmd)
	}

	nextPoll := DefaultNextPollMs
	if syncResp.NextPollMs > 0 {
		nextPoll = syncResp.NextPollMs
	}
	return time.Duration(nextPoll) * time.Millisecond, nil
}

// requeueResults restores results that failed to ship, at the front of
// the pending buffer, still capped at MaxQueuedResults.
func (c *Client) requeueResults(results []wire.CommandResult) {
	if len(results) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	merged := append(append([]wire.CommandResult{}, results...), c.pendingResults...)
	if len(merged) > MaxQueuedResults {
		merged = merged[:MaxQueuedResults]
	}
	c.pendingResults = merged
}

// dispatchOnce enforces at-least-once-delivery/at-most-once-execution: a
// duplicate id (already in the processed LRU) is skipped; otherwise the id
// is recorded and lastCommandAck updated BEFORE dispatch, and dispatch is
// fire-and-forget so the sync loop never blocks.
func (c *Client) dispatchOnce(ctx context.Context, cmd wire.Command) {
	if _, dup := c.processed.Get(cmd.ID); dup {
		return
	}
	c.processed.Add(cmd.ID, struct{}{})

	c.mu.Lock()
	c.lastCommandAck = cmd.ID
	c.mu.Unlock()

	if c.opts.OnCommand == nil {
		return
	}

	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.QueueCommandResult(ctx, wire.CommandResult{
					ID:            cmd.ID,
					CorrelationID: cmd.CorrelationID,
					Status:        "error",
					Error:         errs.Newf("command handler panicked: %v", r).Error(),
				})
			}
		}()
		c.opts.OnCommand(ctx, cmd)
	}()
}

func majorMinor(v string) string {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return v
	}
	return parts[0] + "." + parts[1]
}
