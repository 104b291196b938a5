package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/brennhill/gasoline-coordinator/internal/breaker"
	"github.com/brennhill/gasoline-coordinator/internal/config"
	"github.com/brennhill/gasoline-coordinator/internal/dedupe"
	"github.com/brennhill/gasoline-coordinator/internal/errs"
	"github.com/brennhill/gasoline-coordinator/internal/fsm"
	"github.com/brennhill/gasoline-coordinator/internal/governor"
	"github.com/brennhill/gasoline-coordinator/internal/logging"
	"github.com/brennhill/gasoline-coordinator/internal/metrics"
	"github.com/brennhill/gasoline-coordinator/internal/sourcemap"
	"github.com/brennhill/gasoline-coordinator/internal/telemetry"
	"github.com/brennhill/gasoline-coordinator/internal/wire"
)

// capturePipeline is the composition root's wiring of components A/B/D/E:
// POST /capture entries are deduped, stack traces are source-map resolved
// (cache-backed), and surviving entries are enqueued onto a breaker-gated
// batcher that ships them to the control server's /logs endpoint. It is the
// local counterpart of bridge.Unattached: a real extension-to-native-host
// bridge would call this HTTP seam instead of the out-of-scope content
// script posting directly to the server.
type capturePipeline struct {
	dedup    *dedupe.Deduper
	resolver *sourcemap.Resolver
	cache    *governor.SourceMapCache
	batcher  batcher
	reg      *metrics.Registry
	logger   logging.Logger
}

// batcher is the narrow surface capturePipeline needs from a
// *batch.Batcher[telemetry.Entry]; declared so this file does not need the
// generic instantiation spelled out twice.
type batcher interface {
	Enqueue(ctx context.Context, item telemetry.Entry)
	PendingLen() int
}

func newCapturePipeline(dedup *dedupe.Deduper, b batcher, reg *metrics.Registry, logger logging.Logger) *capturePipeline {
	return &capturePipeline{
		dedup:    dedup,
		resolver: sourcemap.NewResolver(),
		cache:    governor.NewSourceMapCache(),
		batcher:  b,
		reg:      reg,
		logger:   logger,
	}
}

func (p *capturePipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req wire.LogsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	accepted := 0
	for _, le := range req.Entries {
		entry := p.toEntry(le)
		if entry.Kind == telemetry.KindException && entry.Stack != "" {
			entry.Stack = p.resolver.ResolveStackTrace(r.Context(), entry.Stack, p.lookup)
			entry.Enrichments.SourceMapResolved = true
		}

		result := p.dedup.Process(entry)
		if !result.ShouldSend {
			if p.reg != nil {
				p.reg.DedupeSuppressed.Inc()
			}
			continue
		}
		p.batcher.Enqueue(r.Context(), result.Entry)
		accepted++
	}

	if p.reg != nil {
		p.reg.QueueDepth.WithLabelValues("logs").Set(float64(p.batcher.PendingLen()))
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wire.LogsResponse{Entries: accepted})
}

func (p *capturePipeline) toEntry(le wire.LogEntry) telemetry.Entry {
	kind := telemetry.KindConsole
	if le.Stack != "" {
		kind = telemetry.KindException
	}
	ts, _ := time.Parse(time.RFC3339Nano, le.Timestamp)
	return telemetry.Entry{
		Kind:      kind,
		Timestamp: ts,
		Level:     telemetry.Level(le.Level),
		Origin:    telemetry.Origin{TabID: le.TabID, URL: le.URL},
		Stack:     le.Stack,
		Message:   le.Message,
	}
}

// lookup lazily fetches and caches a source map for scriptURL, negative
// caching failures (spec §4.D/§4.E: a nil cached Map means "tried, gave
// up", not "not yet looked up").
func (p *capturePipeline) lookup(scriptURL string) (*sourcemap.Map, error) {
	if m, ok := p.cache.Get(scriptURL); ok {
		if p.reg != nil {
			p.reg.SourceMapHits.Inc()
		}
		return m, nil
	}
	if p.reg != nil {
		p.reg.SourceMapMisses.Inc()
	}
	m, err := p.resolver.FetchSourceMap(context.Background(), scriptURL)
	if err != nil {
		p.cache.Set(scriptURL, nil)
		return nil, err
	}
	p.cache.Set(scriptURL, m)
	return m, nil
}

// sendLogs is the batch.SendFunc[telemetry.Entry] that ships a batch to the
// control server's /logs endpoint.
func sendLogs(client *http.Client, serverURL string, reg *metrics.Registry) func(ctx context.Context, batch []telemetry.Entry) error {
	return func(ctx context.Context, batch []telemetry.Entry) error {
		if reg != nil {
			reg.FlushTotal.WithLabelValues("logs").Inc()
		}
		req := wire.LogsRequest{Entries: make([]wire.LogEntry, len(batch))}
		for i, e := range batch {
			req.Entries[i] = toLogEntry(e)
		}
		body, err := json.Marshal(req)
		if err != nil {
			if reg != nil {
				reg.FlushErrors.WithLabelValues("logs").Inc()
			}
			return errs.Wrap(err, "marshaling logs batch")
		}

		url := strings.TrimRight(serverURL, "/") + "/logs"
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			if reg != nil {
				reg.FlushErrors.WithLabelValues("logs").Inc()
			}
			return errs.Wrap(err, "building logs request")
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(httpReq)
		if err != nil {
			if reg != nil {
				reg.FlushErrors.WithLabelValues("logs").Inc()
			}
			return errs.Wrap(err, "posting /logs")
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			if reg != nil {
				reg.FlushErrors.WithLabelValues("logs").Inc()
			}
			return errs.Newf("unexpected /logs status %d", resp.StatusCode)
		}
		return nil
	}
}

func toLogEntry(e telemetry.Entry) wire.LogEntry {
	le := wire.LogEntry{
		Timestamp:           e.Timestamp.Format(time.RFC3339Nano),
		Level:               string(e.Level),
		Message:             e.Message,
		Stack:               e.Stack,
		TabID:               e.Origin.TabID,
		URL:                 e.Origin.URL,
		AggregatedCount:     e.Enrichments.AggregatedCount,
		PreviousOccurrences: e.Enrichments.PreviousOccurrences,
		SourceMapResolved:   e.Enrichments.SourceMapResolved,
		ErrorID:             e.Enrichments.ErrorID,
	}
	if !e.Enrichments.FirstSeen.IsZero() {
		le.FirstSeen = e.Enrichments.FirstSeen.Format(time.RFC3339Nano)
	}
	if !e.Enrichments.LastSeen.IsZero() {
		le.LastSeen = e.Enrichments.LastSeen.Format(time.RFC3339Nano)
	}
	return le
}

// newLogsBreaker builds the circuit breaker guarding the logs batcher,
// wired to both the Prometheus registry and the connection FSM (Component F).
func newLogsBreaker(cfg *config.Config, reg *metrics.Registry, machine *fsm.Machine, logger logging.Logger) *breaker.Breaker {
	b := breaker.New(breaker.Options{
		MaxFailures:    cfg.Breaker.MaxFailures,
		ResetTimeout:   time.Duration(cfg.Breaker.ResetTimeoutMs) * time.Millisecond,
		InitialBackoff: time.Duration(cfg.Breaker.InitialBackoffMs) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.Breaker.MaxBackoffMs) * time.Millisecond,
	})
	b.OnStateChange(func(from, to breaker.State, reason string) {
		if reg != nil {
			reg.BreakerState.WithLabelValues("logs").Set(float64(to))
			if to == breaker.Open {
				reg.BreakerOpenTotal.WithLabelValues("logs").Inc()
			}
		}
		if machine != nil {
			switch to {
			case breaker.Open:
				machine.Transition(fsm.EventCBOpened)
			case breaker.HalfOpen:
				machine.Transition(fsm.EventCBHalfOpen)
			case breaker.Closed:
				if from == breaker.HalfOpen {
					machine.Transition(fsm.EventCBProbeSucc)
				}
				machine.Transition(fsm.EventCBClosed)
			}
		}
		if logger != nil {
			logger.InfoCtx(context.Background(), "logs circuit breaker transition",
				"from", from.String(), "to", to.String(), "reason", reason)
		}
	})
	return b
}
