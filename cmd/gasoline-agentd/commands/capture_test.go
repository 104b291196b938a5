package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brennhill/gasoline-coordinator/internal/dedupe"
	"github.com/brennhill/gasoline-coordinator/internal/metrics"
	"github.com/brennhill/gasoline-coordinator/internal/telemetry"
	"github.com/brennhill/gasoline-coordinator/internal/wire"
)

type fakeBatcher struct {
	enqueued []telemetry.Entry
}

func (f *fakeBatcher) Enqueue(ctx context.Context, item telemetry.Entry) {
	f.enqueued = append(f.enqueued, item)
}

func (f *fakeBatcher) PendingLen() int { return len(f.enqueued) }

func TestCaptureAcceptsAndEnqueuesConsoleEntry(t *testing.T) {
	fb := &fakeBatcher{}
	p := newCapturePipeline(dedupe.New(), fb, metrics.New(), nil)

	body, err := json.Marshal(wire.LogsRequest{Entries: []wire.LogEntry{
		{Timestamp: "2026-01-01T00:00:00Z", Level: "info", Message: "hello"},
	}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/capture", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, fb.enqueued, 1)
	assert.Equal(t, telemetry.KindConsole, fb.enqueued[0].Kind)

	var resp wire.LogsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, 1, resp.Entries)
}

func TestCaptureDedupesRepeatedErrorsWithinWindow(t *testing.T) {
	fb := &fakeBatcher{}
	p := newCapturePipeline(dedupe.New(), fb, metrics.New(), nil)

	entry := wire.LogEntry{Timestamp: "2026-01-01T00:00:00Z", Level: "error", Message: "boom"}
	body, err := json.Marshal(wire.LogsRequest{Entries: []wire.LogEntry{entry, entry}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/capture", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, fb.enqueued, 1, "second occurrence within the dedup window should be suppressed")
}

func TestCaptureRejectsNonPost(t *testing.T) {
	fb := &fakeBatcher{}
	p := newCapturePipeline(dedupe.New(), fb, metrics.New(), nil)

	req := httptest.NewRequest(http.MethodGet, "/capture", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestCaptureRejectsMalformedBody(t *testing.T) {
	fb := &fakeBatcher{}
	p := newCapturePipeline(dedupe.New(), fb, metrics.New(), nil)

	req := httptest.NewRequest(http.MethodPost, "/capture", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
