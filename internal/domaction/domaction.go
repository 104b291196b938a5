// Package domaction implements the DOM action engine (spec §4.I):
// multi-frame script injection, world-mode selection with CSP fallback,
// wait-for polling, merged list-interactive, and the evidence invariant for
// mutating actions. The actual script injection and content-script
// messaging are out of scope (spec §1) — content scripts are an external
// collaborator — so this package talks to them through the Transport
// interface and only performs LOCAL pre-validation/compilation of
// execute_js payloads using robertkrimen/otto, grounded on the
// firasghr-GoSessionEngine pack entry's one direct dependency.
package domaction

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/robertkrimen/otto"

	"github.com/brennhill/gasoline-coordinator/internal/errs"
)

// World is the JavaScript realm an injected script runs in.
type World string

const (
	WorldAuto     World = "auto"
	WorldMain     World = "main"
	WorldIsolated World = "isolated"
)

// FrameSelector is the resolved frame-targeting mode (spec §4.I).
type FrameSelector struct {
	All      bool
	FrameID  *int
	Selector string
}

// ParseFrame resolves the raw `frame` param into a FrameSelector.
// Undefined/"all" => all frames; a numeric string => a specific frame id;
// anything else is treated as a CSS selector to probe every frame with.
func ParseFrame(raw any) (FrameSelector, error) {
	if raw == nil {
		return FrameSelector{All: true}, nil
	}
	switch v := raw.(type) {
	case string:
		if v == "" || v == "all" {
			return FrameSelector{All: true}, nil
		}
		if n, err := strconv.Atoi(v); err == nil {
			return FrameSelector{FrameID: &n}, nil
		}
		return FrameSelector{Selector: v}, nil
	case float64:
		n := int(v)
		return FrameSelector{FrameID: &n}, nil
	case int:
		return FrameSelector{FrameID: &v}, nil
	default:
		return FrameSelector{}, &ErrInvalidFrame{}
	}
}

// ErrInvalidFrame is returned for a frame param that is neither
// undefined/"all", a number, nor a string.
type ErrInvalidFrame struct{}

func (e *ErrInvalidFrame) Error() string { return "invalid_frame" }

// ErrFrameNotFound is returned when a selector-based frame probe matches no
// frame.
type ErrFrameNotFound struct{}

func (e *ErrFrameNotFound) Error() string { return "frame_not_found" }

// Matched carries the identifying evidence a successful mutating-action
// result must include (spec: "evidence invariant").
type Matched struct {
	Selector   string
	Tag        string
	ElementID  string
	AriaLabel  string
	Role       string
	TextPreview string
}

// Empty reports whether no identifying field was populated.
func (m Matched) Empty() bool {
	return m.Selector == "" && m.Tag == "" && m.ElementID == "" && m.AriaLabel == "" && m.Role == "" && m.TextPreview == ""
}

// DOMResult is the per-frame result shape produced by the injected script
// contract (spec §6).
type DOMResult struct {
	FrameID          int
	Success          bool
	Action           string
	Selector         string
	Value            any
	Matched          *Matched
	Candidates       []any
	Error            string
	Message          string
	DOMSummary       any
	Timing           time.Duration
	CandidateCount   int
	ScopeRectUsed    any
	ExecutionWorld   World
	FallbackAttempted bool
}

// Transport is the out-of-scope content-script messaging boundary: it
// injects an action into one or more frames and returns their per-frame
// results. A real implementation bridges to the browser extension's
// scripting API; here it is the seam this engine depends on.
type Transport interface {
	// Inject runs action against the given frames (frameIDs empty means
	// "all frames") in the given world, returning one DOMResult per probed
	// frame.
	Inject(ctx context.Context, tabID int, frameIDs []int, world World, action string, params map[string]any) ([]DOMResult, error)
	// ProbeFrames returns the ids of frames whose root matches selector.
	ProbeFrames(ctx context.Context, tabID int, selector string) ([]int, error)
}

const (
	DefaultWaitForTimeout = 5 * time.Second
	WaitForPollInterval   = 80 * time.Millisecond
	DefaultExecuteJSTimeout = 5 * time.Second
	ExecuteTimeoutMargin    = 2 * time.Second
	ToastMinVisible         = 500 * time.Millisecond
	MaxListInteractiveItems = 100
)

// Engine runs DOM actions against a target tab via a Transport.
type Engine struct {
	transport Transport
}

// New constructs an Engine.
func New(transport Transport) *Engine {
	return &Engine{transport: transport}
}

// IsReadOnly reports whether action is list_interactive or any get_*
// action (read-only actions are not gated by pilot and need no toast).
func IsReadOnly(action string) bool {
	return action == "list_interactive" || strings.HasPrefix(action, "get_")
}

// resolveFrames turns a FrameSelector into concrete frame ids.
func (e *Engine) resolveFrames(ctx context.Context, tabID int, fs FrameSelector) ([]int, error) {
	if fs.All || fs.FrameID == nil && fs.Selector == "" {
		return nil, nil // nil means "all frames" to Transport.Inject
	}
	if fs.FrameID != nil {
		return []int{*fs.FrameID}, nil
	}
	ids, err := e.transport.ProbeFrames(ctx, tabID, fs.Selector)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, &ErrFrameNotFound{}
	}
	return ids, nil
}

// Dispatch runs action with world-mode resolution (auto tries main then
// falls back to isolated on failure) and reconciles the resulting
// per-frame results into one canonical DOMResult.
func (e *Engine) Dispatch(ctx context.Context, tabID int, fs FrameSelector, world World, action string, params map[string]any) (DOMResult, error) {
	frameIDs, err := e.resolveFrames(ctx, tabID, fs)
	if err != nil {
		return DOMResult{}, err
	}

	if world == "" {
		world = WorldAuto
	}

	if world != WorldAuto {
		results, err := e.transport.Inject(ctx, tabID, frameIDs, world, action, params)
		if err != nil {
			return DOMResult{}, err
		}
		return enforceEvidence(reconcile(results), action), nil
	}

	mainResults, err := e.transport.Inject(ctx, tabID, frameIDs, WorldMain, action, params)
	if err == nil {
		reconciled := reconcile(mainResults)
		if reconciled.Success {
			reconciled.ExecutionWorld = WorldMain
			return enforceEvidence(reconciled, action), nil
		}
	}

	isolatedResults, ierr := e.transport.Inject(ctx, tabID, frameIDs, WorldIsolated, action, params)
	if ierr != nil {
		return DOMResult{}, ierr
	}
	reconciled := reconcile(isolatedResults)
	reconciled.ExecutionWorld = WorldIsolated
	reconciled.FallbackAttempted = true
	return enforceEvidence(reconciled, action), nil
}

// reconcile implements the priority order: main-success -> any-success ->
// main-failure -> first-any (spec §4.I / §9 design note).
func reconcile(results []DOMResult) DOMResult {
	if len(results) == 0 {
		return DOMResult{Success: false, Error: "no_result"}
	}
	var mainSuccess, anySuccess, mainFailure *DOMResult
	for i := range results {
		r := &results[i]
		if r.FrameID == 0 && r.Success && mainSuccess == nil {
			mainSuccess = r
		}
		if r.Success && anySuccess == nil {
			anySuccess = r
		}
		if r.FrameID == 0 && !r.Success && mainFailure == nil {
			mainFailure = r
		}
	}
	switch {
	case mainSuccess != nil:
		return *mainSuccess
	case anySuccess != nil:
		return *anySuccess
	case mainFailure != nil:
		return *mainFailure
	default:
		return results[0]
	}
}

// evidenceExemptActions are actions whose success payload carries a
// return value or predicate outcome rather than an identified DOM
// element, so the match-evidence invariant does not apply to them.
var evidenceExemptActions = map[string]bool{
	"execute_js": true,
	"wait_for":   true,
}

// enforceEvidence downgrades a success result lacking identifying match
// evidence, and downgrades a success carrying a non-empty error to
// status_mismatch, for mutating (non-read-only) actions.
func enforceEvidence(r DOMResult, action string) DOMResult {
	if IsReadOnly(action) || evidenceExemptActions[action] || !r.Success {
		return r
	}
	if r.Success && r.Error != "" {
		r.Success = false
		r.Error = "status_mismatch"
		return r
	}
	if r.Matched == nil || r.Matched.Empty() {
		r.Success = false
		r.Error = "missing_match_evidence"
		return r
	}
	return r
}

// MergeListInteractive merges list_interactive candidates across frames,
// capped at MaxListInteractiveItems, preserving the first non-empty
// ScopeRectUsed.
func MergeListInteractive(results []DOMResult) ([]any, any) {
	var merged []any
	var scopeRect any
	for _, r := range results {
		if scopeRect == nil && r.ScopeRectUsed != nil {
			scopeRect = r.ScopeRectUsed
		}
		for _, c := range r.Candidates {
			if len(merged) >= MaxListInteractiveItems {
				return merged, scopeRect
			}
			merged = append(merged, c)
		}
	}
	return merged, scopeRect
}

// WaitFor polls predicate (already injected per-frame by the caller via
// pollOnce) every WaitForPollInterval until it returns true or timeout
// elapses. It always produces a multi-frame-shaped result on timeout per
// Open Question (ii): never a bare quick-check DOMResult.
func WaitFor(ctx context.Context, timeout time.Duration, pollOnce func(ctx context.Context) ([]DOMResult, bool, error)) ([]DOMResult, error) {
	if timeout <= 0 {
		timeout = DefaultWaitForTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		results, satisfied, err := pollOnce(ctx)
		if err != nil {
			return nil, err
		}
		if satisfied {
			return results, nil
		}
		if time.Now().After(deadline) {
			return []DOMResult{{
				Success: false,
				Action:  "wait_for",
				Error:   "timeout",
				Message: "wait_for predicate did not become true before timeout_ms elapsed",
			}}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(WaitForPollInterval):
		}
	}
}

// CompileExecuteJS compiles code twice, matching the extension's execute_js
// semantics: first as an expression (to capture a return value), falling
// back to plain statements on a syntax error from the expression form.
// The expression form is `return (code)` inside a function body, since a
// top-level return does not compile.
// This is purely a LOCAL validation/compile probe (via otto) run before
// shipping the code to the page; actual execution happens in the browser
// realm via Transport.
func CompileExecuteJS(code string) (asExpression bool, err error) {
	vm := otto.New()
	if _, cerr := vm.Compile("", "(function(){ return ("+code+"\n) })"); cerr == nil {
		return true, nil
	}
	if _, cerr := vm.Compile("", code); cerr == nil {
		return false, nil
	} else {
		return false, errs.Wrap(cerr, "execute_js failed to compile as expression or statements")
	}
}

// IsCSPError reports whether an error message looks like a CSP/Trusted-Type
// /unsafe-eval rejection, the trigger for an auto-mode world fallback.
func IsCSPError(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "content security policy") ||
		strings.Contains(lower, "unsafe-eval") ||
		strings.Contains(lower, "trustedscript") ||
		strings.Contains(lower, "eval") && strings.Contains(lower, "blocked")
}
