// Package dispatch implements the command dispatcher (spec §4.H): target
// tab resolution, routing by command type, the pierce_shadow auto
// heuristic, and effective-context capture after execution. It wires
// together internal/domaction (dom/execute), internal/authz (the pilot
// gate and tracked-tab state the routing and pierce_shadow rules depend
// on), and internal/snapshot (state_*), exactly mirroring the teacher's
// own command-router-over-capability-interfaces structure
// (_examples/brennhill-.../internal/dispatch).
package dispatch

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/brennhill/gasoline-coordinator/internal/authz"
	"github.com/brennhill/gasoline-coordinator/internal/domaction"
	"github.com/brennhill/gasoline-coordinator/internal/snapshot"
	"github.com/brennhill/gasoline-coordinator/internal/wire"
)

// Error kinds, verbatim from spec §7.
const (
	KindInvalidParams        = "invalid_params"
	KindInvalidParam         = "invalid_param"
	KindMissingAction        = "missing_action"
	KindMissingSelector      = "missing_selector"
	KindInvalidFrame         = "invalid_frame"
	KindFrameNotFound        = "frame_not_found"
	KindRestrictedURL        = "restricted_url"
	KindPilotDisabled        = "ai_web_pilot_disabled"
	KindContentScriptNotLoaded = "content_script_not_loaded"
	KindCSPBlocked           = "csp_blocked"
	KindCSPBlockedAllWorlds  = "csp_blocked_all_worlds"
	KindExecutionTimeout     = "execution_timeout"
	KindStatusMismatch       = "status_mismatch"
	KindMissingMatchEvidence = "missing_match_evidence"
	KindNoResult             = "no_result"
	KindTimeout              = "timeout"
	KindDOMQueryFailed       = "dom_query_failed"
	KindDOMActionFailed      = "dom_action_failed"
	KindBrowserActionFailed  = "browser_action_failed"
	KindScriptingAPIError    = "scripting_api_error"
	KindUnknownAction        = "unknown_action"
	KindDrawModeFailed       = "draw_mode_failed"
	KindVersionMismatch      = "version_mismatch"
)

// CommandError is a terminal command-scoped failure (spec §7 band (b):
// "surface to caller"). It is distinct from internal/errs, which carries
// Go-side stack traces that must never reach the wire.
type CommandError struct {
	Kind    string
	Message string
}

func (e *CommandError) Error() string { return e.Kind + ": " + e.Message }

func invalidParams(msg string) *CommandError { return &CommandError{Kind: KindInvalidParams, Message: msg} }

// TabInfo is the subset of browser tab state the dispatcher needs.
type TabInfo struct {
	ID    int
	URL   string
	Title string
}

// TabsAPI is the out-of-scope browser tabs-API boundary.
type TabsAPI interface {
	ActiveTab(ctx context.Context) (TabInfo, error)
	GetTab(ctx context.Context, tabID int) (TabInfo, bool, error)
	NewTab(ctx context.Context, url string) (TabInfo, error)
	SwitchTab(ctx context.Context, tabID int) error
	CloseTab(ctx context.Context, tabID int) error
}

// ContentScriptQuerier is the generic query/response boundary for command
// types that don't go through the full domaction.Engine (a11y, page_info,
// tabs, waterfall, highlight, draw_mode, upload).
type ContentScriptQuerier interface {
	Query(ctx context.Context, tabID int, msgType string, params map[string]any) (any, error)
}

// Dispatcher routes commands to the component that implements them.
// execute_js runs through DOM (domaction.Engine), which already owns
// world selection and CSP fallback, so the dispatcher needs no separate
// single-realm execution transport of its own.
type Dispatcher struct {
	Authz         *authz.Gate
	Tabs          TabsAPI
	ContentScript ContentScriptQuerier
	DOM           *domaction.Engine
	Nav           domaction.NavTransport
	Snapshots     *snapshot.Store
}

func parseParams(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, invalidParams("params must be a JSON object: " + err.Error())
	}
	return m, nil
}

// resolveTab implements the target-tab resolution chain (spec §4.H):
// explicit tab_id, else the tracked tab (clearing tracking if it no
// longer exists), else the active tab.
func (d *Dispatcher) resolveTab(ctx context.Context, cmd wire.Command, params map[string]any) (TabInfo, error) {
	if cmd.TabID != 0 {
		info, ok, err := d.Tabs.GetTab(ctx, cmd.TabID)
		if err != nil {
			return TabInfo{}, err
		}
		if ok {
			return info, nil
		}
	}
	if v, ok := params["tab_id"]; ok {
		if f, ok := v.(float64); ok {
			info, ok, err := d.Tabs.GetTab(ctx, int(f))
			if err != nil {
				return TabInfo{}, err
			}
			if ok {
				return info, nil
			}
		}
	}

	if tracked := d.Authz.Tracked(); tracked != nil {
		info, ok, err := d.Tabs.GetTab(ctx, tracked.TabID)
		if err != nil {
			return TabInfo{}, err
		}
		if ok {
			return info, nil
		}
		d.Authz.ClearTracking()
	}

	return d.Tabs.ActiveTab(ctx)
}

func originOf(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return u.Scheme + "://" + u.Host, true
}

// resolvePierceShadow implements the pierce_shadow:"auto" heuristic (spec
// §4.H / scenario 3): true iff pilot is enabled AND the resolved tab is
// the tracked tab AND the tracked/target URL origins are equal.
func resolvePierceShadow(raw any, pilotEnabled bool, tracked *authz.TrackedTarget, resolved TabInfo) (bool, error) {
	switch v := raw.(type) {
	case nil:
		return false, nil
	case bool:
		return v, nil
	case string:
		if v != "auto" {
			return false, &CommandError{Kind: KindInvalidParam, Message: "pierce_shadow must be true, false, or \"auto\" (got \"" + v + "\")"}
		}
		if !pilotEnabled || tracked == nil || tracked.TabID != resolved.ID {
			return false, nil
		}
		trackedOrigin, ok1 := originOf(tracked.URL)
		targetOrigin, ok2 := originOf(resolved.URL)
		if !ok1 || !ok2 {
			return false, nil
		}
		return trackedOrigin == targetOrigin, nil
	default:
		return false, &CommandError{Kind: KindInvalidParam, Message: "pierce_shadow must be boolean or \"auto\""}
	}
}

// EffectiveContext is captured AFTER execution so callers can detect
// navigation drift between dispatch and execution (spec §4.H).
type EffectiveContext struct {
	EffectiveTabID int    `json:"effective_tab_id"`
	EffectiveURL   string `json:"effective_url"`
	EffectiveTitle string `json:"effective_title"`
}

func (d *Dispatcher) captureEffectiveContext(ctx context.Context, tabID int) EffectiveContext {
	info, ok, err := d.Tabs.GetTab(ctx, tabID)
	if err != nil || !ok {
		return EffectiveContext{EffectiveTabID: tabID}
	}
	return EffectiveContext{EffectiveTabID: info.ID, EffectiveURL: info.URL, EffectiveTitle: info.Title}
}

func isMutatingDOMAction(action string) bool {
	return !domaction.IsReadOnly(action)
}

// Dispatch executes cmd and returns its terminal result. It never returns
// a Go error: command-scoped failures and failures of the surrounding
// transport (tabs lookup, etc.) are both encoded into the result's
// Status/Error fields (spec §7 band (b)).
func (d *Dispatcher) Dispatch(ctx context.Context, cmd wire.Command) wire.CommandResult {
	params, err := parseParams(cmd.Params)
	if err != nil {
		return d.errorResult(cmd, err)
	}

	tab, err := d.resolveTab(ctx, cmd, params)
	if err != nil {
		return d.errorResult(cmd, err)
	}

	var (
		payload any
		derr    error
	)

	switch {
	case cmd.Type == "dom":
		payload, derr = d.dispatchDOM(ctx, tab, params)
	case cmd.Type == "a11y", cmd.Type == "page_info", cmd.Type == "tabs",
		cmd.Type == "waterfall", cmd.Type == "highlight":
		payload, derr = d.ContentScript.Query(ctx, tab.ID, msgTypeFor(cmd.Type), params)
	case cmd.Type == "browser_action":
		payload, derr = d.dispatchBrowserAction(ctx, tab, params)
	case cmd.Type == "execute":
		payload, derr = d.dispatchExecute(ctx, tab, params)
	case strings.HasPrefix(cmd.Type, "state_"):
		payload, derr = d.dispatchState(ctx, cmd.Type, params)
	case cmd.Type == "draw_mode", cmd.Type == "upload":
		if err := d.Authz.RequirePilot(); err != nil {
			derr = err
			break
		}
		payload, derr = d.ContentScript.Query(ctx, tab.ID, msgTypeFor(cmd.Type), params)
	default:
		derr = &CommandError{Kind: KindUnknownAction, Message: "unrecognized command type: " + cmd.Type}
	}

	eff := d.captureEffectiveContext(ctx, tab.ID)

	if derr != nil {
		r := d.errorResult(cmd, derr)
		mergeEffectiveContext(&r, eff)
		return r
	}

	result := wire.CommandResult{ID: cmd.ID, CorrelationID: cmd.CorrelationID, Status: "complete"}
	result.Result, _ = json.Marshal(mergePayloadWithContext(payload, eff))
	return result
}

func (d *Dispatcher) errorResult(cmd wire.Command, err error) wire.CommandResult {
	kind := KindDOMActionFailed
	msg := err.Error()
	if ce, ok := err.(*CommandError); ok {
		kind, msg = ce.Kind, ce.Message
	}
	return wire.CommandResult{ID: cmd.ID, CorrelationID: cmd.CorrelationID, Status: "error", Error: kind + ": " + msg}
}

func mergeEffectiveContext(r *wire.CommandResult, eff EffectiveContext) {
	b, _ := json.Marshal(eff)
	r.Result = b
}

func mergePayloadWithContext(payload any, eff EffectiveContext) map[string]any {
	out := map[string]any{
		"effective_tab_id": eff.EffectiveTabID,
		"effective_url":    eff.EffectiveURL,
		"effective_title":  eff.EffectiveTitle,
	}
	if m, ok := payload.(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	out["result"] = payload
	return out
}

func msgTypeFor(cmdType string) string {
	switch cmdType {
	case "a11y":
		return "A11Y_QUERY"
	case "page_info":
		return "DOM_QUERY"
	case "tabs":
		return "DOM_QUERY"
	case "waterfall":
		return "GET_NETWORK_WATERFALL"
	case "highlight":
		return "GASOLINE_HIGHLIGHT"
	case "draw_mode":
		return "GASOLINE_DRAW_MODE_START"
	case "upload":
		return "GASOLINE_MANAGE_STATE"
	default:
		return cmdType
	}
}

// dispatchDOM routes a `dom` command into the DOM Action Engine,
// resolving pierce_shadow and gating mutating actions on pilot (spec
// §4.H / §4.I / §4.J).
func (d *Dispatcher) dispatchDOM(ctx context.Context, tab TabInfo, params map[string]any) (any, error) {
	action, _ := params["action"].(string)
	if action == "" {
		return nil, &CommandError{Kind: KindMissingAction, Message: "dom command requires an action"}
	}

	pierced, err := resolvePierceShadow(params["pierce_shadow"], d.Authz.PilotEnabled(), d.Authz.Tracked(), tab)
	if err != nil {
		return nil, err
	}
	params["pierce_shadow"] = pierced

	if isMutatingDOMAction(action) {
		if err := d.Authz.RequirePilot(); err != nil {
			return nil, err
		}
	}

	fs, err := domaction.ParseFrame(params["frame"])
	if err != nil {
		return nil, &CommandError{Kind: KindInvalidFrame, Message: err.Error()}
	}

	world := domaction.World(asString(params["world"], string(domaction.WorldAuto)))

	result, err := d.DOM.Dispatch(ctx, tab.ID, fs, world, action, params)
	if err != nil {
		if _, ok := err.(*domaction.ErrFrameNotFound); ok {
			return nil, &CommandError{Kind: KindFrameNotFound, Message: "no frame matched the given selector"}
		}
		return nil, &CommandError{Kind: KindDOMQueryFailed, Message: err.Error()}
	}
	return domResultToMap(result), nil
}

func asString(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func domResultToMap(r domaction.DOMResult) map[string]any {
	return map[string]any{
		"success":            r.Success,
		"action":             r.Action,
		"selector":           r.Selector,
		"value":              r.Value,
		"matched":            r.Matched,
		"candidates":         r.Candidates,
		"error":              r.Error,
		"message":            r.Message,
		"execution_world":    r.ExecutionWorld,
		"fallback_attempted": r.FallbackAttempted,
	}
}

// dispatchBrowserAction routes navigate/refresh/back/forward/new_tab/
// switch_tab/close_tab (spec §4.H, §4.I.nav). All are mutating and pilot
// gated.
func (d *Dispatcher) dispatchBrowserAction(ctx context.Context, tab TabInfo, params map[string]any) (any, error) {
	if err := d.Authz.RequirePilot(); err != nil {
		return nil, err
	}
	action, _ := params["action"].(string)
	switch domaction.NavAction(action) {
	case domaction.NavNavigate:
		target, _ := params["url"].(string)
		status, err := domaction.Navigate(ctx, d.Nav, tab.ID, target)
		if err != nil {
			if _, ok := err.(*domaction.ErrRestrictedURL); ok {
				return nil, &CommandError{Kind: KindRestrictedURL, Message: "navigation target is a restricted browser URL"}
			}
			return nil, &CommandError{Kind: KindBrowserActionFailed, Message: err.Error()}
		}
		return map[string]any{"success": true, "content_script_status": string(status)}, nil
	case domaction.NavRefresh:
		if err := d.Nav.Reload(ctx, tab.ID); err != nil {
			return nil, &CommandError{Kind: KindBrowserActionFailed, Message: err.Error()}
		}
		return map[string]any{"success": true}, nil
	case domaction.NavNewTab:
		target, _ := params["url"].(string)
		info, err := d.Tabs.NewTab(ctx, target)
		if err != nil {
			return nil, &CommandError{Kind: KindBrowserActionFailed, Message: err.Error()}
		}
		return map[string]any{"success": true, "tab_id": info.ID}, nil
	case domaction.NavSwitchTab:
		if err := d.Tabs.SwitchTab(ctx, tab.ID); err != nil {
			return nil, &CommandError{Kind: KindBrowserActionFailed, Message: err.Error()}
		}
		return map[string]any{"success": true}, nil
	case domaction.NavCloseTab:
		if err := d.Tabs.CloseTab(ctx, tab.ID); err != nil {
			return nil, &CommandError{Kind: KindBrowserActionFailed, Message: err.Error()}
		}
		d.Authz.ClearTrackingIfTab(tab.ID)
		return map[string]any{"success": true}, nil
	case domaction.NavBack:
		if err := d.Nav.GoBack(ctx, tab.ID); err != nil {
			return nil, &CommandError{Kind: KindBrowserActionFailed, Message: err.Error()}
		}
		return map[string]any{"success": true}, nil
	case domaction.NavForward:
		if err := d.Nav.GoForward(ctx, tab.ID); err != nil {
			return nil, &CommandError{Kind: KindBrowserActionFailed, Message: err.Error()}
		}
		return map[string]any{"success": true}, nil
	default:
		return nil, &CommandError{Kind: KindUnknownAction, Message: "unrecognized browser_action: " + action}
	}
}

// dispatchExecute routes `execute` through the DOM Action Engine's
// execute_js path, then reshapes a both-worlds CSP refusal into
// csp_blocked_all_worlds (spec §4.I.exec / scenario 4).
func (d *Dispatcher) dispatchExecute(ctx context.Context, tab TabInfo, params map[string]any) (any, error) {
	if err := d.Authz.RequirePilot(); err != nil {
		return nil, err
	}
	code, _ := params["code"].(string)
	if code == "" {
		return nil, &CommandError{Kind: KindInvalidParams, Message: "execute requires a non-empty code string"}
	}
	if _, err := domaction.CompileExecuteJS(code); err != nil {
		return nil, &CommandError{Kind: KindInvalidParams, Message: err.Error()}
	}

	world := domaction.World(asString(params["world"], string(domaction.WorldAuto)))
	fs, _ := domaction.ParseFrame(params["frame"])

	result, err := d.DOM.Dispatch(ctx, tab.ID, fs, world, "execute_js", params)
	if err != nil {
		return nil, &CommandError{Kind: KindScriptingAPIError, Message: err.Error()}
	}

	if !result.Success && result.FallbackAttempted && domaction.IsCSPError(result.Error) {
		result.Error = KindCSPBlockedAllWorlds
	} else if !result.Success && domaction.IsCSPError(result.Error) {
		result.Error = KindCSPBlocked
	}

	resolved, err := domaction.ResolveAwaitable(result.Value)
	if err != nil {
		return nil, &CommandError{Kind: KindExecutionTimeout, Message: err.Error()}
	}
	result.Value = domaction.SerializeValue(resolved)
	return domResultToMap(result), nil
}

// dispatchState routes state_save/state_load/state_list/state_delete to
// the snapshot store (spec §4.K). Only save/delete mutate and are pilot
// gated per spec §4.J ("state_* mutation").
func (d *Dispatcher) dispatchState(ctx context.Context, cmdType string, params map[string]any) (any, error) {
	switch cmdType {
	case "state_save":
		if err := d.Authz.RequirePilot(); err != nil {
			return nil, err
		}
		name, _ := params["name"].(string)
		if name == "" {
			return nil, &CommandError{Kind: KindInvalidParams, Message: "state_save requires a name"}
		}
		snap := wire.NamedSnapshot{Name: name}
		if pageURL, ok := params["page_url"].(string); ok {
			snap.PageURL = pageURL
		}
		if capturedAt, ok := params["captured_at"].(string); ok {
			snap.CapturedAt = capturedAt
		}
		if err := d.Snapshots.Save(ctx, snap); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	case "state_load":
		name, _ := params["name"].(string)
		snap, ok, err := d.Snapshots.Load(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return map[string]any{"snapshot": nil}, nil
		}
		return map[string]any{"snapshot": snap}, nil
	case "state_list":
		list, err := d.Snapshots.List(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"snapshots": list}, nil
	case "state_delete":
		if err := d.Authz.RequirePilot(); err != nil {
			return nil, err
		}
		name, _ := params["name"].(string)
		if err := d.Snapshots.Delete(ctx, name); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil
	default:
		return nil, &CommandError{Kind: KindUnknownAction, Message: "unrecognized state command: " + cmdType}
	}
}
