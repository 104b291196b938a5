// Package bridge provides the daemon's default implementation of every
// out-of-scope browser-side capability interface (domaction.Transport,
// domaction.NavTransport, dispatch.TabsAPI, dispatch.ContentScriptQuerier,
// lifecycle.TabQuery): content-script messaging, script injection, and
// the tabs API (spec §1 Non-goals / §9). A real deployment
// replaces this with whatever wire protocol the browser extension speaks;
// until one is attached, every call reports content_script_not_loaded so
// the rest of the daemon (sync loop, dispatcher routing, pilot gate)
// exercises its full error-reporting path rather than panicking on a nil
// dependency.
package bridge

import (
	"context"

	"github.com/brennhill/gasoline-coordinator/internal/dispatch"
	"github.com/brennhill/gasoline-coordinator/internal/domaction"
)

const notLoadedMessage = "content_script_not_loaded: no browser extension is attached to this coordinator"

// Unattached is the no-browser-attached stub satisfying every bridge
// capability interface the dispatcher and DOM action engine depend on.
type Unattached struct{}

func (Unattached) Inject(ctx context.Context, tabID int, frameIDs []int, world domaction.World, action string, params map[string]any) ([]domaction.DOMResult, error) {
	return nil, errNotLoaded{}
}

func (Unattached) ProbeFrames(ctx context.Context, tabID int, selector string) ([]int, error) {
	return nil, errNotLoaded{}
}

func (Unattached) Navigate(ctx context.Context, tabID int, url string) error      { return errNotLoaded{} }
func (Unattached) Reload(ctx context.Context, tabID int) error                    { return errNotLoaded{} }
func (Unattached) AwaitLoad(ctx context.Context, tabID int) error                 { return nil }
func (Unattached) PingContentScript(ctx context.Context, tabID int) (bool, error) { return false, nil }
func (Unattached) GoBack(ctx context.Context, tabID int) error                    { return errNotLoaded{} }
func (Unattached) GoForward(ctx context.Context, tabID int) error                 { return errNotLoaded{} }

func (Unattached) ActiveTab(ctx context.Context) (dispatch.TabInfo, error) {
	return dispatch.TabInfo{}, errNotLoaded{}
}

func (Unattached) GetTab(ctx context.Context, tabID int) (dispatch.TabInfo, bool, error) {
	return dispatch.TabInfo{}, false, nil
}

func (Unattached) NewTab(ctx context.Context, url string) (dispatch.TabInfo, error) {
	return dispatch.TabInfo{}, errNotLoaded{}
}

func (Unattached) SwitchTab(ctx context.Context, tabID int) error { return errNotLoaded{} }
func (Unattached) CloseTab(ctx context.Context, tabID int) error  { return errNotLoaded{} }

func (Unattached) Query(ctx context.Context, tabID int, msgType string, params map[string]any) (any, error) {
	return nil, errNotLoaded{}
}

// Exists and Title satisfy lifecycle.TabQuery, used for startup tracked-tab
// recovery. Without an attached browser there is nothing to recover, so a
// previously tracked tab is always reported gone.
func (Unattached) Exists(ctx context.Context, tabID int) (bool, error) { return false, nil }
func (Unattached) Title(ctx context.Context, tabID int) (string, error) {
	return "", errNotLoaded{}
}

type errNotLoaded struct{}

func (errNotLoaded) Error() string { return notLoadedMessage }
