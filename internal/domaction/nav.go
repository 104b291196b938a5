package domaction

import (
	"context"
	"strings"
	"time"
)

// NavAction is one browser_action navigation kind (spec §4.I.nav).
type NavAction string

const (
	NavNavigate   NavAction = "navigate"
	NavRefresh    NavAction = "refresh"
	NavBack       NavAction = "back"
	NavForward    NavAction = "forward"
	NavNewTab     NavAction = "new_tab"
	NavSwitchTab  NavAction = "switch_tab"
	NavCloseTab   NavAction = "close_tab"
)

// ErrRestrictedURL is returned for chrome:// / chrome-extension:// targets.
type ErrRestrictedURL struct{}

func (e *ErrRestrictedURL) Error() string { return "restricted_url" }

// NavTransport is the browser-tabs-API boundary navigation needs, kept
// separate from Transport since navigation addresses tabs rather than
// frames within a tab.
type NavTransport interface {
	Navigate(ctx context.Context, tabID int, url string) error
	Reload(ctx context.Context, tabID int) error
	AwaitLoad(ctx context.Context, tabID int) error
	PingContentScript(ctx context.Context, tabID int) (bool, error)
	GoBack(ctx context.Context, tabID int) error
	GoForward(ctx context.Context, tabID int) error
}

const contentScriptReprobeDelay = 200 * time.Millisecond

// ContentScriptStatus summarizes whether the content script responded
// after a navigation.
type ContentScriptStatus string

const (
	ContentScriptOK          ContentScriptStatus = "ok"
	ContentScriptUnavailable ContentScriptStatus = "unavailable"
)

// IsRestrictedURL reports whether url targets a privileged browser surface
// that commands must never navigate to.
func IsRestrictedURL(url string) bool {
	return strings.HasPrefix(url, "chrome://") || strings.HasPrefix(url, "chrome-extension://")
}

// Navigate drives a navigate browser_action: validates the target isn't
// restricted, performs it, waits for load, then probes the content
// script — reloading once and re-probing on a miss. file:// targets are
// never probed (the content script cannot run there by policy) and are
// reported unavailable without a reload attempt.
func Navigate(ctx context.Context, nt NavTransport, tabID int, url string) (ContentScriptStatus, error) {
	if IsRestrictedURL(url) {
		return "", &ErrRestrictedURL{}
	}
	if err := nt.Navigate(ctx, tabID, url); err != nil {
		return "", err
	}
	if err := nt.AwaitLoad(ctx, tabID); err != nil {
		return "", err
	}
	if strings.HasPrefix(url, "file://") {
		return ContentScriptUnavailable, nil
	}

	ok, _ := nt.PingContentScript(ctx, tabID)
	if ok {
		return ContentScriptOK, nil
	}

	select {
	case <-time.After(contentScriptReprobeDelay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if err := nt.Reload(ctx, tabID); err != nil {
		return "", err
	}
	if err := nt.AwaitLoad(ctx, tabID); err != nil {
		return "", err
	}
	ok, _ = nt.PingContentScript(ctx, tabID)
	if ok {
		return ContentScriptOK, nil
	}
	return ContentScriptUnavailable, nil
}
