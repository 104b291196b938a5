package domaction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNavTransport struct {
	pings      []bool
	pingCalls  int
	reloaded   bool
	navigated  string
}

func (f *fakeNavTransport) Navigate(ctx context.Context, tabID int, url string) error {
	f.navigated = url
	return nil
}

func (f *fakeNavTransport) Reload(ctx context.Context, tabID int) error {
	f.reloaded = true
	return nil
}

func (f *fakeNavTransport) AwaitLoad(ctx context.Context, tabID int) error { return nil }

func (f *fakeNavTransport) PingContentScript(ctx context.Context, tabID int) (bool, error) {
	ok := false
	if f.pingCalls < len(f.pings) {
		ok = f.pings[f.pingCalls]
	}
	f.pingCalls++
	return ok, nil
}

func (f *fakeNavTransport) GoBack(ctx context.Context, tabID int) error    { return nil }
func (f *fakeNavTransport) GoForward(ctx context.Context, tabID int) error { return nil }

func TestIsRestrictedURL(t *testing.T) {
	assert.True(t, IsRestrictedURL("chrome://settings"))
	assert.True(t, IsRestrictedURL("chrome-extension://abc/page.html"))
	assert.False(t, IsRestrictedURL("https://example.com"))
}

func TestNavigateRejectsRestrictedURL(t *testing.T) {
	nt := &fakeNavTransport{}
	_, err := Navigate(context.Background(), nt, 1, "chrome://settings")
	require.Error(t, err)
	var restricted *ErrRestrictedURL
	assert.ErrorAs(t, err, &restricted)
	assert.Empty(t, nt.navigated)
}

func TestNavigateFileURLShortCircuitsWithoutProbing(t *testing.T) {
	nt := &fakeNavTransport{pings: []bool{true}}
	status, err := Navigate(context.Background(), nt, 1, "file:///tmp/x.html")
	require.NoError(t, err)
	assert.Equal(t, ContentScriptUnavailable, status)
	assert.Equal(t, 0, nt.pingCalls)
	assert.False(t, nt.reloaded)
}

func TestNavigateSucceedsOnFirstPing(t *testing.T) {
	nt := &fakeNavTransport{pings: []bool{true}}
	status, err := Navigate(context.Background(), nt, 1, "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, ContentScriptOK, status)
	assert.False(t, nt.reloaded)
}

func TestNavigateReloadsOnceAndReprobes(t *testing.T) {
	nt := &fakeNavTransport{pings: []bool{false, true}}
	status, err := Navigate(context.Background(), nt, 1, "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, ContentScriptOK, status)
	assert.True(t, nt.reloaded)
	assert.Equal(t, 2, nt.pingCalls)
}

func TestNavigateUnavailableAfterReloadStillFails(t *testing.T) {
	nt := &fakeNavTransport{pings: []bool{false, false}}
	status, err := Navigate(context.Background(), nt, 1, "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, ContentScriptUnavailable, status)
	assert.True(t, nt.reloaded)
}
