// Package version carries build-time identifying information for
// gasoline-agentd, set via -ldflags at release build time, grounded on
// the teacher's own version package (_examples/teranos-QNTX/version).
package version

import (
	"fmt"
	"runtime"
)

var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info is the version information surfaced on `version` and /health.
type Info struct {
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Version    string `json:"version"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

// Get returns the current build's version information.
func Get() Info {
	return Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

func (i Info) String() string {
	if i.Version != "dev" {
		return fmt.Sprintf("gasoline-agentd %s (commit %s, built %s)", i.Version, i.CommitHash, i.BuildTime)
	}
	return fmt.Sprintf("gasoline-agentd dev (commit %s, built %s)", i.CommitHash, i.BuildTime)
}

// MajorMinor is the two-part version the sync client compares against the
// server's advertised version (spec §4.G).
func (i Info) MajorMinor() string {
	v := i.Version
	if v == "dev" {
		return "0.0"
	}
	var major, minor int
	if _, err := fmt.Sscanf(v, "%d.%d", &major, &minor); err != nil {
		return "0.0"
	}
	return fmt.Sprintf("%d.%d", major, minor)
}
