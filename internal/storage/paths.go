// Package storage implements the coordinator's persistent key-value store —
// the Go stand-in for the browser's chrome.storage.local, since this module
// has no browser storage API to call into (spec §1 Non-goals: "the
// storage-utility shim" is an external collaborator; this package is what a
// Go process uses in its place).
//
// Path resolution is adapted from the teacher's internal/state package: same
// override order (env var -> XDG -> user config dir), trimmed to the paths
// this coordinator actually needs.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// RootDirEnv overrides the default runtime state root.
	RootDirEnv = "GASOLINE_STATE_DIR"

	xdgStateHomeEnv = "XDG_STATE_HOME"
	appName         = "gasoline-agentd"
)

// RootDir returns the runtime state root for the coordinator.
// Resolution order:
//  1. GASOLINE_STATE_DIR (if set)
//  2. XDG_STATE_HOME/gasoline-agentd (if XDG_STATE_HOME is set)
//  3. os.UserConfigDir()/gasoline-agentd (cross-platform fallback)
func RootDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(RootDirEnv)); override != "" {
		return normalizePath(override)
	}

	if xdg := strings.TrimSpace(os.Getenv(xdgStateHomeEnv)); xdg != "" {
		root, err := normalizePath(xdg)
		if err != nil {
			return "", err
		}
		return filepath.Join(root, appName), nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	root, err := normalizePath(configDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, appName), nil
}

// InRoot returns a path rooted under RootDir with additional path elements.
func InRoot(parts ...string) (string, error) {
	root, err := RootDir()
	if err != nil {
		return "", err
	}
	all := make([]string, 0, len(parts)+1)
	all = append(all, root)
	all = append(all, parts...)
	return filepath.Join(all...), nil
}

// DefaultStoreFile is the default location of the KV store backing file.
func DefaultStoreFile() (string, error) {
	return InRoot("storage", "kv.json")
}

// DefaultLogFile is the default location of the structured debug log.
func DefaultLogFile() (string, error) {
	return InRoot("logs", "gasoline-agentd.jsonl")
}

func normalizePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot resolve path %q: %w", path, err)
	}
	return filepath.Clean(absPath), nil
}
