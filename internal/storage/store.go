package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/brennhill/gasoline-coordinator/internal/errs"
)

// Store is a JSON-file-backed key-value store, the concrete implementation
// of the "persistent key-value storage" interface in spec §6. Keys are the
// top-level settings keys (serverUrl, aiWebPilotEnabled, trackedTabId, ...)
// plus gasoline_state_snapshots (a map of name -> snapshot record).
//
// Values are stored as json.RawMessage so callers own their own decoding;
// Store never interprets value shape.
type Store struct {
	mu   sync.RWMutex
	path string
	data map[string]json.RawMessage

	watchMu   sync.Mutex
	watcher   *fsnotify.Watcher
	onChange  []func(key string)
}

// Open loads (or creates) the KV store backed by the file at path.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: map[string]json.RawMessage{}}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.Wrapf(err, "storage: read %s", s.path)
	}
	if len(b) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return errs.Wrapf(err, "storage: decode %s", s.path)
	}
	s.mu.Lock()
	s.data = m
	s.mu.Unlock()
	return nil
}

// persist writes the whole store to disk. It takes s.mu's read lock itself
// for the snapshot copy, so callers must not hold s.mu; the actual write
// happens outside any lock.
func (s *Store) persist() error {
	s.mu.RLock()
	cp := make(map[string]json.RawMessage, len(s.data))
	for k, v := range s.data {
		cp[k] = v
	}
	s.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errs.Wrapf(err, "storage: mkdir for %s", s.path)
	}
	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return errs.Wrap(err, "storage: encode")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return errs.Wrapf(err, "storage: write %s", tmp)
	}
	return errs.Wrap(os.Rename(tmp, s.path), "storage: rename")
}

// Get decodes the value for key into v. Returns (false, nil) on a miss.
func (s *Store) Get(key string, v any) (bool, error) {
	s.mu.RLock()
	raw, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, errs.Wrapf(err, "storage: decode key %q", key)
	}
	return true, nil
}

// GetString is a convenience accessor for string-valued keys, returning the
// zero value on a miss or decode error.
func (s *Store) GetString(key string) string {
	var v string
	_, _ = s.Get(key, &v)
	return v
}

// GetBool is a convenience accessor for bool-valued keys with an explicit
// default for the absent case, per the pilot-enabled ambiguity in spec §9
// Open Question (i): this coordinator always defaults to false.
func (s *Store) GetBool(key string, def bool) bool {
	var v bool
	ok, err := s.Get(key, &v)
	if !ok || err != nil {
		return def
	}
	return v
}

// Set stores v under key and persists the whole store to disk.
func (s *Store) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errs.Wrapf(err, "storage: encode key %q", key)
	}
	s.mu.Lock()
	s.data[key] = raw
	s.mu.Unlock()
	if err := s.persist(); err != nil {
		return err
	}
	s.notify(key)
	return nil
}

// Delete removes key and persists the whole store to disk.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	_, existed := s.data[key]
	delete(s.data, key)
	s.mu.Unlock()
	if !existed {
		return nil
	}
	if err := s.persist(); err != nil {
		return err
	}
	s.notify(key)
	return nil
}

// OnChange registers a callback invoked (in-process) after any Set/Delete,
// and also after an external change to the backing file is observed via
// Watch. This is the coordinator's stand-in for chrome.storage.onChanged.
func (s *Store) OnChange(fn func(key string)) {
	s.watchMu.Lock()
	s.onChange = append(s.onChange, fn)
	s.watchMu.Unlock()
}

func (s *Store) notify(key string) {
	s.watchMu.Lock()
	cbs := append([]func(string){}, s.onChange...)
	s.watchMu.Unlock()
	for _, cb := range cbs {
		func() {
			defer func() { recover() }() //nolint:errcheck // listener exceptions are never fatal (spec §7)
			cb(key)
		}()
	}
}

// Watch starts an fsnotify watch on the backing file's directory so that
// external writers (another process, a test harness, a future extension
// popup writing directly to the file) are picked up without a restart.
// Returns a stop function; safe to call Watch at most once per Store.
func (s *Store) Watch() (stop func(), err error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrapf(err, "storage: mkdir %s", dir)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errs.Wrap(err, "storage: new watcher")
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, errs.Wrapf(err, "storage: watch %s", dir)
	}

	s.watchMu.Lock()
	s.watcher = w
	s.watchMu.Unlock()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(s.path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.load(); err == nil {
					s.notify("")
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		_ = w.Close()
	}, nil
}
