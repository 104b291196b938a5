// Package snapshot implements the state snapshot store (spec §4.K): a
// persisted name -> NamedSnapshot mapping over internal/storage.Store.
// Capture and restore of page-side state are delegated to the content
// script (out of scope); this package only serializes and persists
// whatever blob it is handed, mirroring the teacher's own state-CRUD
// split between background persistence and page-side capture.
package snapshot

import (
	"context"
	"sort"

	"github.com/brennhill/gasoline-coordinator/internal/errs"
	"github.com/brennhill/gasoline-coordinator/internal/storage"
	"github.com/brennhill/gasoline-coordinator/internal/wire"
)

const storageKey = "gasoline_state_snapshots"

// Store is the CRUD surface over named snapshots.
type Store struct {
	backing *storage.Store
}

// New constructs a snapshot Store backed by kv.
func New(kv *storage.Store) *Store {
	return &Store{backing: kv}
}

func (s *Store) all() (map[string]wire.NamedSnapshot, error) {
	var m map[string]wire.NamedSnapshot
	found, err := s.backing.Get(storageKey, &m)
	if err != nil {
		return nil, errs.Wrap(err, "loading snapshots")
	}
	if !found || m == nil {
		m = make(map[string]wire.NamedSnapshot)
	}
	return m, nil
}

// Save persists snap, overwriting any existing snapshot of the same name.
func (s *Store) Save(ctx context.Context, snap wire.NamedSnapshot) error {
	m, err := s.all()
	if err != nil {
		return err
	}
	m[snap.Name] = snap
	return s.backing.Set(storageKey, m)
}

// Load returns the named snapshot, or ok=false on a miss (spec: "load
// (miss => null)").
func (s *Store) Load(ctx context.Context, name string) (wire.NamedSnapshot, bool, error) {
	m, err := s.all()
	if err != nil {
		return wire.NamedSnapshot{}, false, err
	}
	snap, ok := m[name]
	return snap, ok, nil
}

// SnapshotMeta is the metadata-only projection returned by List.
type SnapshotMeta struct {
	Name       string
	PageURL    string
	CapturedAt string
}

// List returns metadata (name, url, timestamp) for every stored snapshot,
// sorted by name for stable output.
func (s *Store) List(ctx context.Context) ([]SnapshotMeta, error) {
	m, err := s.all()
	if err != nil {
		return nil, err
	}
	out := make([]SnapshotMeta, 0, len(m))
	for _, snap := range m {
		out = append(out, SnapshotMeta{Name: snap.Name, PageURL: snap.PageURL, CapturedAt: snap.CapturedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes the named snapshot. Deleting a name that does not exist
// is a no-op.
func (s *Store) Delete(ctx context.Context, name string) error {
	m, err := s.all()
	if err != nil {
		return err
	}
	delete(m, name)
	return s.backing.Set(storageKey, m)
}
