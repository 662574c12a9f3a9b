// Package vault implements the shared work store: a directory tree
// whose atomic rename is the only state-transition primitive shared by
// the watcher, planner and dispatcher processes.
package vault

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vaultline/internal/record"
)

// Collection names one record directory under the vault root.
type Collection string

const (
	NeedsAction     Collection = "needs-action"
	Plans           Collection = "plans"
	PendingApproval Collection = "pending-approval"
	Approved        Collection = "approved"
	Rejected        Collection = "rejected"
	Done            Collection = "done"
	Quarantine      Collection = "quarantine"
)

// Collections lists every record directory, in pipeline order.
var Collections = []Collection{
	NeedsAction, Plans, PendingApproval, Approved, Rejected, Done, Quarantine,
}

// LogsDir holds the day-partitioned audit log, next to the collections.
const LogsDir = "logs"

var (
	ErrAlreadyExists = errors.New("record already exists")
	ErrNotFound      = errors.New("record not found")
)

// Store is a handle on one vault directory tree.
type Store struct {
	Root string
	Now  func() time.Time
}

// Open ensures the vault layout exists and returns a store handle.
func Open(root string) (*Store, error) {
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, c := range Collections {
		if err := os.MkdirAll(filepath.Join(abs, string(c)), 0o755); err != nil {
			return nil, fmt.Errorf("create collection %s: %w", c, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(abs, LogsDir), 0o755); err != nil {
		return nil, err
	}
	return &Store{Root: abs, Now: time.Now}, nil
}

// Ref identifies one record by collection and file name.
type Ref struct {
	Collection Collection `json:"collection"`
	Name       string     `json:"name"`
}

func (r Ref) String() string { return string(r.Collection) + "/" + r.Name }

// Filter selects records by name prefix and/or header status. Zero
// value matches everything.
type Filter struct {
	Prefix string
	Status string
}

func (s *Store) path(c Collection, name string) string {
	return filepath.Join(s.Root, string(c), name)
}

// LogPath returns the audit log directory for this vault.
func (s *Store) LogPath() string { return filepath.Join(s.Root, LogsDir) }

// Create writes a new record with a caller-supplied unique name. A name
// collision fails with ErrAlreadyExists; this is the dedup mechanism,
// so callers treat the collision as an idempotent no-op.
func (s *Store) Create(c Collection, name string, data []byte) error {
	f, err := os.OpenFile(s.path(c, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%s/%s: %w", c, name, ErrAlreadyExists)
		}
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// List returns record refs in a collection, stable-ordered by name.
// Hidden and in-flight temp files are skipped. A status filter never
// hides records whose header fails to parse: those are returned so the
// consumer quarantines them on full read instead of scanning past them
// forever.
func (s *Store) List(c Collection, f Filter) ([]Ref, error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, string(c)))
	if err != nil {
		return nil, err
	}
	var refs []Ref
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		if f.Prefix != "" && !strings.HasPrefix(name, f.Prefix) {
			continue
		}
		if f.Status != "" {
			status, err := s.ReadStatus(Ref{c, name})
			if err == nil && status != f.Status {
				continue
			}
		}
		refs = append(refs, Ref{Collection: c, Name: name})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

// Read returns the full record contents.
func (s *Store) Read(ref Ref) ([]byte, error) {
	data, err := os.ReadFile(s.path(ref.Collection, ref.Name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

// ReadStatus returns the record's status header without a full parse.
func (s *Store) ReadStatus(ref Ref) (string, error) {
	data, err := s.Read(ref)
	if err != nil {
		return "", err
	}
	return record.Status(data)
}

// Exists reports whether a record is present.
func (s *Store) Exists(c Collection, name string) bool {
	_, err := os.Stat(s.path(c, name))
	return err == nil
}

// Transition atomically relocates a record and rewrites header fields.
// The updated record is staged under a hidden temp name inside the
// destination and renamed into place, then the source is removed; the
// rename is the commit point. A crash between rename and removal heals
// on the next call: if the destination already holds the record, the
// committed copy wins, the stale source is removed, and the transition
// reports success. A source that vanished with no destination copy
// means another scanner won the rename; that is ErrNotFound and
// callers no-op.
func (s *Store) Transition(ref Ref, to Collection, update map[string]any) (Ref, error) {
	src := s.path(ref.Collection, ref.Name)
	dst := s.path(to, ref.Name)
	dstRef := Ref{Collection: to, Name: ref.Name}

	data, err := os.ReadFile(src)
	if err != nil {
		if !os.IsNotExist(err) {
			return Ref{}, err
		}
		if ref.Collection != to && s.Exists(to, ref.Name) {
			return dstRef, nil
		}
		return Ref{}, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if ref.Collection != to && s.Exists(to, ref.Name) {
		// A crashed transition already committed the destination copy;
		// the source is the stale one. Finish the cleanup.
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			return dstRef, err
		}
		return dstRef, nil
	}

	patched := data
	if len(update) > 0 {
		patched, err = record.Patch(data, update)
		if err != nil {
			return Ref{}, fmt.Errorf("transition %s: %w", ref, err)
		}
	}

	tmp := s.path(to, ".tmp-"+ref.Name)
	if err := writeFileSync(tmp, patched); err != nil {
		return Ref{}, err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return Ref{}, err
	}
	if src != dst {
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			return dstRef, err
		}
	}
	return dstRef, nil
}

// Quarantine relocates a malformed record out of the pipeline so the
// scanners keep making progress. No header rewrite is attempted since
// the header is what failed to parse.
func (s *Store) Quarantine(ref Ref) (Ref, error) {
	src := s.path(ref.Collection, ref.Name)
	dst := s.path(Quarantine, ref.Name)
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return Ref{}, fmt.Errorf("%s: %w", ref, ErrNotFound)
		}
		return Ref{}, err
	}
	return Ref{Collection: Quarantine, Name: ref.Name}, nil
}

// Counts returns the number of records per collection.
func (s *Store) Counts() (map[Collection]int, error) {
	counts := make(map[Collection]int, len(Collections))
	for _, c := range Collections {
		refs, err := s.List(c, Filter{})
		if err != nil {
			return nil, err
		}
		counts[c] = len(refs)
	}
	return counts, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
