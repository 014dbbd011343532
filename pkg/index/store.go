package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ManifestName is the manifest's file name inside the index root.
const ManifestName = "rgeres_index.json"

// syncStateName holds the manifest's own remote state. It lives beside the
// manifest rather than inside it so the entry list never describes itself.
const syncStateName = ".rgeres_index.sync.json"

// Store reads and writes the manifest for one root directory.
type Store struct {
	Root string
}

// NewStore returns a Store rooted at root.
func NewStore(root string) *Store {
	return &Store{Root: root}
}

// ManifestPath returns the filesystem path of the manifest.
func (s *Store) ManifestPath() string {
	return filepath.Join(s.Root, ManifestName)
}

// SyncStatePath returns the filesystem path of the manifest's sync sidecar.
func (s *Store) SyncStatePath() string {
	return filepath.Join(s.Root, syncStateName)
}

// Load reads the manifest. A missing, unreadable, or malformed manifest
// yields an empty index: a damaged manifest must never block regeneration.
func (s *Store) Load() *Index {
	data, err := os.ReadFile(s.ManifestPath())
	if err != nil {
		return New()
	}
	ix := New()
	if err := json.Unmarshal(data, ix); err != nil {
		return New()
	}
	return ix
}

// Save atomically replaces the manifest with ix.
func (s *Store) Save(ix *Index) error {
	if ix == nil {
		ix = New()
	}
	data, err := json.MarshalIndent(ix, "", "  ")
	if err != nil {
		return fmt.Errorf("save index: marshal: %w", err)
	}
	data = append(data, '\n')
	if err := writeFileAtomic(s.Root, ManifestName, data); err != nil {
		return fmt.Errorf("save index: %w", err)
	}
	return nil
}

// SyncState is the manifest's own remote synchronization record.
type SyncState struct {
	RemoteHash string `json:"remote_hash,omitempty"`
	PushedAt   string `json:"pushed_at,omitempty"`
}

// LoadSyncState reads the sidecar. Missing or malformed sidecars yield the
// zero state.
func (s *Store) LoadSyncState() SyncState {
	data, err := os.ReadFile(s.SyncStatePath())
	if err != nil {
		return SyncState{}
	}
	var st SyncState
	if err := json.Unmarshal(data, &st); err != nil {
		return SyncState{}
	}
	return st
}

// SaveSyncState atomically replaces the sidecar.
func (s *Store) SaveSyncState(st SyncState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("save sync state: marshal: %w", err)
	}
	data = append(data, '\n')
	if err := writeFileAtomic(s.Root, syncStateName, data); err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return nil
}

// writeFileAtomic writes data to dir/name via a temp file and rename, so
// readers observe either the old or the new content.
func writeFileAtomic(dir, name string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+name+"-tmp-*")
	if err != nil {
		return fmt.Errorf("tmpfile: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
