package index

import (
	"encoding/json"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Source records which production method generated an artifact's bytes.
type Source string

const (
	SourceLocal Source = "local"
	SourceAI    Source = "ai"
)

// ParseSource validates a provenance tag.
func ParseSource(raw string) (Source, bool) {
	switch Source(strings.TrimSpace(raw)) {
	case SourceLocal:
		return SourceLocal, true
	case SourceAI:
		return SourceAI, true
	default:
		return "", false
	}
}

// TimestampLayout is fixed-width so that lexical order matches time order.
const TimestampLayout = "2006-01-02T15:04:05.000000Z"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// Entry is the last-known synchronization record of one artifact.
// RemoteHash is empty until the artifact's bytes are confirmed in the
// remote store; it serializes as null in that case.
type Entry struct {
	Name       string
	Path       string
	Source     Source
	Timestamp  string
	RemoteHash string
}

type entryJSON struct {
	Name       string  `json:"name"`
	Path       string  `json:"path"`
	Source     Source  `json:"source"`
	Timestamp  string  `json:"timestamp"`
	RemoteHash *string `json:"remote_hash"`
	// Manifests written by older generators call the hash blob_sha.
	BlobSHA *string `json:"blob_sha,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Entry) MarshalJSON() ([]byte, error) {
	out := entryJSON{
		Name:      e.Name,
		Path:      e.Path,
		Source:    e.Source,
		Timestamp: e.Timestamp,
	}
	if e.RemoteHash != "" {
		h := e.RemoteHash
		out.RemoteHash = &h
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var in entryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = Entry{
		Name:      in.Name,
		Path:      in.Path,
		Source:    in.Source,
		Timestamp: in.Timestamp,
	}
	switch {
	case in.RemoteHash != nil:
		e.RemoteHash = *in.RemoteHash
	case in.BlobSHA != nil:
		e.RemoteHash = *in.BlobSHA
	}
	return nil
}

// Index is the ordered set of entries making up the manifest. New paths are
// appended; upserting an existing path keeps its position.
type Index struct {
	entries []Entry
	pos     map[string]int
}

// New returns an empty index.
func New() *Index {
	return &Index{pos: make(map[string]int)}
}

// CleanPath normalizes an index key to a slash-separated relative path.
func CleanPath(p string) string {
	p = filepath.ToSlash(strings.TrimSpace(p))
	if p == "" {
		return ""
	}
	return strings.TrimPrefix(path.Clean(p), "/")
}

// Len returns the number of entries.
func (ix *Index) Len() int {
	return len(ix.entries)
}

// Entries returns a copy of the entries in manifest order.
func (ix *Index) Entries() []Entry {
	out := make([]Entry, len(ix.entries))
	copy(out, ix.entries)
	return out
}

// Get returns the entry stored for path.
func (ix *Index) Get(p string) (Entry, bool) {
	i, ok := ix.pos[CleanPath(p)]
	if !ok {
		return Entry{}, false
	}
	return ix.entries[i], true
}

// Upsert overwrites the entry for e.Path in place, or appends it when the
// path has not been seen. It reports whether a new entry was appended.
func (ix *Index) Upsert(e Entry) bool {
	if ix.pos == nil {
		ix.pos = make(map[string]int)
	}
	e.Path = CleanPath(e.Path)
	if i, ok := ix.pos[e.Path]; ok {
		ix.entries[i] = e
		return false
	}
	ix.pos[e.Path] = len(ix.entries)
	ix.entries = append(ix.entries, e)
	return true
}

// MarshalJSON encodes the index as a JSON array, never null.
func (ix *Index) MarshalJSON() ([]byte, error) {
	if len(ix.entries) == 0 {
		return []byte("[]"), nil
	}
	return json.Marshal(ix.entries)
}

// UnmarshalJSON decodes a JSON array of entries. Entries repeating a path
// collapse onto the first occurrence's position, keeping the later values.
func (ix *Index) UnmarshalJSON(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	fresh := New()
	for _, e := range entries {
		if CleanPath(e.Path) == "" {
			continue
		}
		fresh.Upsert(e)
	}
	*ix = *fresh
	return nil
}
