// Package reconcile drives generated artifacts through local persistence,
// the local index, and an optional push to a remote contents store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/odvcencio/rgeres/pkg/generate"
	"github.com/odvcencio/rgeres/pkg/index"
	"github.com/odvcencio/rgeres/pkg/remote"
)

// Stages of reconciling one artifact, reported in StageError.
const (
	StageProduce = "produce"
	StageWrite   = "write"
	StageIndex   = "index"
	StageFetch   = "fetch"
	StagePush    = "push"
	StageRecord  = "record"
)

// ManifestMessageSuffix is appended to the commit message when the
// manifest itself is pushed.
const ManifestMessageSuffix = " (update rgeres index)"

// DefaultMessage is the commit message used when SyncOptions.Message is empty.
const DefaultMessage = "Add RONAVI scripts"

// StageError reports the artifact path and stage that failed.
type StageError struct {
	Path  string
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Path, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Artifact is one unit of work: the kind to produce and where it lives,
// relative to the root.
type Artifact struct {
	Kind generate.Kind
	Path string
}

// ArtifactsFor maps kinds to artifacts at their conventional file names.
func ArtifactsFor(kinds []generate.Kind) []Artifact {
	out := make([]Artifact, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, Artifact{Kind: k, Path: k.FileName()})
	}
	return out
}

// SyncOptions enables remote sync. Store is usually a *remote.Client.
type SyncOptions struct {
	Store   remote.BlobStore
	Branch  string
	Message string
	// Prefix is prepended to every remote path ("" or "scripts/").
	Prefix string
}

// Config configures a Reconciler.
type Config struct {
	Root     string
	Producer generate.Producer
	// Sync is nil when remote sync is disabled.
	Sync   *SyncOptions
	Logger *log.Logger
	Now    func() time.Time
}

// Result is the outcome for one artifact or for the manifest.
type Result struct {
	Path       string
	Kind       generate.Kind // empty for the manifest
	Saved      bool          // written locally and indexed
	Pushed     bool
	RemoteHash string
	// Previous is the remote hash the push replaced; empty on create.
	Previous string
	Err      error
}

// Report collects the results of one Run.
type Report struct {
	Artifacts []Result
	// Manifest is nil when sync is disabled or the manifest was never saved.
	Manifest *Result
}

// Failed reports the number of results carrying an error.
func (r *Report) Failed() int {
	n := 0
	for _, res := range r.Artifacts {
		if res.Err != nil {
			n++
		}
	}
	if r.Manifest != nil && r.Manifest.Err != nil {
		n++
	}
	return n
}

// Reconciler runs reconciliation batches against one root directory.
type Reconciler struct {
	root     string
	producer generate.Producer
	sync     *SyncOptions
	store    *index.Store
	logger   *log.Logger
	now      func() time.Time
}

// New validates cfg and returns a Reconciler.
func New(cfg Config) (*Reconciler, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("reconcile: root is required")
	}
	if cfg.Producer == nil {
		return nil, fmt.Errorf("reconcile: producer is required")
	}
	if cfg.Sync != nil && cfg.Sync.Store == nil {
		return nil, fmt.Errorf("reconcile: sync store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var syncOpts *SyncOptions
	if cfg.Sync != nil {
		s := *cfg.Sync
		if strings.TrimSpace(s.Message) == "" {
			s.Message = DefaultMessage
		}
		syncOpts = &s
	}
	return &Reconciler{
		root:     cfg.Root,
		producer: cfg.Producer,
		sync:     syncOpts,
		store:    index.NewStore(cfg.Root),
		logger:   cfg.Logger,
		now:      cfg.Now,
	}, nil
}

// SyncEnabled reports whether Run pushes to a remote store.
func (r *Reconciler) SyncEnabled() bool {
	return r.sync != nil
}

// Run reconciles each artifact in order and then, when sync is enabled,
// pushes the manifest. Production and remote failures are recorded in the
// report and do not stop the batch. A local write or index failure is
// returned as an error together with the partial report.
func (r *Reconciler) Run(ctx context.Context, artifacts []Artifact) (*Report, error) {
	report := &Report{}
	ix := r.store.Load()

	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := r.reconcileOne(ctx, ix, a)
		report.Artifacts = append(report.Artifacts, res)
		if err != nil {
			return report, err
		}
	}

	if r.sync == nil {
		return report, nil
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}
	if _, err := os.Stat(r.store.ManifestPath()); err != nil {
		return report, nil
	}
	manifest := r.pushManifest(ctx)
	report.Manifest = &manifest
	return report, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, ix *index.Index, a Artifact) (Result, error) {
	rel := index.CleanPath(a.Path)
	res := Result{Path: rel, Kind: a.Kind}

	data, err := r.producer.Produce(ctx, a.Kind)
	if err != nil {
		res.Err = &StageError{Path: rel, Stage: StageProduce, Err: err}
		r.logger.Printf("WARNING: %v", res.Err)
		return res, nil
	}

	full := filepath.Join(r.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		res.Err = &StageError{Path: rel, Stage: StageWrite, Err: err}
		return res, res.Err
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		res.Err = &StageError{Path: rel, Stage: StageWrite, Err: err}
		return res, res.Err
	}

	entry := index.Entry{
		Name:      path.Base(rel),
		Path:      rel,
		Source:    r.producer.Source(),
		Timestamp: index.FormatTimestamp(r.now()),
	}
	ix.Upsert(entry)
	if err := r.store.Save(ix); err != nil {
		res.Err = &StageError{Path: rel, Stage: StageIndex, Err: err}
		return res, res.Err
	}
	res.Saved = true
	r.logger.Printf("saved %s (%d bytes)", rel, len(data))

	if r.sync == nil {
		return res, nil
	}

	cas, err := r.push(ctx, rel, r.sync.Message, data)
	res.Previous = cas.Previous
	if err != nil {
		res.Err = err
		r.logger.Printf("WARNING: %v", err)
		return res, nil
	}

	entry.RemoteHash = cas.Current
	ix.Upsert(entry)
	if err := r.store.Save(ix); err != nil {
		res.Err = &StageError{Path: rel, Stage: StageRecord, Err: err}
		return res, res.Err
	}
	res.Pushed = true
	res.RemoteHash = cas.Current
	r.logger.Printf("pushed %s -> %s", rel, shortHash(cas.Current))
	return res, nil
}

// pushManifest pushes the manifest as currently saved. The fetched remote
// hash is the expected hash; the sidecar only detects drift.
func (r *Reconciler) pushManifest(ctx context.Context) Result {
	res := Result{Path: index.ManifestName}

	data, err := os.ReadFile(r.store.ManifestPath())
	if err != nil {
		res.Err = &StageError{Path: res.Path, Stage: StagePush, Err: err}
		r.logger.Printf("WARNING: %v", res.Err)
		return res
	}

	prior := r.store.LoadSyncState()
	cas, err := r.push(ctx, index.ManifestName, r.sync.Message+ManifestMessageSuffix, data)
	res.Previous = cas.Previous
	if err != nil {
		res.Err = err
		r.logger.Printf("WARNING: %v", err)
		return res
	}
	if prior.RemoteHash != "" && cas.Previous != prior.RemoteHash {
		r.logger.Printf("WARNING: remote manifest changed since last push (recorded %s, found %s); overwritten",
			shortHash(prior.RemoteHash), shortHash(cas.Previous))
	}

	res.Pushed = true
	res.RemoteHash = cas.Current
	state := index.SyncState{RemoteHash: cas.Current, PushedAt: index.FormatTimestamp(r.now())}
	if err := r.store.SaveSyncState(state); err != nil {
		// The push itself succeeded; the next run re-reads the remote hash.
		r.logger.Printf("WARNING: %s: %v", index.ManifestName, err)
	}
	r.logger.Printf("pushed %s -> %s", index.ManifestName, shortHash(cas.Current))
	return res
}

// push compare-and-swaps rel under the configured prefix and converts CAS
// failures into StageErrors.
func (r *Reconciler) push(ctx context.Context, rel, message string, data []byte) (remote.CASResult, error) {
	remotePath := RemotePath(r.sync.Prefix, rel)
	cas, err := remote.CompareAndSwap(ctx, r.sync.Store, remotePath, r.sync.Branch, message, data)
	if err == nil {
		return cas, nil
	}
	stage := StagePush
	var casErr *remote.CASError
	if errors.As(err, &casErr) {
		if casErr.Phase == remote.PhaseRead {
			stage = StageFetch
		}
		err = casErr.Err
	}
	return cas, &StageError{Path: rel, Stage: stage, Err: err}
}

// RemotePath joins prefix and rel into a remote repository path.
func RemotePath(prefix, rel string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return rel
	}
	return prefix + "/" + rel
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	if h == "" {
		return "(none)"
	}
	return h
}
