package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/odvcencio/rgeres/pkg/generate"
	"github.com/odvcencio/rgeres/pkg/index"
	"github.com/odvcencio/rgeres/pkg/object"
	"github.com/odvcencio/rgeres/pkg/remote"
	"github.com/odvcencio/rgeres/pkg/remote/remotetest"
)

type fakeProducer struct {
	source index.Source
	mu     sync.Mutex
	output map[generate.Kind]string
	fail   map[generate.Kind]error
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{
		source: index.SourceLocal,
		output: map[generate.Kind]string{
			generate.KindServer: "print('server v1')\n",
			generate.KindLocal:  "print('local v1')\n",
		},
		fail: map[generate.Kind]error{},
	}
}

func (p *fakeProducer) Source() index.Source { return p.source }

func (p *fakeProducer) Produce(_ context.Context, kind generate.Kind) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fail[kind]; err != nil {
		return nil, err
	}
	out, ok := p.output[kind]
	if !ok {
		return nil, fmt.Errorf("no output for %s", kind)
	}
	return []byte(out), nil
}

func (p *fakeProducer) set(kind generate.Kind, out string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output[kind] = out
}

var fixedNow = func() time.Time {
	return time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
}

func newClient(t *testing.T, srv *remotetest.Server, token string) *remote.Client {
	t.Helper()
	c, err := remote.NewClient(srv.RepoRef(), remote.ClientOptions{
		BaseURL:     srv.URL,
		Token:       token,
		MaxAttempts: 1,
		Timeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func newReconciler(t *testing.T, root string, p generate.Producer, syncOpts *SyncOptions, logs *bytes.Buffer) *Reconciler {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	if logs != nil {
		logger = log.New(logs, "", 0)
	}
	r, err := New(Config{
		Root:     root,
		Producer: p,
		Sync:     syncOpts,
		Logger:   logger,
		Now:      fixedNow,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestRun_SyncDisabledMakesNoNetworkCalls(t *testing.T) {
	srv := remotetest.NewServer(t, "acme", "scripts")
	root := t.TempDir()
	r := newReconciler(t, root, newFakeProducer(), nil, nil)

	report, err := r.Run(context.Background(), ArtifactsFor(generate.Kinds))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed() != 0 {
		t.Fatalf("Failed = %d, want 0", report.Failed())
	}
	if report.Manifest != nil {
		t.Fatalf("Manifest result = %+v, want nil", report.Manifest)
	}
	if reqs := srv.Requests(); len(reqs) != 0 {
		t.Fatalf("requests = %+v, want none", reqs)
	}

	data, err := os.ReadFile(filepath.Join(root, "ronavi_server.lua"))
	if err != nil || string(data) != "print('server v1')\n" {
		t.Fatalf("server artifact = %q, %v", data, err)
	}

	ix := index.NewStore(root).Load()
	want := []index.Entry{
		{Name: "ronavi_server.lua", Path: "ronavi_server.lua", Source: index.SourceLocal, Timestamp: "2024-05-01T12:30:00.000000Z"},
		{Name: "ronavi_local.lua", Path: "ronavi_local.lua", Source: index.SourceLocal, Timestamp: "2024-05-01T12:30:00.000000Z"},
	}
	if diff := cmp.Diff(want, ix.Entries()); diff != "" {
		t.Fatalf("index mismatch (-want +got):\n%s", diff)
	}
}

func TestRun_FirstPush(t *testing.T) {
	srv := remotetest.NewServer(t, "acme", "scripts")
	root := t.TempDir()
	r := newReconciler(t, root, newFakeProducer(), &SyncOptions{
		Store:  newClient(t, srv, ""),
		Branch: "main",
	}, nil)

	report, err := r.Run(context.Background(), ArtifactsFor([]generate.Kind{generate.KindServer}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed() != 0 {
		t.Fatalf("Failed = %d: %+v", report.Failed(), report)
	}

	content, sha, ok := srv.File("main", "ronavi_server.lua")
	if !ok || string(content) != "print('server v1')\n" {
		t.Fatalf("remote artifact = %q (exists=%v)", content, ok)
	}
	res := report.Artifacts[0]
	if !res.Pushed || res.RemoteHash != sha || res.Previous != "" {
		t.Fatalf("result = %+v, want pushed with hash %s and no previous", res, sha)
	}

	e, ok := index.NewStore(root).Load().Get("ronavi_server.lua")
	if !ok || e.RemoteHash != sha {
		t.Fatalf("entry = %+v, want remote_hash %s", e, sha)
	}

	if report.Manifest == nil || !report.Manifest.Pushed {
		t.Fatalf("manifest result = %+v, want pushed", report.Manifest)
	}
	_, manifestSHA, ok := srv.File("main", index.ManifestName)
	if !ok || report.Manifest.RemoteHash != manifestSHA {
		t.Fatalf("manifest remote sha = %s, result %+v", manifestSHA, report.Manifest)
	}
	if st := index.NewStore(root).LoadSyncState(); st.RemoteHash != manifestSHA {
		t.Fatalf("sync state = %+v, want hash %s", st, manifestSHA)
	}
}

func TestRun_UpdatePushUsesFetchedHash(t *testing.T) {
	srv := remotetest.NewServer(t, "acme", "scripts")
	root := t.TempDir()
	p := newFakeProducer()
	r := newReconciler(t, root, p, &SyncOptions{Store: newClient(t, srv, ""), Branch: "main"}, nil)
	artifacts := ArtifactsFor([]generate.Kind{generate.KindServer})

	first, err := r.Run(context.Background(), artifacts)
	if err != nil || first.Failed() != 0 {
		t.Fatalf("first Run: %v %+v", err, first)
	}
	h1 := first.Artifacts[0].RemoteHash
	m1 := first.Manifest.RemoteHash

	p.set(generate.KindServer, "print('server v2')\n")
	second, err := r.Run(context.Background(), artifacts)
	if err != nil || second.Failed() != 0 {
		t.Fatalf("second Run: %v %+v", err, second)
	}
	res := second.Artifacts[0]
	if res.Previous != h1 || res.RemoteHash == h1 {
		t.Fatalf("second result = %+v, want previous %s and a new hash", res, h1)
	}
	if second.Manifest.Previous != m1 {
		t.Fatalf("manifest previous = %s, want %s", second.Manifest.Previous, m1)
	}

	var puts []remotetest.Request
	for _, req := range srv.Requests() {
		if req.Method == http.MethodPut {
			puts = append(puts, req)
		}
	}
	want := []remotetest.Request{
		{Method: http.MethodPut, Path: "ronavi_server.lua", Ref: "main"},
		{Method: http.MethodPut, Path: index.ManifestName, Ref: "main"},
		{Method: http.MethodPut, Path: "ronavi_server.lua", Ref: "main", SHA: h1},
		{Method: http.MethodPut, Path: index.ManifestName, Ref: "main", SHA: m1},
	}
	if diff := cmp.Diff(want, puts); diff != "" {
		t.Fatalf("puts mismatch (-want +got):\n%s", diff)
	}

	e, _ := index.NewStore(root).Load().Get("ronavi_server.lua")
	if e.RemoteHash != res.RemoteHash {
		t.Fatalf("entry remote_hash = %s, want %s", e.RemoteHash, res.RemoteHash)
	}
}

func TestRun_ManifestPushedLastWithFinalHashes(t *testing.T) {
	srv := remotetest.NewServer(t, "acme", "scripts")
	root := t.TempDir()
	r := newReconciler(t, root, newFakeProducer(), &SyncOptions{Store: newClient(t, srv, ""), Branch: "main"}, nil)

	report, err := r.Run(context.Background(), ArtifactsFor(generate.Kinds))
	if err != nil || report.Failed() != 0 {
		t.Fatalf("Run: %v %+v", err, report)
	}

	reqs := srv.Requests()
	last := reqs[len(reqs)-1]
	if last.Method != http.MethodPut || last.Path != index.ManifestName {
		t.Fatalf("last request = %+v, want manifest PUT", last)
	}

	content, _, ok := srv.File("main", index.ManifestName)
	if !ok {
		t.Fatal("manifest not pushed")
	}
	ix := index.New()
	if err := json.Unmarshal(content, ix); err != nil {
		t.Fatalf("decode pushed manifest: %v", err)
	}
	for _, res := range report.Artifacts {
		e, ok := ix.Get(res.Path)
		if !ok || e.RemoteHash != res.RemoteHash || e.RemoteHash == "" {
			t.Fatalf("pushed manifest entry %s = %+v, want hash %s", res.Path, e, res.RemoteHash)
		}
	}
}

func TestRun_ConflictIsIsolatedPerArtifact(t *testing.T) {
	srv := remotetest.NewServer(t, "acme", "scripts")
	// Seed the file before the first PUT so the remote moves between our
	// read and our write.
	var once sync.Once
	srv.Hook = func(req *http.Request) {
		if req.Method == http.MethodPut && strings.HasSuffix(req.URL.Path, "/ronavi_server.lua") {
			once.Do(func() { srv.Seed("main", "ronavi_server.lua", []byte("someone else\n")) })
		}
	}
	root := t.TempDir()
	r := newReconciler(t, root, newFakeProducer(), &SyncOptions{Store: newClient(t, srv, ""), Branch: "main"}, nil)

	report, err := r.Run(context.Background(), ArtifactsFor(generate.Kinds))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed() != 1 {
		t.Fatalf("Failed = %d, want 1", report.Failed())
	}

	failed := report.Artifacts[0]
	var stageErr *StageError
	if !errors.As(failed.Err, &stageErr) || stageErr.Stage != StagePush || stageErr.Path != "ronavi_server.lua" {
		t.Fatalf("server err = %v, want push StageError", failed.Err)
	}
	if !errors.Is(failed.Err, remote.ErrConflict) {
		t.Fatalf("server err = %v, want ErrConflict", failed.Err)
	}
	if content, _, _ := srv.File("main", "ronavi_server.lua"); string(content) != "someone else\n" {
		t.Fatalf("remote server artifact = %q, want competitor's content", content)
	}

	if !report.Artifacts[1].Pushed {
		t.Fatalf("local result = %+v, want pushed", report.Artifacts[1])
	}
	if report.Manifest == nil || !report.Manifest.Pushed {
		t.Fatalf("manifest = %+v, want pushed", report.Manifest)
	}

	ix := index.NewStore(root).Load()
	if e, _ := ix.Get("ronavi_server.lua"); e.RemoteHash != "" {
		t.Fatalf("conflicted entry remote_hash = %q, want empty", e.RemoteHash)
	}
	if e, _ := ix.Get("ronavi_local.lua"); e.RemoteHash == "" {
		t.Fatal("local entry has no remote_hash")
	}
}

func TestRun_AuthFailureIsFetchStage(t *testing.T) {
	srv := remotetest.NewServer(t, "acme", "scripts")
	srv.Token = "secret"
	root := t.TempDir()
	r := newReconciler(t, root, newFakeProducer(), &SyncOptions{Store: newClient(t, srv, "wrong"), Branch: "main"}, nil)

	report, err := r.Run(context.Background(), ArtifactsFor([]generate.Kind{generate.KindServer}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res := report.Artifacts[0]
	var stageErr *StageError
	if !errors.As(res.Err, &stageErr) || stageErr.Stage != StageFetch {
		t.Fatalf("err = %v, want fetch StageError", res.Err)
	}
	if !errors.Is(res.Err, remote.ErrUnauthorized) || errors.Is(res.Err, remote.ErrConflict) {
		t.Fatalf("err = %v, want ErrUnauthorized only", res.Err)
	}
	if !res.Saved {
		t.Fatal("artifact should still be saved locally")
	}
	if report.Manifest == nil || report.Manifest.Err == nil {
		t.Fatalf("manifest = %+v, want failed push", report.Manifest)
	}
	if report.Failed() != 2 {
		t.Fatalf("Failed = %d, want 2", report.Failed())
	}
}

func TestRun_ProductionErrorIsIsolated(t *testing.T) {
	root := t.TempDir()
	p := newFakeProducer()
	p.fail[generate.KindServer] = generate.ErrMissingCredential
	r := newReconciler(t, root, p, nil, nil)

	report, err := r.Run(context.Background(), ArtifactsFor(generate.Kinds))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !errors.Is(report.Artifacts[0].Err, generate.ErrMissingCredential) {
		t.Fatalf("server err = %v", report.Artifacts[0].Err)
	}
	if !report.Artifacts[1].Saved {
		t.Fatalf("local result = %+v, want saved", report.Artifacts[1])
	}
	if _, err := os.Stat(filepath.Join(root, "ronavi_server.lua")); !os.IsNotExist(err) {
		t.Fatalf("server artifact should not exist, stat err = %v", err)
	}
	if ix := index.NewStore(root).Load(); ix.Len() != 1 {
		t.Fatalf("index len = %d, want 1", ix.Len())
	}
}

func TestRun_LocalWriteFailureAbortsRun(t *testing.T) {
	srv := remotetest.NewServer(t, "acme", "scripts")
	root := t.TempDir()
	// A directory where the artifact should go makes the write fail.
	if err := os.Mkdir(filepath.Join(root, "ronavi_server.lua"), 0o755); err != nil {
		t.Fatal(err)
	}
	r := newReconciler(t, root, newFakeProducer(), &SyncOptions{Store: newClient(t, srv, ""), Branch: "main"}, nil)

	report, err := r.Run(context.Background(), ArtifactsFor(generate.Kinds))
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StageWrite {
		t.Fatalf("Run err = %v, want write StageError", err)
	}
	if len(report.Artifacts) != 1 || report.Manifest != nil {
		t.Fatalf("report = %+v, want one artifact and no manifest", report)
	}
	if reqs := srv.Requests(); len(reqs) != 0 {
		t.Fatalf("requests = %+v, want none", reqs)
	}
}

func TestRun_PrefixAppliesToRemotePaths(t *testing.T) {
	srv := remotetest.NewServer(t, "acme", "scripts")
	root := t.TempDir()
	r := newReconciler(t, root, newFakeProducer(), &SyncOptions{
		Store:  newClient(t, srv, ""),
		Branch: "main",
		Prefix: "/generated/",
	}, nil)

	if _, err := r.Run(context.Background(), ArtifactsFor([]generate.Kind{generate.KindLocal})); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, _, ok := srv.File("main", "generated/ronavi_local.lua"); !ok {
		t.Fatal("artifact not pushed under prefix")
	}
	if _, _, ok := srv.File("main", "generated/"+index.ManifestName); !ok {
		t.Fatal("manifest not pushed under prefix")
	}
	// Local paths never carry the prefix.
	if _, ok := index.NewStore(root).Load().Get("ronavi_local.lua"); !ok {
		t.Fatal("local entry missing")
	}
}

func TestRun_ManifestDriftIsLoggedAndOverwritten(t *testing.T) {
	srv := remotetest.NewServer(t, "acme", "scripts")
	root := t.TempDir()
	var logs bytes.Buffer
	r := newReconciler(t, root, newFakeProducer(), &SyncOptions{Store: newClient(t, srv, ""), Branch: "main"}, &logs)
	artifacts := ArtifactsFor([]generate.Kind{generate.KindServer})

	if _, err := r.Run(context.Background(), artifacts); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	competitor := srv.Seed("main", index.ManifestName, []byte("[]\n"))

	report, err := r.Run(context.Background(), artifacts)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if !report.Manifest.Pushed || report.Manifest.Previous != competitor {
		t.Fatalf("manifest = %+v, want push over %s", report.Manifest, competitor)
	}
	if !strings.Contains(logs.String(), "WARNING: remote manifest changed") {
		t.Fatalf("logs missing drift warning:\n%s", logs.String())
	}
}

func TestRun_ManifestFetchFailureLogsNoDrift(t *testing.T) {
	srv := remotetest.NewServer(t, "acme", "scripts")
	srv.Token = "secret"
	root := t.TempDir()
	store := index.NewStore(root)
	recorded := index.SyncState{RemoteHash: strings.Repeat("abc123", 6) + "abcd", PushedAt: "2024-04-30T08:00:00.000000Z"}
	if err := store.SaveSyncState(recorded); err != nil {
		t.Fatalf("SaveSyncState: %v", err)
	}
	var logs bytes.Buffer
	r := newReconciler(t, root, newFakeProducer(), &SyncOptions{Store: newClient(t, srv, "wrong"), Branch: "main"}, &logs)

	report, err := r.Run(context.Background(), ArtifactsFor([]generate.Kind{generate.KindServer}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var stageErr *StageError
	if report.Manifest == nil || !errors.As(report.Manifest.Err, &stageErr) || stageErr.Stage != StageFetch {
		t.Fatalf("manifest = %+v, want fetch failure", report.Manifest)
	}
	if strings.Contains(logs.String(), "remote manifest changed") {
		t.Fatalf("drift reported although the remote was never read:\n%s", logs.String())
	}
	if got := store.LoadSyncState(); got != recorded {
		t.Fatalf("sync state = %+v, want unchanged %+v", got, recorded)
	}
}

func TestRun_NoManifestPushWhenNothingSaved(t *testing.T) {
	srv := remotetest.NewServer(t, "acme", "scripts")
	root := t.TempDir()
	p := newFakeProducer()
	for _, k := range generate.Kinds {
		p.fail[k] = errors.New("template missing")
	}
	r := newReconciler(t, root, p, &SyncOptions{Store: newClient(t, srv, ""), Branch: "main"}, nil)

	report, err := r.Run(context.Background(), ArtifactsFor(generate.Kinds))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed() != len(generate.Kinds) {
		t.Fatalf("Failed = %d, want %d", report.Failed(), len(generate.Kinds))
	}
	if report.Manifest != nil {
		t.Fatalf("Manifest result = %+v, want nil", report.Manifest)
	}
	if reqs := srv.Requests(); len(reqs) != 0 {
		t.Fatalf("requests = %+v, want none", reqs)
	}
	if _, err := os.Stat(index.NewStore(root).ManifestPath()); !os.IsNotExist(err) {
		t.Fatalf("manifest should not exist, stat err = %v", err)
	}
}

func TestRun_PushedHashMatchesLocalBlobHash(t *testing.T) {
	srv := remotetest.NewServer(t, "acme", "scripts")
	root := t.TempDir()
	r := newReconciler(t, root, newFakeProducer(), &SyncOptions{Store: newClient(t, srv, ""), Branch: "main"}, nil)

	report, err := r.Run(context.Background(), ArtifactsFor([]generate.Kind{generate.KindServer}))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	local, err := object.HashFile(filepath.Join(root, "ronavi_server.lua"))
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if !local.Matches(report.Artifacts[0].RemoteHash) {
		t.Fatalf("local hash %s != remote %s", local, report.Artifacts[0].RemoteHash)
	}
}

func TestRun_CanceledContext(t *testing.T) {
	root := t.TempDir()
	r := newReconciler(t, root, newFakeProducer(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := r.Run(ctx, ArtifactsFor(generate.Kinds))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
	if len(report.Artifacts) != 0 {
		t.Fatalf("artifacts = %+v, want none", report.Artifacts)
	}
}

func TestNew_Validation(t *testing.T) {
	p := newFakeProducer()
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no root", cfg: Config{Producer: p}},
		{name: "no producer", cfg: Config{Root: t.TempDir()}},
		{name: "sync without store", cfg: Config{Root: t.TempDir(), Producer: p, Sync: &SyncOptions{}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); err == nil {
				t.Fatal("New succeeded, want error")
			}
		})
	}
}

func TestRemotePath(t *testing.T) {
	tests := []struct{ prefix, rel, want string }{
		{"", "a.lua", "a.lua"},
		{"scripts", "a.lua", "scripts/a.lua"},
		{"/scripts/", "a.lua", "scripts/a.lua"},
		{"  ", "a.lua", "a.lua"},
	}
	for _, tc := range tests {
		if got := RemotePath(tc.prefix, tc.rel); got != tc.want {
			t.Fatalf("RemotePath(%q, %q) = %q, want %q", tc.prefix, tc.rel, got, tc.want)
		}
	}
}
