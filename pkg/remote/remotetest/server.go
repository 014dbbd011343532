// Package remotetest provides an in-memory repository contents API for
// tests. It enforces the same sha rules as the real service: creating an
// existing file or updating with a stale sha is rejected.
package remotetest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/odvcencio/rgeres/pkg/object"
)

// DefaultBranch is used when a request names no ref or branch.
const DefaultBranch = "main"

// Request is one recorded API call.
type Request struct {
	Method string
	Path   string // file path inside the repository
	Ref    string
	SHA    string // sha sent with a PUT
}

type file struct {
	content []byte
	sha     string
}

// Server is a fake contents API for a single owner/name repository.
type Server struct {
	*httptest.Server

	Owner string
	Name  string
	// Token, when set, must be presented as a bearer credential.
	Token string
	// Hook runs before each request is served, without the lock held.
	Hook func(r *http.Request)
	// CompressResponses zstd-encodes bodies for clients that accept it.
	CompressResponses bool

	mu       sync.Mutex
	files    map[string]file
	requests []Request
	commits  int
}

// NewServer starts a fake server that is closed when t finishes.
func NewServer(t testing.TB, owner, name string) *Server {
	t.Helper()
	s := &Server{
		Owner: owner,
		Name:  name,
		files: make(map[string]file),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/{owner}/{name}/contents/{path...}", s.handleGet)
	mux.HandleFunc("PUT /repos/{owner}/{name}/contents/{path...}", s.handlePut)
	s.Server = httptest.NewServer(s.wrap(mux))
	t.Cleanup(s.Close)
	return s
}

// RepoRef returns "owner/name".
func (s *Server) RepoRef() string {
	return s.Owner + "/" + s.Name
}

// Seed stores content at branch/path as if another client had pushed it
// and returns its sha.
func (s *Server) Seed(branch, path string, content []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(branch, path, content)
}

// File returns the content and sha stored at branch/path.
func (s *Server) File(branch, path string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[key(branch, path)]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), f.content...), f.sha, true
}

// Requests returns a copy of all recorded calls.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Commits returns the number of successful writes.
func (s *Server) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func key(branch, path string) string {
	if branch == "" {
		branch = DefaultBranch
	}
	return branch + ":" + strings.Trim(path, "/")
}

func (s *Server) store(branch, path string, content []byte) string {
	sha := string(object.HashBlob(content))
	s.files[key(branch, path)] = file{content: append([]byte(nil), content...), sha: sha}
	return sha
}

func (s *Server) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Hook != nil {
			s.Hook(r)
		}
		if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
			writeJSON(w, r, s.CompressResponses, http.StatusUnauthorized, map[string]string{
				"message":           "Bad credentials",
				"documentation_url": "https://docs.github.com/rest",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkRepo(w http.ResponseWriter, r *http.Request) bool {
	if r.PathValue("owner") != s.Owner || r.PathValue("name") != s.Name {
		writeJSON(w, r, s.CompressResponses, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return false
	}
	return true
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if !s.checkRepo(w, r) {
		return
	}
	path := r.PathValue("path")
	ref := r.URL.Query().Get("ref")

	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: path, Ref: ref})
	f, ok := s.files[key(ref, path)]
	s.mu.Unlock()

	if !ok {
		writeJSON(w, r, s.CompressResponses, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	writeJSON(w, r, s.CompressResponses, http.StatusOK, map[string]any{
		"type":     "file",
		"name":     path[strings.LastIndex(path, "/")+1:],
		"path":     path,
		"sha":      f.sha,
		"size":     len(f.content),
		"encoding": "base64",
		"content":  wrapBase64(f.content),
	})
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if !s.checkRepo(w, r) {
		return
	}
	path := r.PathValue("path")

	var body struct {
		Message string `json:"message"`
		Content string `json:"content"`
		Branch  string `json:"branch"`
		SHA     string `json:"sha"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, r, s.CompressResponses, http.StatusBadRequest, map[string]string{"message": "Problems parsing JSON"})
		return
	}
	content, err := base64.StdEncoding.DecodeString(body.Content)
	if err != nil {
		writeJSON(w, r, s.CompressResponses, http.StatusUnprocessableEntity, map[string]string{"message": "content is not valid Base64"})
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeJSON(w, r, s.CompressResponses, http.StatusUnprocessableEntity, map[string]string{"message": "Invalid request.\n\n\"message\" wasn't supplied."})
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: path, Ref: body.Branch, SHA: body.SHA})
	existing, exists := s.files[key(body.Branch, path)]
	switch {
	case exists && body.SHA == "":
		s.mu.Unlock()
		writeJSON(w, r, s.CompressResponses, http.StatusUnprocessableEntity, map[string]string{"message": "Invalid request.\n\n\"sha\" wasn't supplied."})
		return
	case exists && body.SHA != existing.sha:
		s.mu.Unlock()
		writeJSON(w, r, s.CompressResponses, http.StatusConflict, map[string]string{
			"message": fmt.Sprintf("%s does not match %s", path, body.SHA),
		})
		return
	case !exists && body.SHA != "":
		s.mu.Unlock()
		writeJSON(w, r, s.CompressResponses, http.StatusConflict, map[string]string{
			"message": fmt.Sprintf("%s does not match %s", path, body.SHA),
		})
		return
	}
	sha := s.store(body.Branch, path, content)
	s.commits++
	s.mu.Unlock()

	status := http.StatusCreated
	if exists {
		status = http.StatusOK
	}
	writeJSON(w, r, s.CompressResponses, status, map[string]any{
		"content": map[string]any{
			"path": path,
			"sha":  sha,
			"size": len(content),
		},
		"commit": map[string]any{
			"sha":     fmt.Sprintf("%040x", s.Commits()),
			"message": body.Message,
		},
	})
}

// wrapBase64 mimics the service's 60-column wrapped base64 payloads.
func wrapBase64(data []byte) string {
	enc := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	for len(enc) > 60 {
		b.WriteString(enc[:60])
		b.WriteByte('\n')
		enc = enc[60:]
	}
	b.WriteString(enc)
	return b.String()
}

func writeJSON(w http.ResponseWriter, r *http.Request, compress bool, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if compress && strings.Contains(r.Header.Get("Accept-Encoding"), "zstd") {
		enc, err := zstd.NewWriter(nil)
		if err == nil {
			data = enc.EncodeAll(data, nil)
			enc.Close()
			w.Header().Set("Content-Encoding", "zstd")
		}
	}
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
