package remote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultBaseURL is the public GitHub REST API.
const DefaultBaseURL = "https://api.github.com"

// Repository identifies a repository on a contents-API host.
type Repository struct {
	Owner string
	Name  string
}

// String returns "owner/name".
func (r Repository) String() string {
	return r.Owner + "/" + r.Name
}

// ParseRepository parses a repository reference.
//
// Supported inputs include:
// - owner/name
// - https://github.com/owner/name
// - https://github.com/owner/name.git
func ParseRepository(raw string) (Repository, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Repository{}, fmt.Errorf("repository is required")
	}
	p := raw
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return Repository{}, fmt.Errorf("parse repository URL: %w", err)
		}
		if u.Host == "" {
			return Repository{}, fmt.Errorf("repository URL must include a host")
		}
		p = u.Path
	}
	segments := splitPathSegments(p)
	if len(segments) != 2 {
		return Repository{}, fmt.Errorf("repository %q must look like owner/name", raw)
	}
	owner := segments[0]
	name := strings.TrimSuffix(segments[1], ".git")
	if owner == "" || name == "" {
		return Repository{}, fmt.Errorf("repository %q must include non-empty owner and name", raw)
	}
	return Repository{Owner: owner, Name: name}, nil
}

func splitPathSegments(p string) []string {
	p = strings.TrimSpace(path.Clean("/" + p))
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." {
		return nil
	}
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" && part != "." {
			out = append(out, part)
		}
	}
	return out
}

// Descriptor is the remote record of a file. SHA is the store's content
// hash and the optimistic-concurrency token for later writes.
type Descriptor struct {
	Path    string
	SHA     string
	Size    int64
	Content []byte // nil when the store omitted the payload
}

// PutRequest creates or updates one file. An empty ExpectedHash means
// create; otherwise the store rejects the write unless ExpectedHash is
// the file's current hash.
type PutRequest struct {
	Path         string
	Content      []byte
	Branch       string
	Message      string
	ExpectedHash string
}

// CASResult reports the hash observed before a compare-and-swap write and
// the hash assigned by the store afterwards. Previous is empty on create.
type CASResult struct {
	Previous string
	Current  string
}

// ClientOptions configures the contents API client.
type ClientOptions struct {
	BaseURL     string        // API root (default https://api.github.com)
	Token       string        // bearer credential sent on every call
	Timeout     time.Duration // HTTP client timeout (default 60s)
	MaxAttempts int           // retry attempts (default 3)
	UserAgent   string        // default "rgeres"
}

// Response limits per endpoint type.
const (
	responseLimitDefault    = 2 << 20  // 2MB
	responseLimitDescriptor = 16 << 20 // 16MB, descriptors may embed content
)

// Client talks to a GitHub-style repository contents API.
type Client struct {
	baseURL     string
	repo        Repository
	httpClient  *http.Client
	token       string
	userAgent   string
	maxAttempts int
}

// NewClient creates a contents API client for repo.
// Zero-value or negative fields in opts receive defaults (60s timeout, 3 attempts).
func NewClient(repo string, opts ClientOptions) (*Client, error) {
	r, err := ParseRepository(repo)
	if err != nil {
		return nil, err
	}

	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse API URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("API URL must include scheme and host")
	}

	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if strings.TrimSpace(opts.UserAgent) == "" {
		opts.UserAgent = "rgeres"
	}

	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		repo:    r,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		token:       strings.TrimSpace(opts.Token),
		userAgent:   opts.UserAgent,
		maxAttempts: opts.MaxAttempts,
	}, nil
}

// Repository returns the target repository.
func (c *Client) Repository() Repository {
	return c.repo
}

// contentsURL builds {base}/repos/{owner}/{name}/contents/{path}.
func (c *Client) contentsURL(filePath string) (string, error) {
	segments := splitPathSegments(filePath)
	if len(segments) == 0 {
		return "", fmt.Errorf("file path is required")
	}
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	return c.baseURL + "/repos/" + url.PathEscape(c.repo.Owner) + "/" + url.PathEscape(c.repo.Name) +
		"/contents/" + strings.Join(escaped, "/"), nil
}

// FetchDescriptor reads the current record for filePath at ref. A missing
// file is reported as (nil, nil): absence is the expected state before the
// first push.
func (c *Client) FetchDescriptor(ctx context.Context, filePath, ref string) (*Descriptor, error) {
	endpoint, err := c.contentsURL(filePath)
	if err != nil {
		return nil, err
	}
	if ref = strings.TrimSpace(ref); ref != "" {
		endpoint += "?ref=" + url.QueryEscape(ref)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	status, body, err := c.send(req, responseLimitDescriptor)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, newRemoteError(req, status, body)
	}

	var raw struct {
		Type     string `json:"type"`
		Path     string `json:"path"`
		SHA      string `json:"sha"`
		Size     int64  `json:"size"`
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode descriptor for %q: %w", filePath, err)
	}
	if raw.Type != "" && raw.Type != "file" {
		return nil, fmt.Errorf("remote path %q is a %s, not a file", filePath, raw.Type)
	}
	sha := strings.TrimSpace(raw.SHA)
	if sha == "" {
		return nil, fmt.Errorf("descriptor for %q has no sha", filePath)
	}

	d := &Descriptor{
		Path: raw.Path,
		SHA:  sha,
		Size: raw.Size,
	}
	if d.Path == "" {
		d.Path = filePath
	}
	if raw.Content != "" && strings.EqualFold(raw.Encoding, "base64") {
		clean := strings.NewReplacer("\n", "", "\r", "").Replace(raw.Content)
		content, err := base64.StdEncoding.DecodeString(clean)
		if err != nil {
			return nil, fmt.Errorf("decode content for %q: %w", filePath, err)
		}
		d.Content = content
	}
	return d, nil
}

// PutBlob creates or updates a file and returns the hash the store
// assigned to the new content. A stale or missing ExpectedHash fails with
// an error matching ErrConflict; it is never retried here.
func (c *Client) PutBlob(ctx context.Context, pr PutRequest) (string, error) {
	endpoint, err := c.contentsURL(pr.Path)
	if err != nil {
		return "", err
	}
	message := strings.TrimSpace(pr.Message)
	if message == "" {
		return "", fmt.Errorf("commit message is required")
	}

	payload := struct {
		Message string `json:"message"`
		Content string `json:"content"`
		Branch  string `json:"branch,omitempty"`
		SHA     string `json:"sha,omitempty"`
	}{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(pr.Content),
		Branch:  strings.TrimSpace(pr.Branch),
		SHA:     strings.TrimSpace(pr.ExpectedHash),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(raw))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	status, body, err := c.send(req, responseLimitDefault)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", newRemoteError(req, status, body)
	}

	var resp struct {
		Content struct {
			SHA string `json:"sha"`
		} `json:"content"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode put response for %q: %w", pr.Path, err)
	}
	sha := strings.TrimSpace(resp.Content.SHA)
	if sha == "" {
		return "", fmt.Errorf("put response for %q has no content sha", pr.Path)
	}
	return sha, nil
}

// CompareAndSwap is the package-level CompareAndSwap bound to c.
func (c *Client) CompareAndSwap(ctx context.Context, filePath, branch, message string, content []byte) (CASResult, error) {
	return CompareAndSwap(ctx, c, filePath, branch, message, content)
}

// send performs req with retries and returns the status and decoded body.
// Non-2xx statuses are returned, not converted to errors.
func (c *Client) send(req *http.Request, maxBytes int64) (int, []byte, error) {
	c.applyHeaders(req)
	resp, err := retryDo(req.Context(), c.httpClient, req, c.maxAttempts)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := readBody(resp, maxBytes)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: read response: %w", req.Method, req.URL.Path, err)
	}
	return resp.StatusCode, body, nil
}

func (c *Client) applyHeaders(req *http.Request) {
	req.Header.Set("Accept", mediaTypeJSON)
	req.Header.Set("Accept-Encoding", acceptEncoding)
	req.Header.Set(headerAPIVersion, APIVersion)
	req.Header.Set("User-Agent", c.userAgent)

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
