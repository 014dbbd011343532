package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const (
	// APIVersion is the contents API version this client speaks.
	APIVersion = "2022-11-28"

	mediaTypeJSON    = "application/vnd.github+json"
	headerAPIVersion = "X-GitHub-Api-Version"
	acceptEncoding   = "zstd, gzip"
)

var (
	// ErrConflict reports that the expected hash of a write no longer
	// matches the store's current record.
	ErrConflict = errors.New("remote content changed since it was read")

	// ErrUnauthorized reports a missing or rejected credential.
	ErrUnauthorized = errors.New("remote rejected credentials")
)

// RemoteError is a structured error from the remote server.
type RemoteError struct {
	StatusCode       int    `json:"-"`
	Method           string `json:"-"`
	Path             string `json:"-"`
	Message          string `json:"message"`
	DocumentationURL string `json:"documentation_url,omitempty"`
}

func (e *RemoteError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("remote request failed (%s %s): %d %s", e.Method, e.Path, e.StatusCode, msg)
}

// Is maps HTTP statuses onto ErrConflict and ErrUnauthorized.
func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrConflict:
		return e.isConflict()
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	}
	return false
}

// A stale sha yields 409; a missing sha on an existing file yields 422
// naming the sha parameter.
func (e *RemoteError) isConflict() bool {
	if e.StatusCode == http.StatusConflict {
		return true
	}
	return e.StatusCode == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(e.Message), "sha")
}

// newRemoteError builds a RemoteError, parsing a JSON error body when the
// server sent one.
func newRemoteError(req *http.Request, status int, body []byte) *RemoteError {
	re := &RemoteError{StatusCode: status, Method: req.Method, Path: req.URL.Path}
	if parsed := tryParseRemoteError(body); parsed != nil {
		re.Message = parsed.Message
		re.DocumentationURL = parsed.DocumentationURL
		return re
	}
	re.Message = strings.TrimSpace(string(body))
	return re
}

// tryParseRemoteError attempts to parse a JSON error response body.
func tryParseRemoteError(body []byte) *RemoteError {
	var re RemoteError
	if err := json.Unmarshal(body, &re); err != nil {
		return nil
	}
	if re.Message == "" {
		return nil
	}
	return &re
}
