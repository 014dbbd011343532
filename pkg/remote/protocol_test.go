package remote

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRemoteErrorIs(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		message      string
		conflict     bool
		unauthorized bool
	}{
		{name: "stale sha", status: http.StatusConflict, message: "a.lua does not match abc", conflict: true},
		{name: "missing sha", status: http.StatusUnprocessableEntity, message: "Invalid request.\n\n\"sha\" wasn't supplied.", conflict: true},
		{name: "other validation", status: http.StatusUnprocessableEntity, message: "content is not valid Base64"},
		{name: "bad credentials", status: http.StatusUnauthorized, message: "Bad credentials", unauthorized: true},
		{name: "forbidden", status: http.StatusForbidden, message: "Resource not accessible by integration", unauthorized: true},
		{name: "server error", status: http.StatusBadGateway},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := error(&RemoteError{StatusCode: tc.status, Message: tc.message})
			if got := errors.Is(err, ErrConflict); got != tc.conflict {
				t.Fatalf("Is(ErrConflict) = %v, want %v", got, tc.conflict)
			}
			if got := errors.Is(err, ErrUnauthorized); got != tc.unauthorized {
				t.Fatalf("Is(ErrUnauthorized) = %v, want %v", got, tc.unauthorized)
			}
		})
	}
}

func TestNewRemoteErrorParsesJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/repos/acme/scripts/contents/a.lua", nil)
	body := []byte(`{"message":"a.lua does not match abc","documentation_url":"https://docs.github.com/rest"}`)

	re := newRemoteError(req, http.StatusConflict, body)
	if re.Message != "a.lua does not match abc" || re.DocumentationURL != "https://docs.github.com/rest" {
		t.Fatalf("RemoteError = %+v", re)
	}
	msg := re.Error()
	if !strings.Contains(msg, "PUT /repos/acme/scripts/contents/a.lua") || !strings.Contains(msg, "409") {
		t.Fatalf("Error() = %q", msg)
	}
}

func TestRemoteErrorEmptyMessageUsesStatusText(t *testing.T) {
	re := &RemoteError{StatusCode: http.StatusServiceUnavailable, Method: http.MethodGet, Path: "/x"}
	if !strings.Contains(re.Error(), "Service Unavailable") {
		t.Fatalf("Error() = %q", re.Error())
	}
}
