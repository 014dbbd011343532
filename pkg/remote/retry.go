package remote

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// retryBaseDelay is the first backoff interval; it doubles per attempt.
var retryBaseDelay = time.Second

// retryDo executes an HTTP request with exponential backoff retry.
// GET and HEAD are retried on network errors, HTTP 429, and HTTP 5xx
// responses. Other methods are retried on HTTP 429 only: a write that failed
// with a 5xx or a dropped connection may still have been applied.
// Does not retry 4xx client errors.
// For requests with a body, the body is buffered and replayed on retry.
// Waiting between attempts stops early when ctx is done.
func retryDo(ctx context.Context, client *http.Client, req *http.Request, maxAttempts int) (*http.Response, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	// Buffer body for replay on retry.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
	}

	idempotent := req.Method == http.MethodGet || req.Method == http.MethodHead
	var lastResp *http.Response
	var lastErr error
	backoff := retryBaseDelay

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
			backoff *= 2
		}

		// Reset body for each attempt.
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !idempotent {
				return nil, err
			}
			lastErr = err
			lastResp = nil
			continue
		}

		if !isRetryableStatus(resp.StatusCode, idempotent) {
			return resp, nil
		}

		// Keep the final retryable response so callers can report it.
		if attempt == maxAttempts-1 {
			return resp, nil
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastResp = resp
		lastErr = nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return lastResp, nil
}

// isRetryableStatus returns true for HTTP status codes that should be retried.
func isRetryableStatus(status int, idempotent bool) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return idempotent && status >= 500
}
