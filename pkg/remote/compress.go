package remote

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// readBody reads the decoded response body, undoing any zstd or gzip
// Content-Encoding. Bodies longer than maxBytes are an error.
func readBody(resp *http.Response, maxBytes int64) ([]byte, error) {
	r, err := newDecodingReader(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	body, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", maxBytes)
	}
	return body, nil
}

// newDecodingReader wraps r according to a Content-Encoding header value.
func newDecodingReader(contentEncoding string, r io.Reader) (io.ReadCloser, error) {
	switch enc := strings.ToLower(strings.TrimSpace(contentEncoding)); {
	case enc == "" || enc == "identity":
		return io.NopCloser(r), nil
	case isZstdEncoded(enc):
		return newZstdReader(r)
	case enc == "gzip" || enc == "x-gzip":
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return zr, nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", contentEncoding)
	}
}

// newZstdReader wraps an io.Reader with zstd decompression.
func newZstdReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd: %w", err)
	}
	return &zstdReadCloser{dec: dec}, nil
}

type zstdReadCloser struct {
	dec *zstd.Decoder
}

func (z *zstdReadCloser) Read(p []byte) (int, error) {
	return z.dec.Read(p)
}

func (z *zstdReadCloser) Close() error {
	z.dec.Close()
	return nil
}

// isZstdEncoded checks if the content encoding includes zstd.
func isZstdEncoded(contentEncoding string) bool {
	return strings.Contains(contentEncoding, "zstd")
}
