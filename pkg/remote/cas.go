package remote

import (
	"context"
	"fmt"
)

// BlobStore is the subset of the contents API a compare-and-swap needs.
// *Client implements it.
type BlobStore interface {
	FetchDescriptor(ctx context.Context, filePath, ref string) (*Descriptor, error)
	PutBlob(ctx context.Context, pr PutRequest) (string, error)
}

// CAS phases reported by CASError.
const (
	PhaseRead  = "read"
	PhaseWrite = "write"
)

// CASError records which half of a compare-and-swap failed.
type CASError struct {
	Phase string
	Path  string
	Err   error
}

func (e *CASError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Phase, e.Path, e.Err)
}

func (e *CASError) Unwrap() error {
	return e.Err
}

// CompareAndSwap reads the current hash of filePath on branch and writes
// content expecting that hash. Anyone updating the file between the two
// calls makes the write fail with ErrConflict; the caller decides whether
// to read again and retry.
func CompareAndSwap(ctx context.Context, s BlobStore, filePath, branch, message string, content []byte) (CASResult, error) {
	current, err := s.FetchDescriptor(ctx, filePath, branch)
	if err != nil {
		return CASResult{}, &CASError{Phase: PhaseRead, Path: filePath, Err: err}
	}
	var res CASResult
	if current != nil {
		res.Previous = current.SHA
	}
	sha, err := s.PutBlob(ctx, PutRequest{
		Path:         filePath,
		Content:      content,
		Branch:       branch,
		Message:      message,
		ExpectedHash: res.Previous,
	})
	if err != nil {
		return res, &CASError{Phase: PhaseWrite, Path: filePath, Err: err}
	}
	res.Current = sha
	return res, nil
}
