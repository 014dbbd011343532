// Package generate produces the bytes of RONAVI Lua artifacts, either from
// bundled templates or from a hosted language model.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/odvcencio/rgeres/pkg/index"
)

// Kind names one artifact the generator knows how to produce.
type Kind string

const (
	KindServer Kind = "server"
	KindLocal  Kind = "local"
)

// Kinds lists every known kind in generation order.
var Kinds = []Kind{KindServer, KindLocal}

var (
	// ErrUnknownKind reports a kind outside Kinds.
	ErrUnknownKind = errors.New("unknown artifact kind")

	// ErrMissingCredential reports a producer that cannot run without a
	// credential the caller did not supply.
	ErrMissingCredential = errors.New("missing credential")
)

// ParseKind validates a single kind name.
func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
}

// ParseSelection expands a --type value ("server", "local" or "both").
func ParseSelection(raw string) ([]Kind, error) {
	if strings.EqualFold(strings.TrimSpace(raw), "both") {
		return append([]Kind(nil), Kinds...), nil
	}
	k, err := ParseKind(raw)
	if err != nil {
		return nil, err
	}
	return []Kind{k}, nil
}

// FileName returns the artifact file name for k.
func (k Kind) FileName() string {
	return "ronavi_" + string(k) + ".lua"
}

// Producer returns the bytes for one artifact kind.
type Producer interface {
	// Source is the provenance tag recorded in the index.
	Source() index.Source
	Produce(ctx context.Context, kind Kind) ([]byte, error)
}
