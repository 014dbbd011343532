package generate

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/odvcencio/rgeres/pkg/index"
)

//go:embed templates/*.lua
var builtinTemplates embed.FS

// TemplateProducer renders artifacts from Lua templates. A file named
// <kind>.lua in Dir overrides the bundled template for that kind.
type TemplateProducer struct {
	Dir string
}

// NewTemplateProducer returns a producer that prefers templates in dir.
// An empty dir uses the bundled templates only.
func NewTemplateProducer(dir string) *TemplateProducer {
	return &TemplateProducer{Dir: dir}
}

// Source implements Producer.
func (p *TemplateProducer) Source() index.Source {
	return index.SourceLocal
}

// TemplatePath returns the override path for kind, or "" without a Dir.
func (p *TemplateProducer) TemplatePath(kind Kind) string {
	if p.Dir == "" {
		return ""
	}
	return filepath.Join(p.Dir, string(kind)+".lua")
}

// Produce implements Producer.
func (p *TemplateProducer) Produce(_ context.Context, kind Kind) ([]byte, error) {
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	if override := p.TemplatePath(kind); override != "" {
		data, err := os.ReadFile(override)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read template %s: %w", override, err)
		}
	}
	data, err := builtinTemplates.ReadFile("templates/" + string(kind) + ".lua")
	if err != nil {
		return nil, fmt.Errorf("bundled template %s: %w", kind, err)
	}
	return data, nil
}
