// Package watch re-runs generation when template overrides change.
package watch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/odvcencio/rgeres/pkg/generate"
)

// DefaultDebounce is how long a template must stay quiet before it is
// regenerated. Editors often write a file several times per save.
const DefaultDebounce = 300 * time.Millisecond

// Config configures a Watcher.
type Config struct {
	// Dir is the template directory holding <kind>.lua overrides.
	Dir string

	DebounceInterval time.Duration

	Logger *log.Logger
}

// Handler receives the kinds whose templates changed, in generation order.
// Calls are serialized.
type Handler func(ctx context.Context, kinds []generate.Kind)

// Watcher watches a template directory with fsnotify.
type Watcher struct {
	dir      string
	debounce time.Duration
	logger   *log.Logger
	watcher  *fsnotify.Watcher

	// kind -> time of the latest event
	pending map[generate.Kind]time.Time
}

// New creates a watcher for cfg.Dir. The directory must exist.
func New(cfg Config) (*Watcher, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("watch: template directory is required")
	}
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch: %s is not a directory", cfg.Dir)
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = DefaultDebounce
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[watch] ", log.LstdFlags)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create watcher: %w", err)
	}
	if err := fw.Add(cfg.Dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch: add %s: %w", cfg.Dir, err)
	}
	return &Watcher{
		dir:      cfg.Dir,
		debounce: cfg.DebounceInterval,
		logger:   cfg.Logger,
		watcher:  fw,
		pending:  make(map[generate.Kind]time.Time),
	}, nil
}

// KindForFile maps a template file name such as "server.lua" to its kind.
func KindForFile(name string) (generate.Kind, bool) {
	base := filepath.Base(name)
	if filepath.Ext(base) != ".lua" {
		return "", false
	}
	k, err := generate.ParseKind(strings.TrimSuffix(base, ".lua"))
	if err != nil {
		return "", false
	}
	return k, true
}

// Run delivers debounced changes to h until ctx is done, then closes the
// underlying watcher. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context, h Handler) error {
	defer w.watcher.Close()

	tick := w.debounce / 2
	if tick <= 0 {
		tick = w.debounce
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	w.logger.Printf("watching %s", w.dir)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			kind, ok := KindForFile(event.Name)
			if !ok {
				continue
			}
			w.pending[kind] = time.Now()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("WARNING: watcher error: %v", err)

		case now := <-ticker.C:
			if kinds := w.ready(now); len(kinds) > 0 {
				h(ctx, kinds)
			}
		}
	}
}

// ready removes and returns the kinds that have been quiet for the
// debounce interval.
func (w *Watcher) ready(now time.Time) []generate.Kind {
	var out []generate.Kind
	for _, k := range generate.Kinds {
		at, ok := w.pending[k]
		if !ok || now.Sub(at) < w.debounce {
			continue
		}
		delete(w.pending, k)
		out = append(out, k)
	}
	return out
}
