package main

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/odvcencio/rgeres/pkg/index"
	"github.com/odvcencio/rgeres/pkg/object"
)

// Sync states reported by status.
const (
	stateSynced   = "synced"   // file matches the recorded remote hash
	stateModified = "modified" // file changed since it was pushed
	stateUnsynced = "unsynced" // never confirmed remotely
	stateMissing  = "missing"  // indexed but not on disk
)

type statusLine struct {
	Path  string
	State string
	Hash  string // local blob hash, empty when missing
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Compare generated files with the hashes recorded in the index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			store := index.NewStore(cfg.OutDir)
			lines, err := computeStatus(store)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(lines) == 0 {
				fmt.Fprintf(out, "no entries in %s\n", store.ManifestPath())
			}
			for _, l := range lines {
				stateColor(l.State).Fprintf(out, "  %-9s", l.State)
				fmt.Fprintln(out, l.Path)
			}

			st := store.LoadSyncState()
			if st.RemoteHash == "" {
				fmt.Fprintln(out, "index: never pushed")
			} else {
				fmt.Fprintf(out, "index: pushed %s at %s\n", st.RemoteHash, st.PushedAt)
			}
			return nil
		},
	}
}

func computeStatus(store *index.Store) ([]statusLine, error) {
	ix := store.Load()
	lines := make([]statusLine, 0, ix.Len())
	for _, e := range ix.Entries() {
		l := statusLine{Path: e.Path}
		h, err := object.HashFile(filepath.Join(store.Root, filepath.FromSlash(e.Path)))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			l.State = stateMissing
		case err != nil:
			return nil, fmt.Errorf("status: %s: %w", e.Path, err)
		case e.RemoteHash == "":
			l.State, l.Hash = stateUnsynced, string(h)
		case h.Matches(e.RemoteHash):
			l.State, l.Hash = stateSynced, string(h)
		default:
			l.State, l.Hash = stateModified, string(h)
		}
		lines = append(lines, l)
	}
	return lines, nil
}

func stateColor(state string) *color.Color {
	switch state {
	case stateSynced:
		return color.New(color.FgGreen)
	case stateModified:
		return color.New(color.FgYellow)
	case stateMissing:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgCyan)
	}
}
