package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"

	"github.com/odvcencio/rgeres/pkg/index"
	"github.com/odvcencio/rgeres/pkg/reconcile"
)

const lineDiffContextLines = 3

func newDiffCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff [path...]",
		Short: "Show differences between the remote copy and the local file",
		Long:  "Fetches each path from the configured repository and prints a line diff against the generated file. Without arguments, every indexed path is compared.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, err := requireRemote(cmd, cfg)
			if err != nil {
				return err
			}

			paths := args
			if len(paths) == 0 {
				for _, e := range index.NewStore(cfg.OutDir).Load().Entries() {
					paths = append(paths, e.Path)
				}
			}

			out := cmd.OutOrStdout()
			changed := 0
			for _, p := range paths {
				rel := index.CleanPath(p)
				local, err := os.ReadFile(filepath.Join(cfg.OutDir, filepath.FromSlash(rel)))
				if err != nil && !os.IsNotExist(err) {
					return err
				}
				desc, err := client.FetchDescriptor(cmd.Context(), reconcile.RemotePath(cfg.Remote.Prefix, rel), cfg.Remote.Branch)
				if err != nil {
					return fmt.Errorf("diff %s: %w", rel, err)
				}
				var remoteData []byte
				if desc != nil {
					if desc.Content == nil && desc.Size > 0 {
						return fmt.Errorf("diff %s: remote did not return file content", rel)
					}
					remoteData = desc.Content
				}
				if bytes.Equal(remoteData, local) {
					continue
				}
				changed++
				if err := printLineDiff(out, rel, remoteData, local); err != nil {
					return err
				}
			}
			if changed == 0 {
				fmt.Fprintln(out, "no differences")
			}
			return nil
		},
	}
	addRemoteFlags(cmd)
	return cmd
}

type lineOp int

const (
	lineEqual lineOp = iota
	lineDelete
	lineInsert
)

type diffLine struct {
	Op      lineOp
	Content string
}

// lineDiff diffs before and after line by line.
func lineDiff(before, after []byte) []diffLine {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(string(before), string(after))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out []diffLine
	for _, d := range diffs {
		op := lineEqual
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			op = lineDelete
		case diffmatchpatch.DiffInsert:
			op = lineInsert
		}
		for _, l := range strings.SplitAfter(d.Text, "\n") {
			if l == "" {
				continue
			}
			out = append(out, diffLine{Op: op, Content: strings.TrimSuffix(l, "\n")})
		}
	}
	return out
}

// printLineDiff writes a unified diff from the remote copy (a/) to the
// local file (b/).
func printLineDiff(out io.Writer, path string, before, after []byte) error {
	if bytes.Equal(before, after) {
		return nil
	}

	fmt.Fprintf(out, "diff --rgeres a/%s b/%s\n", path, path)
	fmt.Fprintf(out, "--- a/%s\n", path)
	fmt.Fprintf(out, "+++ b/%s\n", path)

	lines := lineDiff(before, after)
	for _, h := range buildLineDiffHunks(lines, lineDiffContextLines) {
		oldStart, oldCount, newStart, newCount := h.lineRange(lines)
		fmt.Fprintf(out, "@@ -%d,%d +%d,%d @@\n", oldStart, oldCount, newStart, newCount)

		for _, dl := range lines[h.start:h.end] {
			switch dl.Op {
			case lineEqual:
				fmt.Fprintf(out, " %s\n", dl.Content)
			case lineInsert:
				fmt.Fprintf(out, "+%s\n", dl.Content)
			case lineDelete:
				fmt.Fprintf(out, "-%s\n", dl.Content)
			}
		}
	}
	return nil
}

type lineDiffHunk struct {
	start int
	end   int
}

func buildLineDiffHunks(lines []diffLine, contextLines int) []lineDiffHunk {
	if contextLines < 0 {
		contextLines = 0
	}

	var hunks []lineDiffHunk
	for i, dl := range lines {
		if dl.Op == lineEqual {
			continue
		}
		start := max(i-contextLines, 0)
		end := min(i+contextLines+1, len(lines))

		if len(hunks) == 0 || start > hunks[len(hunks)-1].end {
			hunks = append(hunks, lineDiffHunk{start: start, end: end})
			continue
		}
		if end > hunks[len(hunks)-1].end {
			hunks[len(hunks)-1].end = end
		}
	}
	return hunks
}

func (h lineDiffHunk) lineRange(lines []diffLine) (oldStart, oldCount, newStart, newCount int) {
	oldLine, newLine := 1, 1
	for _, dl := range lines[:h.start] {
		switch dl.Op {
		case lineEqual:
			oldLine++
			newLine++
		case lineDelete:
			oldLine++
		case lineInsert:
			newLine++
		}
	}
	oldStart, newStart = oldLine, newLine

	for _, dl := range lines[h.start:h.end] {
		switch dl.Op {
		case lineEqual:
			oldCount++
			newCount++
		case lineDelete:
			oldCount++
		case lineInsert:
			newCount++
		}
	}

	// An empty side starts at line 0, as in unified diff.
	if oldCount == 0 {
		oldStart--
	}
	if newCount == 0 {
		newStart--
	}
	return oldStart, oldCount, newStart, newCount
}
