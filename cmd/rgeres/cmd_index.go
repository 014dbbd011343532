package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/odvcencio/rgeres/pkg/index"
)

// yamlEntry mirrors the manifest's JSON keys; a nil RemoteHash renders as null.
type yamlEntry struct {
	Name       string  `yaml:"name"`
	Path       string  `yaml:"path"`
	Source     string  `yaml:"source"`
	Timestamp  string  `yaml:"timestamp"`
	RemoteHash *string `yaml:"remote_hash"`
}

func newIndexCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Print the local index",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ix := index.NewStore(cfg.OutDir).Load()
			return writeIndex(cmd.OutOrStdout(), ix, format)
		},
	}

	cmd.Flags().StringVar(&format, "format", "table", "output format: table, json, or yaml")
	return cmd
}

func writeIndex(w io.Writer, ix *index.Index, format string) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PATH\tSOURCE\tTIMESTAMP\tREMOTE HASH")
		for _, e := range ix.Entries() {
			hash := e.RemoteHash
			if hash == "" {
				hash = "-"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.Path, e.Source, e.Timestamp, hash)
		}
		return tw.Flush()

	case "json":
		data, err := json.MarshalIndent(ix, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err

	case "yaml":
		entries := ix.Entries()
		out := make([]yamlEntry, 0, len(entries))
		for _, e := range entries {
			ye := yamlEntry{Name: e.Name, Path: e.Path, Source: string(e.Source), Timestamp: e.Timestamp}
			if e.RemoteHash != "" {
				h := e.RemoteHash
				ye.RemoteHash = &h
			}
			out = append(out, ye)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(out); err != nil {
			return err
		}
		return enc.Close()

	default:
		return fmt.Errorf("unknown format %q (want table, json, or yaml)", format)
	}
}
