package cli

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/bookflow/internal/tracker"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	DataDir string
	Stage   string
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the state of every open tenant of a stage",
		Long: `Print each open tenant's metadata, worked chunk count and write-ahead
log without modifying anything. Completed tenants have no state left and are
not listed.

Example:
  bookflow inspect --data-dir ./data --stage filter
  bookflow inspect --data-dir ./data --stage tally --format json`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.DataDir, "data-dir", "", "stage data directory root (required)")
	cmd.Flags().StringVar(&opts.Stage, "stage", "", "stage name (required)")
	_ = cmd.MarkFlagRequired("data-dir")
	_ = cmd.MarkFlagRequired("stage")

	return cmd
}

func runInspect(cmd *cobra.Command, opts *InspectOptions) error {
	root := filepath.Join(opts.DataDir, opts.Stage)
	tenants, err := tracker.Tenants(root)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list tenants", err)
	}

	summaries := make([]tracker.Summary, 0, len(tenants))
	for _, tenant := range tenants {
		s, err := tracker.Describe(tracker.Dir(root, tenant))
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("failed to read tenant %s", tenant), err)
		}
		summaries = append(summaries, s)
	}

	return opts.formatter(cmd).Success(summaries, func(w io.Writer) {
		writeSummaries(w, opts.Stage, summaries)
	})
}

func writeSummaries(w io.Writer, stage string, summaries []tracker.Summary) {
	if len(summaries) == 0 {
		fmt.Fprintf(w, "%s: no open tenants\n", stage)
		return
	}
	for _, s := range summaries {
		fmt.Fprintf(w, "%s  chunks=%d data=%dB\n", s.Tenant, s.WorkedChunks, s.DataBytes)
		keys := make([]string, 0, len(s.Metadata))
		for k := range s.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s = %s\n", k, s.Metadata[k])
		}
		if len(s.WAL) > 0 {
			fmt.Fprintf(w, "  wal: %d records (truncated=%t)\n", len(s.WAL), s.WALTruncated)
			for _, rec := range s.WAL {
				fmt.Fprintf(w, "    %s\n", rec)
			}
		}
	}
}
