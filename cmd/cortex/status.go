package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/go-cortex/internal/persistence"
	"github.com/basket/go-cortex/internal/tui"
)

const recentItems = 10

func newStatusCmd(g *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a session's lifecycle record and agent usage",
		Long: `Show a session's lifecycle record, item counts and per-role agent
usage. Without --session, list the most recently updated records.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), g, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "records to list when no session is given")
	return cmd
}

type statusOutput struct {
	SessionID string                          `json:"session_id"`
	Record    *persistence.OrchestratorRecord `json:"record,omitempty"`
	Items     map[persistence.ItemStatus]int  `json:"items"`
	Usage     []persistence.AgentUsage        `json:"usage"`
}

func runStatus(ctx context.Context, out io.Writer, g *globalOptions, limit int) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.SessionID == "" {
		return listSessions(ctx, out, store, g.jsonOutput, limit)
	}

	snap := tui.Collect(ctx, store, cfg.SessionID, recentItems)
	if snap.Err != nil {
		return snap.Err
	}
	if g.jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(statusOutput{
			SessionID: snap.SessionID,
			Record:    snap.Record,
			Items:     snap.Counts,
			Usage:     snap.Usage,
		})
	}
	fmt.Fprint(out, tui.Render(snap))
	return nil
}

func listSessions(ctx context.Context, out io.Writer, store queueStore, asJSON bool, limit int) error {
	recs, err := store.ListLifecycleRecords(ctx, limit)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(out, "No sessions recorded.")
		return nil
	}
	fmt.Fprintf(out, "%-36s %-9s %8s  %s\n", "SESSION", "STATUS", "PID", "UPDATED")
	for _, r := range recs {
		fmt.Fprintf(out, "%-36s %-9s %8d  %s\n", r.SessionID, r.Status, r.ProcessID,
			r.UpdatedAt.Local().Format(time.DateTime))
	}
	return nil
}

func newWatchCmd(g *globalOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live monitor of a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
				return fmt.Errorf("watch needs a terminal; use status instead")
			}
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if cfg.SessionID == "" {
				return fmt.Errorf("--session is required")
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer store.Close()

			provider := func(ctx context.Context) tui.Snapshot {
				return tui.Collect(ctx, store, cfg.SessionID, recentItems)
			}
			err = tui.Run(ctx, provider, interval)
			if err == context.Canceled {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "refresh interval")
	return cmd
}
