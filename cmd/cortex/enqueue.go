package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/basket/go-cortex/internal/payload"
	"github.com/basket/go-cortex/internal/persistence"
)

func newEnqueueCmd(g *globalOptions) *cobra.Command {
	var kind, raw string
	var force bool
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a work item for a session",
		Long: `Add a work item for a session. Known kinds are validated against their
payload schema before they are stored. Use --payload - to read the payload
from stdin.

Kinds: query, observation, maintenance_trigger, compaction_trigger, reset,
lifecycle_event.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if raw == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read payload: %w", err)
				}
				raw = string(data)
			}
			return runEnqueue(cmd.Context(), cmd.OutOrStdout(), g, persistence.ItemKind(strings.TrimSpace(kind)), raw, force)
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "work item kind")
	cmd.Flags().StringVarP(&raw, "payload", "p", "{}", "JSON payload, or - for stdin")
	cmd.Flags().BoolVar(&force, "force", false, "store kinds this version does not know")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

type enqueueOutput struct {
	ID          int64  `json:"id"`
	SessionID   string `json:"session_id"`
	Kind        string `json:"kind"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

func runEnqueue(ctx context.Context, out io.Writer, g *globalOptions, kind persistence.ItemKind, raw string, force bool) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if cfg.SessionID == "" {
		return fmt.Errorf("--session is required")
	}

	res := enqueueOutput{SessionID: cfg.SessionID, Kind: string(kind)}
	if err := payload.Validate(kind, raw); err != nil {
		if !errors.Is(err, payload.ErrUnknownKind) || !force {
			return err
		}
	}
	if kind == persistence.KindQuery {
		var q payload.Query
		if err := payload.Decode(kind, raw, &q); err != nil {
			return err
		}
		res.Fingerprint = q.QueryFingerprint()
	}

	store, err := openStore(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	if res.ID, err = store.Enqueue(ctx, cfg.SessionID, kind, raw); err != nil {
		return err
	}
	if g.jsonOutput {
		return json.NewEncoder(out).Encode(res)
	}
	if res.Fingerprint != "" {
		fmt.Fprintf(out, "%d %s\n", res.ID, res.Fingerprint)
		return nil
	}
	fmt.Fprintln(out, res.ID)
	return nil
}

func newResultCmd(g *globalOptions) *cobra.Command {
	var fingerprint, query string
	cmd := &cobra.Command{
		Use:   "result",
		Short: "Print the latest retrieval result for a query",
		Long: `Print the latest retrieval result for a query fingerprint. The
fingerprint may be given directly or derived from --query the same way the
coordinator derives it. A miss prints nothing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if fingerprint == "" && query == "" {
				return fmt.Errorf("one of --fingerprint or --query is required")
			}
			if fingerprint == "" {
				fingerprint = payload.Fingerprint(query)
			}
			return runResult(cmd.Context(), cmd.OutOrStdout(), g, fingerprint)
		},
	}
	cmd.Flags().StringVarP(&fingerprint, "fingerprint", "f", "", "query fingerprint")
	cmd.Flags().StringVarP(&query, "query", "q", "", "query text to fingerprint")
	return cmd
}

func runResult(ctx context.Context, out io.Writer, g *globalOptions, fingerprint string) error {
	cfg, err := g.load()
	if err != nil {
		return err
	}
	if cfg.SessionID == "" {
		return fmt.Errorf("--session is required")
	}
	store, err := openStore(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	r, err := store.ReadLatestResult(ctx, cfg.SessionID, fingerprint)
	if errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("no result for fingerprint %s", fingerprint)
	}
	if err != nil {
		return err
	}
	if g.jsonOutput {
		return json.NewEncoder(out).Encode(r)
	}
	if r.Kind == persistence.ResultHit {
		fmt.Fprintln(out, r.Text)
	}
	return nil
}
