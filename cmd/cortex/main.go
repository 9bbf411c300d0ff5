// Command cortex runs the per-session coordinator and the small producer and
// inspection commands host hooks call around it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/go-cortex/internal/audit"
	"github.com/basket/go-cortex/internal/config"
	"github.com/basket/go-cortex/internal/engine"
	"github.com/basket/go-cortex/internal/persistence"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

// globalOptions are the persistent flags every subcommand shares.
type globalOptions struct {
	configPath string
	sessionID  string
	jsonOutput bool
}

// load reads the config file and env, then overlays the persistent flags.
func (o *globalOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.sessionID != "" {
		cfg.SessionID = o.sessionID
	}
	return cfg, nil
}

func (o *globalOptions) resolvedConfigPath(cfg config.Config) string {
	if o.configPath != "" {
		return o.configPath
	}
	return config.ConfigPath(cfg.HomeDir)
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "cortex",
		Short: "Per-session coordinator for background context agents",
		Long: `cortex runs one coordinator per interactive session. Host hooks enqueue
work items (queries, observations, triggers) into a shared store; the
coordinator routes them to retrieval, learning, compaction and curation
agents and writes results back for the hooks to read.

Examples:
  cortex run --session s1 --transcript ~/.claude/projects/p/s1.jsonl
  cortex enqueue --session s1 --kind query --payload '{"query":"retry policy"}'
  cortex result --session s1 --query "retry policy"
  cortex status --session s1
  cortex watch --session s1
  cortex doctor`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default <home>/config.yaml)")
	root.PersistentFlags().StringVarP(&opts.sessionID, "session", "s", "", "session id (or CORTEX_SESSION_ID)")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "output in JSON format")

	root.AddCommand(
		newRunCmd(opts),
		newEnqueueCmd(opts),
		newResultCmd(opts),
		newStatusCmd(opts),
		newWatchCmd(opts),
		newDoctorCmd(opts),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cortex version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "cortex", Version)
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// fatalStartup records an unrecoverable startup failure and exits 1. When
// the session is known, a crashed record is written on a fresh store
// connection since the primary one may be what failed.
func fatalStartup(logger *slog.Logger, cfg config.Config, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", cfg.SessionID, "", string(persistence.StatusCrashed), reasonCode+": "+message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}

	if cfg.SessionID != "" && !errors.Is(err, config.ErrMissingSession) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		open := func() (engine.Store, error) { return openStore(ctx, cfg, nil) }
		if cerr := engine.RecordCrash(ctx, open, cfg.SessionID); cerr != nil && logger != nil {
			logger.Warn("could not record crash", "error", cerr)
		}
	}
	_ = audit.Close()
	os.Exit(1)
}
