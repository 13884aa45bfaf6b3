package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/UltraSive/kvstate/internal/config"
)

// app carries what every command needs once the root command has run.
type app struct {
	verbose bool
	cfg     config.Config
	log     *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "kvstate",
		Short: "Persistent keyed state shared between processes",
		Long: `kvstate keeps small JSON values under the "spark-kv:" namespace in a
durable backend and keeps every process bound to the same key in sync.

Backends are chosen with KVSTATE_BACKEND (memory, rocksdb, sqlite, dir).
With KVSTATE_REMOTE_URL set, commands use the store served by "kvstate serve"
on another host instead of a local backend.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			a.cfg = cfg

			zc := zap.NewProductionConfig()
			zc.OutputPaths = []string{"stderr"}
			if a.verbose || cfg.Debug {
				zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
			}
			a.log, err = zc.Build()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newServeCmd(a),
		newGetCmd(a),
		newSetCmd(a),
		newDeleteCmd(a),
		newListCmd(a),
		newWatchCmd(a),
		newImportCmd(a),
		newSettingsCmd(a),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}
