package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rpattn/provgraph/internal/config"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	debug      bool

	cfg    config.Config
	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:   "provgraph",
		Short: "Reconstruct provenance graphs of tabular cleaning pipelines",
		Long: `provgraph replays the table snapshots captured around each step of a
cleaning pipeline and records which cells and columns every step used,
generated and invalidated.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if debug {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			if err != nil {
				return fmt.Errorf("failed to build logger: %w", err)
			}
			cfg, err = config.Load(configPath)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory holding provgraph.yaml")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable development logging")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newTraceCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
