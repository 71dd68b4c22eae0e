package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/provgraph/internal/config"
	"github.com/rpattn/provgraph/internal/db"
	"github.com/rpattn/provgraph/internal/domain"
	"github.com/rpattn/provgraph/internal/ingestion"
	"github.com/rpattn/provgraph/internal/llm"
	"github.com/rpattn/provgraph/internal/metrics"
	"github.com/rpattn/provgraph/internal/provenance"
	"github.com/rpattn/provgraph/internal/repository"
	"github.com/rpattn/provgraph/internal/tracking"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/viant/afs"
	"go.uber.org/zap"
)

type runOptions struct {
	snapshots    string
	descriptions string
	code         string
	exportURL    string
	mode         string
	granularity  int
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run [snapshot dir]",
		Short: "Reconstruct and publish the provenance graph of one pipeline run",
		Long: `Snapshot files (.csv or .xlsx) are replayed in name order. The first one is
the table the pipeline started from; every following one is the table after
the next tracked step.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.snapshots = args[0]
			runCfg := cfg
			if cmd.Flags().Changed("mode") {
				mode, err := provenance.ParseMode(opts.mode)
				if err != nil {
					return err
				}
				runCfg.Run.Mode = mode
			}
			if cmd.Flags().Changed("granularity") {
				runCfg.Run.Granularity = domain.Granularity(opts.granularity)
			}
			if opts.exportURL != "" {
				runCfg.Export.URL = opts.exportURL
			}

			report, err := reconstruct(cmd.Context(), runCfg, opts, logger)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "activities: %d\n", len(report.Graph.Activities))
			fmt.Fprintf(out, "columns:    %d\n", len(report.Graph.Columns))
			fmt.Fprintf(out, "entities:   %d\n", len(report.Graph.Entities))
			for _, f := range report.FailedSteps {
				fmt.Fprintf(out, "step %d failed: %s\n", f.Index, f.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.descriptions, "descriptions", "", "URL of the activity description YAML")
	cmd.Flags().StringVar(&opts.code, "code", "", "URL of the pipeline source, described by the LLM when no descriptions are given")
	cmd.Flags().StringVar(&opts.exportURL, "export", "", "URL to write the graph as YAML (overrides export.url)")
	cmd.Flags().StringVar(&opts.mode, "mode", "entity", "provenance mode: entity or column")
	cmd.Flags().IntVar(&opts.granularity, "granularity", int(domain.GranularityFull), "granularity level 1, 2 or 3")
	return cmd
}

// reconstruct loads the snapshots, rebuilds the graph and publishes it to
// every configured sink.
func reconstruct(ctx context.Context, cfg config.Config, opts runOptions, logger *zap.Logger) (*provenance.Report, error) {
	fs := afs.New()
	loader := ingestion.NewLoader(fs, ingestion.ParseOptions{IndexColumn: cfg.Ingestion.IndexColumn}, logger)

	tables, err := loader.LoadSnapshots(ctx, opts.snapshots)
	if err != nil {
		return nil, err
	}
	tracker := tracking.NewTracker(logger)
	outcome := tracking.Run(ctx, tracker, func(ctx context.Context, tr *tracking.Tracker) error {
		ingestion.Replay(tr, tables)
		return ctx.Err()
	})

	var completer llm.Completer
	if cfg.LLM.Enabled {
		client, err := llm.NewOpenAIClient(llm.Config{Model: cfg.LLM.Model, BaseURL: cfg.LLM.BaseURL, APIKey: cfg.LLM.APIKey}, logger)
		if err != nil {
			return nil, err
		}
		completer = client
	}

	descriptions, err := loadDescriptions(ctx, fs, loader, completer, opts, logger)
	if err != nil {
		return nil, err
	}

	var fallback provenance.UsedColumnsInferer
	if completer != nil {
		fallback = llm.NewUsedColumns(completer, logger)
	}

	registry := prometheus.NewRegistry()
	driver := provenance.NewDriver(
		provenance.WithMode(cfg.Run.Mode),
		provenance.WithGranularity(cfg.Run.Granularity),
		provenance.WithUsedColumns(llm.NewStaticUsedColumns(descriptions, fallback)),
		provenance.WithPicker(cfg.Run.Picker()),
		provenance.WithLogger(logger),
		provenance.WithMetrics(metrics.New(registry)),
	)
	report, err := driver.Reconstruct(ctx, provenance.Run{
		Steps:        outcome.Steps,
		Descriptions: descriptions,
		Failure:      outcome.Failure,
		TrackerID:    tracker.ID(),
	})
	if err != nil {
		return nil, err
	}

	if err := publish(ctx, cfg, fs, report.Graph, logger); err != nil {
		return nil, err
	}
	if cfg.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(cfg.Metrics.Textfile, registry); err != nil {
			return nil, fmt.Errorf("write metrics: %w", err)
		}
	}
	return report, nil
}

func loadDescriptions(ctx context.Context, fs afs.Service, loader *ingestion.Loader, completer llm.Completer, opts runOptions, logger *zap.Logger) ([]domain.ActivityDescription, error) {
	if opts.descriptions != "" {
		return loader.LoadDescriptions(ctx, opts.descriptions)
	}
	if completer == nil || opts.code == "" {
		return nil, errors.New("activity descriptions are required: pass --descriptions, or --code with llm.enabled")
	}
	code, err := fs.DownloadWithURL(ctx, opts.code)
	if err != nil {
		return nil, fmt.Errorf("download pipeline code %s: %w", opts.code, err)
	}
	return llm.NewDescriber(completer, logger).Describe(ctx, string(code))
}

func publish(ctx context.Context, cfg config.Config, fs afs.Service, graph *domain.Graph, logger *zap.Logger) error {
	if cfg.Database.Enabled {
		if err := db.RunMigrations(cfg.Database.Config, logger); err != nil {
			return err
		}
		conn, err := db.NewConnection(ctx, cfg.Database.Config, logger)
		if err != nil {
			return err
		}
		defer conn.Close()
		if err := repository.Publish(ctx, repository.NewPostgresStore(conn.Pool, logger), graph); err != nil {
			return err
		}
	}
	if cfg.Export.URL != "" {
		exporter := repository.NewYAMLExporter(fs, cfg.Export.URL, logger)
		if err := repository.Publish(ctx, exporter, graph); err != nil {
			return err
		}
		if err := exporter.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}
