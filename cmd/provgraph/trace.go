package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rpattn/provgraph/internal/config"
	"github.com/rpattn/provgraph/internal/db"
	"github.com/rpattn/provgraph/internal/lineage"
	"github.com/rpattn/provgraph/internal/repository"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

func newTraceCmd() *cobra.Command {
	var (
		depth int
		from  string
	)
	cmd := &cobra.Command{
		Use:   "trace [node id]",
		Short: "Print where a cell or column value came from",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openNodeStore(cmd.Context(), cfg, from, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			result, err := lineage.NewTracer(store, logger).Trace(cmd.Context(), args[0], depth)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(result)
		},
	}
	cmd.Flags().IntVar(&depth, "depth", 0, "ancestry levels to walk, 0 walks to the sources")
	cmd.Flags().StringVar(&from, "from", "", "URL of an exported graph (defaults to export.url)")
	return cmd
}

// openNodeStore reads from PostgreSQL when the database is enabled and no
// export URL was given explicitly, otherwise from an exported YAML graph.
func openNodeStore(ctx context.Context, cfg config.Config, from string, logger *zap.Logger) (repository.NodeStore, func(), error) {
	if cfg.Database.Enabled && from == "" {
		conn, err := db.NewConnection(ctx, cfg.Database.Config, logger)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewPostgresStore(conn.Pool, logger), conn.Close, nil
	}

	url := from
	if url == "" {
		url = cfg.Export.URL
	}
	if url == "" {
		return nil, nil, errors.New("nothing to trace: enable the database or pass --from")
	}
	doc, err := repository.ReadGraphDocument(ctx, nil, url)
	if err != nil {
		return nil, nil, err
	}
	store := repository.NewMemoryStore()
	if err := doc.Load(ctx, store); err != nil {
		return nil, nil, fmt.Errorf("load graph %s: %w", url, err)
	}
	return store, func() {}, nil
}
