// Package ingestion loads table snapshots and activity descriptions from
// local or remote storage.
package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/rpattn/provgraph/internal/domain"
	"github.com/rpattn/provgraph/internal/tracking"

	"github.com/go-playground/validator/v10"
	"github.com/viant/afs"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Loader reads snapshot directories and description files through afs, so
// any URL scheme afs understands (file, mem, s3, gs...) works.
type Loader struct {
	fs       afs.Service
	validate *validator.Validate
	logger   *zap.Logger
	options  ParseOptions
}

// NewLoader builds a loader. A nil service falls back to afs.New().
func NewLoader(fs afs.Service, opts ParseOptions, logger *zap.Logger) *Loader {
	if fs == nil {
		fs = afs.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{fs: fs, validate: validator.New(), logger: logger, options: opts}
}

// LoadTable downloads and parses one snapshot file.
func (l *Loader) LoadTable(ctx context.Context, URL string) (*domain.Table, error) {
	payload, err := l.fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("download snapshot %s: %w", URL, err)
	}
	table, err := ParseTable(URL, payload, l.options)
	if err != nil {
		return nil, fmt.Errorf("parse snapshot %s: %w", URL, err)
	}
	return table, nil
}

// LoadSnapshots reads every .csv and .xlsx file of a directory, ordered by name.
func (l *Loader) LoadSnapshots(ctx context.Context, dirURL string) ([]*domain.Table, error) {
	objects, err := l.fs.List(ctx, dirURL)
	if err != nil {
		return nil, fmt.Errorf("list snapshots %s: %w", dirURL, err)
	}

	var urls []string
	for _, obj := range objects {
		if obj.IsDir() {
			continue
		}
		switch strings.ToLower(path.Ext(obj.Name())) {
		case ".csv", ".xlsx":
			urls = append(urls, obj.URL())
		default:
			l.logger.Debug("skipping non snapshot file", zap.String("url", obj.URL()))
		}
	}
	sort.Slice(urls, func(i, j int) bool { return path.Base(urls[i]) < path.Base(urls[j]) })
	if len(urls) == 0 {
		return nil, fmt.Errorf("no snapshot files in %s", dirURL)
	}

	tables := make([]*domain.Table, 0, len(urls))
	for _, u := range urls {
		table, err := l.LoadTable(ctx, u)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("snapshot loaded",
			zap.String("url", u),
			zap.Int("rows", table.NumRows()),
			zap.Int("columns", table.NumColumns()))
		tables = append(tables, table)
	}
	return tables, nil
}

// Replay feeds snapshots through a tracker the way an instrumented pipeline
// would: the first table is subscribed and every table, the first included,
// is analyzed. Step 0 is therefore the subscription step.
func Replay(tracker *tracking.Tracker, tables []*domain.Table) []domain.Step {
	if len(tables) == 0 {
		return nil
	}
	tracker.Subscribe(tables[0])
	for _, table := range tables {
		tracker.Analyze(table)
	}
	return tracker.Changes()
}

// LoadDescriptions reads a YAML list of activity descriptions. Unknown fields
// are rejected and every entry is validated.
func (l *Loader) LoadDescriptions(ctx context.Context, URL string) ([]domain.ActivityDescription, error) {
	payload, err := l.fs.DownloadWithURL(ctx, URL)
	if err != nil {
		return nil, fmt.Errorf("download descriptions %s: %w", URL, err)
	}
	return l.DecodeDescriptions(payload)
}

// DecodeDescriptions parses and validates a description document.
func (l *Loader) DecodeDescriptions(payload []byte) ([]domain.ActivityDescription, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(payload))
	decoder.KnownFields(true)

	var descriptions []domain.ActivityDescription
	if err := decoder.Decode(&descriptions); err != nil {
		return nil, fmt.Errorf("decode descriptions: %w", err)
	}

	var errs []error
	for i := range descriptions {
		if err := l.validate.Struct(&descriptions[i]); err != nil {
			errs = append(errs, fmt.Errorf("description %d: %w", i+1, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return descriptions, nil
}
