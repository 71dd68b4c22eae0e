package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rpattn/provgraph/internal/domain"
	"github.com/rpattn/provgraph/internal/provenance"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const previewRows = 5

const usedColumnsPrompt = `You are receiving the table before and after an operation, the code and
the description of the operation.

Return a JSON list with the names of the columns of the table before that
the operation used. Limit your observations to these inputs and the code.
Do not make assumptions. If a column is dropped, only the dropped column is used.
Write the list between triple backticks, for example:
` + "```" + `["column1", "column2"]` + "```" + `

table before:
%s
table after:
%s
code: %s
description: %s
`

// UsedColumns asks a Completer which before-table columns an activity read.
type UsedColumns struct {
	completer Completer
	validate  *validator.Validate
	logger    *zap.Logger
}

var _ provenance.UsedColumnsInferer = (*UsedColumns)(nil)

func NewUsedColumns(completer Completer, logger *zap.Logger) *UsedColumns {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UsedColumns{completer: completer, validate: validator.New(), logger: logger}
}

// UsedColumns returns the before columns named by the model. Names that are
// not columns of before are dropped.
func (u *UsedColumns) UsedColumns(ctx context.Context, before, after *domain.Table, code, description string) ([]string, error) {
	prompt := fmt.Sprintf(usedColumnsPrompt, Preview(before, previewRows), Preview(after, previewRows), code, description)
	completion, err := u.completer.Complete(ctx, prompt)
	if err != nil {
		return nil, err
	}
	columns, err := ParseColumnList(completion, u.validate)
	if err != nil {
		return nil, err
	}

	known := make([]string, 0, len(columns))
	for _, name := range columns {
		if before != nil && !before.HasColumn(name) {
			u.logger.Warn("model named an unknown column", zap.String("column", name))
			continue
		}
		known = append(known, name)
	}
	return known, nil
}

// ParseColumnList extracts and validates a fenced JSON list of column names.
func ParseColumnList(completion string, validate *validator.Validate) ([]string, error) {
	body, err := ExtractFenced(completion)
	if err != nil {
		return nil, err
	}
	var columns []string
	if err := json.Unmarshal([]byte(body), &columns); err != nil {
		return nil, fmt.Errorf("decode column list: %w", err)
	}
	if err := validate.Var(columns, "dive,required"); err != nil {
		return nil, fmt.Errorf("invalid column list: %w", err)
	}
	seen := make(map[string]struct{}, len(columns))
	out := columns[:0]
	for _, name := range columns {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}

// Preview renders the header and first rows of a table as CSV-like text.
func Preview(t *domain.Table, rows int) string {
	if t == nil {
		return "(none)"
	}
	var b strings.Builder
	columns := t.Columns()
	b.WriteString("index,")
	b.WriteString(strings.Join(columns, ","))
	b.WriteByte('\n')
	for i, row := range t.Index() {
		if i >= rows {
			fmt.Fprintf(&b, "... (%d rows)\n", t.NumRows())
			break
		}
		fmt.Fprintf(&b, "%d", row)
		for _, name := range columns {
			v, _ := t.At(row, name)
			b.WriteByte(',')
			b.WriteString(domain.ValueKey(v))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// StaticUsedColumns answers from the usedColumns lists of activity
// descriptions, falling back to another inferer for activities without one.
type StaticUsedColumns struct {
	byActivity map[string][]string
	fallback   provenance.UsedColumnsInferer
}

// NewStaticUsedColumns indexes descriptions by code and description text.
// fallback may be nil.
func NewStaticUsedColumns(descriptions []domain.ActivityDescription, fallback provenance.UsedColumnsInferer) *StaticUsedColumns {
	s := &StaticUsedColumns{byActivity: make(map[string][]string), fallback: fallback}
	for _, d := range descriptions {
		if d.UsedColumns != nil {
			s.byActivity[activityKey(d.Code, d.Description)] = d.UsedColumns
		}
	}
	return s
}

func (s *StaticUsedColumns) UsedColumns(ctx context.Context, before, after *domain.Table, code, description string) ([]string, error) {
	if cols, ok := s.byActivity[activityKey(code, description)]; ok {
		return cols, nil
	}
	if s.fallback != nil {
		return s.fallback.UsedColumns(ctx, before, after, code, description)
	}
	return nil, nil
}

func activityKey(code, description string) string {
	return code + "\x00" + description
}
