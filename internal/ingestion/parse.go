package ingestion

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rpattn/provgraph/internal/domain"

	"github.com/xuri/excelize/v2"
)

var (
	// ErrUnsupportedFormat is returned when a snapshot file is not supported.
	ErrUnsupportedFormat = errors.New("unsupported file format")

	byteOrderMark = []byte{0xEF, 0xBB, 0xBF}

	// time.Parse accepts fractional seconds after any seconds field.
	timeLayouts = []string{time.RFC3339, time.DateTime, time.DateOnly, "2006/01/02"}
)

// fieldType is the profiled type of a snapshot column.
type fieldType int

const (
	fieldString fieldType = iota
	fieldBool
	fieldInteger
	fieldFloat
	fieldTimestamp
)

// ParseOptions tunes how a snapshot file becomes a table.
type ParseOptions struct {
	// IndexColumn names the header holding row indices. When empty, or absent
	// from the file, rows are indexed 0..n-1.
	IndexColumn string
}

type tableData struct {
	headers []string
	rows    [][]string
}

// ParseTable reads a .csv or .xlsx snapshot into a typed table.
func ParseTable(fileName string, payload []byte, opts ParseOptions) (*domain.Table, error) {
	var (
		data tableData
		err  error
	)
	ext := strings.ToLower(filepath.Ext(fileName))
	switch ext {
	case ".csv":
		data, err = parseCSV(payload)
	case ".xlsx":
		data, err = parseExcel(payload)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, err
	}
	return buildTable(data, opts)
}

func parseCSV(payload []byte) (tableData, error) {
	reader := bufio.NewReader(bytes.NewReader(payload))
	if prefix, err := reader.Peek(len(byteOrderMark)); err == nil && bytes.Equal(prefix, byteOrderMark) {
		_, _ = reader.Discard(len(byteOrderMark))
	}

	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	records, err := csvReader.ReadAll()
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read csv: %w", err)
	}
	return normalizeTable(records)
}

func parseExcel(payload []byte) (tableData, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return tableData{}, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return tableData{}, errors.New("excel file has no sheets")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return tableData{}, fmt.Errorf("failed to read rows from xlsx: %w", err)
	}
	return normalizeTable(rows)
}

// normalizeTable takes the first non-blank record as the header. Data rows are
// kept as they are, blank ones included, since an all-null row is still a row.
func normalizeTable(records [][]string) (tableData, error) {
	headerIndex := -1
	for idx, row := range records {
		if !blankRow(row) {
			headerIndex = idx
			break
		}
	}
	if headerIndex < 0 {
		return tableData{}, errors.New("header row could not be detected")
	}

	headers := sanitizeHeaders(records[headerIndex])
	rows := make([][]string, 0, len(records)-headerIndex-1)
	for _, row := range records[headerIndex+1:] {
		rows = append(rows, padRow(row, len(headers)))
	}
	return tableData{headers: headers, rows: rows}, nil
}

func buildTable(data tableData, opts ParseOptions) (*domain.Table, error) {
	indexPos := -1
	if opts.IndexColumn != "" {
		for pos, name := range data.headers {
			if name == opts.IndexColumn {
				indexPos = pos
				break
			}
		}
	}

	index := make([]int64, len(data.rows))
	for i, row := range data.rows {
		if indexPos < 0 {
			index[i] = int64(i)
			continue
		}
		parsed, err := strconv.ParseInt(strings.TrimSpace(row[indexPos]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid index value %q: %w", i+1, row[indexPos], err)
		}
		index[i] = parsed
	}

	columns := make([]string, 0, len(data.headers))
	cells := make(map[string][]any, len(data.headers))
	for pos, name := range data.headers {
		if pos == indexPos {
			continue
		}
		kind := profileColumn(pos, data.rows)
		values := make([]any, len(data.rows))
		for i, row := range data.rows {
			values[i] = coerceValue(kind, row[pos])
		}
		columns = append(columns, name)
		cells[name] = values
	}
	return domain.NewTable(columns, index, cells)
}

func blankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}

// sanitizeHeaders names blank headers by position and suffixes repeats, so
// "a,a," becomes a, a_2, column_3.
func sanitizeHeaders(raw []string) []string {
	headers := make([]string, len(raw))
	seen := make(map[string]int, len(raw))
	for idx, value := range raw {
		name := strings.TrimSpace(value)
		if name == "" {
			name = fmt.Sprintf("column_%d", idx+1)
		}
		seen[name]++
		if n := seen[name]; n > 1 {
			name = fmt.Sprintf("%s_%d", name, n)
		}
		headers[idx] = name
	}
	return headers
}

// padRow fits a record to the header width.
func padRow(row []string, width int) []string {
	if len(row) >= width {
		return row[:width]
	}
	return append(row, make([]string, width-len(row))...)
}

// profileColumn picks the narrowest type every non-empty cell satisfies.
// Columns with no values at all are strings.
func profileColumn(col int, rows [][]string) fieldType {
	candidates := []fieldType{fieldBool, fieldInteger, fieldFloat, fieldTimestamp}
	hasValue := false
	for _, row := range rows {
		value := strings.TrimSpace(row[col])
		if value == "" {
			continue
		}
		hasValue = true
		kept := candidates[:0]
		for _, kind := range candidates {
			if _, ok := parseAs(kind, value); ok {
				kept = append(kept, kind)
			}
		}
		candidates = kept
		if len(candidates) == 0 {
			return fieldString
		}
	}
	if !hasValue {
		return fieldString
	}
	return candidates[0]
}

// parseAs converts value to kind. Booleans are words only; 0/1 columns are
// integers.
func parseAs(kind fieldType, value string) (any, bool) {
	switch kind {
	case fieldBool:
		switch strings.ToLower(value) {
		case "true", "yes":
			return true, true
		case "false", "no":
			return false, true
		}
		return nil, false
	case fieldInteger:
		i, err := strconv.ParseInt(value, 10, 64)
		return i, err == nil
	case fieldFloat:
		f, err := strconv.ParseFloat(value, 64)
		return f, err == nil
	case fieldTimestamp:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, value); err == nil {
				return ts, true
			}
		}
		return nil, false
	default:
		return value, true
	}
}

// coerceValue converts a raw cell of a profiled column. Empty cells are null
// in every column type; string cells keep their surrounding spaces.
func coerceValue(kind fieldType, raw string) any {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	if kind == fieldString {
		return raw
	}
	value, _ := parseAs(kind, trimmed)
	return value
}
