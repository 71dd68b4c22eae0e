package ingestion

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rpattn/provgraph/internal/tracking"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestLoadSnapshotsOrdersByName(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"02_clean.csv": "a\n1\n2\n",
		"01_raw.csv":   "a\n1\n-2\n",
		"03_drop.csv":  "a\n1\n",
		"notes.txt":    "ignored",
	})
	loader := NewLoader(nil, ParseOptions{}, nil)

	tables, err := loader.LoadSnapshots(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, tables, 3)

	first, _ := tables[0].At(1, "a")
	assert.Equal(t, int64(-2), first)
	assert.Equal(t, 1, tables[2].NumRows())
}

func TestLoadSnapshotsEmptyDirectory(t *testing.T) {
	dir := writeFiles(t, map[string]string{"readme.md": "none"})

	_, err := NewLoader(nil, ParseOptions{}, nil).LoadSnapshots(context.Background(), dir)
	require.Error(t, err)
}

func TestReplayMakesSubscriptionStep(t *testing.T) {
	dir := writeFiles(t, map[string]string{
		"01.csv": "a\n1\n",
		"02.csv": "a\n2\n",
	})
	tables, err := NewLoader(nil, ParseOptions{}, nil).LoadSnapshots(context.Background(), dir)
	require.NoError(t, err)

	steps := Replay(tracking.NewTracker(nil), tables)
	require.Len(t, steps, 2)
	assert.Same(t, tables[0], steps[0].Before)
	assert.Same(t, tables[0], steps[0].After)
	assert.Same(t, tables[0], steps[1].Before)
	assert.Same(t, tables[1], steps[1].After)
}

func TestLoadDescriptions(t *testing.T) {
	dir := writeFiles(t, map[string]string{"activities.yaml": `
- name: drop_nulls
  description: remove rows with a missing age
  code: df = df.dropna(subset=["age"])
  codeLine: 12
  usedColumns: [age]
- name: rename
  description: rename the age column
  code: 'df = df.rename(columns={"age": "years"})'
`})
	loader := NewLoader(nil, ParseOptions{}, nil)

	descs, err := loader.LoadDescriptions(context.Background(), filepath.Join(dir, "activities.yaml"))
	require.NoError(t, err)
	require.Len(t, descs, 2)
	assert.Equal(t, "drop_nulls", descs[0].Name)
	assert.Equal(t, 12, descs[0].CodeLine)
	assert.Equal(t, []string{"age"}, descs[0].UsedColumns)
	assert.Empty(t, descs[1].UsedColumns)
	assert.Equal(t, `df = df.rename(columns={"age": "years"})`, descs[1].Code)
}

func TestDecodeDescriptionsKeepsMultilineCode(t *testing.T) {
	loader := NewLoader(nil, ParseOptions{}, nil)

	descs, err := loader.DecodeDescriptions([]byte(`
- name: clip_ages
  description: clamp ages to a plausible range
  code: |
    def clip_ages(df):
        df["age"] = df["age"].clip(lower=0, upper=120)
        return df
  codeLine: 3
`))
	require.NoError(t, err)
	require.Len(t, descs, 1)
	want := "def clip_ages(df):\n    df[\"age\"] = df[\"age\"].clip(lower=0, upper=120)\n    return df\n"
	assert.Equal(t, want, descs[0].Code)
	assert.Equal(t, 3, descs[0].CodeLine)
}

func TestDecodeDescriptionsRejectsInvalidDocuments(t *testing.T) {
	loader := NewLoader(nil, ParseOptions{}, nil)

	cases := map[string]string{
		"unknown field":  "- name: a\n  colour: red\n",
		"missing name":   "- description: no name\n",
		"negative line":  "- name: a\n  codeLine: -3\n",
		"blank used col": "- name: a\n  usedColumns: [\"\"]\n",
		"not a list":     "name: a\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := loader.DecodeDescriptions([]byte(doc))
			require.Error(t, err)
		})
	}
}
