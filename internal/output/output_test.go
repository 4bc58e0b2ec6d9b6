package output

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	t.Parallel()

	cases := map[string]string{"": "json", "JSON": "json", " table ": "table", "csv": "csv"}
	for input, want := range cases {
		got, err := ParseFormat(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got)
	}

	_, err := ParseFormat("yaml")
	assert.Error(t, err)
}

func TestTableFromRecords(t *testing.T) {
	t.Parallel()

	payload := []any{
		map[string]any{"id": json.Number("1"), "name": "MIT", "tags": []any{"osi"}},
		map[string]any{"id": json.Number("2"), "severity": "DENIED"},
	}

	table, ok := TableFrom(payload)
	require.True(t, ok)
	assert.Equal(t, []string{"id", "name", "severity", "tags"}, table.Columns)
	assert.Equal(t, [][]string{
		{"1", "MIT", "", `["osi"]`},
		{"2", "", "DENIED", ""},
	}, table.Rows)
}

func TestTableFromRejectsScalars(t *testing.T) {
	t.Parallel()

	for _, payload := range []any{nil, "text", []any{"a", "b"}, []any{}, map[string]any{}} {
		_, ok := TableFrom(payload)
		assert.False(t, ok, "%v", payload)
	}
}

func TestPrintFallsBackToJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Print(&buf, "table", nil))
	assert.Equal(t, "null\n", buf.String())
}

func TestPrintTableAndCSV(t *testing.T) {
	t.Parallel()

	table := Table{Columns: []string{"name", "uri"}, Rows: [][]string{{"slaConfig", "mcp://slaConfig"}}}

	var buf bytes.Buffer
	require.NoError(t, Print(&buf, "table", table))
	assert.Equal(t, "name       uri            \n---------  ---------------\nslaConfig  mcp://slaConfig\n", buf.String())

	buf.Reset()
	require.NoError(t, Print(&buf, "csv", table))
	assert.Equal(t, "name,uri\nslaConfig,mcp://slaConfig\n", buf.String())
}
