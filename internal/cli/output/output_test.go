package output

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testTable struct {
	rows [][]string
}

func (t *testTable) Headers() []string { return []string{"ID", "Status"} }
func (t *testTable) Rows() [][]string  { return t.rows }

func TestParseFormat(t *testing.T) {
	t.Run("AcceptsKnownFormats", func(t *testing.T) {
		for input, want := range map[string]Format{
			"":      FormatTable,
			"table": FormatTable,
			"json":  FormatJSON,
			"YAML":  FormatYAML,
			"yml":   FormatYAML,
		} {
			got, err := ParseFormat(input)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}
	})

	t.Run("RejectsUnknownFormat", func(t *testing.T) {
		_, err := ParseFormat("xml")
		assert.Error(t, err)
	})
}

func TestPrint(t *testing.T) {
	t.Run("TableContainsRows", func(t *testing.T) {
		var buf bytes.Buffer
		data := &testTable{rows: [][]string{{"abc", "SUCCESS"}}}
		require.NoError(t, Print(&buf, FormatTable, data, "none"))
		assert.Contains(t, buf.String(), "abc")
		assert.Contains(t, buf.String(), "SUCCESS")
	})

	t.Run("EmptyTablePrintsMessage", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Print(&buf, FormatTable, &testTable{}, "no uploads found"))
		assert.Equal(t, "no uploads found\n", buf.String())
	})

	t.Run("JSONRoundTrips", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Print(&buf, FormatJSON, map[string]int{"count": 3}, ""))

		var decoded map[string]int
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		assert.Equal(t, 3, decoded["count"])
	})
}
