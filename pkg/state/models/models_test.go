package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryJSONAliases(t *testing.T) {
	entry := Entry{
		EntryID:  "entry-1",
		UploadID: "upload-1",
		Mainfile: "calc/template.json",
	}

	data, err := json.Marshal(entry)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "entry-1", raw["entry_id"])
	assert.Equal(t, "entry-1", raw["calc_id"])

	t.Run("EntrySpellingWins", func(t *testing.T) {
		var decoded Entry
		require.NoError(t, json.Unmarshal([]byte(`{"entry_id": "new", "calc_id": "old"}`), &decoded))
		assert.Equal(t, "new", decoded.EntryID)
	})

	t.Run("LegacySpellingAccepted", func(t *testing.T) {
		var decoded Entry
		require.NoError(t, json.Unmarshal([]byte(`{"calc_id": "old", "upload_id": "u1"}`), &decoded))
		assert.Equal(t, "old", decoded.EntryID)
		assert.Equal(t, "u1", decoded.UploadID)
	})
}

func TestApplyToUploadClampsEmbargo(t *testing.T) {
	intp := func(v int) *int { return &v }

	tests := []struct {
		name   string
		months *int
		want   int
	}{
		{"WithinRange", intp(12), 12},
		{"Negative", intp(-3), 0},
		{"AboveMax", intp(120), MaxEmbargoMonths},
		{"NotProvided", nil, 7},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			upload := &Upload{UploadID: "u1", EmbargoLength: 7}
			meta := &UploadMetadata{EmbargoLength: tc.months}
			meta.ApplyToUpload(upload)
			assert.Equal(t, tc.want, upload.EmbargoLength)
		})
	}
}

func TestUploadCountsJSONAliases(t *testing.T) {
	counts := UploadCounts{TotalEntries: 7, ProcessedEntries: 5}

	data, err := json.Marshal(counts)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.EqualValues(t, 7, raw["total_entries"])
	assert.EqualValues(t, 7, raw["total_calcs"])

	t.Run("EntrySpellingWins", func(t *testing.T) {
		var decoded UploadCounts
		require.NoError(t, json.Unmarshal([]byte(`{"total_entries": 3, "total_calcs": 9}`), &decoded))
		assert.EqualValues(t, 3, decoded.TotalEntries)
	})

	t.Run("LegacySpellingAccepted", func(t *testing.T) {
		var decoded UploadCounts
		require.NoError(t, json.Unmarshal([]byte(`{"total_calcs": 9}`), &decoded))
		assert.EqualValues(t, 9, decoded.TotalEntries)
	})
}
