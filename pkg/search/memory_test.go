package search

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGateway(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	docs := []EntryDoc{
		{EntryID: "e1", UploadID: "u1", MainAuthor: "alice", MaterialID: "mat1"},
		{EntryID: "e2", UploadID: "u1", MainAuthor: "alice"},
		{EntryID: "e3", UploadID: "u2", MainAuthor: "bob"},
	}
	require.NoError(t, m.Index(ctx, docs, true))

	t.Run("VisibleAfterRefresh", func(t *testing.T) {
		results, err := m.Search(ctx, Query{UploadID: "u1"})
		require.NoError(t, err)
		assert.Empty(t, results, "writes must not be visible before refresh")

		require.NoError(t, m.Refresh(ctx))
		results, err = m.Search(ctx, Query{UploadID: "u1"})
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "e1", results[0].EntryID)
	})

	t.Run("QueryFilters", func(t *testing.T) {
		results, err := m.Search(ctx, Query{MainAuthor: "bob"})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "e3", results[0].EntryID)

		results, err = m.Search(ctx, Query{EntryID: "e2"})
		require.NoError(t, err)
		require.Len(t, results, 1)
	})

	t.Run("Materials", func(t *testing.T) {
		assert.Equal(t, 1, m.MaterialCount("mat1"))
		assert.Equal(t, 0, m.MaterialCount("other"))
	})

	t.Run("Update", func(t *testing.T) {
		require.NoError(t, m.Update(ctx, []EntryDoc{
			{EntryID: "e1", UploadID: "u1", MainAuthor: "alice", Published: true},
			{EntryID: "unknown", UploadID: "u9"},
		}))
		require.NoError(t, m.Refresh(ctx))

		published := true
		results, err := m.Search(ctx, Query{Published: &published})
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "e1", results[0].EntryID)

		results, err = m.Search(ctx, Query{UploadID: "u9"})
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("DeleteEntries", func(t *testing.T) {
		require.NoError(t, m.DeleteEntries(ctx, []string{"e2"}))
		require.NoError(t, m.Refresh(ctx))
		results, err := m.Search(ctx, Query{UploadID: "u1"})
		require.NoError(t, err)
		require.Len(t, results, 1)
	})

	t.Run("DeleteUpload", func(t *testing.T) {
		require.NoError(t, m.DeleteUpload(ctx, "u1"))
		require.NoError(t, m.Refresh(ctx))
		results, err := m.Search(ctx, Query{UploadID: "u1"})
		require.NoError(t, err)
		assert.Empty(t, results)

		results, err = m.Search(ctx, Query{UploadID: "u2"})
		require.NoError(t, err)
		require.Len(t, results, 1)
	})
}
