package dedup

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pinscraper/pkg/models"
	"pinscraper/pkg/store"
)

func TestAddContainsRemove(t *testing.T) {
	idx := New()
	assert.True(t, idx.Add("a"))
	assert.False(t, idx.Add("a"))
	assert.False(t, idx.Add(""))
	assert.True(t, idx.Add("b"))
	assert.True(t, idx.Contains("a"))
	assert.Equal(t, 2, idx.Len())
	assert.Equal(t, []string{"a", "b"}, idx.Snapshot())

	idx.Remove("a")
	assert.False(t, idx.Contains("a"))
	assert.Equal(t, []string{"b"}, idx.Snapshot())
	assert.True(t, idx.Add("a"))
}

func TestRebuildMatchesStore(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "pins.db"), nil)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	for _, id := range []string{"3", "1", "2"} {
		require.NoError(t, s.Upsert(ctx, &models.Record{ID: id, Query: "q"}))
	}
	require.NoError(t, s.Upsert(ctx, &models.Record{ID: "9", Query: "other"}))

	idx, err := Rebuild(ctx, s, "q")
	require.NoError(t, err)

	stored, err := s.IDs(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, stored, idx.Snapshot())
	assert.False(t, idx.Contains("9"))
}

type failingSource struct{}

func (failingSource) IDs(ctx context.Context, query string) ([]string, error) {
	return nil, errors.New("locked")
}

func TestRebuildError(t *testing.T) {
	_, err := Rebuild(context.Background(), failingSource{}, "q")
	assert.Error(t, err)
}
