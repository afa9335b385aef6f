package store

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "pinscraper/pkg/errors"
	"pinscraper/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "pins.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func rec(id, query string) *models.Record {
	return &models.Record{ID: id, Query: query}
}

func TestUpsertInsertsAndMerges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := rec("1", "cats")
	first.Title = "Tabby"
	first.ImageURLs = map[string]string{"236x": "https://i.pinimg.com/236x/a.jpg"}
	require.NoError(t, s.Upsert(ctx, first))

	// empty fields never clear, non-empty fields enrich
	second := rec("1", "cats")
	second.Description = "a cat"
	second.ImageURLs = map[string]string{"736x": "https://i.pinimg.com/736x/a.jpg"}
	require.NoError(t, s.Upsert(ctx, second))

	got, err := s.Get(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "Tabby", got.Title)
	assert.Equal(t, "a cat", got.Description)
	assert.Len(t, got.ImageURLs, 2)

	n, err := s.Count(ctx, "cats")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	r := rec("42", "dogs")
	r.Title = "Pug"
	r.Stats = map[string]int{"saves": 3}
	require.NoError(t, s.Upsert(ctx, r))
	before, err := s.Get(ctx, "42")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, s.Upsert(ctx, r))
	after, err := s.Get(ctx, "42")
	require.NoError(t, err)

	assert.Equal(t, before, after)
}

func TestCrossQueryRecordsAreShared(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, rec("7", "cats")))
	require.NoError(t, s.Upsert(ctx, rec("7", "kittens")))

	got, err := s.Get(ctx, "7")
	require.NoError(t, err)
	assert.Equal(t, "cats", got.Query, "the first query keeps ownership")

	for _, q := range []string{"cats", "kittens"} {
		n, err := s.Count(ctx, q)
		require.NoError(t, err)
		assert.Equal(t, 1, n, q)
	}
}

func TestConcurrentUpserts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				// overlapping ids across writers
				assert.NoError(t, s.Upsert(ctx, rec(fmt.Sprintf("%d", (w*25+i)%100), "q")))
			}
		}(w)
	}
	wg.Wait()

	n, err := s.Count(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 100, n)
}

func TestUpsertBatchRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.UpsertBatch(ctx, []*models.Record{rec("a", "q"), rec("b", "q"), rec("", "q")})
	require.Error(t, err)
	assert.True(t, errs.IsWriteConflict(err))

	n, err := s.Count(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no partial batch is visible")

	require.NoError(t, s.UpsertBatch(ctx, []*models.Record{rec("a", "q"), rec("b", "q")}))
	n, _ = s.Count(ctx, "q")
	assert.Equal(t, 2, n)
}

func TestIDsKeepFirstSeenOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"z", "a", "m", "a"} {
		require.NoError(t, s.Upsert(ctx, rec(id, "q")))
	}
	ids, err := s.IDs(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, ids)
}

func TestNeedingDetailsAndDownload(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	withImage := rec("img", "q")
	withImage.LargestImageURL = "https://i.pinimg.com/originals/x.jpg"
	noImage := rec("bare", "q")
	mapOnly := rec("map", "q")
	mapOnly.ImageURLs = map[string]string{"236x": "https://i.pinimg.com/236x/y.jpg"}
	require.NoError(t, s.UpsertBatch(ctx, []*models.Record{withImage, noImage, mapOnly}))

	details, err := s.NeedingDetails(ctx, "q", 0)
	require.NoError(t, err)
	require.Len(t, details, 1)
	assert.Equal(t, "bare", details[0].ID)

	downloads, err := s.NeedingDownload(ctx, "q", false, 0)
	require.NoError(t, err)
	assert.Len(t, downloads, 2)

	require.NoError(t, s.MarkDownloaded(ctx, "img", "/tmp/img.jpg"))
	require.NoError(t, s.MarkDownloadFailed(ctx, "map", "all tiers failed"))

	downloads, err = s.NeedingDownload(ctx, "q", false, 0)
	require.NoError(t, err)
	assert.Empty(t, downloads)

	downloads, err = s.NeedingDownload(ctx, "q", true, 0)
	require.NoError(t, err)
	require.Len(t, downloads, 1)
	assert.Equal(t, "map", downloads[0].ID)

	downloaded, _ := s.CountDownloaded(ctx, "q")
	failed, _ := s.CountDownloadFailed(ctx, "q")
	missing, _ := s.CountMissingImages(ctx, "q")
	assert.Equal(t, 1, downloaded)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, missing)

	// a downloaded record never reverts
	require.NoError(t, s.MarkDownloadFailed(ctx, "img", "late failure"))
	got, _ := s.Get(ctx, "img")
	assert.True(t, got.Downloaded)
	assert.Equal(t, "", got.DownloadError)
	require.NoError(t, s.Upsert(ctx, rec("img", "q")))
	got, _ = s.Get(ctx, "img")
	assert.True(t, got.Downloaded)

	assert.ErrorIs(t, s.MarkDownloaded(ctx, "missing", "/x"), ErrNotFound)
}

func TestSessionsOneRunningPerQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	first := &models.Session{ID: "s1", Query: "q", TargetCount: 10, Status: models.StatusRunning, StartedAt: now}
	require.NoError(t, s.CreateSession(ctx, first))

	second := &models.Session{ID: "s2", Query: "q", TargetCount: 10, Status: models.StatusRunning, StartedAt: now.Add(time.Second)}
	err := s.CreateSession(ctx, second)
	require.Error(t, err)
	assert.True(t, errs.IsSessionState(err))

	// another query is independent
	require.NoError(t, s.CreateSession(ctx, &models.Session{ID: "s3", Query: "other", Status: models.StatusRunning, StartedAt: now}))

	first.Status = models.StatusInterrupted
	completed := now.Add(time.Minute)
	first.CompletedAt = &completed
	require.NoError(t, s.UpdateSession(ctx, first))
	require.NoError(t, s.CreateSession(ctx, second))

	// flipping the old one back to running now conflicts
	first.Status = models.StatusRunning
	assert.True(t, errs.IsSessionState(s.UpdateSession(ctx, first)))

	open, err := s.LatestOpenSession(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "s2", open.ID)

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInterrupted, got.Status)
	require.NotNil(t, got.CompletedAt)

	list, err := s.ListSessions(ctx, "q")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = s.LatestOpenSession(ctx, "none")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimAndTouchSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	sess := &models.Session{ID: "s1", Query: "q", TargetCount: 10, Status: models.StatusRunning, StartedAt: now, Owner: "a", HeartbeatAt: &now}
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Owner)
	require.NotNil(t, got.HeartbeatAt)
	assert.True(t, got.HeartbeatAt.Equal(now))

	later := now.Add(time.Minute)
	require.NoError(t, s.TouchSession(ctx, "s1", "a", later))
	assert.ErrorIs(t, s.TouchSession(ctx, "s1", "b", later), ErrNotFound)

	require.NoError(t, s.ClaimSession(ctx, "s1", "a", "b", later))
	err = s.ClaimSession(ctx, "s1", "a", "c", later)
	assert.True(t, errs.IsSessionState(err))
	assert.ErrorIs(t, s.TouchSession(ctx, "s1", "a", later), ErrNotFound)

	got, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Owner)

	// finished sessions take no heartbeats
	got.Status = models.StatusCompleted
	got.CompletedAt = &later
	require.NoError(t, s.UpdateSession(ctx, got))
	assert.ErrorIs(t, s.TouchSession(ctx, "s1", "b", later), ErrNotFound)
}

func TestOpenMigratesSessionColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE sessions (
		id TEXT PRIMARY KEY, query TEXT NOT NULL, target_count INTEGER NOT NULL,
		actual_count INTEGER NOT NULL DEFAULT 0, status TEXT NOT NULL,
		stop_reason TEXT NOT NULL DEFAULT '', started_at TEXT NOT NULL, completed_at TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO sessions (id, query, target_count, status, started_at)
		VALUES ('old', 'q', 5, 'interrupted', '2025-01-01T00:00:00.000000000Z')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.GetSession(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, "", got.Owner)
	assert.Nil(t, got.HeartbeatAt)
	assert.Equal(t, models.StatusInterrupted, got.Status)
}

func TestDecodeID(t *testing.T) {
	enc := base64.StdEncoding.EncodeToString([]byte("Pin:98765"))
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{enc, "98765", true},
		{"98765", "", false},
		{base64.StdEncoding.EncodeToString([]byte("Pin:abc")), "", false},
		{"UGlu!!!", "", false},
	}
	for _, tt := range tests {
		got, ok := DecodeID(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestReencodeIDs(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	encA := base64.StdEncoding.EncodeToString([]byte("Pin:111"))
	encB := base64.StdEncoding.EncodeToString([]byte("Pin:222"))

	a := rec(encA, "q")
	a.Title = "from encoded"
	existing := rec("222", "q")
	existing.Title = "numeric"
	b := rec(encB, "other")
	b.Description = "enriches numeric"

	require.NoError(t, s.UpsertBatch(ctx, []*models.Record{a, existing, b, rec("333", "q")}))

	res, err := s.ReencodeIDs(ctx, 2, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Scanned)
	assert.Equal(t, 2, res.Renamed)
	assert.Equal(t, 1, res.Merged)
	assert.False(t, res.Interrupted)

	_, err = s.Get(ctx, encA)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := s.Get(ctx, "111")
	require.NoError(t, err)
	assert.Equal(t, "from encoded", got.Title)

	merged, err := s.Get(ctx, "222")
	require.NoError(t, err)
	assert.Equal(t, "numeric", merged.Title)
	assert.Equal(t, "enriches numeric", merged.Description)

	ids, err := s.IDs(ctx, "q")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"111", "222", "333"}, ids)
	ids, _ = s.IDs(ctx, "other")
	assert.Equal(t, []string{"222"}, ids)

	// running again is a no-op
	res, err = s.ReencodeIDs(ctx, 2, 2, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Changed)
}

func TestTransformStopsBetweenBatches(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, s.Upsert(ctx, rec(fmt.Sprintf("%02d", i), "q")))
	}

	batches := 0
	res, err := s.Transform(ctx, TransformSpec{
		Name:      "title",
		BatchSize: 3,
		Workers:   3,
		Stop:      func() bool { batches++; return batches > 2 },
		Fn: func(r *models.Record) (*models.Record, bool) {
			r.Title = "fixed"
			return r, true
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 6, res.Changed)

	list, err := s.List(ctx, "q", 0, 0)
	require.NoError(t, err)
	fixed := 0
	for _, r := range list {
		if r.Title == "fixed" {
			fixed++
		}
	}
	assert.Equal(t, 6, fixed, "only whole batches are applied")
}

func TestMergeRecord(t *testing.T) {
	existing := &models.Record{ID: "1", Query: "a", Title: "t", Stats: map[string]int{"saves": 1}}
	incoming := &models.Record{ID: "1", Query: "b", Stats: map[string]int{"saves": 2}}

	merged, changed := MergeRecord(existing, incoming)
	assert.True(t, changed)
	assert.Equal(t, "a", merged.Query)
	assert.Equal(t, "t", merged.Title)
	assert.Equal(t, 2, merged.Stats["saves"])
	assert.Equal(t, 1, existing.Stats["saves"], "inputs are not mutated")

	_, changed = MergeRecord(merged, &models.Record{ID: "1"})
	assert.False(t, changed)
}
