package session

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "pinscraper/pkg/errors"
	"pinscraper/pkg/models"
	"pinscraper/pkg/store"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pins.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return newTestManager(s, "a", base), s
}

// newTestManager returns a manager with predictable ids and a clock that
// advances one second per reading, starting at start.
func newTestManager(s *store.Store, name string, start time.Time) *Manager {
	m := NewManager(s, nil)
	n := 0
	m.newID = func() string { n++; return fmt.Sprintf("%s-sess-%d", name, n) }
	tick := 0
	m.now = func() time.Time { tick++; return start.Add(time.Duration(tick) * time.Second) }
	return m
}

func seed(t *testing.T, s *store.Store, query string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.Upsert(context.Background(), &models.Record{ID: fmt.Sprintf("%s-%d", query, i), Query: query}))
	}
}

func TestResolveFresh(t *testing.T) {
	m, _ := setup(t)
	sess, plan, err := m.Resolve(context.Background(), "cats", 50, true)
	require.NoError(t, err)

	assert.Equal(t, models.StatusRunning, sess.Status)
	assert.Equal(t, 0, sess.ActualCount)
	assert.Equal(t, models.PlanFresh, plan.Action)
	assert.Equal(t, 50, plan.Remaining)
}

func TestResolveResumesInterrupted(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()

	sess, _, err := m.Resolve(ctx, "cats", 100, true)
	require.NoError(t, err)
	seed(t, s, "cats", 40)
	require.NoError(t, m.Finalize(ctx, sess, models.StatusInterrupted, "signal"))

	resumed, plan, err := m.Resolve(ctx, "cats", 100, true)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, resumed.ID)
	assert.Equal(t, models.StatusRunning, resumed.Status)
	assert.Nil(t, resumed.CompletedAt)
	assert.Equal(t, models.PlanResume, plan.Action)
	assert.Equal(t, 40, plan.Existing)
	assert.Equal(t, 60, plan.Remaining)
}

func TestResolveCrashLeftRunning(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()

	first, _, err := m.Resolve(ctx, "cats", 10, true)
	require.NoError(t, err)
	seed(t, s, "cats", 3)

	// no finalize and no heartbeat: the process died
	later := newTestManager(s, "b", base.Add(DefaultLease+time.Minute))
	again, plan, err := later.Resolve(ctx, "cats", 10, true)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, models.PlanResume, plan.Action)
	assert.Equal(t, 7, plan.Remaining)

	stored, err := s.GetSession(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, later.Owner(), stored.Owner)
	assert.Equal(t, models.StatusRunning, stored.Status)
}

func TestResolveSameOwnerContinues(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	first, _, err := m.Resolve(ctx, "cats", 10, true)
	require.NoError(t, err)

	again, plan, err := m.Resolve(ctx, "cats", 10, true)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, models.PlanResume, plan.Action)
}

func TestResolveReuseWhenSatisfied(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()

	sess, _, err := m.Resolve(ctx, "cats", 5, true)
	require.NoError(t, err)
	seed(t, s, "cats", 5)
	require.NoError(t, m.Finalize(ctx, sess, models.StatusInterrupted, "signal"))

	reused, plan, err := m.Resolve(ctx, "cats", 5, true)
	require.NoError(t, err)
	assert.Equal(t, models.PlanReuse, plan.Action)
	assert.Equal(t, models.StatusCompleted, reused.Status)
	assert.Equal(t, 5, reused.ActualCount)

	// a completed query asked again creates an audit session and reuses
	again, plan, err := m.Resolve(ctx, "cats", 5, true)
	require.NoError(t, err)
	assert.NotEqual(t, reused.ID, again.ID)
	assert.Equal(t, models.PlanReuse, plan.Action)
	assert.Equal(t, models.StatusCompleted, again.Status)
}

func TestResolveWithoutResumeSupersedes(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()

	old, _, err := m.Resolve(ctx, "cats", 10, true)
	require.NoError(t, err)

	fresh, plan, err := m.Resolve(ctx, "cats", 10, false)
	require.NoError(t, err)
	assert.NotEqual(t, old.ID, fresh.ID)
	assert.Equal(t, models.PlanFresh, plan.Action)

	stored, err := s.GetSession(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInterrupted, stored.Status)
}

func TestSecondRunningSessionIsRefused(t *testing.T) {
	first, s := setup(t)
	ctx := context.Background()

	live, _, err := first.Resolve(ctx, "cats", 10, true)
	require.NoError(t, err)

	// a second run on the same store while the first is still heartbeating
	second := newTestManager(s, "b", base.Add(10*time.Second))
	for _, resume := range []bool{true, false} {
		_, _, err = second.Resolve(ctx, "cats", 10, resume)
		require.Error(t, err, "resume=%v", resume)
		assert.True(t, errs.IsSessionState(err))
		assert.True(t, errs.IsFatal(err))
	}

	stored, err := s.GetSession(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, stored.Status)
	assert.Equal(t, first.Owner(), stored.Owner)

	// other queries are unaffected
	_, _, err = second.Resolve(ctx, "dogs", 10, true)
	assert.NoError(t, err)
}

func TestConcurrentCreateIsRefused(t *testing.T) {
	m, _ := setup(t)
	ctx := context.Background()

	_, _, err := m.Resolve(ctx, "cats", 10, true)
	require.NoError(t, err)

	// a concurrent runner that looked before the first one inserted
	_, _, err = m.createFresh(ctx, "cats", 10, 0)
	require.Error(t, err)
	assert.True(t, errs.IsSessionState(err))
}

func TestClaimRaceHasOneWinner(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()

	sess, _, err := m.Resolve(ctx, "cats", 10, true)
	require.NoError(t, err)
	require.NoError(t, m.Finalize(ctx, sess, models.StatusInterrupted, "signal"))

	// both runs read the session while m still owned it
	b := newTestManager(s, "b", base.Add(time.Minute))
	c := newTestManager(s, "c", base.Add(time.Minute))
	stale := *sess

	_, _, err = b.Resolve(ctx, "cats", 10, true)
	require.NoError(t, err)

	err = c.claim(ctx, &stale)
	require.Error(t, err)
	assert.True(t, errs.IsSessionState(err))
}

func TestHoldRefreshesHeartbeat(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "pins.db"), nil)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	m := NewManager(s, nil, WithLease(60*time.Millisecond))
	sess, _, err := m.Resolve(ctx, "cats", 10, true)
	require.NoError(t, err)
	started := *sess.HeartbeatAt

	stop := m.Hold(sess)
	require.Eventually(t, func() bool {
		stored, err := s.GetSession(ctx, sess.ID)
		return err == nil && stored.HeartbeatAt != nil && stored.HeartbeatAt.After(started)
	}, time.Second, 10*time.Millisecond)

	stop()
	stop()
	require.NoError(t, m.Finalize(ctx, sess, models.StatusCompleted, "target reached"))
}

func TestFinalizeIsIdempotent(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()

	sess, _, err := m.Resolve(ctx, "cats", 10, true)
	require.NoError(t, err)
	seed(t, s, "cats", 4)

	require.NoError(t, m.Finalize(ctx, sess, models.StatusCompleted, "target reached"))
	first := *sess.CompletedAt

	require.NoError(t, m.Finalize(ctx, sess, models.StatusFailed, "late error"))
	assert.Equal(t, models.StatusCompleted, sess.Status)
	assert.Equal(t, first, *sess.CompletedAt)
	assert.Equal(t, 4, sess.ActualCount)

	assert.Error(t, m.Finalize(ctx, sess, models.StatusRunning, ""))
}

func TestCheckpoint(t *testing.T) {
	m, s := setup(t)
	ctx := context.Background()

	sess, _, err := m.Resolve(ctx, "cats", 10, true)
	require.NoError(t, err)
	seed(t, s, "cats", 6)

	require.NoError(t, m.Checkpoint(ctx, sess))
	stored, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 6, stored.ActualCount)
}

func TestResolveValidation(t *testing.T) {
	m, _ := setup(t)
	_, _, err := m.Resolve(context.Background(), "", 10, true)
	assert.Error(t, err)
	_, _, err = m.Resolve(context.Background(), "cats", 0, true)
	assert.Error(t, err)
}
