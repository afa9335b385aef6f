// Package session resolves, checkpoints and finalizes collection sessions.
// It decides whether a collection request starts fresh, resumes an
// interrupted run, or is already satisfied by stored records.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	errs "pinscraper/pkg/errors"
	"pinscraper/pkg/logger"
	"pinscraper/pkg/models"
	"pinscraper/pkg/store"
)

// DefaultLease is how long a running session stays owned without a
// heartbeat.
const DefaultLease = 90 * time.Second

// Store is the part of the persistence layer the manager needs.
type Store interface {
	Count(ctx context.Context, query string) (int, error)
	CreateSession(ctx context.Context, sess *models.Session) error
	UpdateSession(ctx context.Context, sess *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	LatestOpenSession(ctx context.Context, query string) (*models.Session, error)
	ClaimSession(ctx context.Context, id, prevOwner, owner string, at time.Time) error
	TouchSession(ctx context.Context, id, owner string, at time.Time) error
}

// Manager handles session lifecycle operations. Each manager is one owner:
// sessions it starts or resumes are leased to it until finalized.
type Manager struct {
	store  Store
	logger logger.Logger
	owner  string
	lease  time.Duration
	now    func() time.Time
	newID  func() string
}

// Option configures a Manager
type Option func(*Manager)

// WithLease sets how long a running session without a heartbeat still
// belongs to its owner. Non-positive values keep DefaultLease.
func WithLease(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.lease = d
		}
	}
}

// NewManager creates a new session manager
func NewManager(s Store, log logger.Logger, opts ...Option) *Manager {
	if log == nil {
		log = logger.NewNopLogger()
	}
	m := &Manager{
		store:  s,
		logger: log.WithField("component", "session"),
		owner:  uuid.NewString(),
		lease:  DefaultLease,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Owner returns the id this manager records on the sessions it holds.
func (m *Manager) Owner() string {
	return m.owner
}

// Resolve finds or creates the session for a collection request.
//
// A running session still held by another live run is refused with a
// session state error. Any other open session (interrupted, failed, or
// running under a run that stopped heartbeating) is resumed when resume is
// set, otherwise it is closed as interrupted and a fresh one is started.
// When the store already holds target records the session is completed
// immediately and the plan is reuse.
func (m *Manager) Resolve(ctx context.Context, query string, target int, resume bool) (*models.Session, models.ResumePlan, error) {
	if query == "" {
		return nil, models.ResumePlan{}, errors.New("query is required")
	}
	if target <= 0 {
		return nil, models.ResumePlan{}, fmt.Errorf("target count must be positive, got %d", target)
	}

	existing, err := m.store.Count(ctx, query)
	if err != nil {
		return nil, models.ResumePlan{}, err
	}

	open, err := m.store.LatestOpenSession(ctx, query)
	switch {
	case errors.Is(err, store.ErrNotFound):
		open = nil
	case err != nil:
		return nil, models.ResumePlan{}, fmt.Errorf("failed to look up session: %w", err)
	}

	if open != nil && m.heldElsewhere(open) {
		return nil, models.ResumePlan{}, errs.SessionState("resolve session",
			fmt.Errorf("query %q is being collected by another run (session %s, heartbeat %s ago)",
				query, open.ID, m.now().Sub(*open.HeartbeatAt).Round(time.Second)))
	}

	if open != nil {
		if err := m.claim(ctx, open); err != nil {
			return nil, models.ResumePlan{}, err
		}
	}

	if open != nil && !resume {
		if err := m.Finalize(ctx, open, models.StatusInterrupted, "superseded by restart"); err != nil {
			return nil, models.ResumePlan{}, err
		}
		open = nil
	}

	if open != nil {
		return m.resumeOpen(ctx, open, target, existing)
	}
	return m.createFresh(ctx, query, target, existing)
}

// heldElsewhere reports whether sess is running under another owner whose
// heartbeat is within the lease.
func (m *Manager) heldElsewhere(sess *models.Session) bool {
	if sess.Status != models.StatusRunning || sess.Owner == "" || sess.Owner == m.owner {
		return false
	}
	if sess.HeartbeatAt == nil {
		return false
	}
	return m.now().Sub(*sess.HeartbeatAt) < m.lease
}

// claim takes sess over from its previous owner. Two runs racing for the
// same abandoned session cannot both win.
func (m *Manager) claim(ctx context.Context, sess *models.Session) error {
	if sess.Owner == m.owner {
		return nil
	}
	now := m.now()
	if err := m.store.ClaimSession(ctx, sess.ID, sess.Owner, m.owner, now); err != nil {
		return err
	}
	if sess.Status == models.StatusRunning {
		m.logger.WarnWithFields("Took over abandoned session", map[string]interface{}{
			"session_id":     sess.ID,
			"query":          sess.Query,
			"previous_owner": sess.Owner,
		})
	}
	sess.Owner = m.owner
	sess.HeartbeatAt = &now
	return nil
}

func (m *Manager) resumeOpen(ctx context.Context, sess *models.Session, target, existing int) (*models.Session, models.ResumePlan, error) {
	prev := sess.Status
	sess.TargetCount = target
	sess.ActualCount = existing

	if existing >= target {
		now := m.now()
		sess.Status = models.StatusCompleted
		sess.StopReason = "target already stored"
		sess.CompletedAt = &now
		if err := m.store.UpdateSession(ctx, sess); err != nil {
			return nil, models.ResumePlan{}, err
		}
		m.logger.InfoWithFields("Session already satisfied", map[string]interface{}{
			"session_id": sess.ID,
			"query":      sess.Query,
			"existing":   existing,
			"target":     target,
		})
		return sess, models.ResumePlan{Action: models.PlanReuse, Existing: existing}, nil
	}

	now := m.now()
	sess.Status = models.StatusRunning
	sess.StopReason = ""
	sess.CompletedAt = nil
	sess.HeartbeatAt = &now
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return nil, models.ResumePlan{}, err
	}

	m.logger.InfoWithFields("Session resumed", map[string]interface{}{
		"session_id":      sess.ID,
		"query":           sess.Query,
		"previous_status": string(prev),
		"existing":        existing,
		"remaining":       target - existing,
	})
	return sess, models.ResumePlan{Action: models.PlanResume, Existing: existing, Remaining: target - existing}, nil
}

func (m *Manager) createFresh(ctx context.Context, query string, target, existing int) (*models.Session, models.ResumePlan, error) {
	sess := &models.Session{
		ID:          m.newID(),
		Query:       query,
		TargetCount: target,
		Status:      models.StatusRunning,
		StartedAt:   m.now(),
		Owner:       m.owner,
	}
	sess.HeartbeatAt = &sess.StartedAt

	plan := models.ResumePlan{Action: models.PlanFresh, Existing: existing, Remaining: target - existing}
	if existing >= target {
		completed := sess.StartedAt
		sess.Status = models.StatusCompleted
		sess.ActualCount = existing
		sess.StopReason = "target already stored"
		sess.CompletedAt = &completed
		plan = models.ResumePlan{Action: models.PlanReuse, Existing: existing}
	}

	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, models.ResumePlan{}, err
	}

	m.logger.InfoWithFields("Session created", map[string]interface{}{
		"session_id": sess.ID,
		"query":      query,
		"target":     target,
		"existing":   existing,
		"plan":       string(plan.Action),
	})
	return sess, plan, nil
}

// Checkpoint refreshes the session's actual count from the store.
func (m *Manager) Checkpoint(ctx context.Context, sess *models.Session) error {
	n, err := m.store.Count(ctx, sess.Query)
	if err != nil {
		return err
	}
	now := m.now()
	sess.ActualCount = n
	sess.HeartbeatAt = &now
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to checkpoint session: %w", err)
	}
	m.logger.DebugWithFields("Session checkpointed", map[string]interface{}{
		"session_id":   sess.ID,
		"actual_count": n,
	})
	return nil
}

// Finalize moves the session to a terminal status. Finalizing a session
// that is already terminal in the store is a no-op that refreshes sess.
func (m *Manager) Finalize(ctx context.Context, sess *models.Session, status models.SessionStatus, reason string) error {
	if !status.Terminal() {
		return fmt.Errorf("cannot finalize session with status %q", status)
	}

	stored, err := m.store.GetSession(ctx, sess.ID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if stored.Status.Terminal() {
		*sess = *stored
		return nil
	}

	n, err := m.store.Count(ctx, sess.Query)
	if err != nil {
		return err
	}
	now := m.now()
	sess.Status = status
	sess.StopReason = reason
	sess.ActualCount = n
	sess.CompletedAt = &now
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return fmt.Errorf("failed to finalize session: %w", err)
	}

	m.logger.InfoWithFields("Session finalized", map[string]interface{}{
		"session_id":   sess.ID,
		"query":        sess.Query,
		"status":       string(status),
		"reason":       reason,
		"actual_count": n,
		"target":       sess.TargetCount,
	})
	return nil
}

// Hold keeps sess leased to this manager by refreshing its heartbeat every
// third of the lease until the returned stop func is called. It stops on
// its own once the session is finalized or claimed by another run.
func (m *Manager) Hold(sess *models.Session) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	id := sess.ID

	go func() {
		defer close(exited)
		ticker := time.NewTicker(m.lease / 3)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				err := m.store.TouchSession(context.Background(), id, m.owner, m.now())
				if errors.Is(err, store.ErrNotFound) {
					m.logger.DebugWithFields("Session no longer held, heartbeat stopped", map[string]interface{}{
						"session_id": id,
					})
					return
				}
				if err != nil {
					m.logger.WithError(err).Warn("Session heartbeat failed")
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			<-exited
		})
	}
}
