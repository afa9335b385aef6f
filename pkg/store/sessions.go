package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	errs "pinscraper/pkg/errors"
	"pinscraper/pkg/models"
)

const sessionColumns = `id, query, target_count, actual_count, status, stop_reason, started_at, completed_at, owner, heartbeat_at`

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess        models.Session
		status      string
		startedAt   string
		completedAt sql.NullString
		heartbeatAt sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.Query, &sess.TargetCount, &sess.ActualCount,
		&status, &sess.StopReason, &startedAt, &completedAt, &sess.Owner, &heartbeatAt); err != nil {
		return nil, err
	}
	sess.Status = models.SessionStatus(status)
	sess.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		sess.CompletedAt = &t
	}
	if heartbeatAt.Valid {
		t := parseTime(heartbeatAt.String)
		sess.HeartbeatAt = &t
	}
	return &sess, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// CreateSession inserts a new session. A second running session for the
// same query violates the store's unique index and is reported as a
// session state error.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Query, sess.TargetCount, sess.ActualCount, string(sess.Status),
		sess.StopReason, formatTime(sess.StartedAt), nullTime(sess.CompletedAt),
		sess.Owner, nullTime(sess.HeartbeatAt))
	if err != nil {
		if isUniqueViolation(err) {
			return errs.SessionState("create session",
				fmt.Errorf("a running session already exists for query %q: %w", sess.Query, err))
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// UpdateSession persists every mutable field of sess.
func (s *Store) UpdateSession(ctx context.Context, sess *models.Session) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET
		target_count = ?, actual_count = ?, status = ?, stop_reason = ?, completed_at = ?,
		owner = ?, heartbeat_at = ?
		WHERE id = ?`,
		sess.TargetCount, sess.ActualCount, string(sess.Status), sess.StopReason,
		nullTime(sess.CompletedAt), sess.Owner, nullTime(sess.HeartbeatAt), sess.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.SessionState("update session",
				fmt.Errorf("a running session already exists for query %q: %w", sess.Query, err))
		}
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClaimSession hands session id to owner, provided it is still held by
// prevOwner. A session taken in the meantime by another run is reported
// as a session state error.
func (s *Store) ClaimSession(ctx context.Context, id, prevOwner, owner string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET owner = ?, heartbeat_at = ?
		WHERE id = ? AND owner = ?`, owner, formatTime(at), id, prevOwner)
	if err != nil {
		return fmt.Errorf("claim session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.SessionState("claim session",
			fmt.Errorf("session %s was claimed by another run", id))
	}
	return nil
}

// TouchSession refreshes the heartbeat of a running session held by owner.
// ErrNotFound means the session is no longer running under owner.
func (s *Store) TouchSession(ctx context.Context, id, owner string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET heartbeat_at = ?
		WHERE id = ? AND owner = ? AND status = ?`,
		formatTime(at), id, owner, string(models.StatusRunning))
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession returns the session with id.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// LatestOpenSession returns the most recent session of query that is not
// completed, or ErrNotFound.
func (s *Store) LatestOpenSession(ctx context.Context, query string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE query = ? AND status <> ?
		ORDER BY started_at DESC, rowid DESC LIMIT 1`, query, string(models.StatusCompleted))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// LatestSession returns the most recent session of query in any status.
func (s *Store) LatestSession(ctx context.Context, query string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE query = ? ORDER BY started_at DESC, rowid DESC LIMIT 1`, query)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sess, err
}

// ListSessions returns every session of query, newest first.
func (s *Store) ListSessions(ctx context.Context, query string) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE query = ? ORDER BY started_at DESC, rowid DESC`, query)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
