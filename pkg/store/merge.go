package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	errs "pinscraper/pkg/errors"
	"pinscraper/pkg/models"
)

// MergeResult summarises a MergeFrom run.
type MergeResult struct {
	Scanned     int
	Added       int
	Updated     int
	Unchanged   int
	Links       int
	Sessions    int
	Batches     int
	Interrupted bool
}

// MergeFrom copies the store at srcPath into s. Records new to s are
// added; for records s already holds, stored values win and the source
// only fills empty fields. Download state is not carried over because the
// source's files live elsewhere. Query links keep their source order after
// the ones s already has. Finished sessions are copied; running ones are
// left behind. Each batch commits on its own and stop is polled between
// batches, so a stopped merge can simply be run again.
func (s *Store) MergeFrom(ctx context.Context, srcPath string, batchSize int, stop func() bool) (MergeResult, error) {
	var res MergeResult
	if batchSize <= 0 {
		batchSize = 500
	}
	if _, err := os.Stat(srcPath); err != nil {
		return res, fmt.Errorf("source store: %w", err)
	}
	if same, err := samePath(srcPath, s.path); err == nil && same {
		return res, errors.New("cannot merge a store into itself")
	}

	src, err := Open(srcPath, s.log)
	if err != nil {
		return res, err
	}
	defer src.Close()

	log := s.log.WithField("merge_from", srcPath)
	halted := func() bool {
		if ctx.Err() != nil || (stop != nil && stop()) {
			res.Interrupted = true
			log.WarnWithFields("Merge interrupted between batches", map[string]interface{}{
				"batches": res.Batches,
				"added":   res.Added,
			})
			return true
		}
		return false
	}

	cursor := ""
	for {
		if halted() {
			return res, nil
		}
		batch, err := src.readBatch(ctx, cursor, batchSize)
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			break
		}
		cursor = batch[len(batch)-1].ID
		res.Scanned += len(batch)

		added, updated, err := s.mergeBatch(ctx, batch)
		if err != nil {
			return res, errs.WriteConflict("merge records", err)
		}
		res.Added += added
		res.Updated += updated
		res.Unchanged += len(batch) - added - updated
		res.Batches++
	}

	var seq int64
	for {
		if halted() {
			return res, nil
		}
		links, last, err := src.readLinks(ctx, seq, batchSize)
		if err != nil {
			return res, err
		}
		if len(links) == 0 {
			break
		}
		seq = last
		n, err := s.linkBatch(ctx, links)
		if err != nil {
			return res, errs.WriteConflict("merge query links", err)
		}
		res.Links += n
	}

	if res.Sessions, err = s.copySessions(ctx, src); err != nil {
		return res, errs.WriteConflict("merge sessions", err)
	}

	log.InfoWithFields("Merge completed", map[string]interface{}{
		"scanned":  res.Scanned,
		"added":    res.Added,
		"updated":  res.Updated,
		"links":    res.Links,
		"sessions": res.Sessions,
	})
	return res, nil
}

func samePath(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(ai, bi), nil
}

// foreign strips what only makes sense in the store a record came from.
func foreign(rec *models.Record) *models.Record {
	r := *rec
	r.Downloaded = false
	r.LocalPath = ""
	r.DownloadError = ""
	return &r
}

func (s *Store) mergeBatch(ctx context.Context, batch []*models.Record) (added, updated int, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		added, updated = 0, 0
		for _, rec := range batch {
			incoming := foreign(rec)
			existing, err := getRecordTx(ctx, tx, rec.ID)
			switch {
			case errors.Is(err, ErrNotFound):
				incoming.UpdatedAt = s.now()
				if err := insertRecordTx(ctx, tx, incoming); err != nil {
					return err
				}
				added++
			case err != nil:
				return err
			default:
				// fold the stored row over the incoming one so stored values win
				m, _ := MergeRecord(incoming, existing)
				m.Query = existing.Query
				m.CreatedAt = existing.CreatedAt
				if sameColumns(existing, m) {
					continue
				}
				m.UpdatedAt = s.now()
				if err := updateRecordTx(ctx, tx, m); err != nil {
					return err
				}
				updated++
			}
		}
		return nil
	})
	return added, updated, err
}

type queryLink struct {
	query    string
	recordID string
}

func (s *Store) readLinks(ctx context.Context, after int64, limit int) ([]queryLink, int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, query, record_id FROM record_queries
		WHERE seq > ? ORDER BY seq LIMIT ?`, after, limit)
	if err != nil {
		return nil, after, fmt.Errorf("read query links: %w", err)
	}
	defer rows.Close()

	var (
		out  []queryLink
		last = after
	)
	for rows.Next() {
		var l queryLink
		if err := rows.Scan(&last, &l.query, &l.recordID); err != nil {
			return nil, after, err
		}
		out = append(out, l)
	}
	return out, last, rows.Err()
}

func (s *Store) linkBatch(ctx context.Context, links []queryLink) (int, error) {
	n := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n = 0
		for _, l := range links {
			r, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO record_queries (query, record_id) VALUES (?, ?)`,
				l.query, l.recordID)
			if err != nil {
				return fmt.Errorf("link %s to %q: %w", l.recordID, l.query, err)
			}
			if k, _ := r.RowsAffected(); k > 0 {
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s *Store) copySessions(ctx context.Context, src *Store) (int, error) {
	rows, err := src.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE status <> ? ORDER BY started_at`, string(models.StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("read sessions: %w", err)
	}
	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return 0, err
		}
		sessions = append(sessions, sess)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	n := 0
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		n = 0
		for _, sess := range sessions {
			r, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO sessions (`+sessionColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				sess.ID, sess.Query, sess.TargetCount, sess.ActualCount, string(sess.Status),
				sess.StopReason, formatTime(sess.StartedAt), nullTime(sess.CompletedAt),
				sess.Owner, nullTime(sess.HeartbeatAt))
			if err != nil {
				return fmt.Errorf("copy session %s: %w", sess.ID, err)
			}
			if k, _ := r.RowsAffected(); k > 0 {
				n++
			}
		}
		return nil
	})
	return n, err
}
