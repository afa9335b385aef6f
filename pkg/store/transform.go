package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
	errs "pinscraper/pkg/errors"
	"pinscraper/pkg/models"
)

// TransformFunc computes a corrected copy of rec. It must not do I/O.
// Returning ok=false leaves the record untouched. The returned record may
// carry a different ID, in which case the row is renamed.
type TransformFunc func(rec *models.Record) (out *models.Record, ok bool)

// TransformSpec configures a corrective batch transform.
type TransformSpec struct {
	Name      string
	BatchSize int
	Workers   int
	Fn        TransformFunc
	// Stop is polled between batches; a true result ends the run cleanly.
	Stop func() bool
}

// TransformResult summarises a transform run.
type TransformResult struct {
	Scanned     int
	Changed     int
	Renamed     int
	Merged      int
	Batches     int
	Interrupted bool
}

type transformed struct {
	oldID string
	rec   *models.Record
}

// Transform applies spec.Fn to every record. Each batch is read on the
// single connection, transformed by a bounded set of goroutines, then
// written back in one transaction. A batch either fully commits or fully
// rolls back.
func (s *Store) Transform(ctx context.Context, spec TransformSpec) (TransformResult, error) {
	var res TransformResult
	if spec.Fn == nil {
		return res, errors.New("transform function is required")
	}
	if spec.BatchSize <= 0 {
		spec.BatchSize = 500
	}
	if spec.Workers <= 0 {
		spec.Workers = 4
	}
	log := s.log.WithField("transform", spec.Name)

	cursor := ""
	for {
		if ctx.Err() != nil || (spec.Stop != nil && spec.Stop()) {
			res.Interrupted = true
			log.WarnWithFields("Transform interrupted between batches", map[string]interface{}{
				"batches": res.Batches,
				"changed": res.Changed,
			})
			return res, nil
		}

		batch, err := s.readBatch(ctx, cursor, spec.BatchSize)
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			break
		}
		cursor = batch[len(batch)-1].ID
		res.Scanned += len(batch)

		changes, err := transformBatch(ctx, batch, spec)
		if err != nil {
			return res, err
		}

		if len(changes) > 0 {
			renamed, merged, err := s.writeBatch(ctx, changes)
			if err != nil {
				return res, errs.WriteConflict("transform "+spec.Name, err)
			}
			res.Changed += len(changes)
			res.Renamed += renamed
			res.Merged += merged
		}
		res.Batches++

		log.DebugWithFields("Transform batch committed", map[string]interface{}{
			"batch":   res.Batches,
			"scanned": res.Scanned,
			"changed": res.Changed,
		})
	}

	log.InfoWithFields("Transform completed", map[string]interface{}{
		"scanned": res.Scanned,
		"changed": res.Changed,
		"renamed": res.Renamed,
		"merged":  res.Merged,
	})
	return res, nil
}

func (s *Store) readBatch(ctx context.Context, after string, limit int) ([]*models.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records
		WHERE id > ? ORDER BY id LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func transformBatch(ctx context.Context, batch []*models.Record, spec TransformSpec) ([]transformed, error) {
	results := make([]*models.Record, len(batch))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(spec.Workers)
	for i, rec := range batch {
		i, rec := i, rec
		g.Go(func() error {
			input := *rec
			if out, ok := spec.Fn(&input); ok && out != nil {
				results[i] = out
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var changes []transformed
	for i, out := range results {
		if out == nil {
			continue
		}
		if out.ID == "" {
			return nil, fmt.Errorf("transform produced an empty id for %s", batch[i].ID)
		}
		changes = append(changes, transformed{oldID: batch[i].ID, rec: out})
	}
	return changes, nil
}

func (s *Store) writeBatch(ctx context.Context, changes []transformed) (renamed, merged int, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		renamed, merged = 0, 0
		for _, c := range changes {
			rec := *c.rec
			rec.UpdatedAt = s.now()

			if rec.ID == c.oldID {
				if err := updateRecordTx(ctx, tx, &rec); err != nil {
					return err
				}
				continue
			}

			renamed++
			target, err := getRecordTx(ctx, tx, rec.ID)
			switch {
			case errors.Is(err, ErrNotFound):
				if err := insertRecordTx(ctx, tx, &rec); err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				merged++
				m, _ := MergeRecord(target, &rec)
				m.UpdatedAt = rec.UpdatedAt
				if err := updateRecordTx(ctx, tx, m); err != nil {
					return err
				}
			}

			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO record_queries (query, record_id)
				SELECT query, ? FROM record_queries WHERE record_id = ? ORDER BY seq`, rec.ID, c.oldID); err != nil {
				return fmt.Errorf("move query links: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, c.oldID); err != nil {
				return fmt.Errorf("delete old record: %w", err)
			}
		}
		return nil
	})
	return renamed, merged, err
}
