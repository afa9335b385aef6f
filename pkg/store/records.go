package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	errs "pinscraper/pkg/errors"
	"pinscraper/pkg/models"
)

var recordFields = []string{
	"id", "query", "title", "description", "creator_id", "creator_name", "board_id", "board_name",
	"image_urls", "largest_image_url", "stats", "downloaded", "local_path", "download_error",
	"created_at", "updated_at",
}

var (
	recordColumns  = strings.Join(recordFields, ", ")
	recordColumnsR = "r." + strings.Join(recordFields, ", r.")
)

// hasImageSQL matches rows carrying at least one http image URL.
const hasImageSQL = `(r.largest_image_url LIKE 'http%' OR instr(r.image_urls, '"http') > 0)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*models.Record, error) {
	var (
		rec                 models.Record
		imageURLs, stats    string
		downloaded          int
		createdAt, updateAt string
	)
	err := row.Scan(&rec.ID, &rec.Query, &rec.Title, &rec.Description,
		&rec.Creator.ID, &rec.Creator.Name, &rec.Board.ID, &rec.Board.Name,
		&imageURLs, &rec.LargestImageURL, &stats, &downloaded, &rec.LocalPath,
		&rec.DownloadError, &createdAt, &updateAt)
	if err != nil {
		return nil, err
	}
	rec.ImageURLs = map[string]string{}
	rec.Stats = map[string]int{}
	if err := json.Unmarshal([]byte(imageURLs), &rec.ImageURLs); err != nil {
		return nil, fmt.Errorf("decode image_urls for %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(stats), &rec.Stats); err != nil {
		return nil, fmt.Errorf("decode stats for %s: %w", rec.ID, err)
	}
	rec.Downloaded = downloaded != 0
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updateAt)
	return &rec, nil
}

func encodeMap[V any](m map[string]V) string {
	if len(m) == 0 {
		return "{}"
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// MergeRecord folds incoming into existing. Non-empty incoming fields win,
// empty ones never clear stored data, maps are unioned and downloaded only
// moves from false to true. The record keeps its first query and creation
// time. changed reports whether any stored column would differ.
func MergeRecord(existing, incoming *models.Record) (merged *models.Record, changed bool) {
	m := *existing
	m.ImageURLs = make(map[string]string, len(existing.ImageURLs)+len(incoming.ImageURLs))
	for k, v := range existing.ImageURLs {
		m.ImageURLs[k] = v
	}
	m.Stats = make(map[string]int, len(existing.Stats)+len(incoming.Stats))
	for k, v := range existing.Stats {
		m.Stats[k] = v
	}

	if m.Query == "" {
		m.Query = incoming.Query
	}
	overwrite(&m.Title, incoming.Title)
	overwrite(&m.Description, incoming.Description)
	overwrite(&m.Creator.ID, incoming.Creator.ID)
	overwrite(&m.Creator.Name, incoming.Creator.Name)
	overwrite(&m.Board.ID, incoming.Board.ID)
	overwrite(&m.Board.Name, incoming.Board.Name)
	overwrite(&m.LargestImageURL, incoming.LargestImageURL)
	overwrite(&m.LocalPath, incoming.LocalPath)
	for k, v := range incoming.ImageURLs {
		if v != "" {
			m.ImageURLs[k] = v
		}
	}
	for k, v := range incoming.Stats {
		m.Stats[k] = v
	}
	if incoming.Downloaded {
		m.Downloaded = true
		m.DownloadError = ""
	} else if !m.Downloaded {
		overwrite(&m.DownloadError, incoming.DownloadError)
	}

	changed = !sameColumns(existing, &m)
	return &m, changed
}

func overwrite(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func sameColumns(a, b *models.Record) bool {
	return a.Query == b.Query && a.Title == b.Title && a.Description == b.Description &&
		a.Creator == b.Creator && a.Board == b.Board &&
		a.LargestImageURL == b.LargestImageURL && a.Downloaded == b.Downloaded &&
		a.LocalPath == b.LocalPath && a.DownloadError == b.DownloadError &&
		encodeMap(a.ImageURLs) == encodeMap(b.ImageURLs) &&
		reflect.DeepEqual(normalizeStats(a.Stats), normalizeStats(b.Stats))
}

func normalizeStats(m map[string]int) map[string]int {
	if len(m) == 0 {
		return nil
	}
	return m
}

// Upsert inserts rec or merges it into the stored row with the same id,
// and records that rec.Query has seen the id.
func (s *Store) Upsert(ctx context.Context, rec *models.Record) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.upsertTx(ctx, tx, rec)
	})
	if err != nil {
		return errs.WriteConflict("upsert "+rec.ID, err)
	}
	return nil
}

// UpsertBatch upserts all records in one transaction. Any failure rolls
// back the whole batch.
func (s *Store) UpsertBatch(ctx context.Context, recs []*models.Record) error {
	if len(recs) == 0 {
		return nil
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, rec := range recs {
			if err := s.upsertTx(ctx, tx, rec); err != nil {
				return fmt.Errorf("record %s: %w", rec.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return errs.WriteConflict("upsert batch", err)
	}
	return nil
}

func (s *Store) upsertTx(ctx context.Context, tx *sql.Tx, rec *models.Record) error {
	if rec.ID == "" {
		return errors.New("record id is empty")
	}

	existing, err := getRecordTx(ctx, tx, rec.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		fresh := *rec
		now := s.now()
		fresh.CreatedAt, fresh.UpdatedAt = now, now
		if err := insertRecordTx(ctx, tx, &fresh); err != nil {
			return err
		}
	case err != nil:
		return err
	default:
		merged, changed := MergeRecord(existing, rec)
		if changed {
			merged.UpdatedAt = s.now()
			if err := updateRecordTx(ctx, tx, merged); err != nil {
				return err
			}
		}
	}

	if rec.Query != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO record_queries (query, record_id) VALUES (?, ?)`,
			rec.Query, rec.ID); err != nil {
			return fmt.Errorf("link query: %w", err)
		}
	}
	return nil
}

func getRecordTx(ctx context.Context, tx *sql.Tx, id string) (*models.Record, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func insertRecordTx(ctx context.Context, tx *sql.Tx, rec *models.Record) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Query, rec.Title, rec.Description, rec.Creator.ID, rec.Creator.Name,
		rec.Board.ID, rec.Board.Name, encodeMap(rec.ImageURLs), rec.LargestImageURL,
		encodeMap(rec.Stats), boolInt(rec.Downloaded), rec.LocalPath, rec.DownloadError,
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func updateRecordTx(ctx context.Context, tx *sql.Tx, rec *models.Record) error {
	_, err := tx.ExecContext(ctx, `UPDATE records SET
		query = ?, title = ?, description = ?, creator_id = ?, creator_name = ?,
		board_id = ?, board_name = ?, image_urls = ?, largest_image_url = ?, stats = ?,
		downloaded = ?, local_path = ?, download_error = ?, updated_at = ?
		WHERE id = ?`,
		rec.Query, rec.Title, rec.Description, rec.Creator.ID, rec.Creator.Name,
		rec.Board.ID, rec.Board.Name, encodeMap(rec.ImageURLs), rec.LargestImageURL,
		encodeMap(rec.Stats), boolInt(rec.Downloaded), rec.LocalPath, rec.DownloadError,
		formatTime(rec.UpdatedAt), rec.ID)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Get returns the record with id.
func (s *Store) Get(ctx context.Context, id string) (*models.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *Store) count(ctx context.Context, query, where string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM record_queries q
		JOIN records r ON r.id = q.record_id
		WHERE q.query = ?`+where, query).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Count returns the number of unique records stored for query.
func (s *Store) Count(ctx context.Context, query string) (int, error) {
	return s.count(ctx, query, "")
}

// CountDownloaded returns how many records of query have a verified local file.
func (s *Store) CountDownloaded(ctx context.Context, query string) (int, error) {
	return s.count(ctx, query, " AND r.downloaded = 1")
}

// CountDownloadFailed returns how many records of query exhausted every quality tier.
func (s *Store) CountDownloadFailed(ctx context.Context, query string) (int, error) {
	return s.count(ctx, query, " AND r.downloaded = 0 AND r.download_error <> ''")
}

// CountMissingImages returns how many records of query have no usable image URL.
func (s *Store) CountMissingImages(ctx context.Context, query string) (int, error) {
	return s.count(ctx, query, " AND NOT "+hasImageSQL)
}

// IDs returns every record id seen by query in first-seen order.
func (s *Store) IDs(ctx context.Context, query string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id FROM record_queries WHERE query = ? ORDER BY seq`, query)
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) listWhere(ctx context.Context, query, where string, limit, offset int) ([]*models.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumnsR+`
		FROM record_queries q JOIN records r ON r.id = q.record_id
		WHERE q.query = ?`+where+` ORDER BY q.seq LIMIT ? OFFSET ?`, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
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

// List returns records of query in first-seen order. limit <= 0 means all.
func (s *Store) List(ctx context.Context, query string, limit, offset int) ([]*models.Record, error) {
	return s.listWhere(ctx, query, "", limit, offset)
}

// NeedingDetails returns records of query without any usable image URL.
func (s *Store) NeedingDetails(ctx context.Context, query string, limit int) ([]*models.Record, error) {
	return s.listWhere(ctx, query, " AND NOT "+hasImageSQL, limit, 0)
}

// NeedingDownload returns records of query with an image URL and no local
// file. Records whose previous download failed are included only when
// retryFailed is set.
func (s *Store) NeedingDownload(ctx context.Context, query string, retryFailed bool, limit int) ([]*models.Record, error) {
	where := " AND r.downloaded = 0 AND " + hasImageSQL
	if !retryFailed {
		where += " AND r.download_error = ''"
	}
	return s.listWhere(ctx, query, where, limit, 0)
}

// MarkDownloaded records a verified local file for id.
func (s *Store) MarkDownloaded(ctx context.Context, id, path string) error {
	return s.markDownload(ctx, id, `UPDATE records SET downloaded = 1, local_path = ?, download_error = '', updated_at = ?
		WHERE id = ?`, path)
}

// MarkDownloadFailed records the terminal download error for id. A record
// that is already downloaded is left alone.
func (s *Store) MarkDownloadFailed(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "download failed"
	}
	return s.markDownload(ctx, id, `UPDATE records SET download_error = ?, updated_at = ?
		WHERE id = ? AND downloaded = 0`, reason)
}

func (s *Store) markDownload(ctx context.Context, id, stmt, value string) error {
	res, err := s.db.ExecContext(ctx, stmt, value, formatTime(s.now()), id)
	if err != nil {
		return errs.WriteConflict("mark download "+id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
	}
	return nil
}
