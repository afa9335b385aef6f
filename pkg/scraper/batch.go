package scraper

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"pinscraper/pkg/models"
)

// BatchResult is the outcome of one query of a batch.
type BatchResult struct {
	Query   string
	Session *models.Session
	Err     error
}

// ReadQueries reads one query per line from path, or from every regular
// file in path when it is a directory. Blank lines and lines starting with
// '#' are skipped, as are repeats of an earlier query.
func ReadQueries(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	files := []string{path}
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read query directory: %w", err)
		}
		files = files[:0]
		for _, e := range entries {
			if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			files = append(files, filepath.Join(path, e.Name()))
		}
		sort.Strings(files)
	}

	seen := make(map[string]bool)
	var queries []string
	for _, name := range files {
		if err := readQueryFile(name, func(q string) {
			if !seen[q] {
				seen[q] = true
				queries = append(queries, q)
			}
		}); err != nil {
			return nil, err
		}
	}
	return queries, nil
}

func readQueryFile(name string, add func(string)) error {
	f, err := os.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		add(line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	return nil
}

// CollectBatch collects target records for each query in turn. then, when
// set, runs after each successful collection (to fetch details or
// download). A failing query is recorded and the batch moves on; an
// interrupt ends the batch after the current query.
func (s *Scraper) CollectBatch(ctx context.Context, queries []string, target int, resume bool, then func(ctx context.Context, query string) error) []BatchResult {
	results := make([]BatchResult, 0, len(queries))
	for i, query := range queries {
		if s.interrupt.Interrupted() || ctx.Err() != nil {
			s.logger.WithField("remaining", len(queries)-i).Warn("Batch interrupted, remaining queries skipped")
			break
		}

		log := s.logger.WithFields(map[string]interface{}{
			"query": query,
			"index": i + 1,
			"total": len(queries),
		})
		log.Info("Batch query started")

		sess, err := s.Collect(ctx, query, target, resume)
		if err == nil && then != nil && !s.interrupt.Interrupted() {
			err = then(ctx, query)
		}
		if err != nil {
			log.WithError(err).Error("Batch query failed")
		}
		results = append(results, BatchResult{Query: query, Session: sess, Err: err})
	}
	return results
}
