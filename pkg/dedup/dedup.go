// Package dedup tracks which record ids a collection session has already
// seen. It is rebuilt from the store at session start so a resumed run
// never counts a stored record as new.
package dedup

import (
	"context"
	"fmt"
	"sync"
)

// IDSource lists the stored ids of a query in first-seen order.
type IDSource interface {
	IDs(ctx context.Context, query string) ([]string, error)
}

// Index is an insertion-ordered set of ids.
type Index struct {
	mu    sync.RWMutex
	seen  map[string]struct{}
	order []string
}

// New returns an empty index.
func New() *Index {
	return &Index{seen: make(map[string]struct{})}
}

// Rebuild returns an index holding exactly the ids stored for query.
func Rebuild(ctx context.Context, src IDSource, query string) (*Index, error) {
	ids, err := src.IDs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("rebuild dedup index: %w", err)
	}
	idx := New()
	for _, id := range ids {
		idx.Add(id)
	}
	return idx, nil
}

// Add inserts id and reports whether it was new. Empty ids are rejected.
func (i *Index) Add(id string) bool {
	if id == "" {
		return false
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.seen[id]; ok {
		return false
	}
	i.seen[id] = struct{}{}
	i.order = append(i.order, id)
	return true
}

// Remove forgets id, used when persisting it failed.
func (i *Index) Remove(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.seen[id]; !ok {
		return
	}
	delete(i.seen, id)
	for n, v := range i.order {
		if v == id {
			i.order = append(i.order[:n], i.order[n+1:]...)
			break
		}
	}
}

// Contains reports whether id has been seen.
func (i *Index) Contains(id string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.seen[id]
	return ok
}

// Len returns the number of distinct ids.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.seen)
}

// Snapshot returns the ids in insertion order.
func (i *Index) Snapshot() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make([]string, len(i.order))
	copy(out, i.order)
	return out
}
