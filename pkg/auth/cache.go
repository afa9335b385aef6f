package auth

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"pinscraper/pkg/logger"
)

// Store persists identities between runs
type Store interface {
	Name() string
	Save(key string, id *Identity) error
	Load(key string) (*Identity, error)
	Delete(key string) error
}

// Cache reads and writes identities through an ordered list of stores,
// treating entries older than the TTL as absent.
type Cache struct {
	stores []Store
	ttl    time.Duration
	now    func() time.Time
	logger logger.Logger
}

// NewCache creates a cache over the given stores. The first store that
// accepts a write wins; reads try each store in order.
func NewCache(ttl time.Duration, log logger.Logger, stores ...Store) *Cache {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Cache{stores: stores, ttl: ttl, now: time.Now, logger: log}
}

// NewDefaultCache prefers the system keychain and falls back to an
// encrypted file under the user config directory.
func NewDefaultCache(ttl time.Duration, log logger.Logger) (*Cache, error) {
	var stores []Store

	if ks, err := NewKeyringStore(); err == nil {
		stores = append(stores, ks)
	}

	dir, err := ConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}
	fs, err := NewEncryptedFileStore(filepath.Join(dir, "identity.enc"))
	if err != nil {
		return nil, fmt.Errorf("failed to create encrypted store: %w", err)
	}
	stores = append(stores, fs)

	return NewCache(ttl, log, stores...), nil
}

// Load returns a fresh cached identity for key, or ErrIdentityNotFound.
func (c *Cache) Load(key string) (*Identity, error) {
	var lastErr error
	for _, s := range c.stores {
		id, err := s.Load(key)
		if err != nil {
			if !errors.Is(err, ErrIdentityNotFound) {
				lastErr = err
				c.logger.WithError(err).WithField("store", s.Name()).Debug("Identity store read failed")
			}
			continue
		}
		if c.ttl > 0 && c.now().Sub(id.AcquiredAt) > c.ttl {
			c.logger.WithField("store", s.Name()).Debug("Cached identity expired")
			continue
		}
		return id, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrIdentityNotFound, lastErr)
	}
	return nil, ErrIdentityNotFound
}

// Save writes to the first store that accepts the identity
func (c *Cache) Save(key string, id *Identity) error {
	if len(c.stores) == 0 {
		return ErrStoreUnavailable
	}
	var errs []error
	for _, s := range c.stores {
		if err := s.Save(key, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}

// Clear removes key from every store. A missing entry is not an error.
func (c *Cache) Clear(key string) error {
	var errs []error
	for _, s := range c.stores {
		if err := s.Delete(key); err != nil && !errors.Is(err, ErrIdentityNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// MemoryStore is an in-process Store, used when no persistent cache is wanted
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Identity

	SaveError error
	LoadError error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Identity)}
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Save(key string, id *Identity) error {
	if m.SaveError != nil {
		return m.SaveError
	}
	if key == "" || id == nil {
		return ErrInvalidIdentity
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = id.Clone()
	return nil
}

func (m *MemoryStore) Load(key string) (*Identity, error) {
	if m.LoadError != nil {
		return nil, m.LoadError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.entries[key]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	return id.Clone(), nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; !ok {
		return ErrIdentityNotFound
	}
	delete(m.entries, key)
	return nil
}
