package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// IdempotencyStore tracks processed event request ids so metric mutations
// stay safe under at-least-once delivery.
//
// The protocol is check-then-mark: Seen is consulted before the mutation,
// MarkSeen is called only after the mutation and any downstream emission
// succeed. A crash mid-operation therefore causes a safe retry, never
// silent loss.
type IdempotencyStore interface {
	Seen(key string) (bool, error)
	MarkSeen(key string) error
	Close() error
}

// BadgerConfig holds configuration for the badger-backed store.
type BadgerConfig struct {
	// Path is the directory for the badger files. Ignored when InMemory.
	Path string

	// InMemory enables in-memory mode (tests).
	InMemory bool

	// TTL bounds how long processed keys are remembered. Upstream retry
	// horizons are far shorter than this in practice.
	TTL time.Duration
}

// DefaultBadgerConfig returns production defaults.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, TTL: 24 * time.Hour}
}

// InMemoryBadgerConfig returns a configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true, TTL: time.Hour}
}

// BadgerIdempotencyStore persists processed keys in badger with a TTL.
type BadgerIdempotencyStore struct {
	db  *badger.DB
	ttl time.Duration
}

// NewBadgerIdempotencyStore opens the store described by cfg.
func NewBadgerIdempotencyStore(cfg BadgerConfig) (*BadgerIdempotencyStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("badger path required for persistent store")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("badger TTL must be positive")
	}

	opts := badger.DefaultOptions(cfg.Path).WithInMemory(cfg.InMemory).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening idempotency store: %w", err)
	}
	return &BadgerIdempotencyStore{db: db, ttl: cfg.TTL}, nil
}

// Seen reports whether key was already processed.
func (s *BadgerIdempotencyStore) Seen(key string) (bool, error) {
	var seen bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		seen = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("checking idempotency key: %w", err)
	}
	return seen, nil
}

// MarkSeen records key as processed.
func (s *BadgerIdempotencyStore) MarkSeen(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), []byte{1}).WithTTL(s.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("recording idempotency key: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *BadgerIdempotencyStore) Close() error {
	return s.db.Close()
}

// MemoryIdempotencyStore is a map-backed IdempotencyStore for tests.
type MemoryIdempotencyStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryIdempotencyStore creates an empty store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{seen: make(map[string]struct{})}
}

// Seen reports whether key was marked.
func (s *MemoryIdempotencyStore) Seen(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok, nil
}

// MarkSeen records key.
func (s *MemoryIdempotencyStore) MarkSeen(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[key] = struct{}{}
	return nil
}

// Close is a no-op.
func (s *MemoryIdempotencyStore) Close() error {
	return nil
}
