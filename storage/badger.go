package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// cacheKeyPrefix namespaces query cache entries inside the Badger keyspace
const cacheKeyPrefix = "qc/"

// BadgerCacheStore implements CacheStore using BadgerDB
type BadgerCacheStore struct {
	db         *badger.DB
	path       string
	gcInterval time.Duration
	logger     log.Logger
	stopChan   chan struct{}
	wg         sync.WaitGroup
	mu         sync.RWMutex
}

// BadgerOptions tunes the Badger cache store
type BadgerOptions struct {
	GCInterval         time.Duration
	ValueLogFileSizeMB int
	SyncWrites         bool
}

// NewBadgerCacheStore opens (or creates) a Badger cache store at path
func NewBadgerCacheStore(path string, opts BadgerOptions, logger log.Logger) (*BadgerCacheStore, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	// Open BadgerDB
	bopts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithLoggingLevel(badger.WARNING).
		WithSyncWrites(opts.SyncWrites)
	if opts.ValueLogFileSizeMB > 0 {
		bopts = bopts.WithValueLogFileSize(int64(opts.ValueLogFileSizeMB) << 20)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("error opening BadgerDB: %w", err)
	}

	gcInterval := opts.GCInterval
	if gcInterval <= 0 {
		gcInterval = 10 * time.Minute
	}

	store := &BadgerCacheStore{
		db:         db,
		path:       path,
		gcInterval: gcInterval,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}

	// Start background GC
	store.startGC()

	return store, nil
}

// Close stops the GC loop and closes the database
func (s *BadgerCacheStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Stop GC
	close(s.stopChan)
	s.wg.Wait()

	// Close DB
	return s.db.Close()
}

// Get returns the value stored under key
func (s *BadgerCacheStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cacheKeyPrefix + key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("error reading cache entry: %w", err)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value
func (s *BadgerCacheStore) Set(key string, value []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(cacheKeyPrefix+key), value)
	})
	if err != nil {
		return fmt.Errorf("error storing cache entry: %w", err)
	}
	return nil
}

// Delete removes key
func (s *BadgerCacheStore) Delete(key string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(cacheKeyPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("error deleting cache entry: %w", err)
	}
	return nil
}

// Keys lists every cache key
func (s *BadgerCacheStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := []byte(cacheKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			keys = append(keys, string(key[len(cacheKeyPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error listing cache keys: %w", err)
	}
	return keys, nil
}

// Stats reports the entry count and on-disk size
func (s *BadgerCacheStore) Stats() (CacheStats, error) {
	keys, err := s.Keys()
	if err != nil {
		return CacheStats{}, err
	}

	s.mu.RLock()
	lsm, vlog := s.db.Size()
	s.mu.RUnlock()

	return CacheStats{Count: len(keys), SizeBytes: lsm + vlog}, nil
}

// startGC starts the garbage collection process
func (s *BadgerCacheStore) startGC() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.gcInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				// Run value log GC
				err := s.db.RunValueLogGC(0.5) // Run GC if we can reclaim 50% space
				if err != nil && err != badger.ErrNoRewrite {
					// Log the error, but don't stop the loop
					level.Warn(s.logger).Log("msg", "badger GC failed", "path", s.path, "err", err)
				}
			case <-s.stopChan:
				return
			}
		}
	}()
}
