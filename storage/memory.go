package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"sensorscope/record"
)

// MemoryCacheStore implements CacheStore in process memory. Entries do not
// survive a restart.
type MemoryCacheStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryCacheStore creates an empty in-memory cache store
func NewMemoryCacheStore() *MemoryCacheStore {
	return &MemoryCacheStore{entries: make(map[string][]byte)}
}

func (s *MemoryCacheStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	return v, ok, nil
}

func (s *MemoryCacheStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryCacheStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryCacheStore) Keys() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryCacheStore) Stats() (CacheStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := CacheStats{Count: len(s.entries)}
	for k, v := range s.entries {
		stats.SizeBytes += int64(len(k) + len(v))
	}
	return stats, nil
}

func (s *MemoryCacheStore) Close() error {
	return nil
}

// MemoryRecordStore implements RecordStore over records held in memory. It
// evaluates record.Filter with the same semantics as the Mongo store.
type MemoryRecordStore struct {
	mu    sync.RWMutex
	bases map[string]map[string][]record.Record
}

// NewMemoryRecordStore creates an empty in-memory record store
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{bases: make(map[string]map[string][]record.Record)}
}

// Insert appends records to a collection, creating it if needed
func (s *MemoryRecordStore) Insert(base, collection string, records ...record.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	collections, ok := s.bases[base]
	if !ok {
		collections = make(map[string][]record.Record)
		s.bases[base] = collections
	}
	collections[collection] = append(collections[collection], records...)
}

// LoadFixture reads a JSON file shaped {"base": {"collection": [documents]}}
func (s *MemoryRecordStore) LoadFixture(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("error reading fixture file: %w", err)
	}

	var fixture map[string]map[string][]map[string]any
	if err := json.Unmarshal(data, &fixture); err != nil {
		return fmt.Errorf("error parsing fixture file: %w", err)
	}

	for base, collections := range fixture {
		for collection, docs := range collections {
			records := make([]record.Record, 0, len(docs))
			for i, doc := range docs {
				r, err := record.FromDocument(doc)
				if err != nil {
					return fmt.Errorf("error decoding fixture %s/%s[%d]: %w", base, collection, i, err)
				}
				records = append(records, r)
			}
			s.Insert(base, collection, records...)
		}
	}
	return nil
}

func (s *MemoryRecordStore) Find(ctx context.Context, base, collection string, filter record.Filter) ([]record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []record.Record
	for _, r := range s.bases[base][collection] {
		if filter.Matches(r) {
			results = append(results, r)
		}
	}
	return results, nil
}

func (s *MemoryRecordStore) Exists(ctx context.Context, base, collection string, filter record.Filter) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.bases[base][collection] {
		if filter.Matches(r) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryRecordStore) CollectionNames(ctx context.Context, base string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.bases[base]))
	for name := range s.bases[base] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryRecordStore) Close() error {
	return nil
}
