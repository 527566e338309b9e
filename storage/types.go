package storage

import (
	"context"

	"sensorscope/record"
)

// CacheStats reports the size of a cache backing store
type CacheStats struct {
	Count     int   `json:"count"`
	SizeBytes int64 `json:"sizeBytes"`
}

// CacheStore is the durable key/value store behind the query cache
type CacheStore interface {
	// Get returns the stored value and whether the key exists
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
	Keys() ([]string, error)
	Stats() (CacheStats, error)
	Close() error
}

// RecordStore is the document database holding sensor and coaching records.
// Base selects the database (for example "prod" or "dev").
type RecordStore interface {
	// Find returns every record of the collection matching the filter
	Find(ctx context.Context, base, collection string, filter record.Filter) ([]record.Record, error)

	// Exists reports whether at least one record matches the filter
	Exists(ctx context.Context, base, collection string, filter record.Filter) (bool, error)

	// CollectionNames lists the collections of the base
	CollectionNames(ctx context.Context, base string) ([]string, error)

	Close() error
}
