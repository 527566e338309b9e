package cache

import (
	"encoding/json"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"sensorscope/storage"
)

// Cache memoizes query results in a durable backing store. Entries never
// expire; they are removed only by Delete or ClearAll.
type Cache struct {
	store  storage.CacheStore
	logger log.Logger
	sf     singleflight.Group

	hits        prometheus.Counter
	misses      prometheus.Counter
	readErrors  prometheus.Counter
	writeErrors prometheus.Counter
}

// Options configures a Cache
type Options struct {
	Logger     log.Logger
	Registerer prometheus.Registerer
}

// ClearReport summarizes a bulk clear
type ClearReport struct {
	Before int `json:"before"`
	After  int `json:"after"`
	Failed int `json:"failed"`
}

// New creates a cache over store
func New(store storage.CacheStore, opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	c := &Cache{
		store:  store,
		logger: log.With(logger, "component", "cache"),
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorscope",
			Subsystem: "query_cache",
			Name:      "hits_total",
			Help:      "Number of query cache hits.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorscope",
			Subsystem: "query_cache",
			Name:      "misses_total",
			Help:      "Number of query cache misses.",
		}),
		readErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorscope",
			Subsystem: "query_cache",
			Name:      "read_errors_total",
			Help:      "Backing store reads or decodes that failed and were treated as misses.",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sensorscope",
			Subsystem: "query_cache",
			Name:      "write_errors_total",
			Help:      "Computed values that could not be stored.",
		}),
	}

	if opts.Registerer != nil {
		opts.Registerer.MustRegister(c.hits, c.misses, c.readErrors, c.writeErrors)
	}
	return c
}

// GetOrCompute returns the value memoized under key, calling compute on a
// miss and storing its result. Concurrent misses on the same key share one
// compute call. Errors from compute are returned and nothing is stored.
// A nil cache always computes.
func GetOrCompute[T any](c *Cache, key Key, compute func() (T, error)) (T, error) {
	if c == nil {
		return compute()
	}

	k := key.String()
	if v, ok := lookup[T](c, k); ok {
		c.hits.Inc()
		return v, nil
	}
	c.misses.Inc()

	v, err, _ := c.sf.Do(k, func() (any, error) {
		value, err := compute()
		if err != nil {
			return nil, err
		}
		c.put(k, value)
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	value, _ := v.(T)
	return value, nil
}

func lookup[T any](c *Cache, k string) (T, bool) {
	var v T

	data, found, err := c.store.Get(k)
	if err != nil {
		c.readErrors.Inc()
		level.Warn(c.logger).Log("msg", "cache read failed, recomputing", "key", k, "err", err)
		return v, false
	}
	if !found {
		return v, false
	}

	if err := json.Unmarshal(data, &v); err != nil {
		c.readErrors.Inc()
		level.Warn(c.logger).Log("msg", "undecodable cache entry, recomputing", "key", k, "err", err)
		var zero T
		return zero, false
	}
	return v, true
}

// put writes one computed value; failures are only logged
func (c *Cache) put(k string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		c.writeErrors.Inc()
		level.Warn(c.logger).Log("msg", "error encoding cache entry", "key", k, "err", err)
		return
	}
	if err := c.store.Set(k, data); err != nil {
		c.writeErrors.Inc()
		level.Warn(c.logger).Log("msg", "error storing cache entry", "key", k, "err", err)
	}
}

// Delete removes a single entry
func (c *Cache) Delete(key Key) error {
	if err := c.store.Delete(key.String()); err != nil {
		return fmt.Errorf("error deleting cache entry: %w", err)
	}
	return nil
}

// Stats reports the number of entries and their size
func (c *Cache) Stats() (storage.CacheStats, error) {
	stats, err := c.store.Stats()
	if err != nil {
		return storage.CacheStats{}, fmt.Errorf("error reading cache stats: %w", err)
	}
	return stats, nil
}

// ClearAll deletes every entry. Entries that fail to delete are skipped and
// counted; the clear continues with the next key.
func (c *Cache) ClearAll() (ClearReport, error) {
	keys, err := c.store.Keys()
	if err != nil {
		return ClearReport{}, fmt.Errorf("error listing cache keys: %w", err)
	}

	report := ClearReport{Before: len(keys)}
	for _, k := range keys {
		if err := c.store.Delete(k); err != nil {
			report.Failed++
			level.Warn(c.logger).Log("msg", "failed to delete cache entry", "key", k, "err", err)
		}
	}

	remaining, err := c.store.Keys()
	if err != nil {
		return report, fmt.Errorf("error listing cache keys: %w", err)
	}
	report.After = len(remaining)

	level.Info(c.logger).Log("msg", "cache cleared", "before", report.Before, "after", report.After, "failed", report.Failed)
	return report, nil
}
