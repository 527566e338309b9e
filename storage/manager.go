package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"sensorscope/config"
)

// Manager owns the query cache store and the record store
type Manager struct {
	config      config.StorageConfig
	cacheStore  CacheStore
	recordStore RecordStore
	logger      log.Logger
	mu          sync.RWMutex
}

// NewManager creates a new storage manager
func NewManager(ctx context.Context, cfg config.StorageConfig, logger log.Logger) (*Manager, error) {
	manager := &Manager{
		config: cfg,
		logger: logger,
	}

	// Initialize the query cache store
	cacheStore, err := newCacheStore(cfg.Cache, logger)
	if err != nil {
		return nil, err
	}
	manager.cacheStore = cacheStore

	// Initialize the record store
	recordStore, err := newRecordStore(ctx, cfg.Records, logger)
	if err != nil {
		cacheStore.Close()
		return nil, err
	}
	manager.recordStore = recordStore

	return manager, nil
}

func newCacheStore(cfg config.CacheStorageConfig, logger log.Logger) (CacheStore, error) {
	engine := "badger"
	if cfg.Engine != nil && cfg.Engine.Type != "" {
		engine = cfg.Engine.Type
	}

	switch engine {
	case "memory":
		level.Info(logger).Log("msg", "using in-memory query cache")
		return NewMemoryCacheStore(), nil
	case "badger":
		if err := ensureDir(cfg.DataPath, logger); err != nil {
			return nil, fmt.Errorf("failed to create cache data directory: %w", err)
		}
		cachePath := resolvePath(cfg.DataPath, logger)
		level.Info(logger).Log("msg", "using badger query cache", "path", cachePath)

		var opts BadgerOptions
		if cfg.Engine != nil && cfg.Engine.BadgerConfig != nil {
			bc := cfg.Engine.BadgerConfig
			if bc.GCInterval != "" {
				interval, err := config.ParseDuration(bc.GCInterval)
				if err != nil {
					return nil, fmt.Errorf("invalid cache GC interval: %w", err)
				}
				opts.GCInterval = interval
			}
			opts.ValueLogFileSizeMB = bc.ValueLogFileSizeMB
			opts.SyncWrites = bc.SyncWrites
		}

		store, err := NewBadgerCacheStore(cachePath, opts, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize cache storage: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported cache engine: %q", engine)
	}
}

func newRecordStore(ctx context.Context, cfg config.RecordStorageConfig, logger log.Logger) (RecordStore, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("record store engine is not configured")
	}

	switch cfg.Engine.Type {
	case "memory":
		store := NewMemoryRecordStore()
		if mc := cfg.Engine.MemoryConfig; mc != nil && mc.FixturePath != "" {
			fixturePath := resolvePath(mc.FixturePath, logger)
			if err := store.LoadFixture(fixturePath); err != nil {
				return nil, fmt.Errorf("failed to load record fixtures: %w", err)
			}
			level.Info(logger).Log("msg", "loaded record fixtures", "path", fixturePath)
		}
		return store, nil
	case "mongo":
		mc := cfg.Engine.MongoConfig
		if mc == nil {
			return nil, fmt.Errorf("mongo record store requires bases")
		}

		var timeout time.Duration
		if mc.ConnectTimeout != "" {
			var err error
			timeout, err = config.ParseDuration(mc.ConnectTimeout)
			if err != nil {
				return nil, fmt.Errorf("invalid mongo connect timeout: %w", err)
			}
		}

		bases := make(map[string]MongoBase, len(mc.Bases))
		for name, base := range mc.Bases {
			bases[name] = MongoBase{URI: base.URI, Database: base.Database}
		}

		store, err := NewMongoRecordStore(ctx, bases, timeout, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize record store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported record store engine: %q", cfg.Engine.Type)
	}
}

// NewManagerWithStores wraps already constructed stores
func NewManagerWithStores(cacheStore CacheStore, recordStore RecordStore, logger log.Logger) *Manager {
	return &Manager{
		cacheStore:  cacheStore,
		recordStore: recordStore,
		logger:      logger,
	}
}

// Close closes all storage engines
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	level.Info(m.logger).Log("msg", "closing storage")
	var errs []error

	if m.cacheStore != nil {
		if err := m.cacheStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing cache store: %w", err))
		}
	}

	if m.recordStore != nil {
		if err := m.recordStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing record store: %w", err))
		}
	}

	if len(errs) > 0 {
		errMsgs := []string{}
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("errors closing storage: %s", strings.Join(errMsgs, "; "))
	}

	return nil
}

// CacheStore returns the query cache store
func (m *Manager) CacheStore() CacheStore {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cacheStore
}

// RecordStore returns the record store
func (m *Manager) RecordStore() RecordStore {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.recordStore
}

// ensureDir ensures that the specified directory exists
func ensureDir(path string, logger log.Logger) error {
	return os.MkdirAll(resolvePath(path, logger), 0755)
}

// resolvePath resolves a path relative to the executable directory
func resolvePath(path string, logger log.Logger) string {
	if filepath.IsAbs(path) {
		return path
	}

	execPath, err := os.Executable()
	if err != nil {
		level.Warn(logger).Log("msg", "failed to get executable path", "err", err)
		return path
	}
	appRoot := filepath.Dir(execPath)

	originalPath := path
	path = strings.TrimPrefix(path, "./")
	path = strings.TrimPrefix(path, "../")
	resolvedPath := filepath.Join(appRoot, path)

	if originalPath != resolvedPath {
		level.Debug(logger).Log("msg", "resolved path", "from", originalPath, "to", resolvedPath)
	}
	return resolvedPath
}
