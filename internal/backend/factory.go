package backend

import (
	"context"
	"fmt"

	"greenbudget/internal/cache"
	"greenbudget/internal/log"
	"greenbudget/internal/remote/httpapi"
	"greenbudget/internal/remote/memory"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *log.Logger
	caches *cache.Manager
}

// NewFactory creates a new backend factory. Caches built for the http backend
// are registered with caches for periodic cleanup; caches may be nil.
func NewFactory(logger *log.Logger, caches *cache.Manager) Factory {
	return &DefaultFactory{
		logger: log.OrDiscard(logger).WithComponent(log.ComponentBackend),
		caches: caches,
	}
}

// CreateBackend implements Factory.CreateBackend
func (f *DefaultFactory) CreateBackend(ctx context.Context, config Config) (*BackendResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	switch config.Type {
	case HTTPBackend:
		return f.createHTTPBackend(config)
	case MemoryBackend:
		return f.createMemoryBackend(ctx, config)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

func (f *DefaultFactory) createHTTPBackend(config Config) (*BackendResult, error) {
	var lists cache.Cache[[]byte]
	if config.CacheSize > 0 {
		lru := cache.NewLRUCache[[]byte](config.CacheSize, config.CacheTTL)
		if f.caches != nil {
			f.caches.Register(lru)
		}
		lists = lru
	}

	client := httpapi.New(httpapi.Config{
		BaseURL: config.APIBaseURL,
		Token:   config.APIToken,
		Timeout: config.APITimeout,
		Cache:   lists,
		Logger:  f.logger,
	})

	f.logger.Info("Initialized http backend",
		"base_url", config.APIBaseURL,
		"cache_enabled", lists != nil,
		"cache_size", config.CacheSize)

	result := &BackendResult{Service: client}
	if lru, ok := lists.(*cache.LRUCache[[]byte]); ok {
		result.Cleanup = func() error {
			hits, misses := lru.Stats()
			f.logger.Info("List cache statistics", "hits", hits, "misses", misses, "entries", lru.Size())
			return nil
		}
	}
	return result, nil
}

func (f *DefaultFactory) createMemoryBackend(ctx context.Context, config Config) (*BackendResult, error) {
	srv := memory.New()
	result := &BackendResult{Service: srv}

	if config.SeedDemo {
		demo, err := SeedDemo(ctx, srv)
		if err != nil {
			return nil, fmt.Errorf("failed to seed demo budget: %w", err)
		}
		result.Demo = &demo
		f.logger.Info("Seeded demo budget", log.FieldBudget, demo.ID, "name", demo.Name)
	}

	f.logger.Info("Initialized memory backend")
	return result, nil
}
