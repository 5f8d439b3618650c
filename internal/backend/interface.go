// Package backend selects and builds the budgeting API implementation the
// services talk to.
package backend

import (
	"context"
	"time"

	"greenbudget/internal/core"
	"greenbudget/internal/ports"
)

// CleanupFunc represents a cleanup function for resources
type CleanupFunc func() error

// BackendResult contains the backend instance and optional cleanup function
type BackendResult struct {
	Service ports.Service
	// Demo is the budget seeded into a memory backend, if any.
	Demo    *core.Budget
	Cleanup CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	// CreateBackend creates a backend instance based on the provided config
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	// HTTP specific
	APIBaseURL string
	APIToken   string
	APITimeout time.Duration
	// CacheSize bounds the cached list responses; zero disables the cache.
	CacheSize int
	CacheTTL  time.Duration

	// Memory specific
	SeedDemo bool
}

// BackendType represents the type of backend
type BackendType string

const (
	HTTPBackend   BackendType = "http"
	MemoryBackend BackendType = "memory"
)

// String implements fmt.Stringer
func (bt BackendType) String() string {
	return string(bt)
}

// IsValid returns true if the backend type is valid
func (bt BackendType) IsValid() bool {
	switch bt {
	case HTTPBackend, MemoryBackend:
		return true
	default:
		return false
	}
}
