package backend

import (
	"context"
	"testing"
	"time"

	"greenbudget/internal/cache"
	"greenbudget/internal/config"
	"greenbudget/internal/core"
	"greenbudget/internal/ports"
	"greenbudget/internal/remote/httpapi"
	"greenbudget/internal/remote/memory"
)

func TestFromAppConfig(t *testing.T) {
	tests := []struct {
		name     string
		backend  string
		wantType BackendType
		wantSeed bool
		wantErr  bool
	}{
		{name: "memory", backend: "memory", wantType: MemoryBackend, wantSeed: true},
		{name: "http", backend: "http", wantType: HTTPBackend},
		{name: "unknown", backend: "sqlite", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := FromAppConfig(&config.Config{
				DataBackend: tt.backend,
				APIBaseURL:  "https://api.example.com",
				CacheSize:   10,
				CacheTTL:    time.Minute,
			})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Type != tt.wantType || cfg.SeedDemo != tt.wantSeed {
				t.Errorf("got %+v", cfg)
			}
		})
	}

	if _, err := FromAppConfig(nil); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{name: "memory", config: Config{Type: MemoryBackend}},
		{name: "http", config: Config{Type: HTTPBackend, APIBaseURL: "http://localhost:8000"}},
		{name: "http without base URL", config: Config{Type: HTTPBackend}, wantErr: true},
		{name: "cache without TTL", config: Config{Type: HTTPBackend, APIBaseURL: "http://x", CacheSize: 5}, wantErr: true},
		{name: "unknown type", config: Config{Type: "sheets"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.config.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateMemoryBackendSeedsDemo(t *testing.T) {
	ctx := context.Background()
	result, err := NewFactory(nil, nil).CreateBackend(ctx, Config{Type: MemoryBackend, SeedDemo: true})
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	if _, ok := result.Service.(*memory.Server); !ok {
		t.Fatalf("service is %T", result.Service)
	}
	if result.Demo == nil {
		t.Fatal("demo budget not seeded")
	}

	// 8800 + 3850 + 6050 + 4000
	if got := result.Demo.Estimated.String(); got != "22700" {
		t.Errorf("demo estimated = %s, want 22700", got)
	}
	if got := result.Demo.Actual.String(); got != "2500" {
		t.Errorf("demo actual = %s, want 2500", got)
	}

	accounts, err := result.Service.LineItems().List(ctx,
		core.ParentRef{Kind: core.ParentBudget, ID: result.Demo.ID}, ports.ListQuery{})
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if accounts.Count != 2 {
		t.Errorf("accounts = %d, want 2", accounts.Count)
	}
}

func TestCreateHTTPBackendRegistersCache(t *testing.T) {
	caches := cache.NewManager(nil)
	result, err := NewFactory(nil, caches).CreateBackend(context.Background(), Config{
		Type:       HTTPBackend,
		APIBaseURL: "http://localhost:8000",
		CacheSize:  10,
		CacheTTL:   time.Minute,
	})
	if err != nil {
		t.Fatalf("CreateBackend: %v", err)
	}
	if _, ok := result.Service.(*httpapi.Client); !ok {
		t.Fatalf("service is %T", result.Service)
	}
	if result.Demo != nil {
		t.Error("http backend must not seed")
	}
	if result.Cleanup == nil {
		t.Fatal("http backend with a cache should report cache statistics on cleanup")
	}
	if err := result.Cleanup(); err != nil {
		t.Errorf("Cleanup: %v", err)
	}
	if n := caches.CleanNow(); n != 0 {
		t.Errorf("fresh cache cleaned %d entries", n)
	}
}
