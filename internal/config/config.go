package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"greenbudget/internal/budget"
	"greenbudget/internal/log"
)

// Backends selectable with DATA_BACKEND.
const (
	BackendMemory = "memory"
	BackendHTTP   = "http"
)

type Config struct {
	// HTTP Server
	Port string

	// Backend selection
	DataBackend string

	// Remote budgeting API, used by the http backend
	APIBaseURL string
	APIToken   string
	APITimeout time.Duration

	// Database; empty disables drafts and notification persistence
	SQLiteDBPath string

	// AMQP; an empty URL disables publishing
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	// Aggregation
	AccountActualSource    string
	SubAccountActualSource string

	// Background work
	RefreshInterval       time.Duration
	NotificationRetention time.Duration

	// List cache of the http backend
	CacheSize int
	CacheTTL  time.Duration

	NotificationLimit int

	LogLevel  string
	LogFormat string
}

func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8081"),
		DataBackend: getEnv("DATA_BACKEND", BackendMemory),

		APIBaseURL: getEnv("API_BASE_URL", ""),
		APIToken:   getEnv("API_TOKEN", ""),
		APITimeout: getEnvDuration("API_TIMEOUT", 15*time.Second),

		SQLiteDBPath: getEnv("SQLITE_DB_PATH", "./data/greenbudget.db"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "greenbudget"),
		AMQPQueue:    getEnv("AMQP_QUEUE", "notifications"),

		AccountActualSource:    getEnv("ACCOUNT_ACTUAL_SOURCE", string(budget.ActualFromChildren)),
		SubAccountActualSource: getEnv("SUBACCOUNT_ACTUAL_SOURCE", string(budget.ActualFromChildren)),

		RefreshInterval:       getEnvDuration("REFRESH_INTERVAL", time.Minute),
		NotificationRetention: getEnvDuration("NOTIFICATION_RETENTION", 7*24*time.Hour),

		CacheSize: getEnvInt("CACHE_SIZE", 200),
		CacheTTL:  getEnvDuration("CACHE_TTL", 5*time.Minute),

		NotificationLimit: getEnvInt("NOTIFICATION_LIMIT", 100),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	// Validate data backend
	validBackends := []string{BackendMemory, BackendHTTP}
	if !slices.Contains(validBackends, c.DataBackend) {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	if c.DataBackend == BackendHTTP {
		if c.APIBaseURL == "" {
			errors = append(errors, "API base URL is required when using http backend")
		} else if u, err := url.Parse(c.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errors = append(errors, fmt.Sprintf("invalid API base URL '%s': must be an absolute http(s) URL", c.APIBaseURL))
		}
	}
	if c.APITimeout < time.Second || c.APITimeout > 5*time.Minute {
		errors = append(errors, fmt.Sprintf("invalid API timeout %v: must be between 1 second and 5 minutes", c.APITimeout))
	}

	// SQLite is optional; create its directory when configured
	if c.SQLiteDBPath != "" {
		dir := filepath.Dir(c.SQLiteDBPath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
				}
			}
		}
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	for key, v := range map[string]string{
		"ACCOUNT_ACTUAL_SOURCE":    c.AccountActualSource,
		"SUBACCOUNT_ACTUAL_SOURCE": c.SubAccountActualSource,
	} {
		if _, err := budget.ParseActualSource(v); err != nil {
			errors = append(errors, fmt.Sprintf("%s: %v", key, err))
		}
	}

	if c.RefreshInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid refresh interval %v: must be at least 1 second", c.RefreshInterval))
	} else if c.RefreshInterval > 24*time.Hour {
		errors = append(errors, fmt.Sprintf("invalid refresh interval %v: must be at most 24 hours", c.RefreshInterval))
	}
	if c.NotificationRetention < time.Hour {
		errors = append(errors, fmt.Sprintf("invalid notification retention %v: must be at least 1 hour", c.NotificationRetention))
	}

	if c.CacheSize < 0 || c.CacheSize > 100000 {
		errors = append(errors, fmt.Sprintf("invalid cache size %d: must be between 0 and 100000", c.CacheSize))
	}
	if c.CacheSize > 0 && c.CacheTTL <= 0 {
		errors = append(errors, fmt.Sprintf("invalid cache TTL %v: must be positive", c.CacheTTL))
	}
	if c.NotificationLimit < 1 || c.NotificationLimit > 1000 {
		errors = append(errors, fmt.Sprintf("invalid notification limit %d: must be between 1 and 1000", c.NotificationLimit))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errors = append(errors, err.Error())
	}
	if f := strings.ToLower(c.LogFormat); f != "text" && f != "json" {
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be 'text' or 'json'", c.LogFormat))
	}

	// Return combined errors
	if len(errors) > 0 {
		slices.Sort(errors)
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// Policy returns the aggregation policy. Invalid sources, rejected by
// Validate, fall back to children.
func (c *Config) Policy() budget.Policy {
	account, _ := budget.ParseActualSource(c.AccountActualSource)
	sub, _ := budget.ParseActualSource(c.SubAccountActualSource)
	p := budget.Policy{Account: account, SubAccount: sub}
	if p.Account == "" {
		p.Account = budget.ActualFromChildren
	}
	if p.SubAccount == "" {
		p.SubAccount = budget.ActualFromChildren
	}
	return p
}

// LogConfig returns the logger configuration for component.
func (c *Config) LogConfig(component string) log.Config {
	cfg := log.DefaultConfig()
	if level, err := log.ParseLevel(c.LogLevel); err == nil {
		cfg.Level = level
	}
	cfg.Format = strings.ToLower(c.LogFormat)
	cfg.Component = component
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
