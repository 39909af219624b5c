package redisstream

import (
	"fmt"
	"time"
)

// Config for the Redis store with production-grade settings.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string
	PoolSize      int
	MinIdleConns  int
	DialTimeout   time.Duration

	// Stream management
	MaxLenApprox int64
	// CronHistoryLen caps each Cron:ExecutionHistory:<name> stream.
	CronHistoryLen int64
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	return Config{
		Addr:           "127.0.0.1:6379",
		DB:             0,
		TLS:            false,
		PoolSize:       10,
		MinIdleConns:   5,
		DialTimeout:    5 * time.Second,
		CronHistoryLen: 100,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.DB < 0 {
		return fmt.Errorf("config: db must be >= 0, got %d", c.DB)
	}
	if c.PoolSize < 1 {
		return fmt.Errorf("config: pool_size must be >= 1, got %d", c.PoolSize)
	}
	if c.MaxLenApprox < 0 {
		return fmt.Errorf("config: max_len_approx must be >= 0, got %d", c.MaxLenApprox)
	}
	if c.CronHistoryLen < 1 {
		return fmt.Errorf("config: cron_history_len must be >= 1, got %d", c.CronHistoryLen)
	}
	return nil
}

// toMap converts Config to generic map for the store factory.
func (c Config) toMap() map[string]any {
	return map[string]any{
		"addr":             c.Addr,
		"username":         c.Username,
		"password":         c.Password,
		"db":               c.DB,
		"tls":              c.TLS,
		"tls_server_name":  c.TLSServerName,
		"pool_size":        c.PoolSize,
		"min_idle_conns":   c.MinIdleConns,
		"dial_timeout":     c.DialTimeout,
		"max_len_approx":   c.MaxLenApprox,
		"cron_history_len": c.CronHistoryLen,
	}
}

// ConfigFromMap safely converts generic map to Config with defaults.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	if v, ok := m["addr"].(string); ok && v != "" {
		c.Addr = v
	}
	if v, ok := m["username"].(string); ok {
		c.Username = v
	}
	if v, ok := m["password"].(string); ok {
		c.Password = v
	}
	if v, ok := getInt(m, "db"); ok {
		c.DB = v
	}
	if v, ok := m["tls"].(bool); ok {
		c.TLS = v
	}
	if v, ok := m["tls_server_name"].(string); ok {
		c.TLSServerName = v
	}
	if v, ok := getInt(m, "pool_size"); ok && v > 0 {
		c.PoolSize = v
	}
	if v, ok := getInt(m, "min_idle_conns"); ok && v >= 0 {
		c.MinIdleConns = v
	}
	if v, ok := getDur(m, "dial_timeout"); ok && v > 0 {
		c.DialTimeout = v
	}
	if v, ok := getInt(m, "max_len_approx"); ok && v > 0 {
		c.MaxLenApprox = int64(v)
	}
	if v, ok := getInt(m, "cron_history_len"); ok && v > 0 {
		c.CronHistoryLen = int64(v)
	}

	return c
}

func getInt(m map[string]any, k string) (int, bool) {
	switch v := m[k].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func getDur(m map[string]any, k string) (time.Duration, bool) {
	switch v := m[k].(type) {
	case time.Duration:
		return v, true
	case string:
		if p, err := time.ParseDuration(v); err == nil {
			return p, true
		}
	case float64:
		return time.Duration(v), true
	}
	return 0, false
}
