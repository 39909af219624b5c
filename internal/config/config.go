// Package config loads the streambus CLI configuration from .env files and the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/trickstertwo/streambus"
	"github.com/trickstertwo/streambus/adapter/redisstream"
)

// DefaultEnvFiles are read in order when present. Variables already set win.
var DefaultEnvFiles = []string{".env", ".env.local"}

type RedisOptions struct {
	Addr           string        `env:"ADDR" envDefault:"localhost:6379"`
	Username       string        `env:"USERNAME"`
	Password       string        `env:"PASSWORD"`
	DB             int           `env:"DB" envDefault:"0"`
	TLS            bool          `env:"TLS" envDefault:"false"`
	TLSServerName  string        `env:"TLS_SERVER_NAME"`
	PoolSize       int           `env:"POOL_SIZE" envDefault:"10"`
	DialTimeout    time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	MaxLenApprox   int64         `env:"MAX_LEN_APPROX" envDefault:"0"`
	CronHistoryLen int64         `env:"CRON_HISTORY_LEN" envDefault:"100"`
}

type BusOptions struct {
	Service           string        `env:"SERVICE" envDefault:"streambus"`
	Consumer          string        `env:"CONSUMER"`
	Codec             string        `env:"CODEC" envDefault:"json"`
	DeadLetterSubject string        `env:"DEAD_LETTER_SUBJECT" envDefault:"DEAD_LETTER"`
	Concurrency       int           `env:"CONCURRENCY" envDefault:"8"`
	QueueSize         int           `env:"QUEUE_SIZE" envDefault:"256"`
	BatchSize         int           `env:"BATCH_SIZE" envDefault:"128"`
	DisableScheduler  bool          `env:"DISABLE_SCHEDULER" envDefault:"false"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"3s"`
	LockTTL           time.Duration `env:"LOCK_TTL" envDefault:"10s"`
	ReplyTimeout      time.Duration `env:"REPLY_TIMEOUT" envDefault:"30s"`
	Backstop          time.Duration `env:"BACKSTOP" envDefault:"0s"`
	ClaimMinIdle      time.Duration `env:"CLAIM_MIN_IDLE" envDefault:"0s"`
}

type Configuration struct {
	// Store selects the store adapter: redis-streams or memory.
	Store       string `env:"STREAMBUS_STORE" envDefault:"redis-streams"`
	LogDebug    bool   `env:"STREAMBUS_LOG_DEBUG" envDefault:"false"`
	LogJSON     bool   `env:"STREAMBUS_LOG_JSON" envDefault:"false"`
	MetricsAddr string `env:"STREAMBUS_METRICS_ADDR"`

	Redis RedisOptions `envPrefix:"STREAMBUS_REDIS_"`
	Bus   BusOptions   `envPrefix:"STREAMBUS_"`
}

// LoadEnv loads the env files that exist and reports how many were read.
func LoadEnv(envFiles []string) (int, error) {
	existing := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

// Load reads envFiles (DefaultEnvFiles when none are given) and parses the environment.
func Load(envFiles ...string) (*Configuration, error) {
	if len(envFiles) == 0 {
		envFiles = DefaultEnvFiles
	}
	if _, err := LoadEnv(envFiles); err != nil {
		return nil, fmt.Errorf("config: load env files: %w", err)
	}
	c := &Configuration{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	return c, nil
}

// BusConfig maps the bus options onto the engine configuration.
func (c *Configuration) BusConfig() streambus.Config {
	bc := streambus.ForService(c.Bus.Service)
	if c.Bus.Consumer != "" {
		bc.Consumer = c.Bus.Consumer
	}
	bc.DeadLetterSubject = c.Bus.DeadLetterSubject
	bc.Concurrency = c.Bus.Concurrency
	bc.QueueSize = c.Bus.QueueSize
	bc.BatchSize = c.Bus.BatchSize
	bc.DisableScheduler = c.Bus.DisableScheduler
	bc.PollInterval = c.Bus.PollInterval
	bc.LockTTL = c.Bus.LockTTL
	bc.ReplyTimeout = c.Bus.ReplyTimeout
	bc.Backstop = c.Bus.Backstop
	bc.ClaimMinIdle = c.Bus.ClaimMinIdle
	return bc
}

// RedisConfig maps the redis options onto the adapter configuration.
func (c *Configuration) RedisConfig() redisstream.Config {
	rc := redisstream.Defaults()
	rc.Addr = c.Redis.Addr
	rc.Username = c.Redis.Username
	rc.Password = c.Redis.Password
	rc.DB = c.Redis.DB
	rc.TLS = c.Redis.TLS
	rc.TLSServerName = c.Redis.TLSServerName
	rc.PoolSize = c.Redis.PoolSize
	rc.DialTimeout = c.Redis.DialTimeout
	rc.MaxLenApprox = c.Redis.MaxLenApprox
	rc.CronHistoryLen = c.Redis.CronHistoryLen
	return rc
}
