package streambus

import (
	"fmt"
	"os"
	"time"
)

// Config tunes the bus engine. Store connection settings live with the store adapter.
type Config struct {
	// ServiceName names the consumer group on every subject stream.
	ServiceName string
	// Consumer identifies this reader inside the group. Instances sharing a
	// ServiceName but differing in Consumer compete for entries.
	Consumer string

	DeadLetterSubject string
	// GroupStart is the position a newly created group starts from ("0" or "$").
	GroupStart string
	BatchSize  int

	// Dispatch pool
	Concurrency int
	QueueSize   int
	AckTimeout  time.Duration

	// Scheduler
	DisableScheduler bool
	PollInterval     time.Duration
	LockTTL          time.Duration
	ScheduleBatch    int
	CronWindow       time.Duration

	ReplyTimeout time.Duration

	// Reader recovery
	MaxConsecutiveErrors int
	Backstop             time.Duration
	ClaimMinIdle         time.Duration
	ClaimInterval        time.Duration
	ClaimBatch           int
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "streambus"
	}
	service := "streambus"

	return Config{
		ServiceName:          service,
		Consumer:             fmt.Sprintf("%s-%s-%d", service, hostname, os.Getpid()),
		DeadLetterSubject:    DefaultDeadLetterSubject,
		GroupStart:           "0",
		BatchSize:            128,
		Concurrency:          8,
		QueueSize:            256,
		AckTimeout:           5 * time.Second,
		PollInterval:         3 * time.Second,
		LockTTL:              10 * time.Second,
		ScheduleBatch:        100,
		CronWindow:           10 * time.Minute,
		ReplyTimeout:         30 * time.Second,
		MaxConsecutiveErrors: 10,
		ClaimInterval:        15 * time.Second,
		ClaimBatch:           128,
	}
}

// ForService returns Defaults with the service name and consumer identity set for name.
func ForService(name string) Config {
	c := Defaults()
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "streambus"
	}
	c.ServiceName = name
	c.Consumer = fmt.Sprintf("%s-%s-%d", name, hostname, os.Getpid())
	return c
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("config: service_name required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.DeadLetterSubject == "" {
		return fmt.Errorf("config: dead_letter_subject required")
	}
	if c.GroupStart == "" {
		return fmt.Errorf("config: group_start required")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("config: queue_size must be >= 1, got %d", c.QueueSize)
	}
	if !c.DisableScheduler {
		if c.PollInterval <= 0 {
			return fmt.Errorf("config: poll_interval must be > 0, got %v", c.PollInterval)
		}
		if c.LockTTL <= 0 {
			return fmt.Errorf("config: lock_ttl must be > 0, got %v", c.LockTTL)
		}
		if c.ScheduleBatch < 1 {
			return fmt.Errorf("config: schedule_batch must be >= 1, got %d", c.ScheduleBatch)
		}
	}
	if c.ReplyTimeout <= 0 {
		return fmt.Errorf("config: reply_timeout must be > 0, got %v", c.ReplyTimeout)
	}
	if c.MaxConsecutiveErrors < 1 {
		return fmt.Errorf("config: max_consecutive_errors must be >= 1, got %d", c.MaxConsecutiveErrors)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	return nil
}
