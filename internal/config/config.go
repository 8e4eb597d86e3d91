// Package config holds the single Config value threaded through every
// component constructor. There is no package-level mutable configuration
// anywhere in this module (Design Notes: "process-wide mutable
// configuration singletons" is one of the patterns the source needed
// re-architected away from) — re-configuration means building a new
// component with a new Config, matching how the teacher threads
// scheduler.SchedulerConfig through NewScheduler rather than reading
// globals from inside the scheduling loop.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/relayforge/taskmesh/internal/coordinator"
)

// Config holds every tunable named in the spec's configuration section,
// with the spec's own defaults.
type Config struct {
	WorkerCount int

	MaxRetries int

	BackoffBase time.Duration
	BackoffMax  time.Duration

	RequestTimeout time.Duration

	DedupTTL         time.Duration
	FollowerTimeout  time.Duration
	ReservationTTL   time.Duration
	ProbeInterval    time.Duration
	CatchUpWindow    time.Duration

	LoadBalancingStrategy coordinator.Strategy

	DedupShardCount int
}

// Default returns the spec's documented defaults.
func Default() Config {
	return Config{
		WorkerCount:           4,
		MaxRetries:            3,
		BackoffBase:           1 * time.Second,
		BackoffMax:            60 * time.Second,
		RequestTimeout:        120 * time.Second,
		DedupTTL:              time.Hour,
		FollowerTimeout:       5 * time.Minute,
		ReservationTTL:        60 * time.Second,
		ProbeInterval:         30 * time.Second,
		CatchUpWindow:         time.Hour,
		LoadBalancingStrategy: coordinator.RoundRobin,
		DedupShardCount:       32,
	}
}

// FromEnv overlays environment variables onto the defaults, using the
// teacher's own os.Getenv + manual-parse idiom (control_plane/main.go)
// rather than introducing a config/flag library for a component that has
// no CLI surface of its own.
func FromEnv() Config {
	cfg := Default()

	if v := os.Getenv("TASKMESH_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 {
			cfg.WorkerCount = n
		}
	}
	if v := os.Getenv("TASKMESH_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRetries = n
		}
	}
	if v := os.Getenv("TASKMESH_BACKOFF_BASE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BackoffBase = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("TASKMESH_BACKOFF_MAX_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BackoffMax = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("TASKMESH_REQUEST_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RequestTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("TASKMESH_STRATEGY"); v != "" {
		cfg.LoadBalancingStrategy = coordinator.Strategy(v)
	}

	return cfg
}

// Validate reports a configuration error before any component is built,
// rather than letting a zero worker count or inverted backoff bounds
// surface as a confusing runtime hang.
func (c Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("config: worker-count must be >= 1, got %d", c.WorkerCount)
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("config: backoff-base must be positive and <= backoff-max")
	}
	switch c.LoadBalancingStrategy {
	case coordinator.RoundRobin, coordinator.LeastLoaded, coordinator.FastestResponse,
		coordinator.PriorityBased, coordinator.CapabilityBased:
	default:
		return fmt.Errorf("config: unknown load-balancing-strategy %q", c.LoadBalancingStrategy)
	}
	return nil
}
