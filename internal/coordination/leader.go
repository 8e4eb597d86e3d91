package coordination

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/relayforge/taskmesh/internal/clock"
)

// EpochStore is the durable fencing-epoch source, satisfied by
// store.Store. Declared narrowly here rather than importing the store
// package's full interface, so coordination doesn't need to know about
// Tasks or Workflows at all.
type EpochStore interface {
	IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error)
}

// LeaseMetadata is the JSON value stored at the lease key, adapted
// from the teacher's LockMetadata.
type LeaseMetadata struct {
	OwnerID   string    `json:"owner_id"`
	Epoch     int64     `json:"epoch"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

const cronLeaseKey = "taskmesh:lock:cron-leader"
const cronEpochResource = "cron_leader_election"

// LeaderElector decides which process is allowed to fire cron-scheduled
// workflows, adapted from the teacher's coordination.LeaderElector:
// same acquire/renew/step-down loop with exponential backoff on error,
// same Redis-lease-plus-Postgres-durable-epoch design for fencing.
type LeaderElector struct {
	coordinator Coordinator
	epochs      EpochStore
	ownerID     string
	ttl         time.Duration
	clock       clock.Clock

	mu           sync.RWMutex
	isLeader     bool
	currentValue string
	currentEpoch int64

	leaderCtx    context.Context
	leaderCancel context.CancelFunc

	onElected func(context.Context)
	onLost    func()

	cancel context.CancelFunc
}

// NewLeaderElector constructs a LeaderElector. ownerID should be
// unique per process (hostname+pid is typical).
func NewLeaderElector(c Coordinator, epochs EpochStore, ownerID string, ttl time.Duration, clk clock.Clock) *LeaderElector {
	if clk == nil {
		clk = clock.Real
	}
	return &LeaderElector{coordinator: c, epochs: epochs, ownerID: ownerID, ttl: ttl, clock: clk}
}

// SetCallbacks installs the functions invoked on acquiring/losing
// leadership.
func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

// Start launches the election loop.
func (l *LeaderElector) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go l.loop(runCtx)
}

// Stop halts the election loop and releases any held lease.
func (l *LeaderElector) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.IsLeader() {
		l.release()
	}
}

// IsLeader reports whether this process currently holds cron
// leadership.
func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

func (l *LeaderElector) loop(ctx context.Context) {
	interval := l.ttl / 3
	minInterval := l.ttl / 3
	maxInterval := 10 * l.ttl

	renewFailures := 0
	const maxRenewFailures = 3

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if l.IsLeader() {
				l.release()
			}
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						l.stepDown()
					}
				} else {
					renewFailures++
					log.Printf("[COORDINATION] cron leader renew failed (%d/%d): %v", renewFailures, maxRenewFailures, err)
					if renewFailures >= maxRenewFailures {
						log.Printf("[COORDINATION] too many renew failures, stepping down")
						l.stepDown()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	epoch, err := l.epochs.IncrementDurableEpoch(ctx, cronEpochResource)
	if err != nil {
		return false, err
	}
	l.mu.Lock()
	l.currentEpoch = epoch
	l.mu.Unlock()

	now := l.clock.Now()
	meta := LeaseMetadata{OwnerID: l.ownerID, Epoch: epoch, CreatedAt: now, ExpiresAt: now.Add(l.ttl)}
	buf, _ := json.Marshal(meta)
	val := string(buf)

	acquired, err := l.coordinator.AcquireLease(ctx, cronLeaseKey, val, l.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		l.mu.Lock()
		l.currentValue = val
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return false, nil
	}
	return l.coordinator.RenewLease(ctx, cronLeaseKey, val, l.ttl)
}

func (l *LeaderElector) release() {
	l.mu.RLock()
	val := l.currentValue
	l.mu.RUnlock()
	if val == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = l.coordinator.ReleaseLease(ctx, cronLeaseKey, val)
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.leaderCtx = ctx
	epoch := l.currentEpoch
	l.mu.Unlock()

	log.Printf("[COORDINATION] acquired cron leadership (owner=%s epoch=%d)", l.ownerID, epoch)
	if l.onElected != nil {
		go l.onElected(l.leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	log.Printf("[COORDINATION] lost cron leadership (owner=%s)", l.ownerID)
	if l.onLost != nil {
		l.onLost()
	}
}
