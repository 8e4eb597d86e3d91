package coordination

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// EpochReader is the narrow read side of EpochStore the janitor needs.
type EpochReader interface {
	GetDurableEpoch(ctx context.Context, resourceID string) (int64, error)
}

// LockJanitor periodically sweeps the cron lease for staleness or
// fencing, adapted near-verbatim from the teacher's
// coordination.LockJanitor: fenced (epoch behind current) or physically
// stale (past ExpiresAt) leases are force-released so a crashed leader
// can't wedge cron firing indefinitely.
type LockJanitor struct {
	coordinator Coordinator
	epochs      EpochReader
	interval    time.Duration
}

// NewLockJanitor constructs a LockJanitor sweeping every interval.
func NewLockJanitor(c Coordinator, epochs EpochReader, interval time.Duration) *LockJanitor {
	return &LockJanitor{coordinator: c, epochs: epochs, interval: interval}
}

// Start launches the background sweep loop.
func (j *LockJanitor) Start(ctx context.Context) {
	go j.loop(ctx)
}

func (j *LockJanitor) loop(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.clean(ctx)
		}
	}
}

func (j *LockJanitor) clean(ctx context.Context) {
	currentEpoch, err := j.epochs.GetDurableEpoch(ctx, cronEpochResource)
	if err != nil {
		log.Printf("[COORDINATION] janitor: failed to read durable epoch: %v", err)
		return
	}

	keys, err := j.coordinator.ScanLocks(ctx, "taskmesh:lock:*")
	if err != nil {
		log.Printf("[COORDINATION] janitor: scan failed: %v", err)
		return
	}

	for _, key := range keys {
		val, err := j.coordinator.GetLockOwner(ctx, key)
		if err != nil || val == "" {
			continue
		}

		var meta LeaseMetadata
		if err := json.Unmarshal([]byte(val), &meta); err != nil {
			log.Printf("[COORDINATION] janitor: failed to unmarshal lease %s: %v", key, err)
			continue
		}

		if meta.Epoch < currentEpoch {
			log.Printf("[COORDINATION] janitor: fencing lease %s (epoch %d < current %d)", key, meta.Epoch, currentEpoch)
			_ = j.coordinator.ReleaseLease(ctx, key, val)
			continue
		}

		if time.Now().After(meta.ExpiresAt.Add(5 * time.Second)) {
			log.Printf("[COORDINATION] janitor: reclaiming stale lease %s (expired at %s)", key, meta.ExpiresAt)
			_ = j.coordinator.ReleaseLease(ctx, key, val)
		}
	}
}
