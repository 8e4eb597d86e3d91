// Package dedup implements the result dedup cache: concurrent
// submissions with the same Fingerprint share one in-flight attempt and
// one published result. Sharded-by-hash layout and the
// claim/follow/publish shape are grounded on the teacher's
// idempotency.Store (Redis-backed with in-memory fallback) combined
// with scheduler.ThreadSafeQueue.PushDelayed's time.AfterFunc idiom for
// TTL expiry.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/relayforge/taskmesh/internal/clock"
	"github.com/relayforge/taskmesh/internal/model"
)

// Outcome is what a follower eventually receives once the claimant
// publishes a result.
type Outcome struct {
	Result map[string]interface{}
	Err    string
}

type slot struct {
	mu sync.Mutex

	published bool
	entry     model.CacheEntry

	followers []chan Outcome
}

// Cache is a sharded, in-process dedup cache keyed by
// model.Fingerprint. It does not itself talk to Redis/Postgres; a
// caller wanting cross-process dedup layers a Backend read-through on
// top (symmetric with quota.Backend), which this module's default
// configuration omits since the spec scopes dedup to a single
// processor instance's lifetime.
type Cache struct {
	shards     []map[model.Fingerprint]*slot
	shardMu    []sync.Mutex
	shardCount int

	clock clock.Clock
	ttl   time.Duration
}

// New constructs a Cache with shardCount shards (spec default 32) and
// the given result TTL.
func New(shardCount int, ttl time.Duration, c clock.Clock) *Cache {
	if shardCount <= 0 {
		shardCount = 32
	}
	if c == nil {
		c = clock.Real
	}
	cache := &Cache{
		shards:     make([]map[model.Fingerprint]*slot, shardCount),
		shardMu:    make([]sync.Mutex, shardCount),
		shardCount: shardCount,
		clock:      c,
		ttl:        ttl,
	}
	for i := range cache.shards {
		cache.shards[i] = make(map[model.Fingerprint]*slot)
	}
	return cache
}

func (c *Cache) shardFor(fp model.Fingerprint) (map[model.Fingerprint]*slot, *sync.Mutex) {
	idx := fp.Shard(c.shardCount)
	return c.shards[idx], &c.shardMu[idx]
}

// Role reports which of the three GetOrClaim outcomes a caller landed
// in.
type Role int

const (
	// RoleClaimant means the caller must execute the task and call
	// Publish (or Abandon) when done.
	RoleClaimant Role = iota
	// RoleFollowerHit means a published, unexpired result already
	// exists and was returned immediately.
	RoleFollowerHit
	// RoleFollowerWait means another goroutine is in flight; the
	// caller must wait on the returned channel.
	RoleFollowerWait
)

// GetOrClaim is the three-way branch at the center of the dedup cache:
// the first caller for a Fingerprint becomes the claimant and must run
// the task; later callers either get an immediate cache hit or block on
// a follower channel until the claimant publishes.
func (c *Cache) GetOrClaim(fp model.Fingerprint) (Role, model.CacheEntry, <-chan Outcome) {
	shard, mu := c.shardFor(fp)
	mu.Lock()
	s, exists := shard[fp]
	if !exists {
		s = &slot{}
		shard[fp] = s
		mu.Unlock()
		return RoleClaimant, model.CacheEntry{}, nil
	}
	mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.published {
		if !s.entry.Expired(c.clock.Now()) {
			return RoleFollowerHit, s.entry, nil
		}
		// Expired: this caller becomes the new claimant.
		s.published = false
		s.entry = model.CacheEntry{}
		return RoleClaimant, model.CacheEntry{}, nil
	}
	ch := make(chan Outcome, 1)
	s.followers = append(s.followers, ch)
	return RoleFollowerWait, model.CacheEntry{}, ch
}

// Await blocks until ch delivers an Outcome or ctx is done (the
// follower-timeout deadline the caller set on ctx).
func Await(ctx context.Context, ch <-chan Outcome) (Outcome, bool) {
	select {
	case out, ok := <-ch:
		return out, ok
	case <-ctx.Done():
		return Outcome{}, false
	}
}

// Publish records the claimant's result, wakes every waiting follower,
// and schedules the entry's expiry via time.AfterFunc (the same
// non-blocking-delay idiom as the teacher's PushDelayed).
func (c *Cache) Publish(fp model.Fingerprint, result map[string]interface{}, errStr string) {
	shard, mu := c.shardFor(fp)
	mu.Lock()
	s, exists := shard[fp]
	if !exists {
		s = &slot{}
		shard[fp] = s
	}
	mu.Unlock()

	now := c.clock.Now()
	entry := model.CacheEntry{
		Fingerprint: fp,
		Result:      result,
		Err:         errStr,
		PublishedAt: now,
		ExpiresAt:   now.Add(c.ttl),
	}

	s.mu.Lock()
	s.published = true
	s.entry = entry
	followers := s.followers
	s.followers = nil
	s.mu.Unlock()

	out := Outcome{Result: result, Err: errStr}
	for _, ch := range followers {
		ch <- out
		close(ch)
	}

	if c.ttl > 0 {
		time.AfterFunc(c.ttl, func() {
			c.evictIfExpired(fp)
		})
	}
}

// Abandon releases a claim without publishing a result, e.g. because
// the claimant's attempt failed or was cancelled. Every waiting
// follower's channel is closed without a value, so its Await reports
// false and the Task Processor re-queues that follower as a fresh task;
// the first caller to reach GetOrClaim again wins the new claim.
func (c *Cache) Abandon(fp model.Fingerprint) {
	shard, mu := c.shardFor(fp)
	mu.Lock()
	s, ok := shard[fp]
	delete(shard, fp)
	mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	followers := s.followers
	s.followers = nil
	s.mu.Unlock()
	for _, ch := range followers {
		close(ch)
	}
}

func (c *Cache) evictIfExpired(fp model.Fingerprint) {
	shard, mu := c.shardFor(fp)
	mu.Lock()
	defer mu.Unlock()
	s, ok := shard[fp]
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.published && s.entry.Expired(c.clock.Now()) {
		delete(shard, fp)
	}
}
