// Package provider implements the Provider Registry: the health state
// machine and background prober loop are adapted from the teacher's
// coordination/agent_monitor.go (periodic ticker sweep marking stale
// agents offline), repurposed here from "mark agent offline" to "track
// consecutive failures and re-probe an unhealthy provider".
package provider

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/relayforge/taskmesh/internal/apperrors"
	"github.com/relayforge/taskmesh/internal/clock"
	"github.com/relayforge/taskmesh/internal/model"
)

const (
	degradedThreshold  = 3
	unhealthyThreshold = 5
	latencyRingSize    = 50
)

// Prober is implemented by anything that can issue a lightweight health
// check against a Provider. Provider adapters implement this alongside
// the Execute contract.
type Prober interface {
	Probe(ctx context.Context) error
}

// entry is one Provider's registry record: the public model.Provider
// plus the bookkeeping the registry itself needs (breaker, latency
// ring) that isn't part of the shared model type.
type entry struct {
	mu sync.Mutex

	provider model.Provider
	prober   Prober

	breaker *gobreaker.CircuitBreaker

	latencies    [latencyRingSize]time.Duration
	latencyCount int
	latencyNext  int
}

func (e *entry) recordLatency(d time.Duration) {
	e.latencies[e.latencyNext] = d
	e.latencyNext = (e.latencyNext + 1) % latencyRingSize
	if e.latencyCount < latencyRingSize {
		e.latencyCount++
	}
}

func (e *entry) avgLatency() time.Duration {
	if e.latencyCount == 0 {
		return 0
	}
	var total time.Duration
	for i := 0; i < e.latencyCount; i++ {
		total += e.latencies[i]
	}
	return total / time.Duration(e.latencyCount)
}

// Registry holds every known Provider and drives its health state.
// Reads (List/Get) take an RLock; the Processor calls List once per
// attempt and the Coordinator operates on that returned copy rather
// than holding the registry lock across a selection decision.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	clock clock.Clock

	probeInterval time.Duration
	stop          chan struct{}
	wg            sync.WaitGroup
}

// New constructs an empty Registry. probeInterval governs how often the
// background prober re-checks providers that are Degraded or Unhealthy.
func New(probeInterval time.Duration, c clock.Clock) *Registry {
	if c == nil {
		c = clock.Real
	}
	return &Registry{
		entries:       make(map[string]*entry),
		clock:         c,
		probeInterval: probeInterval,
		stop:          make(chan struct{}),
	}
}

// Register installs a new Provider. It fails with apperrors.AlreadyExists
// on a duplicate id, per spec.md §4.1: re-registration is not supported,
// callers must Deregister first.
func (r *Registry) Register(p model.Provider, prober Prober) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[p.ID]; ok {
		return apperrors.New(apperrors.AlreadyExists, "provider already registered: "+p.ID)
	}

	if p.Health.State == "" {
		p.Health.State = model.HealthHealthy
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        p.ID,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= unhealthyThreshold
		},
	})

	r.entries[p.ID] = &entry{
		provider: p,
		prober:   prober,
		breaker:  breaker,
	}
	return nil
}

// Deregister removes a Provider from the registry entirely.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Get returns a snapshot copy of one Provider's current state.
func (r *Registry) Get(id string) (model.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return model.Provider{}, false
	}
	p := e.provider
	p.Health.AvgLatencyMS = float64(e.avgLatency().Milliseconds())
	return p, true
}

// List returns a snapshot copy of every registered Provider, suitable
// for the Coordinator's Select pipeline to filter and score without
// touching the registry's internal locks.
func (r *Registry) List() []model.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Provider, 0, len(r.entries))
	for _, e := range r.entries {
		p := e.provider
		p.Health.AvgLatencyMS = float64(e.avgLatency().Milliseconds())
		out = append(out, p)
	}
	return out
}

// Observe records the outcome of a real attempt against a Provider,
// advancing its health state machine: three consecutive failures moves
// Healthy -> Degraded, five moves to Unhealthy; any success resets the
// counter and returns the Provider to Healthy.
func (r *Registry) Observe(id string, success bool, latency time.Duration) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.recordLatency(latency)
	e.provider.Health.LastCheckAt = r.clock.Now()

	if success {
		e.provider.Health.ConsecutiveFailures = 0
		e.provider.Health.State = model.HealthHealthy
		return
	}

	e.provider.Health.ConsecutiveFailures++
	switch {
	case e.provider.Health.ConsecutiveFailures >= unhealthyThreshold:
		e.provider.Health.State = model.HealthUnhealthy
	case e.provider.Health.ConsecutiveFailures >= degradedThreshold:
		e.provider.Health.State = model.HealthDegraded
	}
}

// Execute runs fn through the Provider's supplementary gobreaker
// circuit, which trips independently of the registry's own health
// state and is consulted only as an extra admission signal — it never
// overrides Observe's consecutive-failure state machine.
func (r *Registry) Execute(id string, fn func() error) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return apperrors.New(apperrors.NotFound, "provider not registered: "+id)
	}
	_, err := e.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// Probe issues an active health check against one Provider, if it has
// a Prober installed.
func (r *Registry) Probe(ctx context.Context, id string) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok || e.prober == nil {
		return nil
	}
	start := r.clock.Now()
	err := e.prober.Probe(ctx)
	r.Observe(id, err == nil, r.clock.Now().Sub(start))
	return err
}

// StartProber launches the background loop that re-probes any
// Degraded or Unhealthy provider on probeInterval, adapted from
// agent_monitor.go's ticker sweep.
func (r *Registry) StartProber(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.probeInterval)
		defer ticker.Stop()
		log.Printf("[PROVIDER] starting background prober (interval=%v)", r.probeInterval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.probeUnhealthy(ctx)
			}
		}
	}()
}

func (r *Registry) probeUnhealthy(ctx context.Context) {
	for _, p := range r.List() {
		if p.Health.State == model.HealthHealthy {
			continue
		}
		if err := r.Probe(ctx, p.ID); err != nil {
			log.Printf("[PROVIDER] probe failed for %s: %v", p.ID, err)
		} else {
			log.Printf("[PROVIDER] probe recovered %s", p.ID)
		}
	}
}

// Stop halts the background prober loop.
func (r *Registry) Stop() {
	close(r.stop)
	r.wg.Wait()
}
