package processor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relayforge/taskmesh/internal/apperrors"
	"github.com/relayforge/taskmesh/internal/clock"
	"github.com/relayforge/taskmesh/internal/coordinator"
	"github.com/relayforge/taskmesh/internal/dedup"
	"github.com/relayforge/taskmesh/internal/model"
	"github.com/relayforge/taskmesh/internal/provider"
	"github.com/relayforge/taskmesh/internal/queue"
	"github.com/relayforge/taskmesh/internal/quota"
	"github.com/relayforge/taskmesh/internal/store"
)

// scriptedProvider returns a canned sequence of outcomes from Execute,
// repeating the final entry once exhausted, and counts invocations.
type scriptedProvider struct {
	mu       sync.Mutex
	id       string
	outcomes []func(model.Task) (provider.Result, error)
	calls    int32
	caps     model.Capabilities
}

func (p *scriptedProvider) Execute(ctx context.Context, task model.Task) (provider.Result, error) {
	n := atomic.AddInt32(&p.calls, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := int(n) - 1
	if idx >= len(p.outcomes) {
		idx = len(p.outcomes) - 1
	}
	return p.outcomes[idx](task)
}

func (p *scriptedProvider) ExecuteBatch(ctx context.Context, tasks []model.Task) ([]provider.Result, error) {
	out := make([]provider.Result, len(tasks))
	for i, t := range tasks {
		res, err := p.Execute(ctx, t)
		out[i] = provider.Result{Output: res.Output, Err: err}
	}
	return out, nil
}

func (p *scriptedProvider) Capabilities() model.Capabilities { return p.caps }
func (p *scriptedProvider) EstimateCost(model.Task) float64  { return 1 }
func (p *scriptedProvider) Probe(ctx context.Context) error  { return nil }

func (p *scriptedProvider) invocations() int {
	return int(atomic.LoadInt32(&p.calls))
}

func always(output map[string]interface{}, err error) func(model.Task) (provider.Result, error) {
	return func(model.Task) (provider.Result, error) {
		return provider.Result{Output: output}, err
	}
}

// fakeRegistry is a stand-in for processor.Registry: it serves a fixed
// provider snapshot and runs Execute's callback with no circuit
// breaking, so tests isolate Pool behavior from Registry health logic.
type fakeRegistry struct {
	mu        sync.Mutex
	providers []model.Provider
	observed  []string
}

func (r *fakeRegistry) List() []model.Provider { return r.providers }

func (r *fakeRegistry) Observe(id string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observed = append(r.observed, id)
}

func (r *fakeRegistry) Execute(id string, fn func() error) error { return fn() }

type fakeProviders struct {
	byID map[string]provider.Provider
}

func (f *fakeProviders) Get(id string) (provider.Provider, bool) {
	p, ok := f.byID[id]
	return p, ok
}

func testCapability(kind model.TaskKind) model.Capabilities {
	return model.Capabilities{TaskKinds: []model.TaskKind{kind}}
}

func newTestPool(t *testing.T, providers []model.Provider, impls map[string]provider.Provider, c clock.Clock) (*Pool, *fakeRegistry, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	reg := &fakeRegistry{providers: providers}
	provs := &fakeProviders{byID: impls}
	coord := coordinator.New(coordinator.RoundRobin, nil, nil)
	ledger := quota.New(nil, c, time.Minute)
	for _, p := range providers {
		ledger.SetLimit(p.ID, "default", 1000, time.Hour)
	}
	dc := dedup.New(4, time.Hour, c)
	q := queue.New()

	pool := New(q, st, reg, provs, coord, ledger, dc, nil, func(model.Task) []string { return []string{"default"} }, c,
		Config{WorkerCount: 2, MaxRetries: 3, BackoffBase: time.Millisecond, BackoffMax: 10 * time.Millisecond, RequestTimeout: time.Second, FollowerTimeout: time.Second})
	return pool, reg, st
}

func waitForTerminal(t *testing.T, st *store.MemoryStore, taskID string, timeout time.Duration) *model.Task {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("unexpected store error: %v", err)
		}
		if task != nil && task.Status.Terminal() {
			return task
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal status within %s", taskID, timeout)
	return nil
}

func TestPool_SingleTaskHealthyProvider(t *testing.T) {
	p1 := model.Provider{ID: "p1", Capabilities: testCapability("code_review"), Health: model.Health{State: model.HealthHealthy}}
	impl := &scriptedProvider{id: "p1", caps: p1.Capabilities, outcomes: []func(model.Task) (provider.Result, error){
		always(map[string]interface{}{"ok": true}, nil),
	}}

	pool, _, st := newTestPool(t, []model.Provider{p1}, map[string]provider.Provider{"p1": impl}, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	task := model.Task{ID: clock.NewID(), Kind: "code_review", Priority: 5, CreatedAt: time.Now(), Status: model.TaskQueued}
	if err := st.CreateTask(context.Background(), &task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pool.Submit(task)

	final := waitForTerminal(t, st, task.ID, 2*time.Second)
	if final.Status != model.TaskSucceeded {
		t.Fatalf("expected Succeeded, got %s (err=%s)", final.Status, final.LastError)
	}
	if final.Attempts != 1 {
		t.Fatalf("expected attempts=1 on a first-try success (spec.md §8 scenario 1), got %d", final.Attempts)
	}
	if final.AssignedProviderID != "p1" {
		t.Fatalf("expected assigned provider p1, got %q", final.AssignedProviderID)
	}
	if impl.invocations() != 1 {
		t.Fatalf("expected exactly 1 provider invocation, got %d", impl.invocations())
	}
}

func TestPool_TransientFailureRetriesThenSucceeds(t *testing.T) {
	p1 := model.Provider{ID: "p1", Capabilities: testCapability("code_review"), Health: model.Health{State: model.HealthHealthy}}
	transient := func(model.Task) (provider.Result, error) {
		return provider.Result{}, apperrors.New(apperrors.ProviderTransport, "simulated transport failure")
	}
	impl := &scriptedProvider{id: "p1", caps: p1.Capabilities, outcomes: []func(model.Task) (provider.Result, error){
		transient, transient, always(map[string]interface{}{"ok": true}, nil),
	}}

	pool, _, st := newTestPool(t, []model.Provider{p1}, map[string]provider.Provider{"p1": impl}, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	task := model.Task{ID: clock.NewID(), Kind: "code_review", Priority: 5, CreatedAt: time.Now(), Status: model.TaskQueued}
	if err := st.CreateTask(context.Background(), &task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pool.Submit(task)

	final := waitForTerminal(t, st, task.ID, 2*time.Second)
	if final.Status != model.TaskSucceeded {
		t.Fatalf("expected eventual Succeeded, got %s (err=%s)", final.Status, final.LastError)
	}
	if final.Attempts != 3 {
		t.Fatalf("expected attempts=3 (two failed tries plus the succeeding one), got %d", final.Attempts)
	}
	if impl.invocations() != 3 {
		t.Fatalf("expected 3 provider invocations, got %d", impl.invocations())
	}
}

func TestPool_DeadLettersAfterMaxRetries(t *testing.T) {
	p1 := model.Provider{ID: "p1", Capabilities: testCapability("code_review"), Health: model.Health{State: model.HealthHealthy}}
	alwaysFails := func(model.Task) (provider.Result, error) {
		return provider.Result{}, apperrors.New(apperrors.ProviderTransport, "always fails")
	}
	impl := &scriptedProvider{id: "p1", caps: p1.Capabilities, outcomes: []func(model.Task) (provider.Result, error){alwaysFails}}

	pool, _, st := newTestPool(t, []model.Provider{p1}, map[string]provider.Provider{"p1": impl}, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	task := model.Task{ID: clock.NewID(), Kind: "code_review", Priority: 5, CreatedAt: time.Now(), Status: model.TaskQueued}
	if err := st.CreateTask(context.Background(), &task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pool.Submit(task)

	final := waitForTerminal(t, st, task.ID, 3*time.Second)
	if final.Status != model.TaskDeadLettered {
		t.Fatalf("expected DeadLettered, got %s", final.Status)
	}
	if final.Attempts > 3+1 {
		t.Fatalf("expected attempts <= max-retries+1, got %d", final.Attempts)
	}
}

func TestPool_QuotaDrivenFailover(t *testing.T) {
	p1 := model.Provider{ID: "p1", Capabilities: testCapability("code_review"), Health: model.Health{State: model.HealthHealthy}}
	p2 := model.Provider{ID: "p2", Capabilities: testCapability("code_review"), Health: model.Health{State: model.HealthHealthy}}
	impl1 := &scriptedProvider{id: "p1", caps: p1.Capabilities, outcomes: []func(model.Task) (provider.Result, error){always(map[string]interface{}{"via": "p1"}, nil)}}
	impl2 := &scriptedProvider{id: "p2", caps: p2.Capabilities, outcomes: []func(model.Task) (provider.Result, error){always(map[string]interface{}{"via": "p2"}, nil)}}

	pool, _, st := newTestPool(t, []model.Provider{p1, p2}, map[string]provider.Provider{"p1": impl1, "p2": impl2}, nil)
	// Exhaust p1's quota ahead of time (limit 1, one unit already used)
	// so the task cannot be served by p1 and must land on p2.
	pool.ledger.SetLimit("p1", "default", 1, time.Hour)
	tok, err := pool.ledger.TryReserve("p1", "default")
	if err != nil {
		t.Fatalf("unexpected error pre-consuming p1's quota: %v", err)
	}
	pool.ledger.Commit(tok)

	pool.Start(context.Background())
	defer pool.Stop()

	task := model.Task{ID: clock.NewID(), Kind: "code_review", Priority: 5, CreatedAt: time.Now(), Status: model.TaskQueued}
	if err := st.CreateTask(context.Background(), &task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pool.Submit(task)

	final := waitForTerminal(t, st, task.ID, 2*time.Second)
	if final.Status != model.TaskSucceeded {
		t.Fatalf("expected Succeeded via failover, got %s (err=%s)", final.Status, final.LastError)
	}
	if final.AssignedProviderID != "p2" {
		t.Fatalf("expected failover to p2, got %s", final.AssignedProviderID)
	}
	if impl1.invocations() != 0 {
		t.Fatalf("expected p1 to never be invoked once its quota is exhausted, got %d", impl1.invocations())
	}
}

func TestPool_RetryExcludesPreviouslyFailingProvider(t *testing.T) {
	p1 := model.Provider{ID: "p1", Priority: 1, Capabilities: testCapability("code_review"), Health: model.Health{State: model.HealthHealthy}}
	p2 := model.Provider{ID: "p2", Priority: 2, Capabilities: testCapability("code_review"), Health: model.Health{State: model.HealthHealthy}}
	failThenNever := func(model.Task) (provider.Result, error) {
		return provider.Result{}, apperrors.New(apperrors.ProviderTransport, "p1 always fails")
	}
	impl1 := &scriptedProvider{id: "p1", caps: p1.Capabilities, outcomes: []func(model.Task) (provider.Result, error){failThenNever}}
	impl2 := &scriptedProvider{id: "p2", caps: p2.Capabilities, outcomes: []func(model.Task) (provider.Result, error){always(map[string]interface{}{"via": "p2"}, nil)}}

	// Priority-based strategy so the first attempt deterministically
	// picks p1 (lower priority value) before the exclusion kicks in.
	st := store.NewMemoryStore()
	reg := &fakeRegistry{providers: []model.Provider{p1, p2}}
	provs := &fakeProviders{byID: map[string]provider.Provider{"p1": impl1, "p2": impl2}}
	coord := coordinator.New(coordinator.PriorityBased, nil, nil)
	ledger := quota.New(nil, nil, time.Minute)
	ledger.SetLimit("p1", "default", 1000, time.Hour)
	ledger.SetLimit("p2", "default", 1000, time.Hour)
	dc := dedup.New(4, time.Hour, nil)
	q := queue.New()
	pool := New(q, st, reg, provs, coord, ledger, dc, nil, func(model.Task) []string { return nil }, nil,
		Config{WorkerCount: 2, MaxRetries: 3, BackoffBase: time.Millisecond, BackoffMax: 5 * time.Millisecond, RequestTimeout: time.Second, FollowerTimeout: time.Second})

	pool.Start(context.Background())
	defer pool.Stop()

	task := model.Task{ID: clock.NewID(), Kind: "code_review", Priority: 5, CreatedAt: time.Now(), Status: model.TaskQueued}
	if err := st.CreateTask(context.Background(), &task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pool.Submit(task)

	final := waitForTerminal(t, st, task.ID, 2*time.Second)
	if final.Status != model.TaskSucceeded {
		t.Fatalf("expected eventual Succeeded on p2, got %s (err=%s)", final.Status, final.LastError)
	}
	if final.AssignedProviderID != "p2" {
		t.Fatalf("expected retry to land on p2 after p1's blacklist, got %s", final.AssignedProviderID)
	}
	if impl1.invocations() != 1 {
		t.Fatalf("expected exactly 1 invocation of the failing provider before it was excluded, got %d", impl1.invocations())
	}
}

func TestPool_DedupCollapsesIdenticalFingerprints(t *testing.T) {
	p1 := model.Provider{ID: "p1", Capabilities: testCapability("code_review"), Health: model.Health{State: model.HealthHealthy}}
	impl := &scriptedProvider{id: "p1", caps: p1.Capabilities, outcomes: []func(model.Task) (provider.Result, error){
		always(map[string]interface{}{"ok": true}, nil),
	}}

	pool, _, st := newTestPool(t, []model.Provider{p1}, map[string]provider.Provider{"p1": impl}, nil)
	pool.Start(context.Background())
	defer pool.Stop()

	const n = 5
	ids := make([]string, n)
	now := time.Now()
	for i := 0; i < n; i++ {
		task := model.Task{
			ID:        clock.NewID(),
			Kind:      "code_review",
			Payload:   map[string]interface{}{"prompt": "identical"},
			Priority:  5,
			CreatedAt: now,
			Status:    model.TaskQueued,
		}
		if err := st.CreateTask(context.Background(), &task); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids[i] = task.ID
		pool.Submit(task)
	}

	for _, id := range ids {
		final := waitForTerminal(t, st, id, 2*time.Second)
		if final.Status != model.TaskSucceeded {
			t.Fatalf("expected task %s to succeed via dedup collapse, got %s", id, final.Status)
		}
	}
	if impl.invocations() != 1 {
		t.Fatalf("expected exactly 1 provider invocation across 5 identical-fingerprint tasks, got %d", impl.invocations())
	}
}
