// Package processor implements the Task Processor: a fixed worker pool
// draining the priority queue.PriorityQueue, grounded on the teacher's
// scheduler.Scheduler worker loop and admission circuit breaker
// (scheduler/scheduler.go, scheduler/circuit_breaker.go), generalized
// from reconciliation tasks to provider-routed AI tasks.
package processor

import (
	"context"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/relayforge/taskmesh/internal/apperrors"
	"github.com/relayforge/taskmesh/internal/clock"
	"github.com/relayforge/taskmesh/internal/coordinator"
	"github.com/relayforge/taskmesh/internal/dedup"
	"github.com/relayforge/taskmesh/internal/events"
	"github.com/relayforge/taskmesh/internal/model"
	"github.com/relayforge/taskmesh/internal/observability"
	"github.com/relayforge/taskmesh/internal/provider"
	"github.com/relayforge/taskmesh/internal/queue"
	"github.com/relayforge/taskmesh/internal/quota"
	"github.com/relayforge/taskmesh/internal/store"
)

// Providers resolves a Provider implementation for a Provider ID,
// looked up once per attempt after the Coordinator has already made
// its routing decision.
type Providers interface {
	Get(id string) (provider.Provider, bool)
}

// Registry is the subset of provider.Registry the processor depends
// on: a snapshot list for the Coordinator, plus Observe/Execute to
// drive health and the supplementary circuit breaker.
type Registry interface {
	List() []model.Provider
	Observe(id string, success bool, latency time.Duration)
	Execute(id string, fn func() error) error
}

// SubKeyResolver maps a Task's owner to the subscription keys it may
// use against a given provider, so the Coordinator/Ledger can route
// around an exhausted key without the processor hard-coding any
// per-tenant logic.
type SubKeyResolver func(task model.Task) []string

// Pool is the Task Processor: N workers pulling from a
// queue.PriorityQueue, each running the dedup -> coordinate -> reserve
// -> invoke -> record -> resolve -> retry/fail pipeline per task.
type Pool struct {
	queue       *queue.PriorityQueue
	store       store.Store
	registry    Registry
	providers   Providers
	coordinator *coordinator.Coordinator
	ledger      *quota.Ledger
	dedupCache  *dedup.Cache
	publisher   events.Publisher
	subKeys     SubKeyResolver
	clock       clock.Clock

	workerCount     int
	maxRetries      int
	backoffBase     time.Duration
	backoffMax      time.Duration
	requestTimeout  time.Duration
	followerTimeout time.Duration

	breaker *admissionBreaker

	mu            sync.Mutex
	cancelByTask  map[string]context.CancelFunc
	saturation    int

	stop chan struct{}
	wg   sync.WaitGroup
}

// Config bundles the tunables a Pool needs beyond its collaborators.
type Config struct {
	WorkerCount     int
	MaxRetries      int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	RequestTimeout  time.Duration
	FollowerTimeout time.Duration
	QueueThreshold  int
}

// New constructs a Pool wired to its collaborators.
func New(
	q *queue.PriorityQueue,
	st store.Store,
	reg Registry,
	provs Providers,
	coord *coordinator.Coordinator,
	ledger *quota.Ledger,
	dc *dedup.Cache,
	pub events.Publisher,
	subKeys SubKeyResolver,
	c clock.Clock,
	cfg Config,
) *Pool {
	if c == nil {
		c = clock.Real
	}
	if cfg.QueueThreshold <= 0 {
		cfg.QueueThreshold = 1000
	}
	return &Pool{
		queue:           q,
		store:           st,
		registry:        reg,
		providers:       provs,
		coordinator:     coord,
		ledger:          ledger,
		dedupCache:      dc,
		publisher:       pub,
		subKeys:         subKeys,
		clock:           c,
		workerCount:     cfg.WorkerCount,
		maxRetries:      cfg.MaxRetries,
		backoffBase:     cfg.BackoffBase,
		backoffMax:      cfg.BackoffMax,
		requestTimeout:  cfg.RequestTimeout,
		followerTimeout: cfg.FollowerTimeout,
		breaker:         newAdmissionBreaker(cfg.QueueThreshold),
		cancelByTask:    make(map[string]context.CancelFunc),
		stop:            make(chan struct{}),
	}
}

// Submit enqueues a task that has already been persisted as Queued.
func (p *Pool) Submit(task model.Task) {
	p.queue.Push(task)
}

// Start launches the worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Stop signals every worker to exit and waits for them to drain.
func (p *Pool) Stop() {
	close(p.stop)
	p.wg.Wait()
}

// Cancel requests cancellation of a currently-running task's context.
// It is a no-op if the task isn't currently being attempted by this
// Pool, mirroring the teacher's per-reconcile busy-tracking map.
func (p *Pool) Cancel(taskID string) {
	p.mu.Lock()
	cancel, ok := p.cancelByTask[taskID]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			start := p.clock.Now()
			p.tick(ctx)
			observability.ProcessorLoopDuration.Observe(p.clock.Now().Sub(start).Seconds())
		}
	}
}

func (p *Pool) tick(ctx context.Context) {
	p.mu.Lock()
	saturation := float64(p.saturation) / float64(p.workerCount)
	p.mu.Unlock()

	queueDepth := p.queue.Len()
	observability.QueueDepth.WithLabelValues("all").Set(float64(queueDepth))

	if !p.breaker.shouldAdmit(queueDepth, saturation) {
		observability.ProcessorAdmissionRejections.WithLabelValues("circuit_open").Inc()
		return
	}

	task, ok := p.queue.Pop(p.clock.Now())
	if !ok {
		return
	}

	p.mu.Lock()
	p.saturation++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.saturation--
		p.mu.Unlock()
	}()

	p.attempt(ctx, task)
}

// attempt runs the seven-step pipeline for a single task: dedup,
// coordinate, quota reserve, invoke with deadline, record outcome,
// commit/refund, classify retry/fail.
func (p *Pool) attempt(ctx context.Context, task model.Task) {
	taskCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
	p.mu.Lock()
	p.cancelByTask[task.ID] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.cancelByTask, task.ID)
		p.mu.Unlock()
	}()

	// Step 1: dedup.
	desc, known := model.KindRegistry.Lookup(task.Kind)
	dedupExempt := known && desc.DedupExempt
	var fp model.Fingerprint
	if !dedupExempt {
		fp = model.ComputeFingerprint(task.Kind, task.Payload)
		role, entry, ch := p.dedupCache.GetOrClaim(fp)
		switch role {
		case dedup.RoleFollowerHit:
			observability.DedupHits.WithLabelValues("follower_hit").Inc()
			p.finish(taskCtx, task, entry.Result, entry.Err)
			return
		case dedup.RoleFollowerWait:
			observability.DedupHits.WithLabelValues("follower_wait").Inc()
			followCtx, followCancel := context.WithTimeout(taskCtx, p.followerTimeout)
			defer followCancel()
			out, ok := dedup.Await(followCtx, ch)
			if !ok {
				p.requeue(task, apperrors.New(apperrors.Timeout, "dedup follower timed out"))
				return
			}
			p.finish(taskCtx, task, out.Result, out.Err)
			return
		}
		observability.DedupHits.WithLabelValues("claimant").Inc()
	}

	// Step 2: coordinate. The quota-peek filter stage inside Select
	// needs a representative subKey before a Provider is chosen; the
	// first candidate from the resolver stands in for that (most
	// callers only ever have one), and PickSubKey runs for real once
	// the Provider is known, below.
	providers := p.registry.List()
	subKeys := p.subKeys(task)
	peekSubKey := task.OwnerID
	if len(subKeys) > 0 {
		peekSubKey = subKeys[0]
	}
	chosen, err := p.coordinator.Select(providers, task, peekSubKey)
	if apperrors.Is(err, apperrors.NoProviderAvailable) && task.Metadata["excluded_providers"] != "" {
		// Every survivor has already failed this task once: select again
		// over the full set rather than stall the retry on the exclusion.
		unexcluded := task
		unexcluded.Metadata = make(map[string]string, len(task.Metadata))
		for k, v := range task.Metadata {
			if k != "excluded_providers" {
				unexcluded.Metadata[k] = v
			}
		}
		chosen, err = p.coordinator.Select(providers, unexcluded, peekSubKey)
	}
	if err != nil {
		if !dedupExempt {
			p.dedupCache.Abandon(fp)
		}
		p.handleOutcome(taskCtx, task, nil, err)
		return
	}

	subKey := peekSubKey
	if len(subKeys) > 0 {
		subKey = p.ledger.PickSubKey(chosen.ID, subKeys)
	}

	// Batching: a batching-capable Provider may opportunistically pick
	// up other ready, fingerprint-distinct tasks of the same kind from
	// the queue and dispatch them alongside this one in a single
	// provider call (spec.md §4.4 Batching). This fully handles quota,
	// invocation, and outcome recording for every member of the batch,
	// including the lead task, so the solo path below is skipped.
	if !dedupExempt && chosen.Capabilities.Batching && chosen.Capabilities.MaxBatchSize > 1 {
		if p.tryBatchDispatch(taskCtx, chosen, task, fp, subKey) {
			return
		}
	}

	// Step 3: quota reserve.
	tok, err := p.ledger.TryReserve(chosen.ID, subKey)
	if err != nil {
		if !dedupExempt {
			p.dedupCache.Abandon(fp)
		}
		observability.QuotaExhaustedTotal.WithLabelValues(chosen.ID, subKey).Inc()
		p.handleOutcome(taskCtx, task, nil, err)
		return
	}

	// Step 4: invoke with deadline.
	impl, ok := p.providers.Get(chosen.ID)
	if !ok {
		p.ledger.Refund(tok)
		if !dedupExempt {
			p.dedupCache.Abandon(fp)
		}
		p.handleOutcome(taskCtx, task, nil, apperrors.New(apperrors.Internal, "provider implementation not found: "+chosen.ID))
		return
	}

	start := p.clock.Now()
	var result provider.Result
	execErr := p.registry.Execute(chosen.ID, func() error {
		var innerErr error
		result, innerErr = impl.Execute(taskCtx, task)
		return innerErr
	})
	latency := p.clock.Now().Sub(start)

	// Step 5: record outcome.
	p.registry.Observe(chosen.ID, execErr == nil, latency)
	observability.TaskRuntimeSeconds.WithLabelValues(chosen.ID).Observe(latency.Seconds())

	// Step 6: commit/refund.
	if execErr == nil {
		p.ledger.Commit(tok)
	} else {
		p.ledger.Refund(tok)
	}

	if !dedupExempt {
		if execErr == nil {
			p.dedupCache.Publish(fp, result.Output, "")
		} else {
			p.dedupCache.Abandon(fp)
		}
	}

	task.AssignProvider(chosen.ID)
	p.handleOutcome(taskCtx, task, result.Output, execErr)
}

// Step 7: classify retry/fail/dead-letter and persist the resulting
// task state.
func (p *Pool) handleOutcome(ctx context.Context, task model.Task, output map[string]interface{}, err error) {
	task.Attempts++

	if err == nil {
		p.finish(ctx, task, output, "")
		return
	}

	task.LastError = err.Error()

	if apperrors.RetryableErr(err) && task.Attempts <= p.maxRetries {
		// Step 7a: exclude the provider that just failed this task from
		// its next selection attempt. Scoped to this task's own
		// metadata, never written back to the Provider Registry.
		if task.AssignedProviderID != "" {
			task.Metadata = excludeProvider(task.Metadata, task.AssignedProviderID)
		}
		p.requeue(task, err)
		return
	}

	switch {
	case apperrors.Is(err, apperrors.Cancelled):
		task.Status = model.TaskCancelled
	case apperrors.RetryableErr(err):
		// Retries exhausted: per spec, a retryable failure that has run
		// out of attempts is dead-lettered rather than left Failed, since
		// Failed is not a terminal status (it still permits a manual
		// Queued retry).
		task.Status = model.TaskDeadLettered
	default:
		task.Status = model.TaskFailed
	}
	task.UpdatedAt = p.clock.Now()
	p.persist(ctx, task)

	observability.TaskOutcomes.WithLabelValues(string(task.Kind), string(task.Status)).Inc()
	observability.TaskAttempts.Observe(float64(task.Attempts))
	if p.publisher != nil {
		_ = p.publisher.Publish(ctx, "task."+string(task.Status), task)
	}
}

func (p *Pool) finish(ctx context.Context, task model.Task, output map[string]interface{}, errStr string) {
	task.UpdatedAt = p.clock.Now()
	task.Output = output
	if errStr != "" {
		task.Status = model.TaskFailed
		task.LastError = errStr
	} else {
		task.Status = model.TaskSucceeded
	}
	p.persist(ctx, task)

	observability.TaskOutcomes.WithLabelValues(string(task.Kind), string(task.Status)).Inc()
	observability.TaskAttempts.Observe(float64(task.Attempts))
	if p.publisher != nil {
		_ = p.publisher.Publish(ctx, "task."+string(task.Status), task)
	}
}

// excludeProvider appends providerID to the task-scoped exclusion list
// the Coordinator's blacklist filter reads on the task's next attempt,
// deduplicating against an already-excluded provider.
func excludeProvider(meta map[string]string, providerID string) map[string]string {
	if meta == nil {
		meta = make(map[string]string, 1)
	}
	existing := meta["excluded_providers"]
	if existing == "" {
		meta["excluded_providers"] = providerID
		return meta
	}
	for _, id := range strings.Split(existing, ",") {
		if id == providerID {
			return meta
		}
	}
	meta["excluded_providers"] = existing + "," + providerID
	return meta
}

// requeue applies backoff*2^(attempts-1) with jitter in [0.5,1.5),
// capped at backoffMax, grounded on the teacher's
// ThreadSafeQueue.PushDelayed idiom.
func (p *Pool) requeue(task model.Task, cause error) {
	task.Status = model.TaskQueued
	task.LastError = cause.Error()
	task.AssignedProviderID = ""
	task.UpdatedAt = p.clock.Now()

	delay := p.backoffBase * time.Duration(1<<uint(task.Attempts-1))
	if delay > p.backoffMax {
		delay = p.backoffMax
	}
	jitter := 0.5 + rand.Float64()
	delay = time.Duration(float64(delay) * jitter)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	task = p.persist(ctx, task)

	p.queue.PushDelayed(task, delay)
}

// persist writes task's current state to the Store under optimistic
// concurrency control and returns the task with its Version advanced
// to match what the Store now holds. Callers that go on to reuse the
// same task value (requeue pushing it back onto the queue) must use
// this returned copy, or their next persist call will race the
// version the Store actually has on file and be silently dropped.
func (p *Pool) persist(ctx context.Context, task model.Task) model.Task {
	expected := task.Version
	if err := p.store.UpdateTask(ctx, &task, expected); err != nil {
		log.Printf("[PROCESSOR] failed to persist task %s: %v", task.ID, err)
		task.Version = expected
		return task
	}
	task.Version = expected + 1
	return task
}
