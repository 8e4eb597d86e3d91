// Command taskmesh wires every internal component into a single
// runnable engine and drives it programmatically: submit a task, then
// define and run a workflow. There is no HTTP/WebSocket
// surface here — that facade is explicitly out of scope (spec.md §1)
// — this binary plays the same "assemble everything, then start it"
// role the teacher's control_plane/main.go plays over its own
// Scheduler/Reconciler/LeaderElector, minus the net/http routes.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayforge/taskmesh/internal/clock"
	"github.com/relayforge/taskmesh/internal/config"
	"github.com/relayforge/taskmesh/internal/coordination"
	"github.com/relayforge/taskmesh/internal/coordinator"
	"github.com/relayforge/taskmesh/internal/dedup"
	"github.com/relayforge/taskmesh/internal/events"
	"github.com/relayforge/taskmesh/internal/model"
	"github.com/relayforge/taskmesh/internal/processor"
	"github.com/relayforge/taskmesh/internal/provider"
	"github.com/relayforge/taskmesh/internal/provider/adapters"
	"github.com/relayforge/taskmesh/internal/queue"
	"github.com/relayforge/taskmesh/internal/quota"
	"github.com/relayforge/taskmesh/internal/scheduler"
	"github.com/relayforge/taskmesh/internal/store"
	"github.com/relayforge/taskmesh/internal/workflow"
)

// providerSet is the minimal processor.Providers implementation this
// demo needs: a static id -> provider.Provider map built once at
// startup. A real deployment could back this with a hot-reloadable
// registry instead; nothing in the engine assumes it's static.
type providerSet map[string]provider.Provider

func (s providerSet) Get(id string) (provider.Provider, bool) {
	p, ok := s[id]
	return p, ok
}

func newStore() store.Store {
	switch os.Getenv("TASKMESH_STORE") {
	case "postgres":
		dsn := os.Getenv("TASKMESH_POSTGRES_DSN")
		st, err := store.NewPostgresStore(context.Background(), dsn)
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		return st
	case "redis":
		addr := os.Getenv("TASKMESH_REDIS_ADDR")
		if addr == "" {
			addr = "localhost:6379"
		}
		st, err := store.NewRedisStore(addr, os.Getenv("TASKMESH_REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		return st
	default:
		log.Printf("[MAIN] TASKMESH_STORE unset or unrecognized, using in-process MemoryStore")
		return store.NewMemoryStore()
	}
}

// ownerSubKeys is the demo's SubKeyResolver: every task from "demo-owner"
// may use either the "primary" or "overflow" subscription key against
// any provider, letting the Quota Ledger exercise its failover path
// when "primary" is exhausted.
func ownerSubKeys(task model.Task) []string {
	return []string{"primary", "overflow"}
}

func main() {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	clk := clock.Real
	st := newStore()

	registry := provider.New(cfg.ProbeInterval, clk)
	providers := make(providerSet)

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		id := "anthropic-default"
		adapter := adapters.NewAnthropicAdapter(id, adapters.AnthropicConfig{
			APIKey: key,
			Model:  envOr("ANTHROPIC_MODEL", "claude-3-5-sonnet-latest"),
		})
		providers[id] = adapter
		if err := registry.Register(model.Provider{
			ID:           id,
			Kind:         "anthropic",
			Priority:     1,
			Capabilities: adapter.Capabilities(),
			Health:       model.Health{State: model.HealthHealthy},
		}, adapter); err != nil {
			log.Fatalf("failed to register anthropic provider: %v", err)
		}
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		id := "openai-default"
		adapter := adapters.NewOpenAIAdapter(id, adapters.OpenAIConfig{
			APIKey: key,
			Model:  envOr("OPENAI_MODEL", "gpt-4o-mini"),
		})
		providers[id] = adapter
		if err := registry.Register(model.Provider{
			ID:           id,
			Kind:         "openai",
			Priority:     2,
			Capabilities: adapter.Capabilities(),
			Health:       model.Health{State: model.HealthHealthy},
		}, adapter); err != nil {
			log.Fatalf("failed to register openai provider: %v", err)
		}
	}
	if region := os.Getenv("AWS_REGION"); region != "" && os.Getenv("TASKMESH_ENABLE_BEDROCK") == "true" {
		id := "bedrock-default"
		adapter, err := adapters.NewBedrockAdapter(context.Background(), id, adapters.BedrockConfig{
			Region:  region,
			ModelID: envOr("BEDROCK_MODEL_ID", "anthropic.claude-3-5-sonnet-20241022-v2:0"),
		})
		if err != nil {
			log.Printf("[MAIN] skipping bedrock adapter: %v", err)
		} else {
			providers[id] = adapter
			if err := registry.Register(model.Provider{
				ID:           id,
				Kind:         "bedrock",
				Priority:     3,
				Capabilities: adapter.Capabilities(),
				Health:       model.Health{State: model.HealthHealthy},
			}, adapter); err != nil {
				log.Fatalf("failed to register bedrock provider: %v", err)
			}
		}
	}

	if len(providers) == 0 {
		log.Printf("[MAIN] no provider credentials found in the environment; registering a local echo provider so the demo has somewhere to route tasks")
		id := "echo-default"
		echo := &echoProvider{}
		providers[id] = echo
		if err := registry.Register(model.Provider{
			ID:           id,
			Kind:         "echo",
			Priority:     1,
			Capabilities: echo.Capabilities(),
			Health:       model.Health{State: model.HealthHealthy},
		}, echo); err != nil {
			log.Fatalf("failed to register echo provider: %v", err)
		}
	}

	ledger := quota.New(nil, clk, cfg.ReservationTTL)
	for id := range providers {
		ledger.SetLimit(id, "primary", 100, time.Minute)
		ledger.SetLimit(id, "overflow", 100, time.Minute)
	}

	coord := coordinator.New(cfg.LoadBalancingStrategy,
		func(providerID, subKey string) (int, bool) { return ledger.Headroom(providerID, subKey) },
		nil,
	)

	dedupCache := dedup.New(cfg.DedupShardCount, cfg.DedupTTL, clk)
	bus := events.NewBus()
	q := queue.New()

	pool := processor.New(q, st, registry, providers, coord, ledger, dedupCache, bus, ownerSubKeys, clk, processor.Config{
		WorkerCount:     cfg.WorkerCount,
		MaxRetries:      cfg.MaxRetries,
		BackoffBase:     cfg.BackoffBase,
		BackoffMax:      cfg.BackoffMax,
		RequestTimeout:  cfg.RequestTimeout,
		FollowerTimeout: cfg.FollowerTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry.StartProber(ctx)
	ledger.StartJanitor(ctx, cfg.ReservationTTL)
	pool.Start(ctx)

	runner := workflow.NewRunner(st, pool, clk, 200*time.Millisecond)

	elector := buildElector(st, clk)
	if elector != nil {
		elector.Start(ctx)
		defer elector.Stop()
	}
	sched := scheduler.New(st, runner, elector, clk, time.Minute, cfg.CatchUpWindow)
	sched.Start(ctx)
	defer sched.Stop()

	log.Printf("[MAIN] taskmesh engine up: %d worker(s), strategy=%s, %d provider(s) registered",
		cfg.WorkerCount, cfg.LoadBalancingStrategy, len(providers))

	runDemo(ctx, st, pool, runner)

	<-ctx.Done()
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// buildElector wires a LeaderElector gating cron-fired workflow runs,
// only when TASKMESH_REDIS_ADDR names a lease backend; the single-
// process demo path (no Redis configured) runs the scheduler
// ungated since there is only ever one process to elect.
func buildElector(st store.Store, clk clock.Clock) *coordination.LeaderElector {
	addr := os.Getenv("TASKMESH_REDIS_ADDR")
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("TASKMESH_REDIS_PASSWORD")})
	redisCoord := coordination.NewRedisCoordinator(client)
	ownerID, _ := os.Hostname()
	if ownerID == "" {
		ownerID = "taskmesh-" + clock.NewID()
	}
	return coordination.NewLeaderElector(redisCoord, st, ownerID, 30*time.Second, clk)
}

// defaultWorkflowYAML is the demo's two-stage workflow, authored in the
// same YAML shape an operator would hand-write and load via
// TASKMESH_WORKFLOW_FILE.
const defaultWorkflowYAML = `
name: demo-workflow
stages:
  - stage_id: summarize
    kind: chat_completion
    payload:
      prompt: "Say hello."
  - stage_id: translate
    kind: chat_completion
    payload:
      prompt: "Translate the previous greeting to French."
edges:
  - from: summarize
    to: translate
    condition: '$summarize.status == "succeeded"'
`

// demoWorkflowDefinition loads the demo workflow from
// TASKMESH_WORKFLOW_FILE when set, otherwise from the bundled
// defaultWorkflowYAML, both via workflow.ParseDefinition so operators
// can swap in their own YAML workflow file without touching this
// binary.
func demoWorkflowDefinition() model.Workflow {
	raw := []byte(defaultWorkflowYAML)
	if path := os.Getenv("TASKMESH_WORKFLOW_FILE"); path != "" {
		if b, err := os.ReadFile(path); err != nil {
			log.Printf("[MAIN] failed to read TASKMESH_WORKFLOW_FILE %s, falling back to bundled demo workflow: %v", path, err)
		} else {
			raw = b
		}
	}
	wf, err := workflow.ParseDefinition(raw)
	if err != nil {
		log.Printf("[MAIN] failed to parse workflow definition, falling back to bundled demo workflow: %v", err)
		wf, _ = workflow.ParseDefinition([]byte(defaultWorkflowYAML))
	}
	return wf
}

// runDemo exercises the engine end to end: submit one task (without
// waiting for its outcome), then compile a two-stage workflow whose
// second stage is conditioned on the first stage's status and start a
// run of it in the background.
func runDemo(ctx context.Context, st store.Store, pool *processor.Pool, runner *workflow.Runner) {
	task := model.Task{
		ID:        clock.NewID(),
		Kind:      "chat_completion",
		Payload:   map[string]interface{}{"prompt": "Summarize the taskmesh engine in one sentence."},
		OwnerID:   "demo-owner",
		CreatedAt: clock.Real.Now(),
		UpdatedAt: clock.Real.Now(),
		Status:    model.TaskQueued,
	}
	if err := st.CreateTask(ctx, &task); err != nil {
		log.Printf("[MAIN] demo task creation failed: %v", err)
		return
	}
	pool.Submit(task)
	log.Printf("[MAIN] submitted demo task %s", task.ID)

	wf := demoWorkflowDefinition()
	wf.ID = clock.NewID()
	plan, err := workflow.Compile(wf)
	if err != nil {
		log.Printf("[MAIN] demo workflow failed to compile: %v", err)
		return
	}
	run := &model.WorkflowRun{
		ID:          clock.NewID(),
		WorkflowID:  wf.ID,
		Status:      model.RunPending,
		StartedAt:   clock.Real.Now(),
		TriggeredBy: "manual",
	}
	if err := st.CreateWorkflowRun(ctx, run); err != nil {
		log.Printf("[MAIN] demo run creation failed: %v", err)
		return
	}
	go func() {
		if err := runner.Run(ctx, plan, run, nil, "demo-owner"); err != nil {
			log.Printf("[MAIN] demo workflow run failed: %v", err)
			return
		}
		log.Printf("[MAIN] demo workflow run %s finished with status %s", run.ID, run.Status)
	}()
}

// echoProvider is a zero-dependency fallback Provider so the demo
// binary always has somewhere to route a task when no real vendor
// credentials are configured in the environment.
type echoProvider struct {
	provider.NoBatching
}

func (echoProvider) Execute(ctx context.Context, task model.Task) (provider.Result, error) {
	return provider.Result{Output: map[string]interface{}{
		"text": fmt.Sprintf("echo: %v", task.Payload["prompt"]),
	}}, nil
}

func (echoProvider) Capabilities() model.Capabilities {
	return model.Capabilities{TaskKinds: []model.TaskKind{"chat_completion"}}
}

func (echoProvider) EstimateCost(task model.Task) float64 { return 0 }

func (echoProvider) Probe(ctx context.Context) error { return nil }
