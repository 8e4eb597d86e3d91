package provider

import (
	"testing"
	"time"

	"github.com/relayforge/taskmesh/internal/apperrors"
	"github.com/relayforge/taskmesh/internal/clock"
	"github.com/relayforge/taskmesh/internal/model"
)

func testProvider(id string) model.Provider {
	return model.Provider{
		ID:           id,
		Capabilities: model.Capabilities{TaskKinds: []model.TaskKind{"code_review"}},
	}
}

func mustRegister(t *testing.T, r *Registry, p model.Provider) {
	t.Helper()
	if err := r.Register(p, nil); err != nil {
		t.Fatalf("unexpected error registering %s: %v", p.ID, err)
	}
}

func TestRegistry_RegisterDuplicateIDFails(t *testing.T) {
	r := New(time.Minute, clock.NewFixed(time.Unix(0, 0)))
	mustRegister(t, r, testProvider("p1"))

	err := r.Register(testProvider("p1"), nil)
	if !apperrors.Is(err, apperrors.AlreadyExists) {
		t.Fatalf("expected AlreadyExists on duplicate registration, got %v", err)
	}

	// The original entry must survive the rejected re-registration untouched.
	list := r.List()
	if len(list) != 1 {
		t.Fatalf("expected duplicate registration to leave exactly 1 entry, got %d", len(list))
	}
}

func TestRegistry_DeregisterThenReregisterSucceeds(t *testing.T) {
	r := New(time.Minute, clock.NewFixed(time.Unix(0, 0)))
	mustRegister(t, r, testProvider("p1"))
	r.Deregister("p1")

	if err := r.Register(testProvider("p1"), nil); err != nil {
		t.Fatalf("expected re-registration after deregister to succeed, got %v", err)
	}
}

func TestRegistry_HealthStateMachine(t *testing.T) {
	r := New(time.Minute, clock.NewFixed(time.Unix(0, 0)))
	mustRegister(t, r, testProvider("p1"))

	for i := 0; i < 2; i++ {
		r.Observe("p1", false, time.Millisecond)
	}
	p, _ := r.Get("p1")
	if p.Health.State != model.HealthHealthy {
		t.Fatalf("expected still healthy after 2 failures, got %s", p.Health.State)
	}

	r.Observe("p1", false, time.Millisecond)
	p, _ = r.Get("p1")
	if p.Health.State != model.HealthDegraded {
		t.Fatalf("expected degraded after 3 consecutive failures, got %s", p.Health.State)
	}

	r.Observe("p1", false, time.Millisecond)
	r.Observe("p1", false, time.Millisecond)
	p, _ = r.Get("p1")
	if p.Health.State != model.HealthUnhealthy {
		t.Fatalf("expected unhealthy after 5 consecutive failures, got %s", p.Health.State)
	}

	r.Observe("p1", true, time.Millisecond)
	p, _ = r.Get("p1")
	if p.Health.State != model.HealthHealthy || p.Health.ConsecutiveFailures != 0 {
		t.Fatalf("expected success to reset to healthy/0, got %s/%d", p.Health.State, p.Health.ConsecutiveFailures)
	}
}

func TestRegistry_AvgLatencyOverTrailingWindow(t *testing.T) {
	r := New(time.Minute, clock.NewFixed(time.Unix(0, 0)))
	mustRegister(t, r, testProvider("p1"))

	r.Observe("p1", true, 10*time.Millisecond)
	r.Observe("p1", true, 20*time.Millisecond)
	p, _ := r.Get("p1")
	if got := time.Duration(p.Health.AvgLatencyMS) * time.Millisecond; got != 15*time.Millisecond {
		t.Fatalf("expected avg latency 15ms, got %v", got)
	}
}

func TestRegistry_DeregisterRemovesFromList(t *testing.T) {
	r := New(time.Minute, clock.NewFixed(time.Unix(0, 0)))
	mustRegister(t, r, testProvider("p1"))
	mustRegister(t, r, testProvider("p2"))

	r.Deregister("p1")

	list := r.List()
	if len(list) != 1 || list[0].ID != "p2" {
		t.Fatalf("expected only p2 to remain, got %+v", list)
	}
	if _, ok := r.Get("p1"); ok {
		t.Fatalf("expected p1 to be gone after deregister")
	}
}
