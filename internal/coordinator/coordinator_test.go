package coordinator

import (
	"testing"

	"github.com/relayforge/taskmesh/internal/model"
)

func healthyProvider(id string, priority int, kind model.TaskKind) model.Provider {
	return model.Provider{
		ID:           id,
		Priority:     priority,
		Capabilities: model.Capabilities{TaskKinds: []model.TaskKind{kind}},
		Health:       model.Health{State: model.HealthHealthy},
	}
}

func TestSelect_CapabilityFilterExcludesNonMatching(t *testing.T) {
	c := New(RoundRobin, nil, nil)
	providers := []model.Provider{
		healthyProvider("p1", 1, "code_review"),
		healthyProvider("p2", 1, "chat_completion"),
	}
	task := model.Task{Kind: "chat_completion"}

	chosen, err := c.Select(providers, task, "sub")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.ID != "p2" {
		t.Fatalf("expected p2, got %s", chosen.ID)
	}
}

func TestSelect_NoCapableProviderFails(t *testing.T) {
	c := New(RoundRobin, nil, nil)
	providers := []model.Provider{healthyProvider("p1", 1, "code_review")}
	task := model.Task{Kind: "chat_completion"}

	if _, err := c.Select(providers, task, "sub"); err == nil {
		t.Fatal("expected an error when no provider advertises the required capability")
	}
}

func TestSelect_UnhealthyProviderNeverReturned(t *testing.T) {
	c := New(RoundRobin, nil, nil)
	p1 := healthyProvider("p1", 1, "chat_completion")
	p1.Health.State = model.HealthUnhealthy
	p2 := healthyProvider("p2", 1, "chat_completion")
	task := model.Task{Kind: "chat_completion"}

	chosen, err := c.Select([]model.Provider{p1, p2}, task, "sub")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.ID != "p2" {
		t.Fatalf("expected p2 (p1 unhealthy), got %s", chosen.ID)
	}
}

func TestSelect_LoneDegradedSurvivorIsSelected(t *testing.T) {
	c := New(RoundRobin, nil, nil)
	p1 := healthyProvider("p1", 1, "chat_completion")
	p1.Health.State = model.HealthDegraded
	task := model.Task{Kind: "chat_completion"}

	chosen, err := c.Select([]model.Provider{p1}, task, "sub")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.ID != "p1" {
		t.Fatalf("expected the lone degraded survivor p1, got %s", chosen.ID)
	}
}

func TestSelect_DegradedKeptAlongsideHealthyAndDeterministic(t *testing.T) {
	c := New(RoundRobin, nil, nil)
	p1 := healthyProvider("p1", 1, "chat_completion")
	p2 := healthyProvider("p2", 1, "chat_completion")
	p2.Health.State = model.HealthDegraded
	providers := []model.Provider{p1, p2}
	task := model.Task{Kind: "chat_completion"}

	// Repeated Select calls over the exact same inputs (same rotating
	// index state too, since no other call advanced it) must agree:
	// spec.md §4.3 requires Select to be a deterministic pure function,
	// so a Degraded survivor can never vanish from one call to the next
	// by chance.
	first, err := c.Select(providers, task, "sub")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c2 := New(RoundRobin, nil, nil)
	second, err := c2.Select(providers, task, "sub")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected identical selection across equivalent coordinators, got %s then %s", first.ID, second.ID)
	}
}

func TestPickLeastLoaded_DegradedNeedsLessLoadToWin(t *testing.T) {
	loadPeek := func(id string) int {
		if id == "p1" {
			return 4
		}
		return 3 // p2 is Degraded: effective score 3/0.5 = 6, worse than p1's 4/1 = 4
	}
	c := New(LeastLoaded, nil, loadPeek)
	p1 := healthyProvider("p1", 1, "chat_completion")
	p2 := healthyProvider("p2", 1, "chat_completion")
	p2.Health.State = model.HealthDegraded
	task := model.Task{Kind: "chat_completion"}

	chosen, err := c.Select([]model.Provider{p1, p2}, task, "sub")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.ID != "p1" {
		t.Fatalf("expected p1 (lower weighted load despite p2's smaller raw load), got %s", chosen.ID)
	}
}

func TestSelect_QuotaFilterDropsExhaustedProvider(t *testing.T) {
	quotaPeek := func(providerID, subKey string) (int, bool) {
		if providerID == "p1" {
			return 0, true
		}
		return 10, true
	}
	c := New(RoundRobin, quotaPeek, nil)
	providers := []model.Provider{
		healthyProvider("p1", 1, "chat_completion"),
		healthyProvider("p2", 1, "chat_completion"),
	}
	task := model.Task{Kind: "chat_completion"}

	chosen, err := c.Select(providers, task, "sub")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.ID != "p2" {
		t.Fatalf("expected p2 (p1 quota exhausted), got %s", chosen.ID)
	}
}

func TestSelect_QuotaExhaustionOnEverySurvivorFails(t *testing.T) {
	quotaPeek := func(providerID, subKey string) (int, bool) { return 0, true }
	c := New(RoundRobin, quotaPeek, nil)
	providers := []model.Provider{healthyProvider("p1", 1, "chat_completion")}
	task := model.Task{Kind: "chat_completion"}

	if _, err := c.Select(providers, task, "sub"); err == nil {
		t.Fatal("expected QuotaExhausted when every survivor is out of headroom")
	}
}

func TestSelect_AffinityReturnsPreferredProviderWhenEligible(t *testing.T) {
	c := New(LeastLoaded, nil, func(id string) int {
		if id == "p2" {
			return 0 // p2 looks least-loaded, but affinity should still win
		}
		return 100
	})
	providers := []model.Provider{
		healthyProvider("p1", 1, "chat_completion"),
		healthyProvider("p2", 1, "chat_completion"),
	}
	task := model.Task{Kind: "chat_completion", Metadata: map[string]string{"prefer_provider": "p1"}}

	chosen, err := c.Select(providers, task, "sub")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.ID != "p1" {
		t.Fatalf("expected affinity to pin selection to p1, got %s", chosen.ID)
	}
}

func TestSelect_AffinityIgnoredWhenPreferredProviderAbsent(t *testing.T) {
	c := New(RoundRobin, nil, nil)
	providers := []model.Provider{healthyProvider("p2", 1, "chat_completion")}
	task := model.Task{Kind: "chat_completion", Metadata: map[string]string{"prefer_provider": "p1"}}

	chosen, err := c.Select(providers, task, "sub")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.ID != "p2" {
		t.Fatalf("expected fallback to p2 when preferred provider isn't a survivor, got %s", chosen.ID)
	}
}

func TestSelect_BlacklistExcludesPreviouslyFailedProvider(t *testing.T) {
	c := New(RoundRobin, nil, nil)
	providers := []model.Provider{
		healthyProvider("p1", 1, "chat_completion"),
		healthyProvider("p2", 1, "chat_completion"),
	}
	task := model.Task{Kind: "chat_completion", Metadata: map[string]string{"excluded_providers": "p1"}}

	chosen, err := c.Select(providers, task, "sub")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.ID != "p2" {
		t.Fatalf("expected p2 (p1 excluded by prior-attempt blacklist), got %s", chosen.ID)
	}
}

func TestSelect_BlacklistExhaustingEverySurvivorFails(t *testing.T) {
	c := New(RoundRobin, nil, nil)
	providers := []model.Provider{healthyProvider("p1", 1, "chat_completion")}
	task := model.Task{Kind: "chat_completion", Metadata: map[string]string{"excluded_providers": "p1"}}

	if _, err := c.Select(providers, task, "sub"); err == nil {
		t.Fatal("expected NoProviderAvailable when the only survivor is blacklisted")
	}
}

func TestPickPriorityBased_PrefersLowestValue(t *testing.T) {
	c := New(PriorityBased, nil, nil)
	providers := []model.Provider{
		healthyProvider("p1", 5, "chat_completion"),
		healthyProvider("p2", 1, "chat_completion"),
		healthyProvider("p3", 3, "chat_completion"),
	}
	task := model.Task{Kind: "chat_completion"}

	chosen, err := c.Select(providers, task, "sub")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.ID != "p2" {
		t.Fatalf("expected p2 (lowest priority value 1), got %s", chosen.ID)
	}
}

func TestPickCapabilityBased_PrefersMostMatchingFlags(t *testing.T) {
	c := New(CapabilityBased, nil, nil)
	p1 := healthyProvider("p1", 1, "chat_completion")
	p2 := healthyProvider("p2", 1, "chat_completion")
	p2.Capabilities.Streaming = true
	p2.Capabilities.Batching = true
	task := model.Task{Kind: "chat_completion"}

	chosen, err := c.Select([]model.Provider{p1, p2}, task, "sub")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.ID != "p2" {
		t.Fatalf("expected p2 (more matching capability flags), got %s", chosen.ID)
	}
}

func TestPickFastestResponse_PrefersLowerLatency(t *testing.T) {
	c := New(FastestResponse, nil, nil)
	p1 := healthyProvider("p1", 1, "chat_completion")
	p1.Health.AvgLatencyMS = 500
	p2 := healthyProvider("p2", 1, "chat_completion")
	p2.Health.AvgLatencyMS = 50
	task := model.Task{Kind: "chat_completion"}

	chosen, err := c.Select([]model.Provider{p1, p2}, task, "sub")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chosen.ID != "p2" {
		t.Fatalf("expected p2 (lower avg latency), got %s", chosen.ID)
	}
}
