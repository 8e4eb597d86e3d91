// Package coordinator implements provider selection: a pure function
// over a Registry snapshot, grounded on the five-stage filter and
// named-strategy switch in other_examples' llm_pool.go selectProvider.
package coordinator

import (
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/relayforge/taskmesh/internal/apperrors"
	"github.com/relayforge/taskmesh/internal/model"
)

// degradedWeight is the relative selection weight a Degraded provider
// carries against a Healthy peer (spec.md §4.1: "Degraded kept with
// weight 0.5, Healthy with 1.0").
const degradedWeight = 0.5

// excludedProvidersKey is the Task.Metadata key the Task Processor
// writes to on a retryable failure (spec.md §4.4 step 7a): the
// previously failing Provider for this Task is excluded from the next
// selection attempt, scoped to this Task alone.
const excludedProvidersKey = "excluded_providers"

// Strategy names a load-balancing policy, mirroring
// llm_pool.go's LoadBalancingStrategy string-enum idiom.
type Strategy string

const (
	RoundRobin       Strategy = "round_robin"
	LeastLoaded      Strategy = "least_loaded"
	FastestResponse  Strategy = "fastest_response"
	PriorityBased    Strategy = "priority_based"
	CapabilityBased  Strategy = "capability_based"
)

// QuotaPeek is consulted during selection to skip providers that are
// already known to be out of headroom for subKey, without the
// Coordinator importing the quota package directly (avoids a cyclic
// dependency and keeps Select a pure function of its inputs).
type QuotaPeek func(providerID, subKey string) (headroom int, ok bool)

// LoadPeek reports how many in-flight tasks a provider currently has
// assigned, used by LeastLoaded.
type LoadPeek func(providerID string) int

// Coordinator selects a Provider for a Task from a Registry snapshot.
type Coordinator struct {
	strategy Strategy

	quotaPeek QuotaPeek
	loadPeek  LoadPeek

	roundRobinIdx uint32
}

// New constructs a Coordinator using the given strategy. quotaPeek and
// loadPeek may be nil, in which case their respective filters/scoring
// are skipped.
func New(strategy Strategy, quotaPeek QuotaPeek, loadPeek LoadPeek) *Coordinator {
	return &Coordinator{strategy: strategy, quotaPeek: quotaPeek, loadPeek: loadPeek}
}

// Select runs the filter pipeline over providers and returns the chosen
// one for task, given the subKey that will own any quota reservation.
// Select performs no I/O and takes no lock beyond its own roundRobinIdx
// counter: callers pass in a Registry.List() snapshot rather than a
// live registry.
func (c *Coordinator) Select(providers []model.Provider, task model.Task, subKey string) (model.Provider, error) {
	candidates := filterCapability(providers, task.Kind)
	if len(candidates) == 0 {
		return model.Provider{}, apperrors.New(apperrors.CapabilityMismatch,
			"no provider advertises capability for task kind "+string(task.Kind))
	}

	candidates = filterHealth(candidates)
	if len(candidates) == 0 {
		return model.Provider{}, apperrors.New(apperrors.NoProviderAvailable,
			"no healthy provider available for task kind "+string(task.Kind))
	}

	candidates = filterBlacklist(candidates, task)
	if len(candidates) == 0 {
		return model.Provider{}, apperrors.New(apperrors.NoProviderAvailable,
			"every remaining provider already failed a prior attempt of task "+task.ID)
	}

	if c.quotaPeek != nil {
		withQuota := filterQuota(candidates, subKey, c.quotaPeek)
		if len(withQuota) == 0 {
			return model.Provider{}, apperrors.New(apperrors.QuotaExhausted,
				"all capable providers are at quota for subscription "+subKey)
		}
		candidates = withQuota
	}

	candidates = filterAffinity(candidates, task)

	return c.pick(candidates), nil
}

func filterCapability(providers []model.Provider, kind model.TaskKind) []model.Provider {
	out := make([]model.Provider, 0, len(providers))
	for _, p := range providers {
		if p.Capabilities.Supports(kind) {
			out = append(out, p)
		}
	}
	return out
}

// weight is the relative selection weight spec.md §4.1 assigns a
// survivor by health state: Healthy always carries 1.0, Degraded
// carries degradedWeight (0.5). filterHealth no longer uses this to
// probabilistically drop candidates — Select must stay a deterministic
// pure function of its inputs (spec.md §4.3: "deterministic given
// inputs... no I/O inside the decision") — so it's consumed instead as
// a scoring/tie-break input by the strategy stage below.
func weight(p model.Provider) float64 {
	if p.Health.State == model.HealthDegraded {
		return degradedWeight
	}
	return 1.0
}

// filterHealth drops Unhealthy providers outright. Degraded providers
// stay eligible alongside Healthy ones; their reduced selection weight
// (spec.md §4.1) is applied deterministically by the strategy stage via
// weight(), not by dropping them here.
func filterHealth(providers []model.Provider) []model.Provider {
	out := make([]model.Provider, 0, len(providers))
	for _, p := range providers {
		if p.Health.State == model.HealthHealthy || p.Health.State == model.HealthDegraded {
			out = append(out, p)
		}
	}
	return out
}

// filterBlacklist drops any provider this specific Task already failed
// against, per spec.md §4.4 step 7a. The exclusion is task-scoped (read
// from Task.Metadata, never the Provider Registry), so it never affects
// any other task's routing.
func filterBlacklist(providers []model.Provider, task model.Task) []model.Provider {
	excluded := task.Metadata[excludedProvidersKey]
	if excluded == "" {
		return providers
	}
	blocked := make(map[string]bool)
	for _, id := range strings.Split(excluded, ",") {
		blocked[id] = true
	}
	out := make([]model.Provider, 0, len(providers))
	for _, p := range providers {
		if !blocked[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

func filterQuota(providers []model.Provider, subKey string, peek QuotaPeek) []model.Provider {
	out := make([]model.Provider, 0, len(providers))
	for _, p := range providers {
		if headroom, ok := peek(p.ID, subKey); !ok || headroom > 0 {
			out = append(out, p)
		}
	}
	return out
}

// filterAffinity implements spec.md §4.3 step 4: if a Task carries a
// "prefer_provider" hint (the Workflow Runner sets this to the Provider
// that last succeeded a stage in the same run) and that Provider is
// still among the survivors of filters 1-3, it is the only candidate
// handed to the strategy stage, short-circuiting load-balancing for
// that Task. Any other caller of the Coordinator simply never sets the
// hint, so this is a no-op outside workflow runs. Never narrows to
// zero: if the preferred Provider didn't survive, every other survivor
// remains eligible.
func filterAffinity(providers []model.Provider, task model.Task) []model.Provider {
	pref, ok := task.Metadata["prefer_provider"]
	if !ok {
		return providers
	}
	for _, p := range providers {
		if p.ID == pref {
			return []model.Provider{p}
		}
	}
	return providers
}

func (c *Coordinator) pick(candidates []model.Provider) model.Provider {
	switch c.strategy {
	case LeastLoaded:
		return c.pickLeastLoaded(candidates)
	case FastestResponse:
		return c.pickFastestResponse(candidates)
	case PriorityBased:
		return c.pickPriorityBased(candidates)
	case CapabilityBased:
		return c.pickCapabilityBased(candidates)
	default: // RoundRobin
		return c.pickRoundRobin(candidates)
	}
}

// pickRoundRobin advances the coordinator's shared rotating index into a
// deterministic weighted rotation: candidates are sorted by ID (spec.md
// §4.3 step 5's "ties broken by lowest provider-id") and each appears a
// number of times proportional to weight(), so a Healthy provider is
// rotated through twice as often as a Degraded one without any
// randomness — the same (candidates, idx) always yields the same pick.
func (c *Coordinator) pickRoundRobin(candidates []model.Provider) model.Provider {
	sorted := append([]model.Provider(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	rotation := make([]model.Provider, 0, len(sorted)*2)
	for _, p := range sorted {
		reps := int(weight(p) * 2)
		if reps < 1 {
			reps = 1
		}
		for i := 0; i < reps; i++ {
			rotation = append(rotation, p)
		}
	}

	idx := atomic.AddUint32(&c.roundRobinIdx, 1) % uint32(len(rotation))
	return rotation[idx]
}

// pickLeastLoaded scores each candidate as its in-flight load divided by
// its health weight, so a Degraded provider needs proportionally less
// load than a Healthy one to look equally attractive — it stays
// eligible, just disfavored, with no randomness involved. Ties fall
// back to the lowest priority value (spec.md §4.3 step 5).
func (c *Coordinator) pickLeastLoaded(candidates []model.Provider) model.Provider {
	if c.loadPeek == nil {
		return c.pickRoundRobin(candidates)
	}
	best := candidates[0]
	bestScore := float64(c.loadPeek(best.ID)) / weight(best)
	for _, p := range candidates[1:] {
		score := float64(c.loadPeek(p.ID)) / weight(p)
		if score < bestScore || (score == bestScore && p.Priority < best.Priority) {
			best, bestScore = p, score
		}
	}
	return best
}

// pickFastestResponse scores each candidate's trailing avg latency
// divided by its health weight, penalizing a Degraded provider's
// effective latency rather than excluding it outright. Ties fall back
// to least-loaded (spec.md §4.3 step 5).
func (c *Coordinator) pickFastestResponse(candidates []model.Provider) model.Provider {
	best := candidates[0]
	bestLatency := time.Duration(best.Health.AvgLatencyMS) * time.Millisecond
	bestScore := bestLatency.Seconds() / weight(best)
	for _, p := range candidates[1:] {
		l := time.Duration(p.Health.AvgLatencyMS) * time.Millisecond
		score := l.Seconds() / weight(p)
		if best.Health.AvgLatencyMS == 0 || (l > 0 && score < bestScore) {
			best, bestLatency, bestScore = p, l, score
		} else if l > 0 && score == bestScore && c.loadPeek != nil && c.loadPeek(p.ID) < c.loadPeek(best.ID) {
			best, bestLatency, bestScore = p, l, score
		}
	}
	return best
}

// pickPriorityBased returns the candidate with the lowest Priority
// value (lower runs first, per spec.md §4.3 step 5), tie-breaking on
// least-loaded among everything tied for that minimum.
func (c *Coordinator) pickPriorityBased(candidates []model.Provider) model.Provider {
	min := candidates[0].Priority
	for _, p := range candidates[1:] {
		if p.Priority < min {
			min = p.Priority
		}
	}
	var tied []model.Provider
	for _, p := range candidates {
		if p.Priority == min {
			tied = append(tied, p)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return c.pickLeastLoaded(tied)
}

// capabilityFlagCount counts how many optional feature flags (streaming,
// batching) a provider advertises beyond the bare task-kind match that
// capability filtering already guarantees.
func capabilityFlagCount(p model.Provider) int {
	n := 0
	if p.Capabilities.Streaming {
		n++
	}
	if p.Capabilities.Batching {
		n++
	}
	return n
}

// pickCapabilityBased maximizes the count of matching capability flags
// beyond the minimum required to run the task (spec.md §4.3 step 5),
// tie-breaking on priority-based among everything tied for that
// maximum.
func (c *Coordinator) pickCapabilityBased(candidates []model.Provider) model.Provider {
	max := capabilityFlagCount(candidates[0])
	for _, p := range candidates[1:] {
		if n := capabilityFlagCount(p); n > max {
			max = n
		}
	}
	var tied []model.Provider
	for _, p := range candidates {
		if capabilityFlagCount(p) == max {
			tied = append(tied, p)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	return c.pickPriorityBased(tied)
}
