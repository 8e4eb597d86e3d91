package processor

import (
	"context"

	"github.com/relayforge/taskmesh/internal/apperrors"
	"github.com/relayforge/taskmesh/internal/dedup"
	"github.com/relayforge/taskmesh/internal/model"
	"github.com/relayforge/taskmesh/internal/observability"
	"github.com/relayforge/taskmesh/internal/provider"
	"github.com/relayforge/taskmesh/internal/quota"
)

// batchMember is one task riding along in an opportunistic batch
// dispatch: the task itself plus everything tryBatchDispatch needs to
// resolve it individually once the batch call returns.
type batchMember struct {
	task        model.Task
	fingerprint model.Fingerprint
	token       quota.Token
}

// tryBatchDispatch opportunistically pulls up to
// chosen.Capabilities.MaxBatchSize-1 additional ready, fingerprint-
// distinct tasks of lead.Kind off the queue and dispatches all of them
// (lead included) in one impl.ExecuteBatch call, per spec.md §4.4
// Batching. It reports whether it handled lead at all; when it did,
// the caller's solo dispatch path must not run for lead.
//
// An extra task that turns out to be a dedup hit is finished inline
// from the cached entry. An extra task that would be a follower is
// pushed back onto the queue rather than woven into the batch: a
// follower needs its own wait, which is not worth the added complexity
// of a batched dedup wait.
func (p *Pool) tryBatchDispatch(ctx context.Context, chosen model.Provider, lead model.Task, leadFP model.Fingerprint, leadSubKey string) bool {
	impl, ok := p.providers.Get(chosen.ID)
	if !ok {
		return false
	}

	maxExtra := chosen.Capabilities.MaxBatchSize - 1
	seen := map[model.Fingerprint]bool{leadFP: true}

	var extras []model.Task
	if maxExtra > 0 {
		extras = p.queue.PopMatching(p.clock.Now(), maxExtra, func(t model.Task) bool {
			return t.Kind == lead.Kind
		})
	}

	leadTok, err := p.ledger.TryReserve(chosen.ID, leadSubKey)
	if err != nil {
		for _, t := range extras {
			p.queue.Push(t)
		}
		p.dedupCache.Abandon(leadFP)
		observability.QuotaExhaustedTotal.WithLabelValues(chosen.ID, leadSubKey).Inc()
		p.handleOutcome(ctx, lead, nil, err)
		return true
	}

	members := []batchMember{{task: lead, fingerprint: leadFP, token: leadTok}}

	for _, t := range extras {
		desc, known := model.KindRegistry.Lookup(t.Kind)
		if known && desc.DedupExempt {
			p.queue.Push(t)
			continue
		}

		fp := model.ComputeFingerprint(t.Kind, t.Payload)
		if seen[fp] {
			p.queue.Push(t)
			continue
		}

		role, entry, _ := p.dedupCache.GetOrClaim(fp)
		switch role {
		case dedup.RoleFollowerHit:
			p.finish(ctx, t, entry.Result, entry.Err)
			continue
		case dedup.RoleFollowerWait:
			// The follower channel GetOrClaim just handed back is
			// buffered (cap 1), so leaving it unread here is safe: the
			// real claimant's eventual Publish won't block on it.
			// Requeuing lets a future tick pick this task up as an
			// ordinary follower with its own wait.
			p.queue.Push(t)
			continue
		}

		sk := t.OwnerID
		if ks := p.subKeys(t); len(ks) > 0 {
			sk = p.ledger.PickSubKey(chosen.ID, ks)
		}
		tok, err := p.ledger.TryReserve(chosen.ID, sk)
		if err != nil {
			p.dedupCache.Abandon(fp)
			observability.QuotaExhaustedTotal.WithLabelValues(chosen.ID, sk).Inc()
			p.requeue(t, err)
			continue
		}

		seen[fp] = true
		members = append(members, batchMember{task: t, fingerprint: fp, token: tok})
	}

	batchTasks := make([]model.Task, len(members))
	for i, m := range members {
		batchTasks[i] = m.task
	}

	start := p.clock.Now()
	var results []provider.Result
	execErr := p.registry.Execute(chosen.ID, func() error {
		var innerErr error
		results, innerErr = impl.ExecuteBatch(ctx, batchTasks)
		return innerErr
	})
	latency := p.clock.Now().Sub(start)
	p.registry.Observe(chosen.ID, execErr == nil, latency)
	observability.TaskRuntimeSeconds.WithLabelValues(chosen.ID).Observe(latency.Seconds())

	if execErr != nil {
		// The call itself failed transport-side (not a per-task
		// result): refund and dedup-abandon every member, then fall
		// back to retrying each individually, matching "partial
		// failures are retried individually" at the whole-call level.
		for _, m := range members {
			p.ledger.Refund(m.token)
			p.dedupCache.Abandon(m.fingerprint)
			t := m.task
			t.AssignProvider(chosen.ID)
			p.handleOutcome(ctx, t, nil, execErr)
		}
		return true
	}

	for i, m := range members {
		t := m.task
		t.AssignProvider(chosen.ID)

		var sub provider.Result
		var subErr error
		if i < len(results) {
			sub = results[i]
			subErr = sub.Err
		} else {
			subErr = apperrors.New(apperrors.Internal, "provider returned fewer batch results than tasks submitted")
		}

		if subErr == nil {
			p.ledger.Commit(m.token)
			p.dedupCache.Publish(m.fingerprint, sub.Output, "")
		} else {
			p.ledger.Refund(m.token)
			p.dedupCache.Abandon(m.fingerprint)
		}
		p.handleOutcome(ctx, t, sub.Output, subErr)
	}
	return true
}
