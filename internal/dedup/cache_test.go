package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/relayforge/taskmesh/internal/clock"
	"github.com/relayforge/taskmesh/internal/model"
)

func fp(s string) model.Fingerprint {
	return model.ComputeFingerprint(model.TaskKind("k"), map[string]interface{}{"x": s})
}

func TestGetOrClaim_FirstCallerIsClaimant(t *testing.T) {
	c := New(4, time.Minute, nil)
	role, _, _ := c.GetOrClaim(fp("a"))
	if role != RoleClaimant {
		t.Fatalf("expected first caller to be claimant, got %v", role)
	}
}

func TestGetOrClaim_SecondCallerWaitsThenInheritsPublishedResult(t *testing.T) {
	c := New(4, time.Minute, nil)
	f := fp("a")

	role, _, _ := c.GetOrClaim(f)
	if role != RoleClaimant {
		t.Fatalf("expected claimant, got %v", role)
	}

	followerRole, _, ch := c.GetOrClaim(f)
	if followerRole != RoleFollowerWait {
		t.Fatalf("expected second caller to wait as a follower, got %v", followerRole)
	}

	c.Publish(f, map[string]interface{}{"result": "ok"}, "")

	out, ok := Await(context.Background(), ch)
	if !ok {
		t.Fatal("expected follower to receive an outcome")
	}
	if out.Result["result"] != "ok" {
		t.Fatalf("follower inherited wrong result: %+v", out)
	}
}

func TestGetOrClaim_HitAfterPublishReturnsIdenticalResultWithinTTL(t *testing.T) {
	fixed := clock.NewFixed(time.Now())
	c := New(4, time.Minute, fixed)
	f := fp("a")

	c.GetOrClaim(f)
	c.Publish(f, map[string]interface{}{"v": 1}, "")

	for i := 0; i < 3; i++ {
		role, entry, _ := c.GetOrClaim(f)
		if role != RoleFollowerHit {
			t.Fatalf("expected a cache hit on call %d, got %v", i, role)
		}
		if entry.Result["v"] != 1 {
			t.Fatalf("expected identical cached result, got %+v", entry.Result)
		}
	}
}

func TestGetOrClaim_ExpiredEntryBecomesNewClaim(t *testing.T) {
	fixed := clock.NewFixed(time.Now())
	c := New(4, time.Minute, fixed)
	f := fp("a")

	c.GetOrClaim(f)
	c.Publish(f, map[string]interface{}{"v": 1}, "")

	fixed.Advance(2 * time.Minute)

	role, _, _ := c.GetOrClaim(f)
	if role != RoleClaimant {
		t.Fatalf("expected an expired entry to yield a fresh claim, got %v", role)
	}
}

func TestAbandon_ReleasesClaimForANewClaimant(t *testing.T) {
	c := New(4, time.Minute, nil)
	f := fp("a")

	c.GetOrClaim(f)
	c.Abandon(f)

	role, _, _ := c.GetOrClaim(f)
	if role != RoleClaimant {
		t.Fatalf("expected abandon to free the slot for a new claimant, got %v", role)
	}
}

func TestAtMostOneNonTerminalProducerPerFingerprint(t *testing.T) {
	c := New(4, time.Minute, nil)
	f := fp("shared")

	role1, _, _ := c.GetOrClaim(f)
	role2, _, _ := c.GetOrClaim(f)
	role3, _, _ := c.GetOrClaim(f)

	claimants := 0
	for _, r := range []Role{role1, role2, role3} {
		if r == RoleClaimant {
			claimants++
		}
	}
	if claimants != 1 {
		t.Fatalf("expected exactly one claimant among concurrent callers, got %d", claimants)
	}
}
