package model

import (
	"testing"
	"time"
)

func TestComputeFingerprint_StableAcrossMapKeyOrder(t *testing.T) {
	a := ComputeFingerprint("chat_completion", map[string]interface{}{
		"prompt": "hi",
		"system": "be terse",
	})
	b := ComputeFingerprint("chat_completion", map[string]interface{}{
		"system": "be terse",
		"prompt": "hi",
	})
	if a != b {
		t.Fatalf("expected identical fingerprints regardless of map key order, got %s vs %s", a, b)
	}
}

func TestComputeFingerprint_NestedMapOrderIndependent(t *testing.T) {
	a := ComputeFingerprint("chat_completion", map[string]interface{}{
		"options": map[string]interface{}{"temperature": 0.2, "top_p": 0.9},
	})
	b := ComputeFingerprint("chat_completion", map[string]interface{}{
		"options": map[string]interface{}{"top_p": 0.9, "temperature": 0.2},
	})
	if a != b {
		t.Fatal("expected nested map key order not to affect the fingerprint")
	}
}

func TestComputeFingerprint_DifferentPayloadsDiffer(t *testing.T) {
	a := ComputeFingerprint("chat_completion", map[string]interface{}{"prompt": "hi"})
	b := ComputeFingerprint("chat_completion", map[string]interface{}{"prompt": "bye"})
	if a == b {
		t.Fatal("expected different payloads to produce different fingerprints")
	}
}

func TestComputeFingerprint_DifferentKindsDiffer(t *testing.T) {
	payload := map[string]interface{}{"prompt": "hi"}
	a := ComputeFingerprint("chat_completion", payload)
	b := ComputeFingerprint("summarize", payload)
	if a == b {
		t.Fatal("expected different kinds to produce different fingerprints even with identical payloads")
	}
}

func TestFingerprint_Shard(t *testing.T) {
	f := ComputeFingerprint("chat_completion", map[string]interface{}{"prompt": "hi"})
	if got := f.Shard(0); got != 0 {
		t.Fatalf("expected shard 0 for non-positive shardCount, got %d", got)
	}
	s := f.Shard(8)
	if s < 0 || s >= 8 {
		t.Fatalf("expected shard in [0,8), got %d", s)
	}
}

func TestCacheEntry_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	entry := CacheEntry{ExpiresAt: now.Add(-time.Second)}
	if !entry.Expired(now) {
		t.Fatal("expected entry past its ExpiresAt to be expired")
	}
	entry.ExpiresAt = now.Add(time.Second)
	if entry.Expired(now) {
		t.Fatal("expected entry before its ExpiresAt to not be expired")
	}
	entry.ExpiresAt = time.Time{}
	if entry.Expired(now) {
		t.Fatal("expected a zero ExpiresAt to mean no expiry")
	}
}
