package model

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Fingerprint is the dedup-cache key for a Task: a hash of its Kind and
// canonicalized Payload. Two tasks that would produce the same answer
// hash identically regardless of map key order or submission time.
type Fingerprint [32]byte

func (f Fingerprint) String() string { return fmt.Sprintf("%x", f[:]) }

// Shard returns which dedup-cache shard this fingerprint belongs in.
func (f Fingerprint) Shard(shardCount int) int {
	if shardCount <= 0 {
		return 0
	}
	return int(f[0]) % shardCount
}

// ComputeFingerprint canonicalizes kind and payload into a stable byte
// sequence (sorted keys, no whitespace) and hashes it. Metadata is
// deliberately excluded: it carries caller bookkeeping (tracing IDs,
// owner tags) that must not affect whether two tasks are considered
// duplicates.
func ComputeFingerprint(kind TaskKind, payload map[string]interface{}) Fingerprint {
	canon := canonicalize(payload)
	buf, err := json.Marshal(struct {
		Kind    TaskKind    `json:"kind"`
		Payload interface{} `json:"payload"`
	}{Kind: kind, Payload: canon})
	if err != nil {
		// canonicalize only ever produces JSON-marshalable primitives,
		// maps, and slices, so this path is unreachable in practice.
		buf = []byte(fmt.Sprintf("%s:%v", kind, payload))
	}
	return sha256.Sum256(buf)
}

// canonicalize recursively sorts map keys so json.Marshal's
// nondeterministic map ordering can't change the hash across runs.
// encoding/json already sorts map[string]X keys, but nested
// map[string]interface{} values still need explicit normalization to
// guarantee recursive ordering independent of Go's own guarantees.
func canonicalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]interface{}, len(val))
		for _, k := range keys {
			out[k] = canonicalize(val[k])
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return val
	}
}

// CacheEntry is a published dedup-cache result, keyed by Fingerprint.
type CacheEntry struct {
	Fingerprint Fingerprint            `json:"fingerprint"`
	Result      map[string]interface{} `json:"result"`
	Err         string                 `json:"err,omitempty"`
	PublishedAt time.Time              `json:"published_at"`
	ExpiresAt   time.Time              `json:"expires_at"`
}

// Expired reports whether the entry is past its TTL at time now.
func (c CacheEntry) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}
