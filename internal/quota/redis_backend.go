package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayforge/taskmesh/internal/model"
)

// RedisBackend persists QuotaRecords in Redis so multiple processes
// share one quota view, grounded on store/redis_versioned.go's use of
// go-redis/v9 Lua scripting for atomic read-modify-write.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend constructs a RedisBackend over an existing client.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "taskmesh:quota:"
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (b *RedisBackend) redisKey(providerID, subKey string) string {
	return fmt.Sprintf("%s%s:%s", b.prefix, providerID, subKey)
}

// Load fetches the persisted QuotaRecord for (providerID, subKey).
func (b *RedisBackend) Load(ctx context.Context, providerID, subKey string) (model.QuotaRecord, bool, error) {
	raw, err := b.client.Get(ctx, b.redisKey(providerID, subKey)).Result()
	if err == redis.Nil {
		return model.QuotaRecord{}, false, nil
	}
	if err != nil {
		return model.QuotaRecord{}, false, fmt.Errorf("quota redis load: %w", err)
	}
	var rec model.QuotaRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return model.QuotaRecord{}, false, fmt.Errorf("quota redis unmarshal: %w", err)
	}
	return rec, true, nil
}

// Save persists rec, replacing whatever was stored before. Callers are
// expected to serialize concurrent writers to the same key themselves
// (the in-process Ledger already does, via record.mu); Save only
// protects the wire format.
func (b *RedisBackend) Save(ctx context.Context, rec model.QuotaRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("quota redis marshal: %w", err)
	}
	ttl := time.Until(rec.ResetAt) + time.Hour
	if ttl <= 0 {
		ttl = time.Hour
	}
	return b.client.Set(ctx, b.redisKey(rec.ProviderID, rec.SubKey), buf, ttl).Err()
}
