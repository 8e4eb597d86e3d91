package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relayforge/taskmesh/internal/model"
)

// versionedSetScript atomically writes a JSON blob only if the caller's
// expected version still matches what's stored, copied from the
// teacher's store/redis_versioned.go CAS script with the hash fields
// renamed for this domain.
const versionedSetScript = `
local current = redis.call("HGET", KEYS[1], "version")
if current and tonumber(current) ~= tonumber(ARGV[2]) then
    return 0
end
redis.call("HMSET", KEYS[1], "value", ARGV[1], "version", ARGV[3])
if tonumber(ARGV[4]) > 0 then
    redis.call("EXPIRE", KEYS[1], ARGV[4])
end
return 1
`

// RedisStore implements Store for ephemeral, fast-path deployments,
// adapted from the teacher's store.RedisStore: same preload-the-Lua-
// script-SHA-at-construction idiom, same HGET/HMSET hash-per-record
// layout, generalized from the teacher's agents/states to
// tasks/providers/workflows/runs.
type RedisStore struct {
	client        *redis.Client
	versionSetSHA string
	prefix        string
}

// NewRedisStore connects to Redis and preloads the versioned-set Lua
// script, matching the teacher's NewRedisStore.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	sha, err := client.ScriptLoad(ctx, versionedSetScript).Result()
	if err != nil {
		return nil, errors.New("failed to preload versioned set script: " + err.Error())
	}

	return &RedisStore{client: client, versionSetSHA: sha, prefix: "taskmesh:"}, nil
}

func (s *RedisStore) taskKey(id string) string     { return s.prefix + "task:" + id }
func (s *RedisStore) providerKey(id string) string { return s.prefix + "provider:" + id }
func (s *RedisStore) workflowKey(id string) string { return s.prefix + "workflow:" + id }
func (s *RedisStore) runKey(id string) string      { return s.prefix + "run:" + id }

func (s *RedisStore) casSet(ctx context.Context, key string, value interface{}, version int) error {
	buf, err := json.Marshal(value)
	if err != nil {
		return err
	}
	result, err := s.client.EvalSha(ctx, s.versionSetSHA, []string{key}, string(buf), version-1, version, 0).Result()
	if err != nil && err.Error() == "NOSCRIPT No matching script. Please use EVAL." {
		s.versionSetSHA, _ = s.client.ScriptLoad(ctx, versionedSetScript).Result()
		result, err = s.client.EvalSha(ctx, s.versionSetSHA, []string{key}, string(buf), version-1, version, 0).Result()
	}
	if err != nil {
		return fmt.Errorf("redis cas set: %w", err)
	}
	if ok, _ := result.(int64); ok == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *RedisStore) getValue(ctx context.Context, key string, out interface{}) (bool, error) {
	raw, err := s.client.HGet(ctx, key, "value").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) CreateTask(ctx context.Context, task *model.Task) error {
	task.Version = 1
	return s.casSet(ctx, s.taskKey(task.ID), task, 1)
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	var t model.Task
	ok, err := s.getValue(ctx, s.taskKey(id), &t)
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}

func (s *RedisStore) UpdateTask(ctx context.Context, task *model.Task, expectedVersion int) error {
	task.Version = expectedVersion + 1
	return s.casSet(ctx, s.taskKey(task.ID), task, task.Version)
}

// ListTasksByStatus requires a secondary index in real deployments
// (e.g. a Redis SET per status) that this store doesn't maintain; tests
// needing a working scan-by-status use MemoryStore instead. This
// returns an empty slice rather than an unbounded KEYS scan in
// production.
func (s *RedisStore) ListTasksByStatus(ctx context.Context, status model.TaskStatus, limit int) ([]*model.Task, error) {
	return nil, nil
}

func (s *RedisStore) UpsertProvider(ctx context.Context, p *model.Provider) error {
	buf, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.providerKey(p.ID), buf, 0).Err()
}

func (s *RedisStore) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	raw, err := s.client.Get(ctx, s.providerKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p model.Provider
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *RedisStore) ListProviders(ctx context.Context) ([]*model.Provider, error) {
	keys, err := s.client.Keys(ctx, s.prefix+"provider:*").Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Provider, 0, len(keys))
	for _, k := range keys {
		raw, err := s.client.Get(ctx, k).Result()
		if err != nil {
			continue
		}
		var p model.Provider
		if err := json.Unmarshal([]byte(raw), &p); err == nil {
			out = append(out, &p)
		}
	}
	return out, nil
}

func (s *RedisStore) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	buf, err := json.Marshal(wf)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.workflowKey(wf.ID), buf, 0).Err()
}

func (s *RedisStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	raw, err := s.client.Get(ctx, s.workflowKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var wf model.Workflow
	if err := json.Unmarshal([]byte(raw), &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (s *RedisStore) ListWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	keys, err := s.client.Keys(ctx, s.prefix+"workflow:*").Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.Workflow, 0, len(keys))
	for _, k := range keys {
		raw, err := s.client.Get(ctx, k).Result()
		if err != nil {
			continue
		}
		var wf model.Workflow
		if err := json.Unmarshal([]byte(raw), &wf); err == nil {
			out = append(out, &wf)
		}
	}
	return out, nil
}

func (s *RedisStore) CreateWorkflowRun(ctx context.Context, run *model.WorkflowRun) error {
	run.Version = 1
	return s.casSet(ctx, s.runKey(run.ID), run, 1)
}

func (s *RedisStore) GetWorkflowRun(ctx context.Context, id string) (*model.WorkflowRun, error) {
	var r model.WorkflowRun
	ok, err := s.getValue(ctx, s.runKey(id), &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

func (s *RedisStore) UpdateWorkflowRun(ctx context.Context, run *model.WorkflowRun, expectedVersion int) error {
	run.Version = expectedVersion + 1
	return s.casSet(ctx, s.runKey(run.ID), run, run.Version)
}

func (s *RedisStore) ListRunsByWorkflow(ctx context.Context, workflowID string, limit int) ([]*model.WorkflowRun, error) {
	keys, err := s.client.Keys(ctx, s.prefix+"run:*").Result()
	if err != nil {
		return nil, err
	}
	out := make([]*model.WorkflowRun, 0)
	for _, k := range keys {
		raw, err := s.client.Get(ctx, k).Result()
		if err != nil {
			continue
		}
		var r model.WorkflowRun
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		if r.WorkflowID != workflowID {
			continue
		}
		out = append(out, &r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// IncrementDurableEpoch uses Redis INCR, good enough for the ephemeral
// store; PostgresStore is the durable fencing source of truth the
// LeaderElector actually relies on.
func (s *RedisStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	return s.client.Incr(ctx, s.prefix+"epoch:"+resourceID).Result()
}

func (s *RedisStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	val, err := s.client.Get(ctx, s.prefix+"epoch:"+resourceID).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}
