package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relayforge/taskmesh/internal/model"
)

// PostgresStore implements Store using a PostgreSQL backend, adapted
// from the teacher's store.PostgresStore: same pgxpool.Config tuning,
// same ON CONFLICT upsert shape for Provider, same
// expected-version-in-WHERE-clause pattern for optimistic updates.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a PostgresStore with a connection pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 50
	config.MinConns = 5
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) CreateTask(ctx context.Context, task *model.Task) error {
	payload, _ := json.Marshal(task.Payload)
	metadata, _ := json.Marshal(task.Metadata)
	query := `
		INSERT INTO tasks (id, kind, payload, metadata, priority, owner_id, status, attempts,
			last_error, assigned_provider_id, parent_workflow_id, parent_stage_id,
			created_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW(),NOW(),1)
	`
	_, err := s.pool.Exec(ctx, query,
		task.ID, task.Kind, payload, metadata, task.Priority, task.OwnerID, task.Status,
		task.Attempts, task.LastError, task.AssignedProviderID, task.ParentWorkflowID, task.ParentStageID,
	)
	if err != nil {
		return err
	}
	task.Version = 1
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	query := `
		SELECT id, kind, payload, metadata, priority, owner_id, status, attempts,
			last_error, assigned_provider_id, parent_workflow_id, parent_stage_id,
			output, created_at, updated_at, version
		FROM tasks WHERE id = $1
	`
	var t model.Task
	var payload, metadata, output []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.Kind, &payload, &metadata, &t.Priority, &t.OwnerID, &t.Status, &t.Attempts,
		&t.LastError, &t.AssignedProviderID, &t.ParentWorkflowID, &t.ParentStageID,
		&output, &t.CreatedAt, &t.UpdatedAt, &t.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(payload, &t.Payload)
	_ = json.Unmarshal(metadata, &t.Metadata)
	_ = json.Unmarshal(output, &t.Output)
	return &t, nil
}

// UpdateTask writes task back only if its stored version still matches
// expectedVersion, mirroring the teacher's UpdateStateStatus
// expectedVersion WHERE clause.
func (s *PostgresStore) UpdateTask(ctx context.Context, task *model.Task, expectedVersion int) error {
	payload, _ := json.Marshal(task.Payload)
	metadata, _ := json.Marshal(task.Metadata)
	output, _ := json.Marshal(task.Output)
	query := `
		UPDATE tasks SET
			status=$1, attempts=$2, last_error=$3, assigned_provider_id=$4,
			payload=$5, metadata=$6, output=$7, updated_at=NOW(), version=version+1
		WHERE id=$8 AND version=$9
	`
	tag, err := s.pool.Exec(ctx, query,
		task.Status, task.Attempts, task.LastError, task.AssignedProviderID,
		payload, metadata, output, task.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) ListTasksByStatus(ctx context.Context, status model.TaskStatus, limit int) ([]*model.Task, error) {
	query := `
		SELECT id, kind, payload, metadata, priority, owner_id, status, attempts,
			last_error, assigned_provider_id, parent_workflow_id, parent_stage_id,
			output, created_at, updated_at, version
		FROM tasks WHERE status = $1 ORDER BY priority DESC, created_at ASC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Task
	for rows.Next() {
		var t model.Task
		var payload, metadata, output []byte
		if err := rows.Scan(
			&t.ID, &t.Kind, &payload, &metadata, &t.Priority, &t.OwnerID, &t.Status, &t.Attempts,
			&t.LastError, &t.AssignedProviderID, &t.ParentWorkflowID, &t.ParentStageID,
			&output, &t.CreatedAt, &t.UpdatedAt, &t.Version,
		); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(payload, &t.Payload)
		_ = json.Unmarshal(metadata, &t.Metadata)
		_ = json.Unmarshal(output, &t.Output)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertProvider(ctx context.Context, p *model.Provider) error {
	caps, _ := json.Marshal(p.Capabilities)
	cfg, _ := json.Marshal(p.Config)
	query := `
		INSERT INTO providers (id, kind, priority, capabilities, config, health_state, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW())
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			priority = EXCLUDED.priority,
			capabilities = EXCLUDED.capabilities,
			config = EXCLUDED.config,
			health_state = EXCLUDED.health_state,
			updated_at = NOW()
	`
	_, err := s.pool.Exec(ctx, query, p.ID, p.Kind, p.Priority, caps, cfg, p.Health.State)
	return err
}

func (s *PostgresStore) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	query := `SELECT id, kind, priority, capabilities, config, health_state FROM providers WHERE id = $1`
	var p model.Provider
	var caps, cfg []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.Kind, &p.Priority, &caps, &cfg, &p.Health.State)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(caps, &p.Capabilities)
	_ = json.Unmarshal(cfg, &p.Config)
	return &p, nil
}

func (s *PostgresStore) ListProviders(ctx context.Context) ([]*model.Provider, error) {
	query := `SELECT id, kind, priority, capabilities, config, health_state FROM providers`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Provider
	for rows.Next() {
		var p model.Provider
		var caps, cfg []byte
		if err := rows.Scan(&p.ID, &p.Kind, &p.Priority, &caps, &cfg, &p.Health.State); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(caps, &p.Capabilities)
		_ = json.Unmarshal(cfg, &p.Config)
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	stages, _ := json.Marshal(wf.Stages)
	edges, _ := json.Marshal(wf.Edges)
	query := `
		INSERT INTO workflows (id, name, stages, edges, cron_schedule, timezone, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,NOW(),NOW())
	`
	_, err := s.pool.Exec(ctx, query, wf.ID, wf.Name, stages, edges, wf.CronSchedule, wf.Timezone)
	return err
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	query := `SELECT id, name, stages, edges, cron_schedule, timezone, created_at, updated_at FROM workflows WHERE id = $1`
	var wf model.Workflow
	var stages, edges []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(&wf.ID, &wf.Name, &stages, &edges, &wf.CronSchedule, &wf.Timezone, &wf.CreatedAt, &wf.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(stages, &wf.Stages)
	_ = json.Unmarshal(edges, &wf.Edges)
	return &wf, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	query := `SELECT id, name, stages, edges, cron_schedule, timezone, created_at, updated_at FROM workflows`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Workflow
	for rows.Next() {
		var wf model.Workflow
		var stages, edges []byte
		if err := rows.Scan(&wf.ID, &wf.Name, &stages, &edges, &wf.CronSchedule, &wf.Timezone, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(stages, &wf.Stages)
		_ = json.Unmarshal(edges, &wf.Edges)
		out = append(out, &wf)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateWorkflowRun(ctx context.Context, run *model.WorkflowRun) error {
	outcomes, _ := json.Marshal(run.Outcomes)
	skipped, _ := json.Marshal(run.Skipped)
	query := `
		INSERT INTO workflow_runs (id, workflow_id, status, outcomes, skipped, started_at,
			triggered_by, scheduled_for, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1)
	`
	_, err := s.pool.Exec(ctx, query, run.ID, run.WorkflowID, run.Status, outcomes, skipped,
		run.StartedAt, run.TriggeredBy, run.ScheduledFor)
	if err != nil {
		return err
	}
	run.Version = 1
	return nil
}

func (s *PostgresStore) GetWorkflowRun(ctx context.Context, id string) (*model.WorkflowRun, error) {
	query := `
		SELECT id, workflow_id, status, outcomes, skipped, started_at, completed_at,
			triggered_by, scheduled_for, version
		FROM workflow_runs WHERE id = $1
	`
	var r model.WorkflowRun
	var outcomes, skipped []byte
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.WorkflowID, &r.Status, &outcomes, &skipped, &r.StartedAt, &r.CompletedAt,
		&r.TriggeredBy, &r.ScheduledFor, &r.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(outcomes, &r.Outcomes)
	_ = json.Unmarshal(skipped, &r.Skipped)
	return &r, nil
}

// UpdateWorkflowRun mirrors UpdateTask's expectedVersion CAS pattern.
func (s *PostgresStore) UpdateWorkflowRun(ctx context.Context, run *model.WorkflowRun, expectedVersion int) error {
	outcomes, _ := json.Marshal(run.Outcomes)
	skipped, _ := json.Marshal(run.Skipped)
	query := `
		UPDATE workflow_runs SET
			status=$1, outcomes=$2, skipped=$3, completed_at=$4, version=version+1
		WHERE id=$5 AND version=$6
	`
	tag, err := s.pool.Exec(ctx, query, run.Status, outcomes, skipped, run.CompletedAt, run.ID, expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (s *PostgresStore) ListRunsByWorkflow(ctx context.Context, workflowID string, limit int) ([]*model.WorkflowRun, error) {
	query := `
		SELECT id, workflow_id, status, outcomes, skipped, started_at, completed_at,
			triggered_by, scheduled_for, version
		FROM workflow_runs WHERE workflow_id = $1 ORDER BY started_at DESC LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, workflowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.WorkflowRun
	for rows.Next() {
		var r model.WorkflowRun
		var outcomes, skipped []byte
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.Status, &outcomes, &skipped, &r.StartedAt,
			&r.CompletedAt, &r.TriggeredBy, &r.ScheduledFor, &r.Version); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(outcomes, &r.Outcomes)
		_ = json.Unmarshal(skipped, &r.Skipped)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// IncrementDurableEpoch atomically bumps and returns the epoch for
// resourceID, used by the leader elector's fencing token.
func (s *PostgresStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `
		INSERT INTO durable_epochs (resource_id, epoch) VALUES ($1, 1)
		ON CONFLICT (resource_id) DO UPDATE SET epoch = durable_epochs.epoch + 1
		RETURNING epoch
	`
	var epoch int64
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&epoch)
	return epoch, err
}

func (s *PostgresStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	query := `SELECT epoch FROM durable_epochs WHERE resource_id = $1`
	var epoch int64
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&epoch)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	return epoch, err
}
