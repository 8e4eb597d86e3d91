package store

import (
	"context"
	"sync"

	"github.com/relayforge/taskmesh/internal/model"
)

// MemoryStore is an in-process Store, adapted from the teacher's
// store.MemoryStore: one map per record type guarded by a single
// mutex, always returning copies so callers can't mutate internal
// state through a returned pointer.
type MemoryStore struct {
	mu sync.RWMutex

	tasks     map[string]*model.Task
	providers map[string]*model.Provider
	workflows map[string]*model.Workflow
	runs      map[string]*model.WorkflowRun
	epochs    map[string]int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*model.Task),
		providers: make(map[string]*model.Provider),
		workflows: make(map[string]*model.Workflow),
		runs:      make(map[string]*model.WorkflowRun),
		epochs:    make(map[string]int64),
	}
}

func (s *MemoryStore) CreateTask(ctx context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, task *model.Task, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tasks[task.ID]
	if ok && existing.Version != expectedVersion {
		return ErrVersionConflict
	}
	cp := *task
	cp.Version = expectedVersion + 1
	s.tasks[task.ID] = &cp
	return nil
}

func (s *MemoryStore) ListTasksByStatus(ctx context.Context, status model.TaskStatus, limit int) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Task, 0)
	for _, t := range s.tasks {
		if t.Status != status {
			continue
		}
		cp := *t
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) UpsertProvider(ctx context.Context, p *model.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.providers[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListProviders(ctx context.Context) ([]*model.Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) CreateWorkflow(ctx context.Context, wf *model.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, nil
	}
	cp := *wf
	return &cp, nil
}

func (s *MemoryStore) ListWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Workflow, 0, len(s.workflows))
	for _, wf := range s.workflows {
		cp := *wf
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) CreateWorkflowRun(ctx context.Context, run *model.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflowRun(ctx context.Context, id string) (*model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) UpdateWorkflowRun(ctx context.Context, run *model.WorkflowRun, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[run.ID]
	if ok && existing.Version != expectedVersion {
		return ErrVersionConflict
	}
	cp := *run
	cp.Version = expectedVersion + 1
	s.runs[run.ID] = &cp
	return nil
}

func (s *MemoryStore) ListRunsByWorkflow(ctx context.Context, workflowID string, limit int) ([]*model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.WorkflowRun, 0)
	for _, r := range s.runs {
		if r.WorkflowID != workflowID {
			continue
		}
		cp := *r
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) IncrementDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epochs[resourceID]++
	return s.epochs[resourceID], nil
}

func (s *MemoryStore) GetDurableEpoch(ctx context.Context, resourceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epochs[resourceID], nil
}
