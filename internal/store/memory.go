package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/praxhq/prax/pkg/api"
)

type (
	// MemoryDefinitions is an in-memory DefinitionStore used by tests and
	// the default development wiring
	MemoryDefinitions struct {
		mu   sync.RWMutex
		defs map[api.ProcessID][]byte
	}

	// MemoryExecutions is an in-memory ExecutionStore
	MemoryExecutions struct {
		mu    sync.RWMutex
		execs map[api.ExecutionID][]byte
	}

	// MemoryApprovals is an in-memory ApprovalStore
	MemoryApprovals struct {
		mu        sync.RWMutex
		approvals map[api.ApprovalID][]byte
	}
)

// NewMemoryStores constructs the three in-memory stores
func NewMemoryStores() *Stores {
	return &Stores{
		Definitions: NewMemoryDefinitions(),
		Executions:  NewMemoryExecutions(),
		Approvals:   NewMemoryApprovals(),
	}
}

// NewMemoryDefinitions creates an empty in-memory definition store
func NewMemoryDefinitions() *MemoryDefinitions {
	return &MemoryDefinitions{defs: map[api.ProcessID][]byte{}}
}

// NewMemoryExecutions creates an empty in-memory execution store
func NewMemoryExecutions() *MemoryExecutions {
	return &MemoryExecutions{execs: map[api.ExecutionID][]byte{}}
}

// NewMemoryApprovals creates an empty in-memory approval store
func NewMemoryApprovals() *MemoryApprovals {
	return &MemoryApprovals{approvals: map[api.ApprovalID][]byte{}}
}

// Aggregates round-trip through JSON so stored state is decoupled from the
// caller's pointers and save;load;save is byte-identical.

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decode[T any](body []byte) (*T, error) {
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *MemoryDefinitions) Save(
	_ context.Context, def *api.ProcessDefinition,
) error {
	body, err := encode(def)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, existing := range s.defs {
		if id == def.ID {
			continue
		}
		other, err := decode[api.ProcessDefinition](existing)
		if err != nil {
			continue
		}
		if other.Name == def.Name && other.Version == def.Version {
			return fmt.Errorf("%w: %s %s",
				ErrVersionExists, def.Name, def.Version)
		}
	}

	s.defs[def.ID] = body
	return nil
}

func (s *MemoryDefinitions) GetByID(
	_ context.Context, id api.ProcessID,
) (*api.ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	body, ok := s.defs[id]
	if !ok {
		return nil, fmt.Errorf("%w: definition %s", api.ErrNotFound, id)
	}
	return decode[api.ProcessDefinition](body)
}

func (s *MemoryDefinitions) GetByName(
	_ context.Context, name api.Name, version string,
) (*api.ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *api.ProcessDefinition
	for _, body := range s.defs {
		def, err := decode[api.ProcessDefinition](body)
		if err != nil || def.Name != name {
			continue
		}
		if version != "" {
			if def.Version == version {
				return def, nil
			}
			continue
		}
		if def.Status != api.DefinitionPublished {
			continue
		}
		if best == nil || versionLess(best.Version, def.Version) {
			best = def
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: definition %s %s",
			api.ErrNotFound, name, version)
	}
	return best, nil
}

func (s *MemoryDefinitions) List(
	_ context.Context, filter DefinitionFilter,
) ([]*api.ProcessDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []*api.ProcessDefinition
	for _, body := range s.defs {
		def, err := decode[api.ProcessDefinition](body)
		if err != nil {
			continue
		}
		if filter.Status != "" && def.Status != filter.Status {
			continue
		}
		res = append(res, def)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return paginate(res, filter.Offset, filter.Limit), nil
}

func (s *MemoryDefinitions) Count(
	ctx context.Context, status api.DefinitionStatus,
) (int, error) {
	defs, err := s.List(ctx, DefinitionFilter{Status: status})
	if err != nil {
		return 0, err
	}
	return len(defs), nil
}

func (s *MemoryDefinitions) Delete(
	_ context.Context, id api.ProcessID,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.defs[id]; !ok {
		return fmt.Errorf("%w: definition %s", api.ErrNotFound, id)
	}
	delete(s.defs, id)
	return nil
}

func (s *MemoryExecutions) Save(
	_ context.Context, exec *api.ProcessExecution,
) error {
	body, err := encode(exec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[exec.ID] = body
	return nil
}

func (s *MemoryExecutions) GetByID(
	_ context.Context, id api.ExecutionID,
) (*api.ProcessExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	body, ok := s.execs[id]
	if !ok {
		return nil, fmt.Errorf("%w: execution %s", api.ErrNotFound, id)
	}
	return decode[api.ProcessExecution](body)
}

func (s *MemoryExecutions) List(
	_ context.Context, filter ExecutionFilter,
) ([]*api.ProcessExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []*api.ProcessExecution
	for _, body := range s.execs {
		exec, err := decode[api.ProcessExecution](body)
		if err != nil {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		if filter.ProcessID != "" && exec.ProcessID != filter.ProcessID {
			continue
		}
		res = append(res, exec)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return paginate(res, filter.Offset, filter.Limit), nil
}

func (s *MemoryExecutions) ListByParent(
	_ context.Context, parent api.ExecutionID,
) ([]*api.ProcessExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []*api.ProcessExecution
	for _, body := range s.execs {
		exec, err := decode[api.ProcessExecution](body)
		if err != nil {
			continue
		}
		if exec.ParentExecutionID == parent {
			res = append(res, exec)
		}
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (s *MemoryApprovals) Save(
	_ context.Context, req *api.ApprovalRequest,
) error {
	body, err := encode(req)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !req.Status.IsTerminal() {
		for id, existing := range s.approvals {
			if id == req.ID {
				continue
			}
			other, err := decode[api.ApprovalRequest](existing)
			if err != nil {
				continue
			}
			if other.ExecutionID == req.ExecutionID &&
				other.StepID == req.StepID &&
				!other.Status.IsTerminal() {
				return fmt.Errorf("%w: %s/%s",
					ErrApprovalExists, req.ExecutionID, req.StepID)
			}
		}
	}

	s.approvals[req.ID] = body
	return nil
}

func (s *MemoryApprovals) Get(
	_ context.Context, id api.ApprovalID,
) (*api.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	body, ok := s.approvals[id]
	if !ok {
		return nil, fmt.Errorf("%w: approval %s", api.ErrNotFound, id)
	}
	return decode[api.ApprovalRequest](body)
}

func (s *MemoryApprovals) GetByExecutionStep(
	_ context.Context, exec api.ExecutionID, step api.StepID,
) (*api.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *api.ApprovalRequest
	for _, body := range s.approvals {
		req, err := decode[api.ApprovalRequest](body)
		if err != nil {
			continue
		}
		if req.ExecutionID != exec || req.StepID != step {
			continue
		}
		if latest == nil || req.CreatedAt.After(latest.CreatedAt) {
			latest = req
		}
	}

	if latest == nil {
		return nil, fmt.Errorf("%w: approval for %s/%s",
			api.ErrNotFound, exec, step)
	}
	return latest, nil
}

func (s *MemoryApprovals) ListPendingFor(
	ctx context.Context, user string,
) ([]*api.ApprovalRequest, error) {
	pending, err := s.List(ctx, ApprovalFilter{Status: api.ApprovalPending})
	if err != nil {
		return nil, err
	}
	if user == "" {
		return pending, nil
	}

	var res []*api.ApprovalRequest
	for _, req := range pending {
		if req.AssignedTo(user) {
			res = append(res, req)
		}
	}
	return res, nil
}

func (s *MemoryApprovals) List(
	_ context.Context, filter ApprovalFilter,
) ([]*api.ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []*api.ApprovalRequest
	for _, body := range s.approvals {
		req, err := decode[api.ApprovalRequest](body)
		if err != nil {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		if filter.ExecutionID != "" &&
			req.ExecutionID != filter.ExecutionID {
			continue
		}
		res = append(res, req)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.After(res[j].CreatedAt)
	})
	return paginate(res, filter.Offset, filter.Limit), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
