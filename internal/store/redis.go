package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/praxhq/prax/pkg/api"
)

type (
	// RedisDefinitions persists definitions in Redis with a name+version
	// uniqueness index
	RedisDefinitions struct {
		client *redis.Client
		prefix string
	}

	// RedisExecutions persists execution aggregates in Redis
	RedisExecutions struct {
		client *redis.Client
		prefix string
	}

	// RedisApprovals persists approval requests in Redis with an open
	// request index per (execution, step)
	RedisApprovals struct {
		client *redis.Client
		prefix string
	}
)

// NewRedisStores constructs the three Redis-backed stores sharing one client
func NewRedisStores(client *redis.Client, prefix string) *Stores {
	return &Stores{
		Definitions: &RedisDefinitions{client: client, prefix: prefix},
		Executions:  &RedisExecutions{client: client, prefix: prefix},
		Approvals:   &RedisApprovals{client: client, prefix: prefix},
	}
}

func (s *RedisDefinitions) key(id api.ProcessID) string {
	return fmt.Sprintf("%s:def:%s", s.prefix, id)
}

func (s *RedisDefinitions) idsKey() string {
	return s.prefix + ":def:ids"
}

func (s *RedisDefinitions) namesKey() string {
	return s.prefix + ":def:names"
}

func nameVersionField(name api.Name, version string) string {
	return fmt.Sprintf("%s@%s", name, version)
}

// Save writes the definition body and its indexes in one MULTI/EXEC so a
// crash never observes a half-written aggregate
func (s *RedisDefinitions) Save(
	ctx context.Context, def *api.ProcessDefinition,
) error {
	field := nameVersionField(def.Name, def.Version)
	owner, err := s.client.HGet(ctx, s.namesKey(), field).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if owner != "" && owner != string(def.ID) {
		return fmt.Errorf("%w: %s %s", ErrVersionExists, def.Name, def.Version)
	}

	body, err := encode(def)
	if err != nil {
		return err
	}

	// Drop a stale name index entry when a draft's version was edited
	var stale string
	if prev, err := s.GetByID(ctx, def.ID); err == nil {
		if prev.Name != def.Name || prev.Version != def.Version {
			stale = nameVersionField(prev.Name, prev.Version)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key(def.ID), body, 0)
		p.SAdd(ctx, s.idsKey(), string(def.ID))
		if stale != "" {
			p.HDel(ctx, s.namesKey(), stale)
		}
		p.HSet(ctx, s.namesKey(), field, string(def.ID))
		return nil
	})
	return err
}

func (s *RedisDefinitions) GetByID(
	ctx context.Context, id api.ProcessID,
) (*api.ProcessDefinition, error) {
	body, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: definition %s", api.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decode[api.ProcessDefinition](body)
}

func (s *RedisDefinitions) GetByName(
	ctx context.Context, name api.Name, version string,
) (*api.ProcessDefinition, error) {
	if version != "" {
		field := nameVersionField(name, version)
		id, err := s.client.HGet(ctx, s.namesKey(), field).Result()
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: definition %s %s",
				api.ErrNotFound, name, version)
		}
		if err != nil {
			return nil, err
		}
		return s.GetByID(ctx, api.ProcessID(id))
	}

	defs, err := s.List(ctx, DefinitionFilter{
		Status: api.DefinitionPublished,
	})
	if err != nil {
		return nil, err
	}

	var best *api.ProcessDefinition
	for _, def := range defs {
		if def.Name != name {
			continue
		}
		if best == nil || versionLess(best.Version, def.Version) {
			best = def
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: definition %s", api.ErrNotFound, name)
	}
	return best, nil
}

func (s *RedisDefinitions) List(
	ctx context.Context, filter DefinitionFilter,
) ([]*api.ProcessDefinition, error) {
	defs, err := loadAll[api.ProcessDefinition](
		ctx, s.client, s.idsKey(), func(id string) string {
			return s.key(api.ProcessID(id))
		},
	)
	if err != nil {
		return nil, err
	}

	var res []*api.ProcessDefinition
	for _, def := range defs {
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

func (s *RedisDefinitions) Count(
	ctx context.Context, status api.DefinitionStatus,
) (int, error) {
	defs, err := s.List(ctx, DefinitionFilter{Status: status})
	if err != nil {
		return 0, err
	}
	return len(defs), nil
}

func (s *RedisDefinitions) Delete(
	ctx context.Context, id api.ProcessID,
) error {
	def, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.key(id))
		p.SRem(ctx, s.idsKey(), string(id))
		p.HDel(ctx, s.namesKey(),
			nameVersionField(def.Name, def.Version))
		return nil
	})
	return err
}

func (s *RedisExecutions) key(id api.ExecutionID) string {
	return fmt.Sprintf("%s:exec:%s", s.prefix, id)
}

func (s *RedisExecutions) idsKey() string {
	return s.prefix + ":exec:ids"
}

func (s *RedisExecutions) parentKey(id api.ExecutionID) string {
	return fmt.Sprintf("%s:exec:parent:%s", s.prefix, id)
}

func (s *RedisExecutions) Save(
	ctx context.Context, exec *api.ProcessExecution,
) error {
	body, err := encode(exec)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key(exec.ID), body, 0)
		p.SAdd(ctx, s.idsKey(), string(exec.ID))
		if exec.ParentExecutionID != "" {
			p.SAdd(ctx, s.parentKey(exec.ParentExecutionID),
				string(exec.ID))
		}
		return nil
	})
	return err
}

func (s *RedisExecutions) GetByID(
	ctx context.Context, id api.ExecutionID,
) (*api.ProcessExecution, error) {
	body, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: execution %s", api.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decode[api.ProcessExecution](body)
}

func (s *RedisExecutions) List(
	ctx context.Context, filter ExecutionFilter,
) ([]*api.ProcessExecution, error) {
	execs, err := loadAll[api.ProcessExecution](
		ctx, s.client, s.idsKey(), func(id string) string {
			return s.key(api.ExecutionID(id))
		},
	)
	if err != nil {
		return nil, err
	}

	var res []*api.ProcessExecution
	for _, exec := range execs {
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

func (s *RedisExecutions) ListByParent(
	ctx context.Context, parent api.ExecutionID,
) ([]*api.ProcessExecution, error) {
	ids, err := s.client.SMembers(ctx, s.parentKey(parent)).Result()
	if err != nil {
		return nil, err
	}

	var res []*api.ProcessExecution
	for _, id := range ids {
		exec, err := s.GetByID(ctx, api.ExecutionID(id))
		if err != nil {
			continue
		}
		res = append(res, exec)
	}

	sort.Slice(res, func(i, j int) bool {
		return res[i].CreatedAt.Before(res[j].CreatedAt)
	})
	return res, nil
}

func (s *RedisApprovals) key(id api.ApprovalID) string {
	return fmt.Sprintf("%s:appr:%s", s.prefix, id)
}

func (s *RedisApprovals) idsKey() string {
	return s.prefix + ":appr:ids"
}

func (s *RedisApprovals) openKey() string {
	return s.prefix + ":appr:open"
}

func openField(exec api.ExecutionID, step api.StepID) string {
	return fmt.Sprintf("%s/%s", exec, step)
}

func (s *RedisApprovals) Save(
	ctx context.Context, req *api.ApprovalRequest,
) error {
	field := openField(req.ExecutionID, req.StepID)

	if !req.Status.IsTerminal() {
		open, err := s.client.HGet(ctx, s.openKey(), field).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if open != "" && open != string(req.ID) {
			return fmt.Errorf("%w: %s", ErrApprovalExists, field)
		}
	}

	body, err := encode(req)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key(req.ID), body, 0)
		p.SAdd(ctx, s.idsKey(), string(req.ID))
		if req.Status.IsTerminal() {
			p.HDel(ctx, s.openKey(), field)
		} else {
			p.HSet(ctx, s.openKey(), field, string(req.ID))
		}
		return nil
	})
	return err
}

func (s *RedisApprovals) Get(
	ctx context.Context, id api.ApprovalID,
) (*api.ApprovalRequest, error) {
	body, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: approval %s", api.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return decode[api.ApprovalRequest](body)
}

func (s *RedisApprovals) GetByExecutionStep(
	ctx context.Context, exec api.ExecutionID, step api.StepID,
) (*api.ApprovalRequest, error) {
	id, err := s.client.HGet(
		ctx, s.openKey(), openField(exec, step),
	).Result()
	if err == nil && id != "" {
		return s.Get(ctx, api.ApprovalID(id))
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// No open request; fall back to the most recent decided one
	all, err := s.List(ctx, ApprovalFilter{ExecutionID: exec})
	if err != nil {
		return nil, err
	}
	for _, req := range all {
		if req.StepID == step {
			return req, nil
		}
	}
	return nil, fmt.Errorf("%w: approval for %s/%s",
		api.ErrNotFound, exec, step)
}

func (s *RedisApprovals) ListPendingFor(
	ctx context.Context, user string,
) ([]*api.ApprovalRequest, error) {
	pending, err := s.List(ctx, ApprovalFilter{
		Status: api.ApprovalPending,
	})
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

func (s *RedisApprovals) List(
	ctx context.Context, filter ApprovalFilter,
) ([]*api.ApprovalRequest, error) {
	approvals, err := loadAll[api.ApprovalRequest](
		ctx, s.client, s.idsKey(), func(id string) string {
			return s.key(api.ApprovalID(id))
		},
	)
	if err != nil {
		return nil, err
	}

	var res []*api.ApprovalRequest
	for _, req := range approvals {
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

func loadAll[T any](
	ctx context.Context, client *redis.Client, idsKey string,
	keyFor func(string) string,
) ([]*T, error) {
	ids, err := client.SMembers(ctx, idsKey).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyFor(id)
	}

	bodies, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var res []*T
	for _, body := range bodies {
		s, ok := body.(string)
		if !ok {
			continue
		}
		v, err := decode[T]([]byte(s))
		if err != nil {
			continue
		}
		res = append(res, v)
	}
	return res, nil
}

// versionLess compares major.minor version strings numerically
func versionLess(a, b string) bool {
	aMajor, aMinor := splitVersion(a)
	bMajor, bMinor := splitVersion(b)
	if aMajor != bMajor {
		return aMajor < bMajor
	}
	return aMinor < bMinor
}

func splitVersion(v string) (int, int) {
	major, minor, _ := strings.Cut(v, ".")
	mj, _ := strconv.Atoi(major)
	mn, _ := strconv.Atoi(minor)
	return mj, mn
}
