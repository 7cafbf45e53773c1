package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"

	"github.com/praxhq/prax/internal/store"
	"github.com/praxhq/prax/pkg/api"
)

// storeFactories run the contract tests against both backends
var storeFactories = map[string]func(t *testing.T) *store.Stores{
	"memory": func(*testing.T) *store.Stores {
		return store.NewMemoryStores()
	},
	"redis": func(t *testing.T) *store.Stores {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return store.NewRedisStores(client, "prax-test")
	},
}

func testDefinition(name api.Name, version string) *api.ProcessDefinition {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &api.ProcessDefinition{
		ID:      api.NewProcessID(),
		Name:    name,
		Version: version,
		Status:  api.DefinitionDraft,
		Steps: []*api.StepDefinition{
			{
				ID:    "wait",
				Type:  api.StepTimer,
				Timer: &api.TimerConfig{Duration: api.Duration(time.Second)},
			},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestDefinitionRoundTrip(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stores := factory(t)

			def := testDefinition("billing", "1.0")
			assert.NoError(t, stores.Definitions.Save(ctx, def))

			loaded, err := stores.Definitions.GetByID(ctx, def.ID)
			assert.NoError(t, err)
			assert.Equal(t, def.Name, loaded.Name)
			assert.Equal(t, def.Version, loaded.Version)
			assert.Len(t, loaded.Steps, 1)

			// Saving the loaded copy back is idempotent
			assert.NoError(t, stores.Definitions.Save(ctx, loaded))
			again, err := stores.Definitions.GetByID(ctx, def.ID)
			assert.NoError(t, err)
			assert.Equal(t, loaded, again)
		})
	}
}

func TestDefinitionNotFound(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stores := factory(t)

			_, err := stores.Definitions.GetByID(ctx, "nope")
			assert.ErrorIs(t, err, api.ErrNotFound)
		})
	}
}

func TestDefinitionVersionUniqueness(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stores := factory(t)

			first := testDefinition("billing", "1.0")
			assert.NoError(t, stores.Definitions.Save(ctx, first))

			dup := testDefinition("billing", "1.0")
			err := stores.Definitions.Save(ctx, dup)
			assert.ErrorIs(t, err, store.ErrVersionExists)

			other := testDefinition("billing", "1.1")
			assert.NoError(t, stores.Definitions.Save(ctx, other))
		})
	}
}

func TestGetByNameLatestPublished(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stores := factory(t)

			for _, tc := range []struct {
				version string
				status  api.DefinitionStatus
			}{
				{"1.0", api.DefinitionPublished},
				{"1.2", api.DefinitionPublished},
				{"1.10", api.DefinitionPublished},
				{"2.0", api.DefinitionDraft},
			} {
				def := testDefinition("billing", tc.version)
				def.Status = tc.status
				assert.NoError(t, stores.Definitions.Save(ctx, def))
			}

			// Latest published wins; versions compare numerically
			latest, err := stores.Definitions.GetByName(ctx, "billing", "")
			assert.NoError(t, err)
			assert.Equal(t, "1.10", latest.Version)

			pinned, err := stores.Definitions.GetByName(ctx, "billing", "1.2")
			assert.NoError(t, err)
			assert.Equal(t, "1.2", pinned.Version)

			_, err = stores.Definitions.GetByName(ctx, "unknown", "")
			assert.ErrorIs(t, err, api.ErrNotFound)
		})
	}
}

func TestDefinitionListFilter(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stores := factory(t)

			published := testDefinition("billing", "1.0")
			published.Status = api.DefinitionPublished
			assert.NoError(t, stores.Definitions.Save(ctx, published))

			draft := testDefinition("shipping", "1.0")
			assert.NoError(t, stores.Definitions.Save(ctx, draft))

			defs, err := stores.Definitions.List(ctx, store.DefinitionFilter{
				Status: api.DefinitionPublished,
			})
			assert.NoError(t, err)
			assert.Len(t, defs, 1)
			assert.Equal(t, api.Name("billing"), defs[0].Name)

			count, err := stores.Definitions.Count(
				ctx, api.DefinitionDraft,
			)
			assert.NoError(t, err)
			assert.Equal(t, 1, count)
		})
	}
}

func TestDefinitionDelete(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stores := factory(t)

			def := testDefinition("billing", "1.0")
			assert.NoError(t, stores.Definitions.Save(ctx, def))
			assert.NoError(t, stores.Definitions.Delete(ctx, def.ID))

			_, err := stores.Definitions.GetByID(ctx, def.ID)
			assert.ErrorIs(t, err, api.ErrNotFound)

			// The freed (name, version) pair is reusable
			again := testDefinition("billing", "1.0")
			assert.NoError(t, stores.Definitions.Save(ctx, again))
		})
	}
}

func TestExecutionRoundTrip(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stores := factory(t)

			def := testDefinition("billing", "1.0")
			exec := api.NewExecution(
				def, api.Input{"k": "v"}, api.TriggeredAPI,
				time.Now().UTC().Truncate(time.Millisecond),
			)
			assert.NoError(t, stores.Executions.Save(ctx, exec))

			loaded, err := stores.Executions.GetByID(ctx, exec.ID)
			assert.NoError(t, err)
			assert.Equal(t, exec.ProcessName, loaded.ProcessName)
			assert.Len(t, loaded.Steps, 1)
		})
	}
}

func TestExecutionListByParent(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stores := factory(t)

			def := testDefinition("billing", "1.0")
			parent := api.NewExecution(
				def, nil, api.TriggeredAPI, time.Now().UTC(),
			)
			assert.NoError(t, stores.Executions.Save(ctx, parent))

			child := api.NewExecution(
				def, nil, api.TriggeredSubProcess, time.Now().UTC(),
			)
			child.ParentExecutionID = parent.ID
			child.ParentStepID = "wait"
			assert.NoError(t, stores.Executions.Save(ctx, child))

			children, err := stores.Executions.ListByParent(ctx, parent.ID)
			assert.NoError(t, err)
			assert.Len(t, children, 1)
			assert.Equal(t, child.ID, children[0].ID)
		})
	}
}

func TestApprovalPendingUniqueness(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stores := factory(t)

			execID := api.NewExecutionID()
			first := &api.ApprovalRequest{
				ID:          api.NewApprovalID(),
				ExecutionID: execID,
				StepID:      "approve",
				Status:      api.ApprovalPending,
				CreatedAt:   time.Now().UTC(),
			}
			assert.NoError(t, stores.Approvals.Save(ctx, first))

			dup := &api.ApprovalRequest{
				ID:          api.NewApprovalID(),
				ExecutionID: execID,
				StepID:      "approve",
				Status:      api.ApprovalPending,
				CreatedAt:   time.Now().UTC(),
			}
			err := stores.Approvals.Save(ctx, dup)
			assert.ErrorIs(t, err, store.ErrApprovalExists)

			// Deciding the first frees the slot
			first.Status = api.ApprovalApproved
			assert.NoError(t, stores.Approvals.Save(ctx, first))
			assert.NoError(t, stores.Approvals.Save(ctx, dup))
		})
	}
}

func TestApprovalListPendingFor(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stores := factory(t)

			assigned := &api.ApprovalRequest{
				ID:          api.NewApprovalID(),
				ExecutionID: api.NewExecutionID(),
				StepID:      "a",
				Assignees:   []string{"alice"},
				Status:      api.ApprovalPending,
				CreatedAt:   time.Now().UTC(),
			}
			anyone := &api.ApprovalRequest{
				ID:          api.NewApprovalID(),
				ExecutionID: api.NewExecutionID(),
				StepID:      "b",
				Status:      api.ApprovalPending,
				CreatedAt:   time.Now().UTC(),
			}
			assert.NoError(t, stores.Approvals.Save(ctx, assigned))
			assert.NoError(t, stores.Approvals.Save(ctx, anyone))

			forAlice, err := stores.Approvals.ListPendingFor(ctx, "alice")
			assert.NoError(t, err)
			assert.Len(t, forAlice, 2)

			forBob, err := stores.Approvals.ListPendingFor(ctx, "bob")
			assert.NoError(t, err)
			assert.Len(t, forBob, 1)
			assert.Equal(t, anyone.ID, forBob[0].ID)
		})
	}
}

func TestApprovalGetByExecutionStep(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stores := factory(t)

			execID := api.NewExecutionID()
			req := &api.ApprovalRequest{
				ID:          api.NewApprovalID(),
				ExecutionID: execID,
				StepID:      "approve",
				Status:      api.ApprovalPending,
				CreatedAt:   time.Now().UTC(),
			}
			assert.NoError(t, stores.Approvals.Save(ctx, req))

			found, err := stores.Approvals.GetByExecutionStep(
				ctx, execID, "approve",
			)
			assert.NoError(t, err)
			assert.Equal(t, req.ID, found.ID)

			_, err = stores.Approvals.GetByExecutionStep(
				ctx, execID, "other",
			)
			assert.ErrorIs(t, err, api.ErrNotFound)
		})
	}
}
