package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/praxhq/prax/internal/bus"
	"github.com/praxhq/prax/internal/config"
	"github.com/praxhq/prax/internal/engine"
	"github.com/praxhq/prax/internal/gateway"
	"github.com/praxhq/prax/internal/notify"
	"github.com/praxhq/prax/internal/store"
	"github.com/praxhq/prax/pkg/api"
	"github.com/praxhq/prax/pkg/log"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type (
	// inboxNotifier records every delivered message
	inboxNotifier struct {
		mu       sync.Mutex
		messages []notify.Message
	}

	// eventLog records every published event
	eventLog struct {
		mu     sync.Mutex
		events []api.Event
	}

	harness struct {
		t      *testing.T
		ctx    context.Context
		cfg    *config.Config
		stores *store.Stores
		bus    *bus.Bus
		agents *gateway.ScriptedGateway
		inbox  *inboxNotifier
		events *eventLog
		engine *engine.Engine
	}
)

func (n *inboxNotifier) Send(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

func (n *inboxNotifier) all() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	res := make([]notify.Message, len(n.messages))
	copy(res, n.messages)
	return res
}

func (l *eventLog) record(e api.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []api.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	res := make([]api.Event, len(l.events))
	copy(res, l.events)
	return res
}

func (l *eventLog) ofType(t api.EventType) []api.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var res []api.Event
	for _, e := range l.events {
		if e.EventType() == t {
			res = append(res, e)
		}
	}
	return res
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond

	logger := log.New("test", "test", "0")
	stores := store.NewMemoryStores()
	b := bus.New(logger)
	agents := gateway.NewScriptedGateway()

	inbox := &inboxNotifier{}
	registry := notify.NewRegistry()
	registry.Register(api.ChannelSlack, inbox)

	events := &eventLog{}
	b.SubscribeAll(events.record)

	eng := engine.New(cfg, logger, stores, b,
		engine.WithGateway(agents),
		engine.WithNotifiers(registry),
	)

	return &harness{
		t:      t,
		ctx:    context.Background(),
		cfg:    cfg,
		stores: stores,
		bus:    b,
		agents: agents,
		inbox:  inbox,
		events: events,
		engine: eng,
	}
}

func (h *harness) publish(def *api.ProcessDefinition) {
	h.t.Helper()
	def.Status = api.DefinitionPublished
	if def.ID == "" {
		def.ID = api.NewProcessID()
	}
	if def.Version == "" {
		def.Version = "1.0"
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	assert.NoError(h.t, h.stores.Definitions.Save(h.ctx, def))
}

func (h *harness) start(
	name api.Name, input api.Input,
) *api.ProcessExecution {
	h.t.Helper()
	exec, err := h.engine.Start(h.ctx, engine.StartRequest{
		ProcessName: name,
		Input:       input,
	})
	assert.NoError(h.t, err)
	return exec
}

func (h *harness) await(
	id api.ExecutionID, status api.ExecutionStatus,
) *api.ProcessExecution {
	h.t.Helper()
	var exec *api.ProcessExecution
	assert.Eventually(h.t, func() bool {
		loaded, err := h.stores.Executions.GetByID(h.ctx, id)
		if err != nil {
			return false
		}
		exec = loaded
		return loaded.Status == status
	}, waitFor, tick, "execution never reached %s", status)
	h.bus.Wait()
	return exec
}

func agentStep(id api.StepID, agent string, deps ...api.StepID) *api.StepDefinition {
	return &api.StepDefinition{
		ID:           id,
		Type:         api.StepAgentTask,
		Dependencies: deps,
		AgentTask: &api.AgentTaskConfig{
			Agent:   agent,
			Message: "run " + string(id),
		},
	}
}

func TestLinearExecutionCompletes(t *testing.T) {
	h := newHarness(t)
	h.publish(&api.ProcessDefinition{
		Name: "linear",
		Steps: []*api.StepDefinition{
			agentStep("fetch", "fetcher"),
			agentStep("summarize", "writer", "fetch"),
		},
		Outputs: []*api.OutputSpec{
			{Name: "summary", Source: "{{steps.summarize.output.text}}"},
		},
	})
	h.agents.ScriptOK("fetcher", api.Output{"rows": 3.0}, api.MoneyFromFloat(0.10))
	h.agents.ScriptOK("writer", api.Output{"text": "done"}, api.MoneyFromFloat(0.25))

	exec := h.start("linear", api.Input{"order_id": "o-1"})
	final := h.await(exec.ID, api.ExecutionCompleted)

	assert.Equal(t, api.StepStatusCompleted, final.Steps["fetch"].Status)
	assert.Equal(t, api.StepStatusCompleted, final.Steps["summarize"].Status)
	assert.Equal(t, api.MoneyFromFloat(0.35), final.TotalCost)
	assert.Equal(t, api.Output{"summary": "done"}, final.OutputData)

	// The writer ran after the fetcher and saw its rendered message
	calls := h.agents.Calls()
	assert.Len(t, calls, 2)
	assert.Equal(t, "fetcher", calls[0].Agent)
	assert.Equal(t, "writer", calls[1].Agent)

	assert.Len(t, h.events.ofType(api.EventProcessStarted), 1)
	assert.Len(t, h.events.ofType(api.EventProcessCompleted), 1)
	assert.Len(t, h.events.ofType(api.EventStepCompleted), 2)
}

func TestParallelFanOut(t *testing.T) {
	h := newHarness(t)
	h.publish(&api.ProcessDefinition{
		Name: "fan-out",
		Steps: []*api.StepDefinition{
			agentStep("seed", "seeder"),
			agentStep("left", "worker", "seed"),
			agentStep("right", "worker", "seed"),
			agentStep("join", "joiner", "left", "right"),
		},
	})
	h.agents.ScriptOK("seeder", nil, 0)
	h.agents.ScriptOK("worker", nil, 0)
	h.agents.ScriptOK("joiner", nil, 0)

	exec := h.start("fan-out", nil)
	final := h.await(exec.ID, api.ExecutionCompleted)

	for _, id := range []api.StepID{"seed", "left", "right", "join"} {
		assert.Equal(t, api.StepStatusCompleted, final.Steps[id].Status, id)
	}

	// The join step only dispatched after both branches settled
	calls := h.agents.Calls()
	assert.Len(t, calls, 4)
	assert.Equal(t, "joiner", calls[3].Agent)
}

func TestStepConditionSkips(t *testing.T) {
	h := newHarness(t)
	rush := agentStep("rush", "expediter")
	rush.Condition = "{{input.rush}} == true"
	h.publish(&api.ProcessDefinition{
		Name: "conditional",
		Steps: []*api.StepDefinition{
			rush,
			agentStep("ship", "shipper", "rush"),
		},
	})
	h.agents.ScriptOK("shipper", nil, 0)

	exec := h.start("conditional", api.Input{"rush": false})
	final := h.await(exec.ID, api.ExecutionCompleted)

	// Skipped steps satisfy their dependents
	assert.Equal(t, api.StepStatusSkipped, final.Steps["rush"].Status)
	assert.Equal(t, api.StepStatusCompleted, final.Steps["ship"].Status)

	calls := h.agents.Calls()
	assert.Len(t, calls, 1)
	assert.Equal(t, "shipper", calls[0].Agent)
}

func TestRetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	step := agentStep("flaky", "flaky")
	step.Retry = &api.RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      api.Duration(10 * time.Millisecond),
		BackoffMultiplier: 1,
	}
	h.publish(&api.ProcessDefinition{
		Name:  "retried",
		Steps: []*api.StepDefinition{step},
	})
	h.agents.ScriptErr("flaky", errors.New("transient"))
	h.agents.ScriptOK("flaky", api.Output{"ok": true}, 0)

	exec := h.start("retried", nil)
	final := h.await(exec.ID, api.ExecutionCompleted)

	assert.Equal(t, api.StepStatusCompleted, final.Steps["flaky"].Status)
	assert.Equal(t, 2, final.Steps["flaky"].Attempts)
	assert.Len(t, h.events.ofType(api.EventStepRetrying), 1)
}

func TestPermanentFailureFailsProcess(t *testing.T) {
	h := newHarness(t)
	step := agentStep("doomed", "doomed")
	step.Retry = &api.RetryPolicy{MaxAttempts: 1}
	h.publish(&api.ProcessDefinition{
		Name:  "doomed",
		Steps: []*api.StepDefinition{step},
	})
	h.agents.ScriptErr("doomed", errors.New("agent exploded"))

	exec := h.start("doomed", nil)
	final := h.await(exec.ID, api.ExecutionFailed)

	assert.Equal(t, api.StepStatusFailed, final.Steps["doomed"].Status)
	assert.Equal(t, api.StepID("doomed"), final.FailedStepID)
	assert.Contains(t, final.ErrorMessage, "agent exploded")
	assert.Len(t, h.events.ofType(api.EventProcessFailed), 1)
}

func TestFailureRunsCompensation(t *testing.T) {
	h := newHarness(t)
	reserve := agentStep("reserve", "inventory")
	reserve.Compensation = &api.Compensation{
		Type: api.StepNotification,
		Notification: &api.NotificationConfig{
			Channel: api.ChannelSlack,
			Subject: "rollback",
			Message: "release reservation for {{input.order_id}}",
		},
	}
	charge := agentStep("charge", "billing", "reserve")
	charge.Retry = &api.RetryPolicy{MaxAttempts: 1}
	h.publish(&api.ProcessDefinition{
		Name:  "compensated",
		Steps: []*api.StepDefinition{reserve, charge},
	})
	h.agents.ScriptOK("inventory", nil, 0)
	h.agents.ScriptErr("billing", errors.New("card declined"))

	exec := h.start("compensated", api.Input{"order_id": "o-7"})
	h.await(exec.ID, api.ExecutionFailed)

	assert.Len(t, h.events.ofType(api.EventCompensationStarted), 1)
	assert.Len(t, h.events.ofType(api.EventCompensationCompleted), 1)

	messages := h.inbox.all()
	assert.Len(t, messages, 1)
	assert.Equal(t, "release reservation for o-7", messages[0].Body)
}

func TestErrorPolicySkipStep(t *testing.T) {
	h := newHarness(t)
	optional := agentStep("enrich", "enricher")
	optional.Retry = &api.RetryPolicy{MaxAttempts: 1}
	optional.OnError = &api.ErrorPolicy{Action: api.ErrorSkipStep}
	h.publish(&api.ProcessDefinition{
		Name: "tolerant",
		Steps: []*api.StepDefinition{
			optional,
			agentStep("ship", "shipper", "enrich"),
		},
	})
	h.agents.ScriptErr("enricher", errors.New("enrichment down"))
	h.agents.ScriptOK("shipper", nil, 0)

	exec := h.start("tolerant", nil)
	final := h.await(exec.ID, api.ExecutionCompleted)

	assert.Equal(t, api.StepStatusSkipped, final.Steps["enrich"].Status)
	assert.Equal(t, api.StepStatusCompleted, final.Steps["ship"].Status)
}

func TestErrorPolicyGotoStep(t *testing.T) {
	h := newHarness(t)
	risky := agentStep("risky", "risky")
	risky.Retry = &api.RetryPolicy{MaxAttempts: 1}
	risky.OnError = &api.ErrorPolicy{
		Action:     api.ErrorGotoStep,
		TargetStep: "cleanup",
	}
	cleanup := agentStep("cleanup", "janitor", "risky")
	h.publish(&api.ProcessDefinition{
		Name:  "redirected",
		Steps: []*api.StepDefinition{risky, cleanup},
	})
	h.agents.ScriptErr("risky", errors.New("boom"))
	h.agents.ScriptOK("janitor", nil, 0)

	exec := h.start("redirected", nil)
	final := h.await(exec.ID, api.ExecutionCompleted)

	assert.Equal(t, api.StepStatusFailed, final.Steps["risky"].Status)
	assert.Equal(t, api.StepStatusCompleted, final.Steps["cleanup"].Status)
}

func TestGatewayExclusiveRouting(t *testing.T) {
	h := newHarness(t)
	h.publish(&api.ProcessDefinition{
		Name: "routed",
		Steps: []*api.StepDefinition{
			{
				ID:   "route",
				Type: api.StepGateway,
				Gateway: &api.GatewayConfig{
					Routes: []*api.GatewayRoute{
						{Condition: "{{input.amount}} > 1000", Target: "review"},
						{Condition: "{{input.amount}} <= 1000", Target: "auto"},
					},
				},
			},
			agentStep("review", "reviewer", "route"),
			agentStep("auto", "autopilot", "route"),
		},
	})
	h.agents.ScriptOK("autopilot", nil, 0)

	exec := h.start("routed", api.Input{"amount": 250})
	final := h.await(exec.ID, api.ExecutionCompleted)

	assert.Equal(t, api.StepStatusCompleted, final.Steps["route"].Status)
	assert.Equal(t, api.StepStatusSkipped, final.Steps["review"].Status)
	assert.Equal(t, api.StepStatusCompleted, final.Steps["auto"].Status)

	calls := h.agents.Calls()
	assert.Len(t, calls, 1)
	assert.Equal(t, "autopilot", calls[0].Agent)
}

func TestApprovalApproveResumes(t *testing.T) {
	h := newHarness(t)
	h.publish(&api.ProcessDefinition{
		Name: "approved",
		Steps: []*api.StepDefinition{
			{
				ID:   "approve",
				Type: api.StepHumanApproval,
				HumanApproval: &api.HumanApprovalConfig{
					Title:     "Release order {{input.order_id}}",
					Assignees: []string{"alice"},
				},
			},
			agentStep("release", "releaser", "approve"),
		},
	})
	h.agents.ScriptOK("releaser", nil, 0)

	exec := h.start("approved", api.Input{"order_id": "o-9"})
	paused := h.await(exec.ID, api.ExecutionPaused)
	assert.Equal(t, api.StepStatusWaitingApproval,
		paused.Steps["approve"].Status)

	req, err := h.stores.Approvals.GetByExecutionStep(
		h.ctx, exec.ID, "approve",
	)
	assert.NoError(t, err)
	assert.Equal(t, "Release order o-9", req.Title)

	_, err = h.engine.DecideApproval(h.ctx, req.ID, engine.Decision{
		Approve:   true,
		DecidedBy: "alice",
		Comment:   "looks good",
	})
	assert.NoError(t, err)

	final := h.await(exec.ID, api.ExecutionCompleted)
	assert.Equal(t, api.StepStatusCompleted, final.Steps["approve"].Status)
	out := final.Steps["approve"].Output
	assert.Equal(t, string(req.ID), out["approval_id"])
	assert.Equal(t, "approved", out["decision"])
	assert.Equal(t, "alice", out["decided_by"])
	assert.Equal(t, api.StepStatusCompleted, final.Steps["release"].Status)
}

func TestApprovalRejectFailsProcess(t *testing.T) {
	h := newHarness(t)
	h.publish(&api.ProcessDefinition{
		Name: "rejected",
		Steps: []*api.StepDefinition{
			{
				ID:            "approve",
				Type:          api.StepHumanApproval,
				HumanApproval: &api.HumanApprovalConfig{Title: "Release"},
			},
			agentStep("release", "releaser", "approve"),
		},
	})

	exec := h.start("rejected", nil)
	h.await(exec.ID, api.ExecutionPaused)

	req, err := h.stores.Approvals.GetByExecutionStep(
		h.ctx, exec.ID, "approve",
	)
	assert.NoError(t, err)

	_, err = h.engine.DecideApproval(h.ctx, req.ID, engine.Decision{
		Approve: false,
		Comment: "too risky",
	})
	assert.NoError(t, err)

	final := h.await(exec.ID, api.ExecutionFailed)
	assert.Equal(t, api.CodeApprovalRejected,
		final.Steps["approve"].ErrorCode)
	assert.Empty(t, h.agents.Calls())
}

func TestApprovalAssigneeEnforced(t *testing.T) {
	h := newHarness(t)
	h.publish(&api.ProcessDefinition{
		Name: "guarded",
		Steps: []*api.StepDefinition{
			{
				ID:   "approve",
				Type: api.StepHumanApproval,
				HumanApproval: &api.HumanApprovalConfig{
					Assignees: []string{"alice"},
				},
			},
		},
	})

	exec := h.start("guarded", nil)
	h.await(exec.ID, api.ExecutionPaused)

	req, err := h.stores.Approvals.GetByExecutionStep(
		h.ctx, exec.ID, "approve",
	)
	assert.NoError(t, err)

	_, err = h.engine.DecideApproval(h.ctx, req.ID, engine.Decision{
		Approve:   true,
		DecidedBy: "mallory",
	})
	assert.ErrorIs(t, err, api.ErrStateForbidden)
}

func TestApprovalSweeperExpires(t *testing.T) {
	h := newHarness(t)
	h.publish(&api.ProcessDefinition{
		Name: "expiring",
		Steps: []*api.StepDefinition{
			{
				ID:   "approve",
				Type: api.StepHumanApproval,
				HumanApproval: &api.HumanApprovalConfig{
					Timeout: api.Duration(30 * time.Millisecond),
				},
			},
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.engine.StartSweeper(ctx, 20*time.Millisecond)

	exec := h.start("expiring", nil)
	final := h.await(exec.ID, api.ExecutionFailed)

	assert.Equal(t, api.CodeApprovalTimeout,
		final.Steps["approve"].ErrorCode)

	req, err := h.stores.Approvals.GetByExecutionStep(
		h.ctx, exec.ID, "approve",
	)
	assert.NoError(t, err)
	assert.Equal(t, api.ApprovalExpired, req.Status)
}

func TestSubProcessRollsUpCost(t *testing.T) {
	h := newHarness(t)
	h.publish(&api.ProcessDefinition{
		Name:  "child",
		Steps: []*api.StepDefinition{agentStep("work", "worker")},
		Outputs: []*api.OutputSpec{
			{Name: "result", Source: "{{steps.work.output.value}}"},
		},
	})
	h.publish(&api.ProcessDefinition{
		Name: "parent",
		Steps: []*api.StepDefinition{
			{
				ID:   "delegate",
				Type: api.StepSubProcess,
				SubProcess: &api.SubProcessConfig{
					ProcessName: "child",
					InputMapping: map[string]string{
						"order": "{{input.order_id}}",
					},
				},
			},
		},
	})
	h.agents.ScriptOK("worker", api.Output{"value": 42.0},
		api.MoneyFromFloat(0.50))

	exec := h.start("parent", api.Input{"order_id": "o-3"})
	final := h.await(exec.ID, api.ExecutionCompleted)

	assert.Equal(t, api.MoneyFromFloat(0.50), final.TotalCost)
	assert.Len(t, final.ChildExecutionIDs, 1)

	children, err := h.stores.Executions.ListByParent(h.ctx, exec.ID)
	assert.NoError(t, err)
	assert.Len(t, children, 1)

	child := children[0]
	assert.Equal(t, api.ExecutionCompleted, child.Status)
	assert.Equal(t, api.TriggeredSubProcess, child.TriggeredBy)
	assert.Equal(t, exec.ID, child.ParentExecutionID)
	assert.Equal(t, api.Input{"order": "o-3"}, child.InputData)

	out := final.Steps["delegate"].Output
	assert.Equal(t, string(child.ID), out["child_execution_id"])
	assert.Equal(t, "child", out["child_process_name"])
	assert.Equal(t, "1.0", out["child_process_version"])
	assert.Equal(t, 0.50, out["child_cost"])
}

func TestSubProcessFailurePropagates(t *testing.T) {
	h := newHarness(t)
	broken := agentStep("work", "worker")
	broken.Retry = &api.RetryPolicy{MaxAttempts: 1}
	h.publish(&api.ProcessDefinition{
		Name:  "broken-child",
		Steps: []*api.StepDefinition{broken},
	})
	delegate := &api.StepDefinition{
		ID:   "delegate",
		Type: api.StepSubProcess,
		SubProcess: &api.SubProcessConfig{
			ProcessName: "broken-child",
		},
	}
	delegate.Retry = &api.RetryPolicy{MaxAttempts: 1}
	h.publish(&api.ProcessDefinition{
		Name:  "parent",
		Steps: []*api.StepDefinition{delegate},
	})
	h.agents.ScriptErr("worker", errors.New("no such tool"))

	exec := h.start("parent", nil)
	final := h.await(exec.ID, api.ExecutionFailed)

	assert.Equal(t, api.CodeSubProcessFailed,
		final.Steps["delegate"].ErrorCode)
}

func TestCancelExecution(t *testing.T) {
	h := newHarness(t)
	h.publish(&api.ProcessDefinition{
		Name: "slow",
		Steps: []*api.StepDefinition{
			{
				ID:   "wait",
				Type: api.StepTimer,
				Timer: &api.TimerConfig{
					Duration: api.Duration(time.Minute),
				},
			},
		},
	})

	exec := h.start("slow", nil)
	assert.Eventually(t, func() bool {
		loaded, err := h.stores.Executions.GetByID(h.ctx, exec.ID)
		return err == nil && loaded.Status == api.ExecutionRunning
	}, waitFor, tick)

	cancelled, err := h.engine.Cancel(h.ctx, exec.ID, "ops", "not needed")
	assert.NoError(t, err)
	assert.Equal(t, api.ExecutionCancelled, cancelled.Status)

	_, err = h.engine.Cancel(h.ctx, exec.ID, "ops", "again")
	assert.ErrorIs(t, err, api.ErrStateForbidden)

	h.bus.Wait()
	assert.Len(t, h.events.ofType(api.EventProcessCancelled), 1)
}

func TestRetryExecution(t *testing.T) {
	h := newHarness(t)
	step := agentStep("work", "worker")
	step.Retry = &api.RetryPolicy{MaxAttempts: 1}
	h.publish(&api.ProcessDefinition{
		Name:  "retriable",
		Steps: []*api.StepDefinition{step},
	})
	h.agents.ScriptErr("worker", errors.New("first run breaks"))
	h.agents.ScriptOK("worker", nil, 0)

	exec := h.start("retriable", api.Input{"k": "v"})
	h.await(exec.ID, api.ExecutionFailed)

	second, err := h.engine.Retry(h.ctx, exec.ID)
	assert.NoError(t, err)
	assert.Equal(t, exec.ID, second.RetryOf)
	assert.Equal(t, api.Input{"k": "v"}, second.InputData)

	final := h.await(second.ID, api.ExecutionCompleted)
	assert.Equal(t, api.StepStatusCompleted, final.Steps["work"].Status)

	// Retrying a completed execution is a state error
	_, err = h.engine.Retry(h.ctx, second.ID)
	assert.ErrorIs(t, err, api.ErrStateForbidden)
}

func TestStartRequiresPublishedDefinition(t *testing.T) {
	h := newHarness(t)
	def := &api.ProcessDefinition{
		ID:      api.NewProcessID(),
		Name:    "draft-only",
		Version: "1.0",
		Status:  api.DefinitionDraft,
		Steps:   []*api.StepDefinition{agentStep("work", "worker")},
	}
	assert.NoError(t, h.stores.Definitions.Save(h.ctx, def))

	_, err := h.engine.Start(h.ctx, engine.StartRequest{
		ProcessName: "draft-only",
	})
	assert.ErrorIs(t, err, api.ErrNotFound)

	_, err = h.engine.Start(h.ctx, engine.StartRequest{
		ProcessName: "draft-only",
		Version:     "1.0",
	})
	assert.ErrorIs(t, err, api.ErrStateForbidden)
}

func TestTimerStepElapses(t *testing.T) {
	h := newHarness(t)
	h.publish(&api.ProcessDefinition{
		Name: "timed",
		Steps: []*api.StepDefinition{
			{
				ID:   "wait",
				Type: api.StepTimer,
				Timer: &api.TimerConfig{
					Duration: api.Duration(20 * time.Millisecond),
				},
			},
		},
	})

	exec := h.start("timed", nil)
	final := h.await(exec.ID, api.ExecutionCompleted)
	assert.Equal(t, api.StepStatusCompleted, final.Steps["wait"].Status)

	waited, ok := final.Steps["wait"].Output["waited_seconds"].(float64)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, waited, 0.02)
}

func TestNotificationStepDelivers(t *testing.T) {
	h := newHarness(t)
	h.publish(&api.ProcessDefinition{
		Name: "announced",
		Steps: []*api.StepDefinition{
			{
				ID:   "announce",
				Type: api.StepNotification,
				Notification: &api.NotificationConfig{
					Channel: api.ChannelSlack,
					Subject: "Order {{input.order_id}}",
					Message: "order {{input.order_id}} shipped",
				},
			},
		},
	})

	exec := h.start("announced", api.Input{"order_id": "o-5"})
	final := h.await(exec.ID, api.ExecutionCompleted)

	messages := h.inbox.all()
	assert.Len(t, messages, 1)
	assert.Equal(t, "Order o-5", messages[0].Subject)
	assert.Equal(t, "order o-5 shipped", messages[0].Body)

	out := final.Steps["announce"].Output
	assert.Equal(t, string(api.ChannelSlack), out["channel"])
	delivered, ok := out["delivered_at"].(string)
	assert.True(t, ok)
	_, err := time.Parse(time.RFC3339, delivered)
	assert.NoError(t, err)
}

func TestInformedRolesNotified(t *testing.T) {
	h := newHarness(t)
	step := agentStep("work", "worker")
	step.Roles = &api.StepRoles{
		Executor: "worker",
		Informed: []string{"finance", "ops"},
	}
	h.publish(&api.ProcessDefinition{
		Name:  "informed",
		Steps: []*api.StepDefinition{step},
	})
	h.agents.ScriptOK("worker", nil, 0)

	exec := h.start("informed", nil)
	h.await(exec.ID, api.ExecutionCompleted)

	events := h.events.ofType(api.EventInformedNotification)
	assert.Len(t, events, 1)
	informed := events[0].(*api.InformedNotificationEvent)
	assert.Equal(t, []string{"finance", "ops"}, informed.Informed)
}

func TestAgentNameTemplated(t *testing.T) {
	h := newHarness(t)
	h.publish(&api.ProcessDefinition{
		Name: "routed-agent",
		Steps: []*api.StepDefinition{
			{
				ID:   "triage",
				Type: api.StepAgentTask,
				AgentTask: &api.AgentTaskConfig{
					Agent:   "{{input.agent}}",
					Message: "triage ticket {{input.ticket}}",
				},
			},
		},
	})
	h.agents.ScriptOK("triager", nil, 0)

	exec := h.start("routed-agent", api.Input{
		"agent":  "triager",
		"ticket": "t-1",
	})
	h.await(exec.ID, api.ExecutionCompleted)

	calls := h.agents.Calls()
	assert.Len(t, calls, 1)
	assert.Equal(t, "triager", calls[0].Agent)
	assert.Equal(t, "triage ticket t-1", calls[0].Message)
}

func TestRecoverRerunsInterruptedStep(t *testing.T) {
	h := newHarness(t)
	def := &api.ProcessDefinition{
		Name:  "recovered",
		Steps: []*api.StepDefinition{agentStep("work", "worker")},
	}
	h.publish(def)
	h.agents.ScriptOK("worker", api.Output{"ok": true}, 0)

	// An execution a previous engine instance left mid-step
	exec := api.NewExecution(
		def, api.Input{"k": "v"}, api.TriggeredAPI, time.Now().UTC(),
	)
	exec.Status = api.ExecutionRunning
	exec.StartedAt = time.Now().UTC()
	se := exec.Steps["work"]
	se.Status = api.StepStatusRunning
	se.StartedAt = exec.StartedAt
	se.Attempts = 1
	assert.NoError(t, h.stores.Executions.Save(h.ctx, exec))

	assert.NoError(t, h.engine.Recover(h.ctx))

	final := h.await(exec.ID, api.ExecutionCompleted)
	assert.Equal(t, api.StepStatusCompleted, final.Steps["work"].Status)
	assert.Len(t, h.agents.Calls(), 1)
}

func TestParallelApprovalGates(t *testing.T) {
	h := newHarness(t)
	gate := func(id api.StepID) *api.StepDefinition {
		return &api.StepDefinition{
			ID:            id,
			Type:          api.StepHumanApproval,
			HumanApproval: &api.HumanApprovalConfig{Title: string(id)},
		}
	}
	h.publish(&api.ProcessDefinition{
		Name:  "double-gated",
		Steps: []*api.StepDefinition{gate("legal"), gate("finance")},
	})

	exec := h.start("double-gated", nil)

	decideOne := func() api.StepID {
		h.t.Helper()
		paused := h.await(exec.ID, api.ExecutionPaused)
		for id, se := range paused.Steps {
			if se.Status != api.StepStatusWaitingApproval {
				continue
			}
			req, err := h.stores.Approvals.GetByExecutionStep(
				h.ctx, exec.ID, id,
			)
			assert.NoError(t, err)
			_, err = h.engine.DecideApproval(h.ctx, req.ID, engine.Decision{
				Approve:   true,
				DecidedBy: "ops",
			})
			assert.NoError(t, err)
			return id
		}
		t.Fatal("no step awaiting approval")
		return ""
	}

	// The first decision alone must not complete the execution
	first := decideOne()
	second := decideOne()
	assert.NotEqual(t, first, second)

	final := h.await(exec.ID, api.ExecutionCompleted)
	assert.Equal(t, api.StepStatusCompleted, final.Steps["legal"].Status)
	assert.Equal(t, api.StepStatusCompleted, final.Steps["finance"].Status)
}

func TestSubProcessChildApprovalPausesParent(t *testing.T) {
	h := newHarness(t)
	h.publish(&api.ProcessDefinition{
		Name: "gated-child",
		Steps: []*api.StepDefinition{
			{
				ID:            "gate",
				Type:          api.StepHumanApproval,
				HumanApproval: &api.HumanApprovalConfig{Title: "Gate"},
			},
			agentStep("work", "worker", "gate"),
		},
	})
	h.publish(&api.ProcessDefinition{
		Name: "guardian",
		Steps: []*api.StepDefinition{
			{
				ID:   "delegate",
				Type: api.StepSubProcess,
				SubProcess: &api.SubProcessConfig{
					ProcessName: "gated-child",
				},
			},
		},
	})
	h.agents.ScriptOK("worker", api.Output{"done": true},
		api.MoneyFromFloat(0.40))

	exec := h.start("guardian", nil)

	// The child's pending approval surfaces as a paused parent
	paused := h.await(exec.ID, api.ExecutionPaused)
	assert.Equal(t, api.StepStatusWaitingApproval,
		paused.Steps["delegate"].Status)

	children, err := h.stores.Executions.ListByParent(h.ctx, exec.ID)
	assert.NoError(t, err)
	assert.Len(t, children, 1)
	child := children[0]
	assert.Equal(t, api.ExecutionPaused, child.Status)

	req, err := h.stores.Approvals.GetByExecutionStep(
		h.ctx, child.ID, "gate",
	)
	assert.NoError(t, err)
	_, err = h.engine.DecideApproval(h.ctx, req.ID, engine.Decision{
		Approve: true, DecidedBy: "ops",
	})
	assert.NoError(t, err)

	final := h.await(exec.ID, api.ExecutionCompleted)
	out := final.Steps["delegate"].Output
	assert.Equal(t, string(child.ID), out["child_execution_id"])
	assert.Equal(t, "gated-child", out["child_process_name"])
	assert.Equal(t, 0.40, out["child_cost"])
	assert.Equal(t, api.MoneyFromFloat(0.40), final.TotalCost)
}

func TestFailureLetsSiblingBranchSettle(t *testing.T) {
	h := newHarness(t)
	h.cfg.StopOnFailure = false

	doomed := agentStep("doomed", "doomed")
	doomed.Retry = &api.RetryPolicy{MaxAttempts: 1}
	h.publish(&api.ProcessDefinition{
		Name: "settling",
		Steps: []*api.StepDefinition{
			doomed,
			{
				ID:   "steady",
				Type: api.StepTimer,
				Timer: &api.TimerConfig{
					Duration: api.Duration(100 * time.Millisecond),
				},
			},
		},
	})
	h.agents.ScriptErr("doomed", errors.New("agent exploded"))

	exec := h.start("settling", nil)
	final := h.await(exec.ID, api.ExecutionFailed)

	// The independent branch ran to completion before the failure settled
	assert.Equal(t, api.StepStatusFailed, final.Steps["doomed"].Status)
	assert.Equal(t, api.StepStatusCompleted, final.Steps["steady"].Status)
	assert.Equal(t, api.StepID("doomed"), final.FailedStepID)
	assert.Len(t, h.events.ofType(api.EventProcessFailed), 1)
}

func TestParallelStepsOverlapInTime(t *testing.T) {
	h := newHarness(t)
	timer := func(id api.StepID) *api.StepDefinition {
		return &api.StepDefinition{
			ID:   id,
			Type: api.StepTimer,
			Timer: &api.TimerConfig{
				Duration: api.Duration(150 * time.Millisecond),
			},
		}
	}
	h.publish(&api.ProcessDefinition{
		Name:  "overlapped",
		Steps: []*api.StepDefinition{timer("a"), timer("b")},
	})

	exec := h.start("overlapped", nil)
	final := h.await(exec.ID, api.ExecutionCompleted)

	a, b := final.Steps["a"], final.Steps["b"]
	assert.True(t, a.StartedAt.Before(b.CompletedAt),
		"a started after b finished")
	assert.True(t, b.StartedAt.Before(a.CompletedAt),
		"b started after a finished")
}

func TestStepEventsKeepLifecycleOrder(t *testing.T) {
	h := newHarness(t)
	step := agentStep("flaky", "flaky")
	step.Retry = &api.RetryPolicy{
		MaxAttempts:       2,
		InitialDelay:      api.Duration(10 * time.Millisecond),
		BackoffMultiplier: 1,
	}
	h.publish(&api.ProcessDefinition{
		Name:  "ordered",
		Steps: []*api.StepDefinition{step},
	})
	h.agents.ScriptErr("flaky", errors.New("transient"))
	h.agents.ScriptOK("flaky", nil, 0)

	exec := h.start("ordered", nil)
	h.await(exec.ID, api.ExecutionCompleted)

	started, retrying, completed := -1, -1, -1
	for i, ev := range h.events.all() {
		switch ev.EventType() {
		case api.EventStepStarted:
			if started < 0 {
				started = i
			}
		case api.EventStepRetrying:
			if retrying < 0 {
				retrying = i
			}
		case api.EventStepCompleted:
			if completed < 0 {
				completed = i
			}
		}
	}
	assert.GreaterOrEqual(t, started, 0)
	assert.Less(t, started, retrying)
	assert.Less(t, retrying, completed)
}
