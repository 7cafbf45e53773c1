package api_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/praxhq/prax/pkg/api"
)

func TestNewExecution(t *testing.T) {
	def := draftDefinition()
	exec := api.NewExecution(
		def, api.Input{"order_id": "o-1"}, api.TriggeredAPI, time.Now(),
	)

	assert.Equal(t, api.ExecutionPending, exec.Status)
	assert.Equal(t, def.ID, exec.ProcessID)
	assert.Equal(t, def.Version, exec.ProcessVersion)
	assert.Len(t, exec.Steps, len(def.Steps))
	for _, se := range exec.Steps {
		assert.Equal(t, api.StepStatusPending, se.Status)
	}
}

func TestExecutionStatusTerminal(t *testing.T) {
	assert.True(t, api.ExecutionCompleted.IsTerminal())
	assert.True(t, api.ExecutionFailed.IsTerminal())
	assert.True(t, api.ExecutionCancelled.IsTerminal())
	assert.False(t, api.ExecutionRunning.IsTerminal())
	assert.False(t, api.ExecutionPaused.IsTerminal())
}

func TestStepStatusSatisfied(t *testing.T) {
	assert.True(t, api.StepStatusCompleted.Satisfied())
	assert.True(t, api.StepStatusSkipped.Satisfied())
	assert.False(t, api.StepStatusFailed.Satisfied())
	assert.False(t, api.StepStatusRunning.Satisfied())
}

func TestAddChildDeduplicates(t *testing.T) {
	exec := &api.ProcessExecution{}
	child := api.NewExecutionID()

	exec.AddChild(child)
	exec.AddChild(child)
	assert.Len(t, exec.ChildExecutionIDs, 1)
}

func TestAddCost(t *testing.T) {
	exec := &api.ProcessExecution{}
	exec.AddCost(api.MoneyFromFloat(0.25))
	exec.AddCost(api.MoneyFromFloat(0.75))
	assert.Equal(t, api.MoneyFromFloat(1.0), exec.TotalCost)
}

func TestApprovalExpired(t *testing.T) {
	now := time.Now()
	req := &api.ApprovalRequest{
		Status:   api.ApprovalPending,
		Deadline: now.Add(-time.Minute),
	}
	assert.True(t, req.Expired(now))

	req.Deadline = now.Add(time.Minute)
	assert.False(t, req.Expired(now))

	// No deadline means no expiry
	req.Deadline = time.Time{}
	assert.False(t, req.Expired(now))
}

func TestApprovalAssignedTo(t *testing.T) {
	req := &api.ApprovalRequest{Assignees: []string{"alice", "bob"}}
	assert.True(t, req.AssignedTo("alice"))
	assert.False(t, req.AssignedTo("mallory"))

	open := &api.ApprovalRequest{}
	assert.True(t, open.AssignedTo("anyone"))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, api.Name("order-fulfillment"),
		api.SanitizeName(api.Name("Order Fulfillment!")))
	assert.Equal(t, "a-b", api.SanitizeName("-A B-"))
}
