package api

import (
	"time"
)

type (
	// ExecutionStatus represents the current state of a process execution
	ExecutionStatus string

	// StepStatus represents the current state of a step execution
	StepStatus string

	// TriggeredBy records how an execution was initiated
	TriggeredBy string

	// Input is the free-form input payload of an execution
	Input map[string]any

	// Output is the free-form output payload of a step or execution
	Output map[string]any

	// ProcessExecution is a running or terminal instance of a definition.
	// The aggregate is owned by a single engine task and persisted whole
	ProcessExecution struct {
		ID                ExecutionID               `json:"id"`
		ProcessID         ProcessID                 `json:"process_id"`
		ProcessName       Name                      `json:"process_name"`
		ProcessVersion    string                    `json:"process_version"`
		Status            ExecutionStatus           `json:"status"`
		InputData         Input                     `json:"input_data,omitempty"`
		OutputData        Output                    `json:"output_data,omitempty"`
		Steps             map[StepID]*StepExecution `json:"step_executions"`
		TriggeredBy       TriggeredBy               `json:"triggered_by"`
		CreatedAt         time.Time                 `json:"created_at"`
		StartedAt         time.Time                 `json:"started_at,omitzero"`
		CompletedAt       time.Time                 `json:"completed_at,omitzero"`
		TotalCost         Money                     `json:"total_cost"`
		RetryOf           ExecutionID               `json:"retry_of,omitempty"`
		ParentExecutionID ExecutionID               `json:"parent_execution_id,omitempty"`
		ParentStepID      StepID                    `json:"parent_step_id,omitempty"`
		ChildExecutionIDs []ExecutionID             `json:"child_execution_ids,omitempty"`
		ErrorMessage      string                    `json:"error_message,omitempty"`
		FailedStepID      StepID                    `json:"failed_step_id,omitempty"`
	}

	// StepExecution is the per-run instance of a step definition
	StepExecution struct {
		StepID      StepID     `json:"step_id"`
		Status      StepStatus `json:"status"`
		StartedAt   time.Time  `json:"started_at,omitzero"`
		CompletedAt time.Time  `json:"completed_at,omitzero"`
		Output      Output     `json:"output,omitempty"`
		Error       string     `json:"error,omitempty"`
		ErrorCode   ErrorCode  `json:"error_code,omitempty"`
		Attempts    int        `json:"attempts"`
		Cost        Money      `json:"cost"`
		TokenUsage  TokenUsage `json:"token_usage,omitzero"`
		ApprovalID  ApprovalID `json:"approval_id,omitempty"`
	}
)

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

const (
	StepStatusPending         StepStatus = "pending"
	StepStatusReady           StepStatus = "ready"
	StepStatusRunning         StepStatus = "running"
	StepStatusWaitingApproval StepStatus = "waiting_approval"
	StepStatusCompleted       StepStatus = "completed"
	StepStatusFailed          StepStatus = "failed"
	StepStatusSkipped         StepStatus = "skipped"
)

const (
	TriggeredManual     TriggeredBy = "manual"
	TriggeredSchedule   TriggeredBy = "schedule"
	TriggeredAPI        TriggeredBy = "api"
	TriggeredSubProcess TriggeredBy = "sub_process"
	TriggeredRetry      TriggeredBy = "retry"
)

// NewExecution creates a pending execution aggregate for a definition
func NewExecution(
	def *ProcessDefinition, input Input, trig TriggeredBy, now time.Time,
) *ProcessExecution {
	steps := make(map[StepID]*StepExecution, len(def.Steps))
	for _, s := range def.Steps {
		steps[s.ID] = &StepExecution{
			StepID: s.ID,
			Status: StepStatusPending,
		}
	}
	return &ProcessExecution{
		ID:             NewExecutionID(),
		ProcessID:      def.ID,
		ProcessName:    def.Name,
		ProcessVersion: def.Version,
		Status:         ExecutionPending,
		InputData:      input,
		Steps:          steps,
		TriggeredBy:    trig,
		CreatedAt:      now,
	}
}

// IsTerminal returns true for completed, failed, and cancelled executions
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// IsTerminal returns true for completed, failed, and skipped steps
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// Satisfied reports whether a step in this status satisfies its dependents.
// Skipped steps count the same as completed ones
func (s StepStatus) Satisfied() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// Step returns the step execution for the given id, if present
func (e *ProcessExecution) Step(id StepID) (*StepExecution, bool) {
	se, ok := e.Steps[id]
	return se, ok
}

// AddChild records a child execution id, ignoring duplicates
func (e *ProcessExecution) AddChild(id ExecutionID) {
	for _, existing := range e.ChildExecutionIDs {
		if existing == id {
			return
		}
	}
	e.ChildExecutionIDs = append(e.ChildExecutionIDs, id)
}

// AddCost accumulates a step or child cost into the execution total
func (e *ProcessExecution) AddCost(cost Money) {
	e.TotalCost = e.TotalCost.Add(cost)
}

// Duration returns the wall time between start and completion, or zero when
// the execution has not finished
func (e *ProcessExecution) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.CompletedAt.IsZero() {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}
