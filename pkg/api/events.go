package api

import "time"

// EventType identifies a concrete domain event
type EventType string

const (
	EventProcessStarted        EventType = "process_started"
	EventProcessCompleted      EventType = "process_completed"
	EventProcessFailed         EventType = "process_failed"
	EventProcessCancelled      EventType = "process_cancelled"
	EventStepStarted           EventType = "step_started"
	EventStepCompleted         EventType = "step_completed"
	EventStepFailed            EventType = "step_failed"
	EventStepRetrying          EventType = "step_retrying"
	EventStepSkipped           EventType = "step_skipped"
	EventStepWaitingApproval   EventType = "step_waiting_approval"
	EventApprovalRequested     EventType = "approval_requested"
	EventApprovalDecided       EventType = "approval_decided"
	EventCompensationStarted   EventType = "compensation_started"
	EventCompensationCompleted EventType = "compensation_completed"
	EventCompensationFailed    EventType = "compensation_failed"
	EventInformedNotification  EventType = "informed_notification"
)

type (
	// Event is implemented by every domain event. Timestamps are UTC
	Event interface {
		EventType() EventType
		ExecID() ExecutionID
		At() time.Time
	}

	// EventBase carries the fields common to all domain events
	EventBase struct {
		ExecutionID ExecutionID `json:"execution_id"`
		Timestamp   time.Time   `json:"timestamp"`
	}

	// ProcessStartedEvent is emitted when an execution begins
	ProcessStartedEvent struct {
		EventBase
		ProcessID   ProcessID   `json:"process_id"`
		ProcessName Name        `json:"process_name"`
		TriggeredBy TriggeredBy `json:"triggered_by"`
	}

	// ProcessCompletedEvent is emitted when an execution completes
	ProcessCompletedEvent struct {
		EventBase
		OutputData Output `json:"output_data,omitempty"`
		TotalCost  Money  `json:"total_cost"`
		Duration   int64  `json:"duration_ms"`
	}

	// ProcessFailedEvent is emitted when an execution fails
	ProcessFailedEvent struct {
		EventBase
		Error        string `json:"error"`
		FailedStepID StepID `json:"failed_step_id,omitempty"`
	}

	// ProcessCancelledEvent is emitted when an execution is cancelled
	ProcessCancelledEvent struct {
		EventBase
		Reason string `json:"reason,omitempty"`
		Actor  string `json:"actor,omitempty"`
	}

	// StepStartedEvent is emitted when a step begins execution
	StepStartedEvent struct {
		EventBase
		StepID   StepID   `json:"step_id"`
		StepType StepType `json:"step_type"`
	}

	// StepCompletedEvent is emitted when a step completes successfully
	StepCompletedEvent struct {
		EventBase
		StepID   StepID `json:"step_id"`
		Output   Output `json:"output,omitempty"`
		Cost     Money  `json:"cost"`
		Attempts int    `json:"attempts"`
		Duration int64  `json:"duration_ms"`
	}

	// StepFailedEvent is emitted when a step fails permanently
	StepFailedEvent struct {
		EventBase
		StepID   StepID    `json:"step_id"`
		Error    string    `json:"error"`
		Code     ErrorCode `json:"error_code,omitempty"`
		Attempts int       `json:"attempts"`
	}

	// StepRetryingEvent is emitted before a retryable failure is retried
	StepRetryingEvent struct {
		EventBase
		StepID  StepID `json:"step_id"`
		Attempt int    `json:"attempt"`
		Error   string `json:"error"`
		DelayMs int64  `json:"delay_ms"`
	}

	// StepSkippedEvent is emitted when a step is skipped
	StepSkippedEvent struct {
		EventBase
		StepID StepID `json:"step_id"`
		Reason string `json:"reason"`
	}

	// StepWaitingApprovalEvent is emitted when a step pauses the execution
	StepWaitingApprovalEvent struct {
		EventBase
		StepID     StepID     `json:"step_id"`
		ApprovalID ApprovalID `json:"approval_id,omitempty"`
	}

	// ApprovalRequestedEvent is emitted when an approval request is created
	ApprovalRequestedEvent struct {
		EventBase
		ApprovalID ApprovalID `json:"approval_id"`
		StepID     StepID     `json:"step_id"`
		Title      string     `json:"title,omitempty"`
		Assignees  []string   `json:"assignees,omitempty"`
		Deadline   time.Time  `json:"deadline,omitzero"`
	}

	// ApprovalDecidedEvent is emitted when an approval request is decided
	ApprovalDecidedEvent struct {
		EventBase
		ApprovalID ApprovalID     `json:"approval_id"`
		StepID     StepID         `json:"step_id"`
		Status     ApprovalStatus `json:"status"`
		DecidedBy  string         `json:"decided_by,omitempty"`
		Comment    string         `json:"comment,omitempty"`
	}

	// CompensationStartedEvent is emitted before the compensation pass
	CompensationStartedEvent struct {
		EventBase
		Count int `json:"count"`
	}

	// CompensationCompletedEvent is emitted per compensated step
	CompensationCompletedEvent struct {
		EventBase
		StepID StepID `json:"step_id"`
	}

	// CompensationFailedEvent is emitted when a compensation action fails
	CompensationFailedEvent struct {
		EventBase
		StepID StepID `json:"step_id"`
		Error  string `json:"error"`
	}

	// InformedNotificationEvent is emitted when informed-role agents are
	// notified of a step outcome
	InformedNotificationEvent struct {
		EventBase
		StepID   StepID   `json:"step_id"`
		Informed []string `json:"informed"`
		Outcome  string   `json:"outcome"`
	}
)

// NewEventBase stamps an event with its execution and a UTC timestamp
func NewEventBase(id ExecutionID, now time.Time) EventBase {
	return EventBase{ExecutionID: id, Timestamp: now.UTC()}
}

func (b EventBase) ExecID() ExecutionID { return b.ExecutionID }
func (b EventBase) At() time.Time       { return b.Timestamp }

func (ProcessStartedEvent) EventType() EventType   { return EventProcessStarted }
func (ProcessCompletedEvent) EventType() EventType { return EventProcessCompleted }
func (ProcessFailedEvent) EventType() EventType    { return EventProcessFailed }
func (ProcessCancelledEvent) EventType() EventType { return EventProcessCancelled }
func (StepStartedEvent) EventType() EventType      { return EventStepStarted }
func (StepCompletedEvent) EventType() EventType    { return EventStepCompleted }
func (StepFailedEvent) EventType() EventType       { return EventStepFailed }
func (StepRetryingEvent) EventType() EventType     { return EventStepRetrying }
func (StepSkippedEvent) EventType() EventType      { return EventStepSkipped }

func (StepWaitingApprovalEvent) EventType() EventType {
	return EventStepWaitingApproval
}

func (ApprovalRequestedEvent) EventType() EventType {
	return EventApprovalRequested
}

func (ApprovalDecidedEvent) EventType() EventType {
	return EventApprovalDecided
}

func (CompensationStartedEvent) EventType() EventType {
	return EventCompensationStarted
}

func (CompensationCompletedEvent) EventType() EventType {
	return EventCompensationCompleted
}

func (CompensationFailedEvent) EventType() EventType {
	return EventCompensationFailed
}

func (InformedNotificationEvent) EventType() EventType {
	return EventInformedNotification
}
