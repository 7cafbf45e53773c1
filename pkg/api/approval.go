package api

import "time"

type (
	// ApprovalStatus represents the state of an approval request
	ApprovalStatus string

	// ApprovalRequest is an external human decision gating a paused
	// execution. At most one non-terminal request exists per
	// (execution, step) pair
	ApprovalRequest struct {
		ID              ApprovalID     `json:"id"`
		ExecutionID     ExecutionID    `json:"execution_id"`
		StepID          StepID         `json:"step_id"`
		Title           string         `json:"title,omitempty"`
		Description     string         `json:"description,omitempty"`
		Assignees       []string       `json:"assignees,omitempty"`
		Status          ApprovalStatus `json:"status"`
		Deadline        time.Time      `json:"deadline,omitzero"`
		CreatedAt       time.Time      `json:"created_at"`
		DecidedAt       time.Time      `json:"decided_at,omitzero"`
		DecidedBy       string         `json:"decided_by,omitempty"`
		DecisionComment string         `json:"decision_comment,omitempty"`
	}
)

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

// IsTerminal returns true once the request has been decided or expired
func (s ApprovalStatus) IsTerminal() bool {
	return s != ApprovalPending
}

// Expired reports whether a pending request is past its deadline
func (a *ApprovalRequest) Expired(now time.Time) bool {
	return a.Status == ApprovalPending &&
		!a.Deadline.IsZero() && now.After(a.Deadline)
}

// AssignedTo reports whether the given user may decide this request. An
// empty assignee list means anyone authorized may decide
func (a *ApprovalRequest) AssignedTo(user string) bool {
	if len(a.Assignees) == 0 {
		return true
	}
	for _, assignee := range a.Assignees {
		if assignee == user {
			return true
		}
	}
	return false
}
