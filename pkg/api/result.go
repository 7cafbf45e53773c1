package api

import "errors"

type (
	// ErrorCode is a machine-readable classification of a failure
	ErrorCode string

	// ResultKind discriminates the outcome of a handler invocation
	ResultKind string

	// ErrorResponse is the JSON error body returned by the HTTP API
	ErrorResponse struct {
		Error  string    `json:"error"`
		Code   ErrorCode `json:"code,omitempty"`
		Status int       `json:"status"`
	}

	// StepResult is the outcome of one handler invocation: ok with an
	// output, fail with an error and code, or wait with a payload that is
	// persisted onto the step execution
	StepResult struct {
		Kind   ResultKind `json:"kind"`
		Output Output     `json:"output,omitempty"`
		Error  string     `json:"error,omitempty"`
		Code   ErrorCode  `json:"code,omitempty"`
		Wait   Output     `json:"wait,omitempty"`
		Cost   Money      `json:"cost,omitempty"`
		Usage  TokenUsage `json:"usage,omitzero"`
	}
)

const (
	ResultOK   ResultKind = "ok"
	ResultFail ResultKind = "fail"
	ResultWait ResultKind = "wait"
)

const (
	CodeValidation         ErrorCode = "VALIDATION_ERROR"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeStateForbidden     ErrorCode = "STATE_FORBIDDEN"
	CodeAgentUnavailable   ErrorCode = "AGENT_UNAVAILABLE"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeApprovalRejected   ErrorCode = "APPROVAL_REJECTED"
	CodeApprovalTimeout    ErrorCode = "APPROVAL_TIMEOUT"
	CodeProcessNotFound    ErrorCode = "PROCESS_NOT_FOUND"
	CodeSubProcessFailed   ErrorCode = "SUB_PROCESS_FAILED"
	CodeUnexpectedState    ErrorCode = "UNEXPECTED_STATE"
	CodeInvalidConfig      ErrorCode = "INVALID_CONFIG"
	CodeNotificationFailed ErrorCode = "NOTIFICATION_FAILED"
	CodeInternal           ErrorCode = "INTERNAL"
)

// Sentinel errors surfaced by stores and lifecycle operations
var (
	ErrNotFound       = errors.New("not found")
	ErrStateForbidden = errors.New("state forbidden")
)

var nonRetryable = map[ErrorCode]struct{}{
	CodeApprovalRejected: {},
	CodeApprovalTimeout:  {},
	CodeValidation:       {},
	CodeInvalidConfig:    {},
	CodeTimeout:          {},
}

// Retryable reports whether a failure with this code may be retried under
// the step's retry policy
func (c ErrorCode) Retryable() bool {
	_, ok := nonRetryable[c]
	return !ok
}

// OK builds a successful step result
func OK(output Output) StepResult {
	return StepResult{Kind: ResultOK, Output: output}
}

// Fail builds a failed step result with a machine code
func Fail(msg string, code ErrorCode) StepResult {
	return StepResult{Kind: ResultFail, Error: msg, Code: code}
}

// Wait builds a waiting step result that pauses the execution
func Wait(payload Output) StepResult {
	return StepResult{Kind: ResultWait, Wait: payload}
}

// WithCost attaches a cost and token usage to a result
func (r StepResult) WithCost(cost Money, usage TokenUsage) StepResult {
	r.Cost = cost
	r.Usage = usage
	return r
}
