package api

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type (
	// ProcessID is a unique identifier for a process definition
	ProcessID string

	// ExecutionID is a unique identifier for a process execution
	ExecutionID string

	// StepID identifies a step within a process definition
	StepID string

	// ApprovalID is a unique identifier for an approval request
	ApprovalID string

	// Name is a process name slug
	Name string

	// ExecutionStep identifies a step execution within an execution
	ExecutionStep struct {
		ExecutionID ExecutionID
		StepID      StepID
	}
)

const MaxNameLength = 64

// NamePattern constrains process names to lowercase slugs
var NamePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// StepIDPattern constrains step identifiers within a process
var StepIDPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// NewProcessID generates a unique process definition identifier
func NewProcessID() ProcessID {
	return ProcessID(uuid.New().String())
}

// NewExecutionID generates a unique execution identifier
func NewExecutionID() ExecutionID {
	return ExecutionID(uuid.New().String())
}

// NewApprovalID generates a unique approval request identifier
func NewApprovalID() ApprovalID {
	return ApprovalID(uuid.New().String())
}

// ValidName reports whether a process name is a well-formed slug
func ValidName(n Name) bool {
	return len(n) >= 1 && len(n) <= MaxNameLength &&
		NamePattern.MatchString(string(n))
}

// ValidStepID reports whether a step identifier is well-formed
func ValidStepID(id StepID) bool {
	return id != "" && StepIDPattern.MatchString(string(id))
}

// invalidNameChars matches characters not permitted in process names
var invalidNameChars = regexp.MustCompile(`[^a-z0-9\- ]`)

// SanitizeName lowercases a name, removes invalid characters, replaces
// spaces with hyphens, and trims leading and trailing hyphens
func SanitizeName[T ~string](name T) T {
	lower := strings.ToLower(string(name))
	sanitized := invalidNameChars.ReplaceAllString(lower, "")
	sanitized = strings.ReplaceAll(sanitized, " ", "-")
	return T(strings.Trim(sanitized, "-"))
}
