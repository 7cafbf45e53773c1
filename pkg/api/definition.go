package api

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type (
	// DefinitionStatus represents the lifecycle state of a definition
	DefinitionStatus string

	// StepType identifies the handler responsible for a step
	StepType string

	// TriggerType identifies how an execution may be initiated
	TriggerType string

	// GatewayType selects the routing semantics of a gateway step
	GatewayType string

	// ErrorAction selects how a step failure affects the execution
	ErrorAction string

	// Channel identifies a notification delivery channel
	Channel string

	// ProcessDefinition is a versioned, declarative description of a
	// process. Published definitions are immutable
	ProcessDefinition struct {
		ID          ProcessID         `json:"id"`
		Name        Name              `json:"name"`
		Description string            `json:"description,omitempty"`
		Version     string            `json:"version"`
		Status      DefinitionStatus  `json:"status"`
		Steps       []*StepDefinition `json:"steps"`
		Outputs     []*OutputSpec     `json:"outputs,omitempty"`
		Triggers    []*Trigger        `json:"triggers,omitempty"`
		CreatedBy   string            `json:"created_by,omitempty"`
		CreatedAt   time.Time         `json:"created_at"`
		UpdatedAt   time.Time         `json:"updated_at"`
	}

	// StepDefinition is a node in the definition's DAG. Exactly one of the
	// typed config pointers matching Type must be present
	StepDefinition struct {
		AgentTask     *AgentTaskConfig     `json:"agent_task,omitempty"`
		HumanApproval *HumanApprovalConfig `json:"human_approval,omitempty"`
		Gateway       *GatewayConfig       `json:"gateway,omitempty"`
		Timer         *TimerConfig         `json:"timer,omitempty"`
		Notification  *NotificationConfig  `json:"notification,omitempty"`
		SubProcess    *SubProcessConfig    `json:"sub_process,omitempty"`
		Retry         *RetryPolicy         `json:"retry,omitempty"`
		OnError       *ErrorPolicy         `json:"on_error,omitempty"`
		Compensation  *Compensation        `json:"compensation,omitempty"`
		Roles         *StepRoles           `json:"roles,omitempty"`
		ID            StepID               `json:"id"`
		Name          string               `json:"name,omitempty"`
		Type          StepType             `json:"type"`
		Dependencies  []StepID             `json:"dependencies,omitempty"`
		Condition     string               `json:"condition,omitempty"`
		Timeout       Duration             `json:"timeout,omitempty"`
	}

	// AgentTaskConfig configures an agent_task step
	AgentTaskConfig struct {
		Agent       string   `json:"agent"`
		Message     string   `json:"message"`
		Model       string   `json:"model,omitempty"`
		Temperature float64  `json:"temperature,omitempty"`
		Timeout     Duration `json:"timeout,omitempty"`
	}

	// HumanApprovalConfig configures a human_approval step
	HumanApprovalConfig struct {
		Title       string   `json:"title,omitempty"`
		Description string   `json:"description,omitempty"`
		Assignees   []string `json:"assignees,omitempty"`
		Timeout     Duration `json:"timeout,omitempty"`
	}

	// GatewayConfig configures a gateway step
	GatewayConfig struct {
		GatewayType  GatewayType     `json:"gateway_type,omitempty"`
		Routes       []*GatewayRoute `json:"routes"`
		DefaultRoute StepID          `json:"default_route,omitempty"`
	}

	// GatewayRoute is one conditional route of a gateway
	GatewayRoute struct {
		Condition string `json:"condition"`
		Target    StepID `json:"target"`
	}

	// TimerConfig configures a timer step. Exactly one of Duration or
	// Until must be set
	TimerConfig struct {
		Duration Duration   `json:"duration,omitempty"`
		Until    *time.Time `json:"until,omitempty"`
	}

	// NotificationConfig configures a notification step
	NotificationConfig struct {
		Channel    Channel  `json:"channel"`
		Message    string   `json:"message"`
		Subject    string   `json:"subject,omitempty"`
		Recipients []string `json:"recipients,omitempty"`
		WebhookURL string   `json:"webhook_url,omitempty"`
	}

	// SubProcessConfig configures a sub_process step
	SubProcessConfig struct {
		ProcessName       Name              `json:"process_name"`
		Version           string            `json:"version,omitempty"`
		InputMapping      map[string]string `json:"input_mapping,omitempty"`
		OutputKey         string            `json:"output_key,omitempty"`
		WaitForCompletion *bool             `json:"wait_for_completion,omitempty"`
		Timeout           Duration          `json:"timeout,omitempty"`
	}

	// RetryPolicy controls retry behavior for retryable step failures
	RetryPolicy struct {
		MaxAttempts       int      `json:"max_attempts"`
		InitialDelay      Duration `json:"initial_delay"`
		BackoffMultiplier float64  `json:"backoff_multiplier"`
	}

	// ErrorPolicy controls how a permanent step failure is handled
	ErrorPolicy struct {
		Action     ErrorAction `json:"action"`
		TargetStep StepID      `json:"target_step,omitempty"`
	}

	// Compensation is a rollback action attached to a step, run in reverse
	// completion order when the execution later fails
	Compensation struct {
		Type         StepType            `json:"type"`
		AgentTask    *AgentTaskConfig    `json:"agent_task,omitempty"`
		Notification *NotificationConfig `json:"notification,omitempty"`
	}

	// StepRoles is the executor/monitors/informed role assignment of a step
	StepRoles struct {
		Executor string   `json:"executor"`
		Monitors []string `json:"monitors,omitempty"`
		Informed []string `json:"informed,omitempty"`
	}

	// Trigger describes how executions of a definition may be initiated
	Trigger struct {
		Type     TriggerType      `json:"type"`
		Webhook  *WebhookTrigger  `json:"webhook,omitempty"`
		Schedule *ScheduleTrigger `json:"schedule,omitempty"`
	}

	// WebhookTrigger identifies an inbound webhook endpoint
	WebhookTrigger struct {
		ID string `json:"id"`
	}

	// ScheduleTrigger runs executions on a cron schedule
	ScheduleTrigger struct {
		Cron        string `json:"cron"`
		Timezone    string `json:"timezone,omitempty"`
		Description string `json:"description,omitempty"`
	}

	// OutputSpec names a process output resolved from a template expression
	// when the execution completes
	OutputSpec struct {
		Name        string `json:"name"`
		Source      string `json:"source"`
		Description string `json:"description,omitempty"`
	}
)

const (
	DefinitionDraft     DefinitionStatus = "draft"
	DefinitionPublished DefinitionStatus = "published"
	DefinitionArchived  DefinitionStatus = "archived"
)

const (
	StepAgentTask     StepType = "agent_task"
	StepHumanApproval StepType = "human_approval"
	StepGateway       StepType = "gateway"
	StepTimer         StepType = "timer"
	StepNotification  StepType = "notification"
	StepSubProcess    StepType = "sub_process"
)

const (
	TriggerManual   TriggerType = "manual"
	TriggerWebhook  TriggerType = "webhook"
	TriggerSchedule TriggerType = "schedule"
)

const (
	GatewayExclusive GatewayType = "exclusive"
	GatewayParallel  GatewayType = "parallel"
)

const (
	ErrorFailProcess ErrorAction = "fail_process"
	ErrorSkipStep    ErrorAction = "skip_step"
	ErrorGotoStep    ErrorAction = "goto_step"
)

const (
	ChannelSlack   Channel = "slack"
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
)

const (
	DefaultApprovalTimeout   = Duration(24 * time.Hour)
	DefaultSubProcessTimeout = Duration(1 * time.Hour)
	DefaultOutputKey         = "result"
)

var (
	ErrNameInvalid          = errors.New("process name invalid")
	ErrNoSteps              = errors.New("process has no steps")
	ErrStepIDInvalid        = errors.New("step id invalid")
	ErrDuplicateStepID      = errors.New("duplicate step id")
	ErrUnknownDependency    = errors.New("unknown dependency")
	ErrInvalidStepType      = errors.New("invalid step type")
	ErrConfigMissing        = errors.New("step config missing")
	ErrConfigMismatch       = errors.New("step config does not match type")
	ErrGotoTargetMissing    = errors.New("goto_step target not found")
	ErrExecutorRequired     = errors.New("roles require an executor")
	ErrVersionInvalid       = errors.New("version must be major.minor")
	ErrDefinitionNotDraft   = errors.New("definition is not a draft")
	ErrDefinitionNotRunning = errors.New("definition is not published")
)

var validStepTypes = map[StepType]struct{}{
	StepAgentTask:     {},
	StepHumanApproval: {},
	StepGateway:       {},
	StepTimer:         {},
	StepNotification:  {},
	StepSubProcess:    {},
}

// IsTerminal returns true when the definition can no longer change
func (s DefinitionStatus) IsTerminal() bool {
	return s == DefinitionArchived
}

// Step returns the step definition with the given id, if present
func (d *ProcessDefinition) Step(id StepID) (*StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// Validate checks the structural invariants of a definition: a valid name,
// at least one step, unique well-formed step ids, resolvable dependencies
// and goto targets, and a config variant matching each step type
func (d *ProcessDefinition) Validate() error {
	if !ValidName(d.Name) {
		return fmt.Errorf("%w: %q", ErrNameInvalid, d.Name)
	}
	if err := validVersion(d.Version); err != nil {
		return err
	}
	if len(d.Steps) == 0 {
		return ErrNoSteps
	}

	ids := make(map[StepID]struct{}, len(d.Steps))
	for _, s := range d.Steps {
		if !ValidStepID(s.ID) {
			return fmt.Errorf("%w: %q", ErrStepIDInvalid, s.ID)
		}
		if _, ok := ids[s.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateStepID, s.ID)
		}
		ids[s.ID] = struct{}{}
	}

	for _, s := range d.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step %s: %w", s.ID, err)
		}
		for _, dep := range s.Dependencies {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("%w: step %s depends on %s",
					ErrUnknownDependency, s.ID, dep)
			}
		}
		if s.OnError != nil && s.OnError.Action == ErrorGotoStep {
			if _, ok := ids[s.OnError.TargetStep]; !ok {
				return fmt.Errorf("%w: step %s targets %s",
					ErrGotoTargetMissing, s.ID, s.OnError.TargetStep)
			}
		}
	}
	return nil
}

// Validate checks a single step definition
func (s *StepDefinition) Validate() error {
	if _, ok := validStepTypes[s.Type]; !ok {
		return fmt.Errorf("%w: %s", ErrInvalidStepType, s.Type)
	}
	if err := s.validateConfig(); err != nil {
		return err
	}
	if s.Retry != nil && s.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be >= 1, got %d",
			s.Retry.MaxAttempts)
	}
	if s.Retry != nil && s.Retry.BackoffMultiplier != 0 &&
		s.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("retry backoff_multiplier must be >= 1, got %v",
			s.Retry.BackoffMultiplier)
	}
	if s.Roles != nil && s.Roles.Executor == "" {
		return ErrExecutorRequired
	}
	return nil
}

func (s *StepDefinition) validateConfig() error {
	var present StepType
	count := 0
	for typ, cfg := range map[StepType]any{
		StepAgentTask:     s.AgentTask,
		StepHumanApproval: s.HumanApproval,
		StepGateway:       s.Gateway,
		StepTimer:         s.Timer,
		StepNotification:  s.Notification,
		StepSubProcess:    s.SubProcess,
	} {
		if !isNilConfig(cfg) {
			present = typ
			count++
		}
	}

	// human_approval has no required fields; a missing config block is
	// treated as all defaults
	if count == 0 {
		if s.Type == StepHumanApproval {
			return nil
		}
		return ErrConfigMissing
	}
	if count > 1 || present != s.Type {
		return fmt.Errorf("%w: type=%s", ErrConfigMismatch, s.Type)
	}
	return nil
}

func isNilConfig(cfg any) bool {
	switch c := cfg.(type) {
	case *AgentTaskConfig:
		return c == nil
	case *HumanApprovalConfig:
		return c == nil
	case *GatewayConfig:
		return c == nil
	case *TimerConfig:
		return c == nil
	case *NotificationConfig:
		return c == nil
	case *SubProcessConfig:
		return c == nil
	}
	return true
}

// RetryOrDefault returns the step's retry policy, falling back to a single
// attempt when none is configured
func (s *StepDefinition) RetryOrDefault() RetryPolicy {
	if s.Retry == nil {
		return RetryPolicy{MaxAttempts: 1}
	}
	p := *s.Retry
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 1
	}
	return p
}

// ErrorActionOrDefault returns the step's error action, defaulting to
// fail_process
func (s *StepDefinition) ErrorActionOrDefault() ErrorAction {
	if s.OnError == nil || s.OnError.Action == "" {
		return ErrorFailProcess
	}
	return s.OnError.Action
}

// Delay returns the backoff delay before the given retry attempt.
// Attempts are 1-based; the first retry waits InitialDelay
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := float64(p.InitialDelay.Std())
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		d *= mult
	}
	return time.Duration(d)
}

// Publish transitions a draft definition to published
func (d *ProcessDefinition) Publish(now time.Time) error {
	if d.Status != DefinitionDraft {
		return fmt.Errorf("%w: %s", ErrDefinitionNotDraft, d.Status)
	}
	if err := d.Validate(); err != nil {
		return err
	}
	d.Status = DefinitionPublished
	d.UpdatedAt = now
	return nil
}

// Archive transitions a published definition to archived
func (d *ProcessDefinition) Archive(now time.Time) error {
	if d.Status != DefinitionPublished {
		return fmt.Errorf("%w: %s", ErrDefinitionNotRunning, d.Status)
	}
	d.Status = DefinitionArchived
	d.UpdatedAt = now
	return nil
}

// NewVersion clones the definition as a fresh draft with a new id and the
// minor version bumped
func (d *ProcessDefinition) NewVersion(now time.Time) (*ProcessDefinition, error) {
	next, err := bumpMinor(d.Version)
	if err != nil {
		return nil, err
	}

	clone := *d
	clone.ID = NewProcessID()
	clone.Version = next
	clone.Status = DefinitionDraft
	clone.CreatedAt = now
	clone.UpdatedAt = now

	clone.Steps = make([]*StepDefinition, len(d.Steps))
	for i, s := range d.Steps {
		cp := *s
		clone.Steps[i] = &cp
	}
	return &clone, nil
}

func validVersion(v string) error {
	major, minor, ok := strings.Cut(v, ".")
	if !ok {
		return fmt.Errorf("%w: %q", ErrVersionInvalid, v)
	}
	for _, part := range []string{major, minor} {
		if _, err := strconv.Atoi(part); err != nil {
			return fmt.Errorf("%w: %q", ErrVersionInvalid, v)
		}
	}
	return nil
}

func bumpMinor(v string) (string, error) {
	if err := validVersion(v); err != nil {
		return "", err
	}
	major, minor, _ := strings.Cut(v, ".")
	n, _ := strconv.Atoi(minor)
	return fmt.Sprintf("%s.%d", major, n+1), nil
}
