// Package validate turns raw YAML process definitions into validated
// aggregates. Validation runs in phases: syntax, structure, semantics, and
// advisory warnings. The first failing phase stops the pipeline.
package validate

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/praxhq/prax/pkg/api"
)

type (
	// Issue is a single validation finding, qualified by the definition
	// path it refers to
	Issue struct {
		Path    string `json:"path,omitempty"`
		Message string `json:"message"`
	}

	// Result is the outcome of validating a definition. Definition is only
	// set when Errors is empty
	Result struct {
		Definition *api.ProcessDefinition `json:"-"`
		Errors     []Issue                `json:"errors,omitempty"`
		Warnings   []Issue                `json:"warnings,omitempty"`
	}
)

// OK reports whether the definition passed validation
func (r *Result) OK() bool {
	return len(r.Errors) == 0
}

func (r *Result) errorf(path, format string, args ...any) {
	r.Errors = append(r.Errors, Issue{
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	})
}

func (r *Result) warnf(path, format string, args ...any) {
	r.Warnings = append(r.Warnings, Issue{
		Path:    path,
		Message: fmt.Sprintf(format, args...),
	})
}

// ParseYAML decodes a YAML document into a draft definition and validates
// it. Identity fields are assigned when absent. The document is decoded
// through the JSON field names so YAML and JSON submissions are equivalent
func ParseYAML(body []byte, now time.Time) *Result {
	res := &Result{}

	var raw any
	if err := yaml.Unmarshal(body, &raw); err != nil {
		res.errorf("", "invalid yaml: %s", err)
		return res
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		res.errorf("", "invalid document: %s", err)
		return res
	}

	var def api.ProcessDefinition
	if err := json.Unmarshal(encoded, &def); err != nil {
		res.errorf("", "invalid definition: %s", err)
		return res
	}

	if def.ID == "" {
		def.ID = api.NewProcessID()
	}
	if def.Status == "" {
		def.Status = api.DefinitionDraft
	}
	if def.Version == "" {
		def.Version = "1.0"
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	return Check(&def, res)
}

// Definition validates an already-decoded definition
func Definition(def *api.ProcessDefinition) *Result {
	return Check(def, &Result{})
}

// Check runs the structural and semantic phases against def, appending
// findings to res
func Check(def *api.ProcessDefinition, res *Result) *Result {
	if err := def.Validate(); err != nil {
		res.errorf("", "%s", err)
		return res
	}

	checkGraph(def, res)
	checkSteps(def, res)
	checkTriggers(def, res)
	if !res.OK() {
		return res
	}

	warn(def, res)
	res.Definition = def
	return res
}

// checkGraph rejects dependency cycles using Kahn's algorithm
func checkGraph(def *api.ProcessDefinition, res *Result) {
	inDegree := make(map[api.StepID]int, len(def.Steps))
	dependents := make(map[api.StepID][]api.StepID, len(def.Steps))
	for _, s := range def.Steps {
		inDegree[s.ID] = len(s.Dependencies)
		for _, dep := range s.Dependencies {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var queue []api.StepID
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	seen := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if seen != len(def.Steps) {
		var cyclic []api.StepID
		for id, deg := range inDegree {
			if deg > 0 {
				cyclic = append(cyclic, id)
			}
		}
		res.errorf("steps", "dependency cycle involving %v", cyclic)
	}
}

func checkSteps(def *api.ProcessDefinition, res *Result) {
	for _, s := range def.Steps {
		path := fmt.Sprintf("steps.%s", s.ID)
		switch s.Type {
		case api.StepAgentTask:
			checkAgentTask(path, s.AgentTask, res)
		case api.StepGateway:
			checkGateway(def, path, s.Gateway, res)
		case api.StepTimer:
			checkTimer(path, s.Timer, res)
		case api.StepNotification:
			checkNotification(path, s.Notification, res)
		case api.StepSubProcess:
			checkSubProcess(def, path, s.SubProcess, res)
		}

		if s.Compensation != nil {
			checkCompensation(path, s.Compensation, res)
		}
	}
}

func checkAgentTask(path string, c *api.AgentTaskConfig, res *Result) {
	if c.Agent == "" {
		res.errorf(path+".agent_task.agent", "agent is required")
	}
	if c.Message == "" {
		res.errorf(path+".agent_task.message", "message is required")
	}
}

func checkGateway(
	def *api.ProcessDefinition, path string, c *api.GatewayConfig, res *Result,
) {
	if len(c.Routes) == 0 {
		res.errorf(path+".gateway.routes", "at least one route is required")
		return
	}
	for i, route := range c.Routes {
		rpath := fmt.Sprintf("%s.gateway.routes[%d]", path, i)
		if route.Condition == "" {
			res.errorf(rpath+".condition", "condition is required")
		}
		if _, ok := def.Step(route.Target); !ok {
			res.errorf(rpath+".target", "unknown step %q", route.Target)
		}
	}
	if c.DefaultRoute != "" {
		if _, ok := def.Step(c.DefaultRoute); !ok {
			res.errorf(path+".gateway.default_route",
				"unknown step %q", c.DefaultRoute)
		}
	}
}

func checkTimer(path string, c *api.TimerConfig, res *Result) {
	hasDuration := c.Duration > 0
	hasUntil := c.Until != nil
	if hasDuration == hasUntil {
		res.errorf(path+".timer",
			"exactly one of duration or until must be set")
	}
}

func checkNotification(path string, c *api.NotificationConfig, res *Result) {
	switch c.Channel {
	case api.ChannelSlack, api.ChannelEmail, api.ChannelWebhook:
	default:
		res.errorf(path+".notification.channel",
			"unknown channel %q", c.Channel)
	}
	if c.Message == "" {
		res.errorf(path+".notification.message", "message is required")
	}
	if c.Channel == api.ChannelWebhook && c.WebhookURL == "" {
		res.errorf(path+".notification.webhook_url",
			"webhook_url is required for the webhook channel")
	}
	if c.Channel == api.ChannelEmail && len(c.Recipients) == 0 {
		res.errorf(path+".notification.recipients",
			"recipients are required for the email channel")
	}
}

func checkSubProcess(
	def *api.ProcessDefinition, path string, c *api.SubProcessConfig,
	res *Result,
) {
	if c.ProcessName == "" {
		res.errorf(path+".sub_process.process_name",
			"process_name is required")
		return
	}
	// Direct self-recursion would spawn children forever
	if c.ProcessName == def.Name {
		res.errorf(path+".sub_process.process_name",
			"process cannot invoke itself")
	}
}

func checkCompensation(path string, c *api.Compensation, res *Result) {
	switch c.Type {
	case api.StepAgentTask:
		if c.AgentTask == nil {
			res.errorf(path+".compensation.agent_task",
				"agent_task config is required")
		} else {
			checkAgentTask(path+".compensation", c.AgentTask, res)
		}
	case api.StepNotification:
		if c.Notification == nil {
			res.errorf(path+".compensation.notification",
				"notification config is required")
		} else {
			checkNotification(path+".compensation", c.Notification, res)
		}
	default:
		res.errorf(path+".compensation.type",
			"compensation type must be agent_task or notification, got %q",
			c.Type)
	}
}

func checkTriggers(def *api.ProcessDefinition, res *Result) {
	for i, t := range def.Triggers {
		path := fmt.Sprintf("triggers[%d]", i)
		switch t.Type {
		case api.TriggerManual:
		case api.TriggerWebhook:
			if t.Webhook == nil || t.Webhook.ID == "" {
				res.errorf(path+".webhook.id", "webhook id is required")
			}
		case api.TriggerSchedule:
			if t.Schedule == nil || t.Schedule.Cron == "" {
				res.errorf(path+".schedule.cron", "cron is required")
				continue
			}
			if _, err := ParseCron(t.Schedule.Cron); err != nil {
				res.errorf(path+".schedule.cron",
					"invalid cron %q: %s", t.Schedule.Cron, err)
			}
		default:
			res.errorf(path+".type", "unknown trigger type %q", t.Type)
		}
	}
}

// warn surfaces advisory findings that do not block publication
func warn(def *api.ProcessDefinition, res *Result) {
	dependedOn := map[api.StepID]struct{}{}
	routed := map[api.StepID]struct{}{}
	for _, s := range def.Steps {
		for _, dep := range s.Dependencies {
			dependedOn[dep] = struct{}{}
		}
		if s.Gateway != nil {
			for _, route := range s.Gateway.Routes {
				routed[route.Target] = struct{}{}
			}
			if s.Gateway.DefaultRoute != "" {
				routed[s.Gateway.DefaultRoute] = struct{}{}
			}
		}
	}

	for _, s := range def.Steps {
		path := fmt.Sprintf("steps.%s", s.ID)
		if s.Type == api.StepHumanApproval &&
			(s.HumanApproval == nil || len(s.HumanApproval.Assignees) == 0) {
			res.warnf(path, "approval has no assignees; anyone may decide")
		}
		if s.Retry != nil && s.Retry.MaxAttempts > 10 {
			res.warnf(path+".retry.max_attempts",
				"%d attempts is unusually high", s.Retry.MaxAttempts)
		}
		_, isDep := dependedOn[s.ID]
		_, isRouted := routed[s.ID]
		if len(s.Dependencies) > 0 && !isDep && !isRouted &&
			s.Type == api.StepTimer {
			res.warnf(path, "timer result is never consumed")
		}
	}

	if len(def.Triggers) == 0 {
		res.warnf("triggers", "no triggers defined; manual start only")
	}
}
