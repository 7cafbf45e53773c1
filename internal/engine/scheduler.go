package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/praxhq/prax/pkg/api"
	"github.com/praxhq/prax/pkg/log"
)

// run drives one execution until it reaches a terminal status, pauses for
// an approval, or the context is cancelled
func (e *Engine) run(ctx context.Context, id api.ExecutionID) {
	lock := e.lockFor(id)

	for {
		lock.Lock()
		exec, def, err := e.loadPair(ctx, id)
		if err != nil {
			lock.Unlock()
			e.logger.Error("failed to load execution",
				log.ExecutionID(id), log.Error(err))
			return
		}

		if exec.Status == api.ExecutionPending {
			if err := e.markStarted(ctx, exec, def); err != nil {
				lock.Unlock()
				return
			}
		}
		if exec.Status != api.ExecutionRunning {
			lock.Unlock()
			e.untrack(id)
			return
		}

		wave := readySteps(def, exec)
		if len(wave) == 0 {
			e.finalize(ctx, exec, def)
			lock.Unlock()
			e.untrack(id)
			return
		}

		// Arm the wave before releasing the aggregate
		for _, step := range wave {
			se := exec.Steps[step.ID]
			switch se.Status {
			case api.StepStatusPending, api.StepStatusRunning:
				if err := transitionStep(se, api.StepStatusReady); err != nil {
					lock.Unlock()
					return
				}
			}
		}
		if err := e.stores.Executions.Save(ctx, exec); err != nil {
			lock.Unlock()
			e.logger.Error("failed to save execution",
				log.ExecutionID(id), log.Error(err))
			return
		}
		lock.Unlock()

		e.dispatchWave(ctx, id, def, wave)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// loadPair loads an execution and the definition version it runs
func (e *Engine) loadPair(
	ctx context.Context, id api.ExecutionID,
) (*api.ProcessExecution, *api.ProcessDefinition, error) {
	exec, err := e.stores.Executions.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	def, err := e.stores.Definitions.GetByName(
		ctx, exec.ProcessName, exec.ProcessVersion,
	)
	if err != nil {
		return nil, nil, err
	}
	return exec, def, nil
}

func (e *Engine) markStarted(
	ctx context.Context, exec *api.ProcessExecution,
	def *api.ProcessDefinition,
) error {
	if err := transitionExecution(exec, api.ExecutionRunning); err != nil {
		return err
	}
	exec.StartedAt = time.Now().UTC()
	if err := e.stores.Executions.Save(ctx, exec); err != nil {
		return err
	}
	e.bus.Publish(&api.ProcessStartedEvent{
		EventBase:   api.NewEventBase(exec.ID, exec.StartedAt),
		ProcessID:   def.ID,
		ProcessName: def.Name,
		TriggeredBy: exec.TriggeredBy,
	})
	return nil
}

// readySteps returns the steps runnable right now: re-armed ready steps,
// pending steps whose dependencies are all satisfied, and steps a previous
// engine instance left running, which re-run from the start
func readySteps(
	def *api.ProcessDefinition, exec *api.ProcessExecution,
) []*api.StepDefinition {
	var wave []*api.StepDefinition
	for _, step := range def.Steps {
		se, ok := exec.Steps[step.ID]
		if !ok {
			continue
		}
		switch se.Status {
		case api.StepStatusReady, api.StepStatusRunning:
			wave = append(wave, step)
		case api.StepStatusPending:
			if depsSatisfied(step, exec) {
				wave = append(wave, step)
			}
		}
	}
	return wave
}

func depsSatisfied(
	step *api.StepDefinition, exec *api.ProcessExecution,
) bool {
	for _, dep := range step.Dependencies {
		se, ok := exec.Steps[dep]
		if !ok || !se.Status.Satisfied() {
			return false
		}
	}
	return true
}

// dispatchWave runs a set of ready steps, respecting the configured
// parallelism. It returns once every step in the wave has settled
func (e *Engine) dispatchWave(
	ctx context.Context, id api.ExecutionID,
	def *api.ProcessDefinition, wave []*api.StepDefinition,
) {
	if !e.cfg.ParallelExecution || len(wave) == 1 {
		for _, step := range wave {
			e.runStep(ctx, id, def, step)
		}
		return
	}

	var slots chan struct{}
	if e.cfg.MaxConcurrentSteps > 0 {
		slots = make(chan struct{}, e.cfg.MaxConcurrentSteps)
	}

	var wg sync.WaitGroup
	for _, step := range wave {
		if slots != nil {
			slots <- struct{}{}
		}
		wg.Add(1)
		go func(step *api.StepDefinition) {
			defer wg.Done()
			if slots != nil {
				defer func() { <-slots }()
			}
			e.runStep(ctx, id, def, step)
		}(step)
	}
	wg.Wait()
}

// finalize settles an execution with no runnable steps left. A step still
// awaiting a decision pauses the execution instead; a failed step routed
// through fail_process fails it. Otherwise steps that can never run are
// skipped as unreachable and the execution completes
func (e *Engine) finalize(
	ctx context.Context, exec *api.ProcessExecution,
	def *api.ProcessDefinition,
) {
	for _, se := range exec.Steps {
		switch se.Status {
		case api.StepStatusRunning:
			// Never complete over an in-flight step
			return
		case api.StepStatusWaitingApproval:
			e.pauseExecution(ctx, exec)
			return
		}
	}

	for _, step := range def.Steps {
		se, ok := exec.Steps[step.ID]
		if !ok || se.Status != api.StepStatusFailed {
			continue
		}
		if step.ErrorActionOrDefault() == api.ErrorFailProcess {
			e.failExecution(ctx, exec, def, step.ID, se.Error)
			return
		}
	}

	now := time.Now().UTC()

	for id, se := range exec.Steps {
		if se.Status != api.StepStatusPending &&
			se.Status != api.StepStatusReady {
			continue
		}
		se.Status = api.StepStatusSkipped
		se.CompletedAt = now
		e.bus.Publish(&api.StepSkippedEvent{
			EventBase: api.NewEventBase(exec.ID, now),
			StepID:    id,
			Reason:    "unreachable",
		})
	}

	e.resolveOutputs(exec, def)

	if err := transitionExecution(exec, api.ExecutionCompleted); err != nil {
		e.logger.Error("failed to complete execution",
			log.ExecutionID(exec.ID), log.Error(err))
		return
	}
	exec.CompletedAt = now
	if err := e.stores.Executions.Save(ctx, exec); err != nil {
		e.logger.Error("failed to save execution",
			log.ExecutionID(exec.ID), log.Error(err))
		return
	}

	e.logger.Info("execution completed",
		log.ExecutionID(exec.ID),
		log.ProcessID(exec.ProcessID),
	)
	e.bus.Publish(&api.ProcessCompletedEvent{
		EventBase:  api.NewEventBase(exec.ID, now),
		OutputData: exec.OutputData,
		TotalCost:  exec.TotalCost,
		Duration:   exec.Duration().Milliseconds(),
	})
	e.resumeParent(ctx, exec)
}

// pauseExecution parks a running execution on an external decision
func (e *Engine) pauseExecution(
	ctx context.Context, exec *api.ProcessExecution,
) {
	if exec.Status != api.ExecutionRunning {
		return
	}
	if err := transitionExecution(exec, api.ExecutionPaused); err != nil {
		e.logger.Error("failed to pause execution",
			log.ExecutionID(exec.ID), log.Error(err))
		return
	}
	if err := e.stores.Executions.Save(ctx, exec); err != nil {
		e.logger.Error("failed to save execution",
			log.ExecutionID(exec.ID), log.Error(err))
		return
	}
	e.logger.Info("execution paused",
		log.ExecutionID(exec.ID),
	)
}

// resolveOutputs projects the declared process outputs from the finished
// execution's scope
func (e *Engine) resolveOutputs(
	exec *api.ProcessExecution, def *api.ProcessDefinition,
) {
	if len(def.Outputs) == 0 {
		return
	}
	scope, err := NewScope(def, exec)
	if err != nil {
		e.logger.Error("failed to build output scope",
			log.ExecutionID(exec.ID), log.Error(err))
		return
	}

	outputs := make(api.Output, len(def.Outputs))
	for _, spec := range def.Outputs {
		v, err := e.templates.Render(spec.Source, scope)
		if err != nil {
			e.logger.Warn("failed to resolve output",
				log.ExecutionID(exec.ID), log.Error(err))
			continue
		}
		outputs[spec.Name] = v
	}
	exec.OutputData = outputs
}

// failExecution compensates completed steps and settles the execution as
// failed. Called with the execution lock held
func (e *Engine) failExecution(
	ctx context.Context, exec *api.ProcessExecution,
	def *api.ProcessDefinition, stepID api.StepID, msg string,
) {
	e.compensate(ctx, exec, def)

	now := time.Now().UTC()
	if err := transitionExecution(exec, api.ExecutionFailed); err != nil {
		e.logger.Error("failed to fail execution",
			log.ExecutionID(exec.ID), log.Error(err))
		return
	}
	exec.CompletedAt = now
	exec.ErrorMessage = msg
	exec.FailedStepID = stepID
	if err := e.stores.Executions.Save(ctx, exec); err != nil {
		e.logger.Error("failed to save execution",
			log.ExecutionID(exec.ID), log.Error(err))
		return
	}

	e.logger.Warn("execution failed",
		log.ExecutionID(exec.ID),
		log.StepID(stepID),
		log.ErrorString(msg),
	)
	e.bus.Publish(&api.ProcessFailedEvent{
		EventBase:    api.NewEventBase(exec.ID, now),
		Error:        msg,
		FailedStepID: stepID,
	})
	e.resumeParent(ctx, exec)
}

// completedForCompensation lists completed steps carrying a compensation
// action, most recently completed first
func completedForCompensation(
	exec *api.ProcessExecution, def *api.ProcessDefinition,
) []*api.StepDefinition {
	var steps []*api.StepDefinition
	for _, step := range def.Steps {
		se, ok := exec.Steps[step.ID]
		if !ok || step.Compensation == nil {
			continue
		}
		if se.Status == api.StepStatusCompleted {
			steps = append(steps, step)
		}
	}
	sort.Slice(steps, func(i, j int) bool {
		a := exec.Steps[steps[i].ID].CompletedAt
		b := exec.Steps[steps[j].ID].CompletedAt
		return a.After(b)
	})
	return steps
}
