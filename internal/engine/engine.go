// Package engine runs process executions: it resolves ready steps from the
// dependency graph, dispatches them to their handlers, applies retry and
// error policies, and drives each execution to a terminal status.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/praxhq/prax/internal/bus"
	"github.com/praxhq/prax/internal/config"
	"github.com/praxhq/prax/internal/gateway"
	"github.com/praxhq/prax/internal/notify"
	"github.com/praxhq/prax/internal/store"
	"github.com/praxhq/prax/pkg/api"
	"github.com/praxhq/prax/pkg/log"
)

type (
	// Engine owns the execution lifecycle. One engine task owns each
	// execution aggregate at a time; per-execution locks serialize resume
	// paths against the scheduler
	Engine struct {
		cfg        *config.Config
		logger     *slog.Logger
		stores     *store.Stores
		bus        *bus.Bus
		gateway    gateway.AgentGateway
		notifiers  *notify.Registry
		templates  *Templates
		conditions *Conditions

		mu      sync.Mutex
		locks   map[api.ExecutionID]*sync.Mutex
		cancels map[api.ExecutionID]context.CancelFunc
		wg      sync.WaitGroup
	}

	// Option configures an Engine
	Option func(*Engine)
)

// WithGateway overrides the agent gateway
func WithGateway(g gateway.AgentGateway) Option {
	return func(e *Engine) { e.gateway = g }
}

// WithNotifiers overrides the notification registry
func WithNotifiers(r *notify.Registry) Option {
	return func(e *Engine) { e.notifiers = r }
}

// New creates an engine over the given stores and event bus
func New(
	cfg *config.Config, logger *slog.Logger, stores *store.Stores,
	b *bus.Bus, opts ...Option,
) *Engine {
	templates := NewTemplates(logger)
	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		stores:     stores,
		bus:        b,
		notifiers:  notify.NewRegistry(),
		templates:  templates,
		conditions: NewConditions(templates),
		locks:      map[api.ExecutionID]*sync.Mutex{},
		cancels:    map[api.ExecutionID]context.CancelFunc{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// lockFor returns the mutex serializing mutations of one execution
func (e *Engine) lockFor(id api.ExecutionID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// trackCancel registers the cancel function of a running scheduler task
func (e *Engine) trackCancel(id api.ExecutionID, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancels[id] = cancel
}

// untrack forgets the scheduler task of an execution. The lock entry stays
// so later resume paths keep serializing against the same mutex
func (e *Engine) untrack(id api.ExecutionID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cancels, id)
}

// interrupt aborts the scheduler task of an execution, if one is running
func (e *Engine) interrupt(id api.ExecutionID) {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
}

// KnownAgent reports whether the configured gateway can serve the agent.
// Gateways that cannot be probed treat every agent as known
func (e *Engine) KnownAgent(ctx context.Context, agent string) bool {
	if e.gateway == nil {
		return false
	}
	if d, ok := e.gateway.(gateway.AgentDirectory); ok {
		return d.KnownAgent(ctx, agent)
	}
	return true
}

// Recover resumes executions left running by a previous engine instance.
// Paused executions stay paused; their approvals drive resumption
func (e *Engine) Recover(ctx context.Context) error {
	running, err := e.stores.Executions.List(ctx, store.ExecutionFilter{
		Status: api.ExecutionRunning,
	})
	if err != nil {
		return err
	}

	for _, exec := range running {
		e.logger.Info("recovering execution",
			log.ExecutionID(exec.ID),
			log.ProcessID(exec.ProcessID),
		)
		e.schedule(exec.ID)
	}
	return nil
}

// StartSweeper expires overdue approval requests on a fixed cadence until
// the context is cancelled
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.sweepApprovals(ctx, time.Now())
			}
		}
	}()
}

// Shutdown waits for in-flight scheduler tasks and deliveries to finish
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		e.bus.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// schedule launches the scheduler loop for an execution on its own task
func (e *Engine) schedule(id api.ExecutionID) {
	ctx, cancel := context.WithCancel(context.Background())
	e.trackCancel(id, cancel)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.run(ctx, id)
	}()
}
