// Package trigger runs the schedule triggers of published definitions.
package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/praxhq/prax/internal/engine"
	"github.com/praxhq/prax/internal/store"
	"github.com/praxhq/prax/internal/validate"
	"github.com/praxhq/prax/pkg/api"
	"github.com/praxhq/prax/pkg/log"
)

// Scheduler registers one cron entry per schedule trigger of each
// published definition. Reload rebuilds the entries after a definition is
// published or archived
type Scheduler struct {
	logger *slog.Logger
	defs   store.DefinitionStore
	engine *engine.Engine

	mu      sync.Mutex
	cron    *cron.Cron
	entries []cron.EntryID
}

// NewScheduler creates a stopped scheduler
func NewScheduler(
	logger *slog.Logger, defs store.DefinitionStore, eng *engine.Engine,
) *Scheduler {
	return &Scheduler{
		logger: logger,
		defs:   defs,
		engine: eng,
		cron:   cron.New(),
	}
}

// Start begins firing schedule triggers
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Reload(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for running trigger callbacks
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Reload replaces the registered entries with the schedule triggers of
// every currently published definition
func (s *Scheduler) Reload(ctx context.Context) error {
	published, err := s.defs.List(ctx, store.DefinitionFilter{
		Status: api.DefinitionPublished,
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.entries {
		s.cron.Remove(id)
	}
	s.entries = s.entries[:0]

	for _, def := range published {
		for _, t := range def.Triggers {
			if t.Type != api.TriggerSchedule || t.Schedule == nil {
				continue
			}
			s.register(def, t.Schedule)
		}
	}
	return nil
}

// Entries reports how many schedule triggers are currently registered
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) register(
	def *api.ProcessDefinition, sched *api.ScheduleTrigger,
) {
	expr := validate.CronExpr(sched.Cron)
	if sched.Timezone != "" {
		expr = "CRON_TZ=" + sched.Timezone + " " + expr
	}

	name := def.Name
	version := def.Version
	id, err := s.cron.AddFunc(expr, func() {
		s.fire(name, version)
	})
	if err != nil {
		s.logger.Warn("failed to register schedule trigger",
			log.ProcessID(def.ID),
			slog.String("cron", sched.Cron),
			log.Error(err),
		)
		return
	}
	s.entries = append(s.entries, id)

	s.logger.Info("schedule trigger registered",
		log.ProcessID(def.ID),
		slog.String("cron", sched.Cron),
	)
}

func (s *Scheduler) fire(name api.Name, version string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	exec, err := s.engine.Start(ctx, engine.StartRequest{
		ProcessName: name,
		Version:     version,
		TriggeredBy: api.TriggeredSchedule,
	})
	if err != nil {
		s.logger.Warn("schedule trigger failed to start execution",
			slog.String("process_name", string(name)),
			log.Error(err),
		)
		return
	}
	s.logger.Info("schedule trigger fired",
		slog.String("process_name", string(name)),
		log.ExecutionID(exec.ID),
	)
}
