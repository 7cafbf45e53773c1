package engine

import (
	"context"
	"time"

	"github.com/praxhq/prax/pkg/api"
)

// execTimer blocks until the configured duration elapses or the target
// time arrives. A deadline already in the past completes immediately
func (e *Engine) execTimer(
	ctx context.Context, sc *stepContext,
) api.StepResult {
	cfg := sc.step.Timer

	var wait time.Duration
	switch {
	case cfg.Duration > 0:
		wait = cfg.Duration.Std()
	case cfg.Until != nil:
		wait = time.Until(*cfg.Until)
	}

	if wait <= 0 {
		return api.OK(api.Output{"waited_seconds": float64(0)})
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return api.Fail("timer interrupted", api.CodeTimeout)
	case <-timer.C:
		return api.OK(api.Output{"waited_seconds": wait.Seconds()})
	}
}
