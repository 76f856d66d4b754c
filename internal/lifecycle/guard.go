package lifecycle

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/terrpan/embervm/internal/engine"
)

// Guard is the one-shot teardown token created after a successful
// apply.  It owns the exact template path, variable map and verbosity
// the apply used; releasing it issues the matching destroy.
//
// Release consumes the guard: the first caller runs the destroy, every
// later caller gets nil without touching the engine.  This is the
// single point all three termination paths (normal completion, OS
// signal, fault) converge on, so at most one destroy call is ever made
// per successful apply.
type Guard struct {
	engine       engine.Engine
	templatePath string
	vars         map[string]string
	verbose      bool
	logger       *slog.Logger

	// observe reports the outcome back to the controller (state +
	// metrics).  May be nil.
	observe func(cause Cause, err error, elapsed time.Duration)

	mu       sync.Mutex
	released bool
}

// Release destroys the deployed resource with the variables captured at
// apply time.  Only the first call has any effect.
//
// There is no deadline: a hung destroy hangs the process
// rather than silently leaking the resource.
func (g *Guard) Release(ctx context.Context, cause Cause) error {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		g.logger.Debug("teardown already performed", slog.String("cause", cause.String()))
		return nil
	}
	g.released = true
	g.mu.Unlock()

	g.logger.Info("destroying resources",
		slog.String("cause", cause.String()),
		slog.String("template", g.templatePath),
	)

	start := time.Now()
	err := g.engine.Destroy(ctx, g.templatePath, g.vars, g.verbose)
	elapsed := time.Since(start)

	if g.observe != nil {
		g.observe(cause, err, elapsed)
	}
	if err != nil {
		return err
	}

	g.logger.Info("resources destroyed", slog.Duration("elapsed", elapsed))
	return nil
}

// Released reports whether the guard has been consumed.
func (g *Guard) Released() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.released
}
