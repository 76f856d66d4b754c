// Package lifecycle owns the apply → wait → destroy sequence for one
// ephemeral deployment and guarantees the destroy runs exactly once no
// matter which termination path fires first: normal completion, an OS
// signal, or an unrecoverable fault.
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/embervm/internal/engine"
)

// State is the controller's lifecycle state.
type State string

// Controller states.
const (
	StateIdle           State = "idle"
	StateApplying       State = "applying"
	StateDeployed       State = "deployed"
	StateTearingDown    State = "tearing-down"
	StateDone           State = "done"
	StateFailed         State = "failed"
	StateFailedTeardown State = "failed-teardown"
)

// Cause identifies which termination path initiated teardown.
type Cause int

// Termination causes.
const (
	CauseCompleted Cause = iota // explicit completion, no wait involved
	CauseInterrupt              // SIGINT
	CauseTerminate              // SIGTERM
	CauseFault                  // recovered panic inside the supervisor
)

func (c Cause) String() string {
	switch c {
	case CauseCompleted:
		return "completed"
	case CauseInterrupt:
		return "interrupt"
	case CauseTerminate:
		return "terminate"
	case CauseFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Config holds the parameters the Controller needs.
type Config struct {
	// Engine is the provisioning backend.
	Engine engine.Engine

	// TemplatePath and Vars identify the deployment; Verbose streams
	// the backend's output.
	TemplatePath string
	Vars         map[string]string
	Verbose      bool

	Logger *slog.Logger

	// Out receives the console output (outputs block, wait prompt).
	// Default: os.Stdout.
	Out io.Writer
}

// Controller drives one deployment from apply to destroy.  It is not
// reusable: construct a fresh Controller per run.
type Controller struct {
	engine       engine.Engine
	templatePath string
	vars         map[string]string
	verbose      bool
	logger       *slog.Logger
	out          io.Writer
	runID        string

	mu    sync.Mutex
	state State
	guard *Guard

	// termCh is the one-shot, single-consumer channel every
	// termination trigger funnels into; deliverOnce makes the first
	// trigger win and discards the rest.
	termCh      chan Cause
	deliverOnce sync.Once
	listenOnce  sync.Once
	sigCh       chan os.Signal

	// notify and stop wrap the signal registration so tests can feed
	// simulated signals through sigCh.
	notify func(chan<- os.Signal)
	stop   func(chan<- os.Signal)

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	deploysStarted     metric.Int64Counter
	teardownsCompleted metric.Int64Counter
	teardownDuration   metric.Float64Histogram
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}

	runID := uuid.NewString()[:8]
	c := &Controller{
		engine:       cfg.Engine,
		templatePath: cfg.TemplatePath,
		vars:         cfg.Vars,
		verbose:      cfg.Verbose,
		logger:       cfg.Logger.With(slog.String("run", runID)),
		out:          cfg.Out,
		runID:        runID,
		state:        StateIdle,
		termCh:       make(chan Cause, 1),
		sigCh:        make(chan os.Signal, 1),
		notify: func(ch chan<- os.Signal) {
			signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		},
		stop:   signal.Stop,
		tracer: otel.Tracer("embervm/lifecycle"),
		meter:  otel.Meter("embervm/lifecycle"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	c.deploysStarted, err = c.meter.Int64Counter(
		"embervm.deploys.started",
		metric.WithDescription("Total number of deploys attempted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create deploysStarted counter", slog.String("error", err.Error()))
	}

	c.teardownsCompleted, err = c.meter.Int64Counter(
		"embervm.teardowns.completed",
		metric.WithDescription("Total number of teardown attempts, by cause and result"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create teardownsCompleted counter", slog.String("error", err.Error()))
	}

	c.teardownDuration, err = c.meter.Float64Histogram(
		"embervm.teardown.duration",
		metric.WithDescription("Time to destroy the resource (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create teardownDuration histogram", slog.String("error", err.Error()))
	}

	return c
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Guard returns the teardown token, or nil before a successful deploy.
func (c *Controller) Guard() *Guard {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.guard
}

// Deploy applies the template and, on success, arms the teardown guard
// with a frozen copy of the variable map.  On failure the engine's
// error propagates unchanged and no guard is created: nothing was
// provisioned, so nothing must be destroyed.
func (c *Controller) Deploy(ctx context.Context) (engine.Outputs, error) {
	ctx, span := c.tracer.Start(ctx, "lifecycle.Deploy")
	defer span.End()
	span.SetAttributes(attribute.String("template", c.templatePath))

	c.setState(StateApplying)
	if c.deploysStarted != nil {
		c.deploysStarted.Add(ctx, 1)
	}

	c.logger.Info("applying template", slog.String("template", c.templatePath))

	outs, err := c.engine.Apply(ctx, c.templatePath, c.vars, c.verbose)
	if err != nil {
		c.setState(StateFailed)
		return nil, err
	}

	// Freeze the variables used for apply; the guard destroys with this
	// exact copy, never with anything recomputed later.
	frozen := maps.Clone(c.vars)

	guard := &Guard{
		engine:       c.engine,
		templatePath: c.templatePath,
		vars:         frozen,
		verbose:      c.verbose,
		logger:       c.logger,
		observe:      c.observeTeardown,
	}

	c.mu.Lock()
	c.state = StateDeployed
	c.guard = guard
	c.mu.Unlock()

	c.logger.Info("deployed", slog.Int("outputs", len(outs)))
	return outs, nil
}

// observeTeardown records teardown state and metrics; called by the
// guard exactly once.
func (c *Controller) observeTeardown(cause Cause, err error, elapsed time.Duration) {
	result := "success"
	if err != nil {
		result = "error"
		c.setState(StateFailedTeardown)
	} else {
		c.setState(StateDone)
	}
	ctx := context.Background()
	if c.teardownsCompleted != nil {
		c.teardownsCompleted.Add(ctx, 1, metric.WithAttributes(
			attribute.String("cause", cause.String()),
			attribute.String("result", result),
		))
	}
	if c.teardownDuration != nil {
		c.teardownDuration.Record(ctx, elapsed.Seconds())
	}
}

// Wait blocks until the first termination trigger arrives: an OS signal
// (Interrupt or Terminate), an explicit Complete call, or the channel
// closing.  The signal listener is started on first use and stops
// after delivering one value -- only the first occurrence matters for
// initiating shutdown.
func (c *Controller) Wait() Cause {
	c.listenOnce.Do(func() {
		c.notify(c.sigCh)
		go func() {
			sig, ok := <-c.sigCh
			if !ok {
				return
			}
			c.stop(c.sigCh)
			cause := CauseInterrupt
			if sig == syscall.SIGTERM {
				cause = CauseTerminate
			}
			c.deliver(cause)
		}()
	})

	cause, ok := <-c.termCh
	if !ok {
		return CauseFault
	}
	return cause
}

// Complete signals explicit completion.  First trigger wins; if a
// signal already fired, Complete is a no-op.
func (c *Controller) Complete() {
	c.deliver(CauseCompleted)
}

// deliver places at most one cause on the termination channel.
func (c *Controller) deliver(cause Cause) {
	c.deliverOnce.Do(func() {
		c.termCh <- cause
	})
}

// Run is the top-level supervisor: deploy, print the outputs block,
// wait for a termination trigger, release the guard.  A panic anywhere
// inside the boundary is recovered, teardown is attempted best-effort
// with its failure visibly reported, and the fault becomes the returned
// error -- it is never allowed to escape before the teardown attempt.
func (c *Controller) Run(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("unrecoverable fault, attempting teardown", slog.Any("panic", r))
			if g := c.Guard(); g != nil {
				c.setState(StateTearingDown)
				if terr := g.Release(context.WithoutCancel(ctx), CauseFault); terr != nil {
					c.logger.Error("teardown after fault failed", slog.String("error", terr.Error()))
				}
			}
			err = fmt.Errorf("unrecoverable fault: %v", r)
		}
	}()

	outs, err := c.Deploy(ctx)
	if err != nil {
		return err
	}

	c.printOutputs(outs)
	fmt.Fprintln(c.out, "Resources deployed.")
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "Press Ctrl+C or send SIGTERM to destroy and exit.")

	cause := c.Wait()
	c.logger.Info("termination trigger received", slog.String("cause", cause.String()))
	c.setState(StateTearingDown)
	fmt.Fprintln(c.out)
	fmt.Fprintln(c.out, "Starting destroy...")

	// Signal-path teardown failure is reported, not escalated: the
	// process is already exiting and a panic here would mask the cause.
	if terr := c.guard.Release(context.WithoutCancel(ctx), cause); terr != nil {
		c.logger.Error("failed to destroy resources", slog.String("error", terr.Error()))
	}
	return nil
}

func (c *Controller) printOutputs(outs engine.Outputs) {
	if len(outs) == 0 {
		return
	}
	fmt.Fprintln(c.out, "*************************** Outputs **************************")
	for _, out := range outs {
		fmt.Fprintf(c.out, "%s: %s\n", out.Key, out.Value)
	}
	fmt.Fprintln(c.out, "**************************************************************")
}
