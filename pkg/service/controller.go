package service

import (
	"context"
	"sync"

	"github.com/ignatij/gobuild/pkg/graph"
	"github.com/ignatij/gobuild/pkg/models"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a Controller.
type State int

const (
	Idle State = iota
	Building
	WatchingIdle
	WatchingTriggered
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Building:
		return "Building"
	case WatchingIdle:
		return "WatchingIdle"
	case WatchingTriggered:
		return "WatchingTriggered"
	case ShuttingDown:
		return "ShuttingDown"
	case Stopped:
		return "Stopped"
	}
	return "Unknown"
}

// ErrControllerUsed is returned when Build or Watch is called on a
// controller that already ran.
var ErrControllerUsed = errors.New("controller already used")

// ChangeSource reports tasks whose inputs changed until ctx is done.
// *watch.Watcher is the production implementation.
type ChangeSource interface {
	Run(ctx context.Context, trigger func(tasks []string)) error
}

// Reporter receives every finished run.
type Reporter func(run *models.Run)

// Controller drives one-shot builds and watch mode. Runs never overlap:
// triggers that arrive while a run is in flight are merged and run next.
type Controller struct {
	scheduler *Scheduler
	logger    Logger
	reporter  Reporter

	mu      sync.Mutex
	state   State
	pending graph.Set
	wake    chan struct{}
}

type ControllerOption func(*Controller)

func WithReporter(r Reporter) ControllerOption {
	return func(c *Controller) { c.reporter = r }
}

func NewController(scheduler *Scheduler, logger Logger, opts ...ControllerOption) *Controller {
	c := &Controller{
		scheduler: scheduler,
		logger:    logger,
		pending:   make(graph.Set),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	if prev == ShuttingDown && s != Stopped {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.logger.Debugf("Controller %s -> %s", prev, s)
	}
}

func (c *Controller) begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return ErrControllerUsed
	}
	c.state = Building
	return nil
}

// Build runs the targets once and stops.
func (c *Controller) Build(ctx context.Context, targets []string) (*models.Run, error) {
	if err := c.begin(); err != nil {
		return nil, err
	}
	defer c.setState(Stopped)

	run, err := c.scheduler.Run(ctx, RunRequest{Targets: targets})
	if err != nil {
		return nil, err
	}
	c.report(run)
	return run, nil
}

// Trigger queues tasks whose inputs changed. It never blocks.
func (c *Controller) Trigger(tasks []string) {
	if len(tasks) == 0 {
		return
	}
	c.mu.Lock()
	for _, t := range tasks {
		c.pending[t] = struct{}{}
	}
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) takePending() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := c.pending.Sorted()
	c.pending = make(graph.Set)
	return names
}

// Watch builds the targets, then rebuilds the affected part of their closure
// whenever source reports changes, until ctx is done. A failed run is
// reported and watching continues. The in-flight run is cancelled and
// awaited before Watch returns.
func (c *Controller) Watch(ctx context.Context, targets []string, source ChangeSource) error {
	g := c.scheduler.Graph()
	closure, err := g.Closure(targets)
	if err != nil {
		return err
	}
	if err := c.begin(); err != nil {
		return err
	}
	defer c.setState(Stopped)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		err := source.Run(egCtx, c.Trigger)
		if egCtx.Err() != nil {
			c.setState(ShuttingDown)
			return nil
		}
		if err == nil {
			// a source that ends on its own must not end watching
			<-egCtx.Done()
			return nil
		}
		return errors.Wrap(err, "watching sources")
	})
	eg.Go(func() error {
		defer c.setState(ShuttingDown)

		run, err := c.scheduler.Run(egCtx, RunRequest{Targets: targets})
		if err != nil {
			return err
		}
		c.report(run)

		for egCtx.Err() == nil {
			c.setState(WatchingIdle)
			select {
			case <-egCtx.Done():
				return nil
			case <-c.wake:
			}

			triggered := c.takePending()
			affected := g.Downstream(triggered)
			var next []string
			for _, name := range affected.Sorted() {
				if closure.Has(name) {
					next = append(next, name)
				}
			}
			if len(next) == 0 {
				c.logger.Debugf("Ignoring changes to %v outside of %v", triggered, targets)
				continue
			}

			c.setState(WatchingTriggered)
			c.logger.Infof("Changes detected in %v, rebuilding %v", triggered, next)
			run, err := c.scheduler.Run(egCtx, RunRequest{Targets: next, Force: triggered})
			if err != nil {
				return err
			}
			c.report(run)
		}
		return nil
	})
	return eg.Wait()
}

func (c *Controller) report(run *models.Run) {
	if c.reporter != nil {
		c.reporter(run)
	}
}
