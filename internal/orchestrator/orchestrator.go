package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/devloop/devloop/internal/compiler"
	"github.com/devloop/devloop/internal/events"
	"github.com/devloop/devloop/internal/resources"
	"github.com/devloop/devloop/internal/supervisor"
	"github.com/devloop/devloop/internal/telemetry"
	"github.com/devloop/devloop/internal/watcher"
	"go.opentelemetry.io/otel/attribute"
)

// Builder is one warm build session.
type Builder interface {
	Name() string
	Entry() string
	Rebuild(ctx context.Context) (compiler.Artifacts, error)
	Dispose()
}

// Preparer stages runtime resources next to the build output.
type Preparer interface {
	Prepare(ctx context.Context, specs []resources.CopySpec) error
}

// Supervisor owns the child process lifecycle.
type Supervisor interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Host       Builder
	Preload    Builder
	Preparer   Preparer
	Resources  []resources.CopySpec
	Supervisor Supervisor
	Logger     *log.Logger
	Bus        events.Publisher
}

// Orchestrator runs the startup sequence and then one rebuild-and-restart
// cycle per change event. Cycles never overlap.
type Orchestrator struct {
	host       Builder
	preload    Builder
	preparer   Preparer
	resources  []resources.CopySpec
	supervisor Supervisor
	logger     *log.Logger
	bus        events.Publisher

	mu        sync.Mutex
	started   bool
	cycles    int
	restarts  int
	failures  int
	closeOnce sync.Once
	closeErr  error
}

// New validates the collaborators and returns an idle orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Host == nil || opts.Preload == nil {
		return nil, errors.New("host and preload sessions are required")
	}
	if opts.Preparer == nil {
		return nil, errors.New("resource preparer is required")
	}
	if opts.Supervisor == nil {
		return nil, errors.New("supervisor is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.Nop()
	}
	return &Orchestrator{
		host:       opts.Host,
		preload:    opts.Preload,
		preparer:   opts.Preparer,
		resources:  append([]resources.CopySpec(nil), opts.Resources...),
		supervisor: opts.Supervisor,
		logger:     logger,
		bus:        bus,
	}, nil
}

// Start builds both bundles, stages resources and launches the child, in that
// order. Any failure aborts before a child exists.
func (o *Orchestrator) Start(ctx context.Context) (err error) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return errors.New("orchestrator already started")
	}
	o.started = true
	o.mu.Unlock()

	ctx, span := telemetry.StartCycle(ctx, telemetry.CycleRequest{Name: telemetry.SpanStartup})
	defer func() { span.End(err) }()

	for _, session := range o.sessions() {
		if err := o.rebuild(ctx, session); err != nil {
			return fmt.Errorf("initial build of %s: %w", session.Name(), err)
		}
	}

	if err := o.preparer.Prepare(ctx, o.resources); err != nil {
		o.logger.Error("resource preparation failed", "err", err)
		return fmt.Errorf("prepare resources: %w", err)
	}

	if err := o.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start child process: %w", err)
	}
	o.logger.Info("startup complete")
	return nil
}

// Run consumes change events until ctx is cancelled or changes is closed.
// Events that arrive while a cycle is in flight set a pending flag; once the
// cycle finishes exactly one follow-up cycle runs for all of them. A cycle in
// flight is allowed to finish before Run returns. A restart that fails to
// launch the child ends the loop with that error.
func (o *Orchestrator) Run(ctx context.Context, changes <-chan watcher.ChangeEvent) error {
	var (
		done      chan error
		pending   bool
		coalesced int
		sequence  int
	)

	begin := func() {
		sequence++
		done = make(chan error, 1)
		go func(seq, folded int) {
			done <- o.cycle(context.WithoutCancel(ctx), seq, folded)
		}(sequence, coalesced)
		pending = false
		coalesced = 0
	}

	for {
		if done == nil {
			// Both done and ctx.Done may have been ready; never start a
			// cycle once shutdown has begun.
			if ctx.Err() != nil {
				return nil
			}
			if pending {
				begin()
			} else if changes == nil {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			if done != nil {
				if err := <-done; err != nil {
					return err
				}
			}
			return nil

		case _, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			o.bus.Publish(events.Event{Type: events.EventTypeSourceChanged, Source: "watcher"})
			if done != nil && pending {
				coalesced++
				o.bus.Publish(events.Event{
					Type:    events.EventTypeCycleCoalesced,
					Source:  "orchestrator",
					Message: fmt.Sprintf("%d change(s) folded into the pending cycle", coalesced+1),
				})
			}
			pending = true

		case err := <-done:
			done = nil
			if err != nil {
				return err
			}
		}
	}
}

// cycle rebuilds host then preload and restarts the child when both succeed.
// A rebuild failure leaves the current child untouched and is not an error.
func (o *Orchestrator) cycle(ctx context.Context, seq, coalesced int) (err error) {
	ctx, span := telemetry.StartCycle(ctx, telemetry.CycleRequest{Sequence: seq, Coalesced: coalesced})
	defer func() { span.End(err) }()

	o.mu.Lock()
	o.cycles++
	o.mu.Unlock()

	for _, session := range o.sessions() {
		if err := o.rebuild(ctx, session); err != nil {
			o.mu.Lock()
			o.failures++
			o.mu.Unlock()
			span.AddEvent("cycle.skipped_restart", attribute.String("session", session.Name()))
			return nil
		}
	}

	if err := o.supervisor.Restart(ctx); err != nil {
		var termErr *supervisor.TerminationError
		if !errors.As(err, &termErr) {
			o.logger.Error("restart failed", "err", err)
			return fmt.Errorf("restart child process: %w", err)
		}
		o.logger.Warn("previous child not terminated cleanly", "pid", termErr.PID, "err", termErr.Err)
	}

	o.mu.Lock()
	o.restarts++
	o.mu.Unlock()
	span.AddEvent("process.restarted")
	return nil
}

func (o *Orchestrator) rebuild(ctx context.Context, session Builder) (err error) {
	ctx, span := telemetry.StartRebuild(ctx, session.Name(), session.Entry())
	defer func() { span.End(err) }()

	started := time.Now()
	artifacts, err := session.Rebuild(ctx)
	elapsed := time.Since(started)
	if err != nil {
		o.logger.Error("rebuild failed", "session", session.Name(), "entry", session.Entry(), "err", err)
		o.bus.Publish(events.Event{
			Type:     events.EventTypeBuildFailed,
			Source:   session.Name(),
			Severity: events.SeverityError,
			Message:  err.Error(),
			Duration: elapsed,
		})
		return err
	}

	for _, warning := range artifacts.Warnings {
		o.logger.Warn("build warning", "session", session.Name(), "warning", warning)
	}
	span.SetAttributes(attribute.Int("outputs", len(artifacts.Outputs)))
	o.logger.Debug("rebuild complete", "session", session.Name(), "outputs", len(artifacts.Outputs), "elapsed", elapsed)
	o.bus.Publish(events.Event{
		Type:     events.EventTypeBuildSucceeded,
		Source:   session.Name(),
		Duration: elapsed,
	})
	return nil
}

// Close stops the child and disposes both sessions. Later calls return the
// first result.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.closeOnce.Do(func() {
		o.closeErr = o.supervisor.Stop(ctx)
		if o.closeErr != nil {
			o.logger.Error("stop child process", "err", o.closeErr)
		}
		for _, session := range o.sessions() {
			session.Dispose()
		}
	})
	return o.closeErr
}

// Cycles counts steady-state cycles that have begun.
func (o *Orchestrator) Cycles() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cycles
}

// Restarts counts cycles that restarted the child.
func (o *Orchestrator) Restarts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.restarts
}

// Failures counts cycles skipped because a rebuild failed.
func (o *Orchestrator) Failures() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failures
}

func (o *Orchestrator) sessions() []Builder {
	return []Builder{o.host, o.preload}
}
