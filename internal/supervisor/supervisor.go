package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/devloop/devloop/internal/events"
	"github.com/devloop/devloop/internal/platform"
)

// State is the supervisor lifecycle state.
type State string

const (
	// StateStopped means no child process is recorded.
	StateStopped State = "stopped"
	// StateRunning means one child process is recorded.
	StateRunning State = "running"
)

const (
	// DefaultInspectPort is the debugger port passed to the runtime.
	DefaultInspectPort = 5858
	// DefaultExitWait bounds how long Stop waits for the killed child to be reaped.
	DefaultExitWait = 2 * time.Second

	// maxLineBytes caps one forwarded output line at 1MB.
	maxLineBytes = 1 << 20
)

var allowedTransitions = map[State]map[State]struct{}{
	StateStopped: {StateRunning: {}},
	StateRunning: {StateStopped: {}},
}

// Args builds the fixed runtime argument list: the debug-attach flag followed
// by the compiled host bundle.
func Args(inspectPort int, hostArtifact string) []string {
	if inspectPort <= 0 {
		inspectPort = DefaultInspectPort
	}
	return []string{fmt.Sprintf("--inspect=%d", inspectPort), hostArtifact}
}

// IllegalTransitionError is returned for a disallowed lifecycle call.
type IllegalTransitionError struct {
	From State
	To   State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("cannot transition supervisor from %q to %q", e.From, e.To)
}

// SpawnError reports a child that failed to launch.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// TerminationError reports a failed kill. The supervisor is already Stopped
// when it is returned.
type TerminationError struct {
	PID      int
	Strategy Strategy
	Err      error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("terminate pid %d (%s): %v", e.PID, e.Strategy, e.Err)
}

func (e *TerminationError) Unwrap() error {
	return e.Err
}

// TransitionRecord stores one lifecycle transition.
type TransitionRecord struct {
	From      State
	To        State
	PID       int
	Timestamp time.Time
}

// ManagedProcess is the single supervised child.
type ManagedProcess struct {
	handle Handle
	pid    int
	alive  atomic.Bool
	done   chan struct{}
}

// PID returns the child process id.
func (p *ManagedProcess) PID() int {
	return p.pid
}

// Alive reports whether the child has not yet been reaped.
func (p *ManagedProcess) Alive() bool {
	return p.alive.Load()
}

// Options configures a Supervisor.
type Options struct {
	// Runtime is the executable launched for the child.
	Runtime string
	Args    []string
	Dir     string
	// Env holds variables added to the inherited environment.
	Env     []string

	Platform platform.Tag
	// Strategy overrides the platform default when set.
	Strategy Strategy
	ExitWait time.Duration

	Launcher Launcher
	Runner   CommandRunner
	Checker  ProcessChecker

	Logger *log.Logger
	// Output receives the child's stdout/stderr, one whole line per write.
	Output io.Writer
	Bus    events.Publisher
}

// Supervisor owns the lifecycle of at most one child process.
type Supervisor struct {
	spec       LaunchSpec
	strategy   Strategy
	terminator terminator
	launcher   Launcher
	checker    ProcessChecker
	exitWait   time.Duration
	logger     *log.Logger
	outputMu   sync.Mutex
	output     io.Writer
	bus        events.Publisher
	now        func() time.Time

	mu      sync.Mutex
	state   State
	current *ManagedProcess
	history []TransitionRecord
	starts  int
}

// New creates a stopped supervisor with defaults where omitted.
func New(opts Options) (*Supervisor, error) {
	runtime := strings.TrimSpace(opts.Runtime)
	if runtime == "" {
		return nil, errors.New("runtime executable is required")
	}

	tag := opts.Platform
	if tag == "" {
		tag = platform.Current()
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyFor(tag)
	}

	runner := opts.Runner
	if runner == nil {
		runner = defaultCommandRunner{}
	}
	term, err := newTerminator(strategy, runner)
	if err != nil {
		return nil, err
	}

	launcher := opts.Launcher
	if launcher == nil {
		launcher = execLauncher{}
	}
	checker := opts.Checker
	if checker == nil {
		checker = defaultProcessChecker{}
	}
	exitWait := opts.ExitWait
	if exitWait <= 0 {
		exitWait = DefaultExitWait
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	output := opts.Output
	if output == nil {
		output = os.Stdout
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.Nop()
	}

	return &Supervisor{
		spec: LaunchSpec{
			Path: runtime,
			Args: append([]string(nil), opts.Args...),
			Dir:  opts.Dir,
			Env:  append([]string(nil), opts.Env...),
		},
		strategy:   strategy,
		terminator: term,
		launcher:   launcher,
		checker:    checker,
		exitWait:   exitWait,
		logger:     logger,
		output:     output,
		bus:        bus,
		now:        time.Now,
		state:      StateStopped,
		history:    []TransitionRecord{},
	}, nil
}

// Start launches the child. It is only valid while Stopped.
func (s *Supervisor) Start(ctx context.Context) error {
	if s == nil {
		return errors.New("supervisor is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

// Stop terminates the child with the configured strategy. Stopping a
// supervisor with no recorded child is a no-op.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s == nil {
		return errors.New("supervisor is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

// Restart stops the current child, if any, and starts a new one. A failed
// kill is logged and the new child is still started.
func (s *Supervisor) Restart(ctx context.Context) error {
	if s == nil {
		return errors.New("supervisor is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.stopLocked(ctx); err != nil {
		var termErr *TerminationError
		if !errors.As(err, &termErr) {
			return err
		}
	}
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(_ context.Context) error {
	if err := s.checkTransition(StateRunning); err != nil {
		return err
	}

	handle, err := s.launcher.Launch(s.spec)
	if err != nil {
		spawnErr := &SpawnError{Command: formatCommand(s.spec.Path, s.spec.Args), Err: err}
		s.logger.Error("child process failed to start", "err", spawnErr)
		return spawnErr
	}

	proc := &ManagedProcess{
		handle: handle,
		pid:    handle.PID(),
		done:   make(chan struct{}),
	}
	proc.alive.Store(true)
	go s.reap(proc)

	s.current = proc
	s.starts++
	s.record(StateRunning, proc.pid)
	s.logger.Info("child process started", "pid", proc.pid, "runtime", s.spec.Path)
	s.bus.Publish(events.Event{Type: events.EventTypeProcessStarted, Source: "supervisor", PID: proc.pid})
	return nil
}

func (s *Supervisor) stopLocked(ctx context.Context) error {
	proc := s.current
	if proc == nil || proc.handle == nil {
		s.current = nil
		if s.state == StateRunning {
			s.record(StateStopped, 0)
		}
		return nil
	}
	if err := s.checkTransition(StateStopped); err != nil {
		return err
	}

	// A child that exited on its own is already reaped; its pid may belong
	// to another process by now.
	if !proc.Alive() {
		s.current = nil
		s.record(StateStopped, proc.pid)
		s.awaitExit(ctx, proc)
		s.logger.Info("child process already exited", "pid", proc.pid)
		s.bus.Publish(events.Event{Type: events.EventTypeProcessStopped, Source: "supervisor", PID: proc.pid})
		return nil
	}

	killErr := s.terminator.terminate(ctx, proc.handle)
	s.current = nil
	s.record(StateStopped, proc.pid)

	if killErr != nil {
		termErr := &TerminationError{PID: proc.pid, Strategy: s.strategy, Err: killErr}
		s.logger.Error("child process termination failed", "pid", proc.pid, "strategy", s.strategy, "err", killErr)
		s.bus.Publish(events.Event{
			Type:     events.EventTypeProcessStopped,
			Source:   "supervisor",
			PID:      proc.pid,
			Severity: events.SeverityError,
			Message:  killErr.Error(),
		})
		return termErr
	}

	s.awaitExit(ctx, proc)
	s.logger.Info("child process stopped", "pid", proc.pid, "strategy", s.strategy)
	s.bus.Publish(events.Event{Type: events.EventTypeProcessStopped, Source: "supervisor", PID: proc.pid})
	return nil
}

// awaitExit waits for the reaper so a restart never overlaps two children.
// A child that outlives the wait is reported as a possible leak.
func (s *Supervisor) awaitExit(ctx context.Context, proc *ManagedProcess) {
	timer := time.NewTimer(s.exitWait)
	defer timer.Stop()
	select {
	case <-proc.done:
		return
	case <-ctx.Done():
	case <-timer.C:
	}

	alive, err := s.checker.Alive(ctx, proc.pid)
	if err != nil {
		s.logger.Warn("verify child termination", "pid", proc.pid, "err", err)
		return
	}
	if alive {
		s.logger.Warn("child process still alive after kill; it may have leaked", "pid", proc.pid)
	}
}

func (s *Supervisor) reap(proc *ManagedProcess) {
	var wg sync.WaitGroup
	wg.Add(2)
	go s.forward(&wg, proc.pid, "stdout", proc.handle.Stdout())
	go s.forward(&wg, proc.pid, "stderr", proc.handle.Stderr())

	err := proc.handle.Wait()
	proc.alive.Store(false)
	wg.Wait()
	close(proc.done)

	message := "exited"
	if err != nil {
		message = err.Error()
	}
	s.logger.Debug("child process exited", "pid", proc.pid, "status", message)
	s.bus.Publish(events.Event{
		Type:    events.EventTypeProcessExited,
		Source:  "supervisor",
		PID:     proc.pid,
		Message: message,
	})
}

// forward relays one output stream line by line. Read errors are logged and
// the remainder of the stream is discarded so the child never blocks on a
// full pipe.
func (s *Supervisor) forward(wg *sync.WaitGroup, pid int, stream string, reader io.Reader) {
	defer wg.Done()
	if reader == nil {
		return
	}
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		s.relay(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn("forward child output", "pid", pid, "stream", stream, "err", err)
		_, _ = io.Copy(io.Discard, reader)
	}
}

// relay writes one line so stdout and stderr lines never interleave.
func (s *Supervisor) relay(line []byte) {
	buf := make([]byte, 0, len(line)+1)
	buf = append(append(buf, line...), '\n')
	s.outputMu.Lock()
	defer s.outputMu.Unlock()
	_, _ = s.output.Write(buf)
}

func (s *Supervisor) checkTransition(to State) error {
	if _, ok := allowedTransitions[s.state][to]; !ok {
		return &IllegalTransitionError{From: s.state, To: to}
	}
	return nil
}

func (s *Supervisor) record(to State, pid int) {
	s.history = append(s.history, TransitionRecord{
		From:      s.state,
		To:        to,
		PID:       pid,
		Timestamp: s.now().UTC(),
	})
	s.state = to
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Running reports whether a child is recorded.
func (s *Supervisor) Running() bool {
	return s.State() == StateRunning
}

// PID returns the recorded child pid, or 0 when Stopped.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return 0
	}
	return s.current.pid
}

// Current returns the recorded child, or nil when Stopped.
func (s *Supervisor) Current() *ManagedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Starts counts transitions into Running.
func (s *Supervisor) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

// Strategy returns the termination strategy in use.
func (s *Supervisor) Strategy() Strategy {
	return s.strategy
}

// History returns the recorded transitions.
func (s *Supervisor) History() []TransitionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransitionRecord, len(s.history))
	copy(out, s.history)
	return out
}
