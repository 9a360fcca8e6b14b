package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const defaultWaitDelay = 2 * time.Second

// LaunchSpec describes the child command line.
type LaunchSpec struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// Handle is a started child process.
type Handle interface {
	PID() int
	Stdout() io.Reader
	Stderr() io.Reader
	// Kill terminates the process unconditionally. Killing a process that
	// already exited is not an error.
	Kill() error
	// Wait blocks until the process exits and its output is flushed.
	Wait() error
}

// Launcher starts child processes.
type Launcher interface {
	Launch(spec LaunchSpec) (Handle, error)
}

// CommandRunner executes a separate helper command to completion.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ProcessChecker checks whether a process is still alive.
type ProcessChecker interface {
	Alive(ctx context.Context, pid int) (bool, error)
}

type execLauncher struct{}

func (execLauncher) Launch(spec LaunchSpec) (Handle, error) {
	// #nosec G204 -- the runtime path and arguments come from project configuration.
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = childEnv(spec.Env)
	cmd.WaitDelay = defaultWaitDelay

	stdoutReader, stdoutWriter := io.Pipe()
	stderrReader, stderrWriter := io.Pipe()
	cmd.Stdout = stdoutWriter
	cmd.Stderr = stderrWriter

	if err := cmd.Start(); err != nil {
		_ = stdoutWriter.Close()
		_ = stderrWriter.Close()
		return nil, err
	}
	return &execHandle{
		cmd:          cmd,
		stdout:       stdoutReader,
		stderr:       stderrReader,
		stdoutWriter: stdoutWriter,
		stderrWriter: stderrWriter,
	}, nil
}

// childEnv returns the inherited environment with extra overriding any
// variable of the same name. A nil result makes exec inherit unchanged.
func childEnv(extra []string) []string {
	if len(extra) == 0 {
		return nil
	}
	overrides := make(map[string]string, len(extra))
	order := make([]string, 0, len(extra))
	for _, kv := range extra {
		key, _, _ := strings.Cut(kv, "=")
		if _, seen := overrides[key]; !seen {
			order = append(order, key)
		}
		overrides[key] = kv
	}

	env := make([]string, 0, len(os.Environ())+len(order))
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	for _, key := range order {
		env = append(env, overrides[key])
	}
	return env
}

type execHandle struct {
	cmd          *exec.Cmd
	stdout       *io.PipeReader
	stderr       *io.PipeReader
	stdoutWriter *io.PipeWriter
	stderrWriter *io.PipeWriter
}

func (h *execHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Stdout() io.Reader {
	return h.stdout
}

func (h *execHandle) Stderr() io.Reader {
	return h.stderr
}

func (h *execHandle) Kill() error {
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (h *execHandle) Wait() error {
	err := h.cmd.Wait()
	_ = h.stdoutWriter.Close()
	_ = h.stderrWriter.Close()
	return err
}

type defaultCommandRunner struct{}

func (defaultCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		trimmed := strings.TrimSpace(string(out))
		if trimmed == "" {
			return nil, fmt.Errorf("run %s: %w", formatCommand(name, args), err)
		}
		return nil, fmt.Errorf("run %s: %w (%s)", formatCommand(name, args), err, trimmed)
	}
	return out, nil
}

type defaultProcessChecker struct{}

func (defaultProcessChecker) Alive(ctx context.Context, pid int) (bool, error) {
	if pid <= 0 {
		return false, nil
	}
	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false, nil
	}
	statuses, err := proc.StatusWithContext(ctx)
	if err != nil {
		return true, nil
	}
	for _, status := range statuses {
		if status == process.Zombie {
			return false, nil
		}
	}
	return true, nil
}

func formatCommand(name string, args []string) string {
	parts := append([]string{strings.TrimSpace(name)}, args...)
	sanitized := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sanitized = append(sanitized, part)
	}
	return strings.Join(sanitized, " ")
}

var _ Launcher = execLauncher{}
var _ CommandRunner = defaultCommandRunner{}
var _ ProcessChecker = defaultProcessChecker{}
