package supervisor

import (
	"context"
	"fmt"
	"strconv"

	"github.com/devloop/devloop/internal/platform"
)

// Strategy names how a running child is torn down.
type Strategy string

const (
	// StrategyDirectSignal kills the process handle directly.
	StrategyDirectSignal Strategy = "direct-signal"
	// StrategyDetachedKill runs a separate `kill -9 <pid>` command.
	StrategyDetachedKill Strategy = "detached-kill"
)

// StrategyFor picks the termination strategy for a platform.
func StrategyFor(tag platform.Tag) Strategy {
	if tag.KillsTreeWithSignal() {
		return StrategyDirectSignal
	}
	return StrategyDetachedKill
}

type terminator interface {
	terminate(ctx context.Context, handle Handle) error
}

type directSignal struct{}

func (directSignal) terminate(_ context.Context, handle Handle) error {
	return handle.Kill()
}

type detachedKill struct {
	runner CommandRunner
}

func (d detachedKill) terminate(ctx context.Context, handle Handle) error {
	_, err := d.runner.Run(ctx, "kill", "-9", strconv.Itoa(handle.PID()))
	return err
}

func newTerminator(strategy Strategy, runner CommandRunner) (terminator, error) {
	switch strategy {
	case StrategyDirectSignal:
		return directSignal{}, nil
	case StrategyDetachedKill:
		return detachedKill{runner: runner}, nil
	default:
		return nil, fmt.Errorf("unknown termination strategy %q", strategy)
	}
}
