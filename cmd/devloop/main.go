package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/devloop/devloop/internal/config"
	"github.com/devloop/devloop/internal/logging"
	"github.com/devloop/devloop/internal/platform"
	"github.com/devloop/devloop/internal/telemetry"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	state := &cliState{}
	defer state.close()

	cmd := newRootCommand(state)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// cliState carries global flags and the resources opened for one command.
type cliState struct {
	projectDir   string
	verbose      bool
	otelEndpoint string

	cfg             *config.Config
	logs            *logging.RuntimeLogger
	tag             platform.Tag
	shutdownTracing func()
}

func (s *cliState) open(ctx context.Context, command string) error {
	cfg, err := config.Load(ctx, s.projectDir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := cfg.LogLevel
	if s.verbose {
		level = "debug"
	}
	logs, err := logging.New(ctx, logging.WithLevel(level))
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}

	endpoint := s.otelEndpoint
	if endpoint == "" {
		endpoint = cfg.OTELEndpoint
	}
	shutdown, err := telemetry.Init(ctx, telemetry.Setup{
		Endpoint: endpoint,
		Version:  Version,
		Command:  command,
		Project:  cfg.ProjectDir,
	})
	if err != nil {
		_ = logs.Close()
		return fmt.Errorf("initialize tracing: %w", err)
	}

	s.cfg = cfg
	s.logs = logs
	s.tag = platform.Current()
	s.shutdownTracing = shutdown
	return nil
}

func (s *cliState) close() {
	if s.shutdownTracing != nil {
		s.shutdownTracing()
		s.shutdownTracing = nil
	}
	if s.logs != nil {
		if err := s.logs.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", err)
		}
		s.logs = nil
	}
}

func newRootCommand(state *cliState) *cobra.Command {
	root := &cobra.Command{
		Use:           "devloop",
		Short:         "Incremental build, launch and reload loop for desktop apps",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	flags := root.PersistentFlags()
	flags.StringVar(&state.projectDir, "project", "", "project directory (default: current directory)")
	flags.BoolVarP(&state.verbose, "verbose", "v", false, "enable debug logging")
	flags.StringVar(&state.otelEndpoint, "otel-endpoint", "", "OTLP/HTTP endpoint for traces")

	root.AddCommand(
		newDevCommand(state),
		newBuildCommand(state),
		newBugreportCommand(state),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if state == nil {
			return errors.New("cli state is required")
		}
		if err := state.open(cmd.Context(), cmd.Name()); err != nil {
			return err
		}
		state.logs.Logger.With("command", cmd.Name()).Debug("command invocation", "project", state.cfg.ProjectDir)
		return nil
	}

	return root
}
