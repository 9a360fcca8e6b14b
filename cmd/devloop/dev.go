package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/devloop/devloop/internal/compiler"
	"github.com/devloop/devloop/internal/config"
	"github.com/devloop/devloop/internal/events"
	"github.com/devloop/devloop/internal/logging"
	"github.com/devloop/devloop/internal/orchestrator"
	"github.com/devloop/devloop/internal/platform"
	"github.com/devloop/devloop/internal/resources"
	"github.com/devloop/devloop/internal/supervisor"
	"github.com/devloop/devloop/internal/watcher"
	"github.com/spf13/cobra"
)

// devStartedFn runs once the child is up and the watch has begun.
var devStartedFn = func() {}

func newDevCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "dev",
		Short: "Build, launch the app and rebuild/restart it on source changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDev(cmd.Context(), state.cfg, state.logs, state.tag)
		},
	}
}

func runDev(ctx context.Context, cfg *config.Config, logs *logging.RuntimeLogger, tag platform.Tag) error {
	logger := logs.Logger

	bus := events.New(events.WithLogger(logger.WithPrefix("events")))
	defer bus.Close()
	bus.SubscribeAll(logEvent(logger))

	host, preload, err := newSessions(cfg, tag, false)
	if err != nil {
		return err
	}

	sup, err := supervisor.New(supervisor.Options{
		Runtime:  cfg.Runtime,
		Args:     supervisor.Args(cfg.InspectPort, host.Output()),
		Dir:      cfg.ProjectDir,
		Platform: tag,
		Logger:   logger.WithPrefix("supervisor"),
		Output:   logs.Relay(cfg.ChildPrefix),
		Bus:      bus,
	})
	if err != nil {
		host.Dispose()
		preload.Dispose()
		return fmt.Errorf("configure supervisor: %w", err)
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Host:    host,
		Preload: preload,
		Preparer: resources.New(resources.Options{
			Platform:    tag,
			Executables: cfg.Executables,
			Logger:      logger.WithPrefix("resources"),
		}),
		Resources:  copySpecs(cfg.Resources),
		Supervisor: sup,
		Logger:     logger,
		Bus:        bus,
	})
	if err != nil {
		host.Dispose()
		preload.Dispose()
		return err
	}
	defer func() {
		// The run context is usually cancelled by now.
		_ = orch.Close(context.WithoutCancel(ctx))
	}()

	if err := orch.Start(ctx); err != nil {
		return err
	}

	changes, err := watcher.New(watcher.Options{
		Debounce: cfg.Debounce,
		Logger:   logger.WithPrefix("watcher"),
	}).Watch(ctx, cfg.SourceDir)
	if err != nil {
		return err
	}
	logger.Info("watching for changes", "dir", cfg.SourceDir, "debounce", cfg.Debounce, "strategy", sup.Strategy())
	devStartedFn()

	if err := orch.Run(ctx, changes); err != nil {
		return err
	}
	logger.Info("shutting down")
	return nil
}

// newSessions creates the host and preload sessions. Production sessions
// minify, drop sourcemaps and substitute configured env values; development
// sessions bake in the platform binary directory.
func newSessions(cfg *config.Config, tag platform.Tag, production bool) (*compiler.Session, *compiler.Session, error) {
	define := compiler.DevDefines(cfg.PlatformBinDir(tag))
	sourcemap := cfg.Sourcemap
	if production {
		define = compiler.ProductionDefines(cfg.Define)
		sourcemap = false
	}

	base := compiler.Options{
		WorkDir:   cfg.ProjectDir,
		OutDir:    cfg.OutDir,
		Define:    define,
		External:  cfg.Externals,
		Sourcemap: sourcemap,
		Minify:    production,
	}

	hostOpts := base
	hostOpts.Name = "host"
	hostOpts.Kind = compiler.KindHost
	hostOpts.Entry = cfg.HostEntry
	hostOpts.Target = cfg.HostTarget
	host, err := compiler.NewSession(hostOpts)
	if err != nil {
		return nil, nil, err
	}

	preloadOpts := base
	preloadOpts.Name = "preload"
	preloadOpts.Kind = compiler.KindPreload
	preloadOpts.Entry = cfg.PreloadEntry
	preloadOpts.Target = cfg.PreloadTarget
	preload, err := compiler.NewSession(preloadOpts)
	if err != nil {
		host.Dispose()
		return nil, nil, err
	}
	return host, preload, nil
}

func copySpecs(rules []config.Resource) []resources.CopySpec {
	specs := make([]resources.CopySpec, 0, len(rules))
	for _, rule := range rules {
		specs = append(specs, resources.CopySpec{From: rule.From, To: rule.To})
	}
	return specs
}

func logEvent(logger *log.Logger) events.Handler {
	return func(event events.Event) {
		fields := []any{"type", event.Type, "source", event.Source}
		if event.PID != 0 {
			fields = append(fields, "pid", event.PID)
		}
		if event.Duration > 0 {
			fields = append(fields, "duration", event.Duration)
		}
		if event.Message != "" {
			fields = append(fields, "message", event.Message)
		}
		logger.Debug("lifecycle event", fields...)
	}
}
