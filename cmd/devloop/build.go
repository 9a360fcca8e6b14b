package main

import (
	"context"
	"fmt"

	"github.com/devloop/devloop/internal/compiler"
	"github.com/devloop/devloop/internal/config"
	"github.com/devloop/devloop/internal/logging"
	"github.com/devloop/devloop/internal/platform"
	"github.com/devloop/devloop/internal/release"
	"github.com/devloop/devloop/internal/resources"
	"github.com/devloop/devloop/internal/telemetry"
	"github.com/spf13/cobra"
)

func newBuildCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Produce a minified production build and the packager manifest",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBuild(cmd.Context(), state.cfg, state.logs, state.tag)
		},
	}
}

// runBuild compiles both bundles once for production, stages resources and
// writes the packager manifest. It never packages.
func runBuild(ctx context.Context, cfg *config.Config, logs *logging.RuntimeLogger, tag platform.Tag) (err error) {
	logger := logs.Logger
	ctx, span := telemetry.StartCycle(ctx, telemetry.CycleRequest{Name: "build"})
	defer func() { span.End(err) }()

	host, preload, err := newSessions(cfg, tag, true)
	if err != nil {
		return err
	}
	defer host.Dispose()
	defer preload.Dispose()

	for _, session := range []*compiler.Session{host, preload} {
		_, rebuildSpan := telemetry.StartRebuild(ctx, session.Name(), session.Entry())
		artifacts, rebuildErr := session.Rebuild(ctx)
		rebuildSpan.End(rebuildErr)
		if rebuildErr != nil {
			logger.Error("production build failed", "session", session.Name(), "entry", session.Entry(), "err", rebuildErr)
			return rebuildErr
		}
		logger.Info("bundle written", "session", session.Name(), "outputs", len(artifacts.Outputs))
	}

	preparer := resources.New(resources.Options{
		Platform:    tag,
		Executables: cfg.Executables,
		Logger:      logger.WithPrefix("resources"),
	})
	if err := preparer.Prepare(ctx, copySpecs(cfg.Resources)); err != nil {
		return fmt.Errorf("prepare resources: %w", err)
	}

	if err := release.CheckLayout(cfg.OutDir, host.Output()); err != nil {
		return err
	}

	manifest := release.NewManifest(release.Metadata{
		ProductName: cfg.Release.ProductName,
		AppID:       cfg.Release.AppID,
		Version:     cfg.Release.Version,
		Copyright:   cfg.Release.Copyright,
		Output:      cfg.Release.Output,
	})
	if err := manifest.Validate(); err != nil {
		logger.Warn("packager manifest skipped", "err", err)
		return nil
	}
	path, err := release.Write(cfg.ProjectDir, manifest)
	if err != nil {
		return err
	}
	logger.Info("packager manifest written", "path", path)
	return nil
}
