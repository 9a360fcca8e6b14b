package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/devloop/devloop/internal/compiler"
	"github.com/devloop/devloop/internal/config"
	"github.com/devloop/devloop/internal/platform"
	"github.com/devloop/devloop/internal/supervisor"
	"github.com/spf13/cobra"
)

const (
	bugreportLogLimit = 3
	redacted          = "***REDACTED***"
)

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportRunCmdFn = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return exec.CommandContext(ctx, name, args...).CombinedOutput()
	}
)

func newBugreportCommand(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect build, resource and log diagnostics into one archive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			state.logs.Logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			return runBugReport(cmd.Context(), state.cfg, filepath.Dir(state.logs.Path()), state.tag, cmd.OutOrStdout())
		},
	}
}

// runBugReport rebuilds both entries into a scratch directory, checks every
// resource rule and bundles the results with the effective config and the
// newest logs. Nothing in the project's output directory is touched.
func runBugReport(ctx context.Context, cfg *config.Config, logDir string, tag platform.Tag, out io.Writer) error {
	if cfg == nil {
		return errors.New("config is required")
	}
	now := bugreportNowFn()
	bundle := &bugreportBundle{stamp: now}

	bundle.add("summary.txt", describeHost(ctx, cfg, tag, now))
	if data, err := effectiveConfig(cfg); err != nil {
		bundle.warn("encode effective config: %v", err)
	} else {
		bundle.add("config.toml", data)
	}
	bundle.add("build.txt", diagnoseBuild(ctx, cfg, tag, bundle))
	bundle.add("resources.txt", diagnoseResources(cfg, tag))
	bundle.addLogs(logDir, bugreportLogLimit)
	bundle.add("README.txt", bundle.readme())

	path := filepath.Join(cfg.ProjectDir, fmt.Sprintf(".devloop-bugreport-%s.tar.gz", now.Format("20060102-150405")))
	if err := bundle.write(path); err != nil {
		return err
	}
	if out == nil {
		out = os.Stdout
	}
	if _, err := fmt.Fprintf(out, "Bug report written to: %s\n", path); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

func describeHost(ctx context.Context, cfg *config.Config, tag platform.Tag, now time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "generated: %s\n", now.Format(time.RFC3339))
	fmt.Fprintf(&b, "devloop: %s\n", strings.TrimSpace(Version))
	fmt.Fprintf(&b, "platform: %s\n", tag)
	fmt.Fprintf(&b, "termination strategy: %s\n", supervisor.StrategyFor(tag))
	fmt.Fprintf(&b, "runtime: %s\n", cfg.Runtime)

	version, err := bugreportRunCmdFn(ctx, cfg.Runtime, "--version")
	switch text := strings.TrimSpace(string(version)); {
	case err != nil && text == "":
		fmt.Fprintf(&b, "runtime version: error: %v\n", err)
	case err != nil:
		fmt.Fprintf(&b, "runtime version: %s (error: %v)\n", text, err)
	default:
		fmt.Fprintf(&b, "runtime version: %s\n", text)
	}
	return b.Bytes()
}

// reportConfig is the effective configuration as written to the bundle.
type reportConfig struct {
	ProjectDir    string            `toml:"project_dir"`
	SourceDir     string            `toml:"source_dir"`
	OutDir        string            `toml:"out_dir"`
	HostEntry     string            `toml:"host_entry"`
	PreloadEntry  string            `toml:"preload_entry"`
	Runtime       string            `toml:"runtime"`
	InspectPort   int               `toml:"inspect_port"`
	Debounce      string            `toml:"debounce"`
	HostTarget    string            `toml:"host_target"`
	PreloadTarget string            `toml:"preload_target"`
	Sourcemap     bool              `toml:"sourcemap"`
	Externals     []string          `toml:"externals"`
	LogLevel      string            `toml:"log_level"`
	Executables   []string          `toml:"executables"`
	OTELEndpoint  string            `toml:"otel_endpoint,omitempty"`
	Define        map[string]string `toml:"define"`
	Resources     []reportResource  `toml:"resources"`
	Release       reportRelease     `toml:"release"`
}

type reportRelease struct {
	ProductName string `toml:"product_name"`
	AppID       string `toml:"app_id"`
	Version     string `toml:"version"`
	Copyright   string `toml:"copyright"`
	Output      string `toml:"output"`
}

type reportResource struct {
	From string `toml:"from"`
	To   string `toml:"to"`
}

// effectiveConfig encodes cfg after layering, with define values masked and
// credentials stripped from the collector URL.
func effectiveConfig(cfg *config.Config) ([]byte, error) {
	report := reportConfig{
		ProjectDir:    cfg.ProjectDir,
		SourceDir:     cfg.SourceDir,
		OutDir:        cfg.OutDir,
		HostEntry:     cfg.HostEntry,
		PreloadEntry:  cfg.PreloadEntry,
		Runtime:       cfg.Runtime,
		InspectPort:   cfg.InspectPort,
		Debounce:      cfg.Debounce.String(),
		HostTarget:    cfg.HostTarget,
		PreloadTarget: cfg.PreloadTarget,
		Sourcemap:     cfg.Sourcemap,
		Externals:     cfg.Externals,
		LogLevel:      cfg.LogLevel,
		Executables:   cfg.Executables,
		OTELEndpoint:  redactEndpoint(cfg.OTELEndpoint),
		Define:        make(map[string]string, len(cfg.Define)),
		Release:       reportRelease(cfg.Release),
	}
	for key := range cfg.Define {
		report.Define[key] = redacted
	}
	for _, rule := range cfg.Resources {
		report.Resources = append(report.Resources, reportResource(rule))
	}

	var b bytes.Buffer
	if err := toml.NewEncoder(&b).Encode(report); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func redactEndpoint(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return redacted
	}
	return parsed.Redacted()
}

// diagnoseBuild compiles both entries with development settings into a
// scratch directory and reports outputs, warnings and compile errors.
func diagnoseBuild(ctx context.Context, cfg *config.Config, tag platform.Tag, bundle *bugreportBundle) []byte {
	var b bytes.Buffer

	scratch, err := os.MkdirTemp("", "devloop-bugreport-build-*")
	if err != nil {
		bundle.warn("create scratch build directory: %v", err)
		return []byte("build not attempted\n")
	}
	defer func() {
		_ = os.RemoveAll(scratch)
	}()

	scratchCfg := *cfg
	scratchCfg.OutDir = scratch
	host, preload, err := newSessions(&scratchCfg, tag, false)
	if err != nil {
		fmt.Fprintf(&b, "sessions could not be created: %v\n", err)
		return b.Bytes()
	}
	defer host.Dispose()
	defer preload.Dispose()

	for _, session := range []*compiler.Session{host, preload} {
		fmt.Fprintf(&b, "[%s] %s\n", session.Name(), relativeTo(cfg.ProjectDir, session.Entry()))
		started := time.Now()
		artifacts, err := session.Rebuild(ctx)
		elapsed := time.Since(started).Round(time.Millisecond)

		var compileErr *compiler.CompileError
		switch {
		case errors.As(err, &compileErr):
			fmt.Fprintf(&b, "status: failed after %s\n", elapsed)
			for _, message := range compileErr.Messages {
				fmt.Fprintf(&b, "error: %s\n", strings.TrimSpace(message))
			}
		case err != nil:
			fmt.Fprintf(&b, "status: failed after %s\nerror: %v\n", elapsed, err)
		default:
			fmt.Fprintf(&b, "status: ok in %s\n", elapsed)
			for _, output := range artifacts.Outputs {
				fmt.Fprintf(&b, "output: %s\n", relativeTo(scratch, output))
			}
		}
		for _, warning := range artifacts.Warnings {
			fmt.Fprintf(&b, "warning: %s\n", strings.TrimSpace(warning))
		}
		b.WriteString("\n")
	}
	return b.Bytes()
}

// diagnoseResources reports, for each copy rule and executable, what is on
// disk right now.
func diagnoseResources(cfg *config.Config, tag platform.Tag) []byte {
	var b bytes.Buffer
	for _, rule := range cfg.Resources {
		fmt.Fprintf(&b, "copy %s -> %s: %s\n",
			relativeTo(cfg.ProjectDir, rule.From),
			relativeTo(cfg.ProjectDir, rule.To),
			describePath(rule.From))
	}
	for _, path := range cfg.Executables {
		status := describePath(path)
		if info, err := os.Stat(path); err == nil && !info.IsDir() && tag.IsPOSIX() {
			status = fmt.Sprintf("%s, mode %s", status, info.Mode().Perm())
		}
		fmt.Fprintf(&b, "executable %s: %s\n", relativeTo(cfg.ProjectDir, path), status)
	}
	if b.Len() == 0 {
		b.WriteString("no resource rules configured\n")
	}
	return b.Bytes()
}

func describePath(path string) string {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "missing"
	}
	if err != nil {
		return fmt.Sprintf("unreadable (%v)", err)
	}
	if !info.IsDir() {
		return fmt.Sprintf("file, %d bytes", info.Size())
	}
	files := 0
	_ = filepath.WalkDir(path, func(_ string, entry os.DirEntry, err error) error {
		if err == nil && entry.Type().IsRegular() {
			files++
		}
		return nil
	})
	return fmt.Sprintf("directory, %d files", files)
}

func relativeTo(base, path string) string {
	if rel, err := filepath.Rel(base, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return path
}

type bundleEntry struct {
	name string
	data []byte
}

// bugreportBundle collects archive entries in memory.
type bugreportBundle struct {
	stamp    time.Time
	entries  []bundleEntry
	logs     []string
	warnings []string
}

func (b *bugreportBundle) add(name string, data []byte) {
	b.entries = append(b.entries, bundleEntry{name: name, data: data})
}

func (b *bugreportBundle) warn(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

func (b *bugreportBundle) addLogs(dir string, limit int) {
	paths, err := newestLogs(dir, limit)
	if err != nil {
		b.warn("unable to read logs directory %s: %v", dir, err)
		return
	}
	for _, path := range paths {
		// #nosec G304 -- paths come from listing the devloop log directory.
		data, err := os.ReadFile(path)
		if err != nil {
			b.warn("unable to read log %s: %v", path, err)
			continue
		}
		name := filepath.Base(path)
		b.add("logs/"+name, data)
		b.logs = append(b.logs, name)
	}
}

func (b *bugreportBundle) readme() []byte {
	var out bytes.Buffer
	out.WriteString("devloop diagnostic bundle\n\n")
	out.WriteString("summary.txt    platform, termination strategy, runtime version\n")
	out.WriteString("config.toml    effective config, define values redacted\n")
	out.WriteString("build.txt      scratch rebuild of both entries\n")
	out.WriteString("resources.txt  copy rules and executables as found on disk\n")
	fmt.Fprintf(&out, "logs/          %d newest log file(s)\n", len(b.logs))
	if len(b.warnings) > 0 {
		out.WriteString("\nwarnings:\n")
		for _, warning := range b.warnings {
			fmt.Fprintf(&out, "- %s\n", warning)
		}
	}
	return out.Bytes()
}

func (b *bugreportBundle) write(path string) (err error) {
	// #nosec G304 -- path is a fixed name inside the project directory.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", path, err)
	}
	gz := gzip.NewWriter(file)
	tw := tar.NewWriter(gz)
	defer func() {
		for _, closer := range []io.Closer{tw, gz, file} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finalize archive: %w", closeErr)
			}
		}
	}()

	for _, entry := range b.entries {
		header := &tar.Header{
			Name:    entry.name,
			Mode:    0o600,
			Size:    int64(len(entry.data)),
			ModTime: b.stamp,
		}
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("archive %s: %w", entry.name, err)
		}
		if _, err := tw.Write(entry.data); err != nil {
			return fmt.Errorf("archive %s: %w", entry.name, err)
		}
	}
	return nil
}

// newestLogs lists *.log files in dir, newest first.
func newestLogs(dir string, limit int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	type logFile struct {
		path    string
		modTime time.Time
	}
	files := make([]logFile, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.After(files[j].modTime)
	})
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}

	paths := make([]string, 0, len(files))
	for _, file := range files {
		paths = append(paths, file.path)
	}
	return paths, nil
}
