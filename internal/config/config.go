package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/devloop/devloop/internal/platform"
)

const (
	// FileName is the project-level config file.
	FileName = "devloop.toml"

	defaultSourceDir     = "src"
	defaultOutDir        = "app/build/main"
	defaultHostEntry     = "src/index.ts"
	defaultPreloadEntry  = "src/preload.ts"
	defaultRuntime       = "electron"
	defaultInspectPort   = 5858
	defaultDebounce      = 200 * time.Millisecond
	defaultHostTarget    = "node20.9"
	defaultPreloadTarget = "chrome89"
	defaultBinDir        = "bin"
	defaultRuntimeBinDir = "app/bin"
	defaultLogLevel      = "info"
	defaultReleaseOutput = "release"

	// platformPlaceholder expands to the current platform tag in paths.
	platformPlaceholder = "{platform}"

	sqliteAddon = "build/Release/better_sqlite3.node"
)

// Config stores the settings for one project, with every path absolute.
type Config struct {
	ProjectDir    string
	SourceDir     string
	OutDir        string
	HostEntry     string
	PreloadEntry  string
	Runtime       string
	InspectPort   int
	Debounce      time.Duration
	HostTarget    string
	PreloadTarget string
	// BinDir holds per-platform companion binaries in the source tree.
	BinDir string
	// RuntimeBinDir is where BinDir is staged for the running app.
	RuntimeBinDir string
	Sourcemap     bool
	// Externals are appended to the built-in external module list.
	Externals   []string
	LogLevel    string
	// ChildPrefix labels relayed child output. Empty relays it verbatim.
	ChildPrefix string
	Resources   []Resource
	Executables []string
	// Define holds raw values substituted into production bundles.
	Define       map[string]string
	OTELEndpoint string
	Release      Release
}

// Resource is one copy rule staged before the child starts.
type Resource struct {
	From string
	To   string
}

// Release holds packager metadata.
type Release struct {
	ProductName string
	AppID       string
	Version     string
	Copyright   string
	Output      string
}

type fileConfig struct {
	SourceDir     *string           `toml:"source_dir"`
	OutDir        *string           `toml:"out_dir"`
	HostEntry     *string           `toml:"host_entry"`
	PreloadEntry  *string           `toml:"preload_entry"`
	Runtime       *string           `toml:"runtime"`
	InspectPort   *int              `toml:"inspect_port"`
	Debounce      *string           `toml:"debounce"`
	HostTarget    *string           `toml:"host_target"`
	PreloadTarget *string           `toml:"preload_target"`
	BinDir        *string           `toml:"bin_dir"`
	RuntimeBinDir *string           `toml:"runtime_bin_dir"`
	Sourcemap     *bool             `toml:"sourcemap"`
	Externals     []string          `toml:"externals"`
	LogLevel      *string           `toml:"log_level"`
	ChildPrefix   *string           `toml:"child_prefix"`
	Resources     []fileResource    `toml:"resources"`
	Executables   []string          `toml:"executables"`
	Define        map[string]string `toml:"define"`
	OTEL          *otelConfig       `toml:"otel"`
	Release       *releaseConfig    `toml:"release"`
}

type fileResource struct {
	From string `toml:"from"`
	To   string `toml:"to"`
}

type otelConfig struct {
	Endpoint *string `toml:"endpoint"`
}

type releaseConfig struct {
	ProductName *string `toml:"product_name"`
	AppID       *string `toml:"app_id"`
	Version     *string `toml:"version"`
	Copyright   *string `toml:"copyright"`
	Output      *string `toml:"output"`
}

// Load reads ~/.devloop/config.toml and overlays <projectDir>/devloop.toml.
// Missing files are skipped.
func Load(ctx context.Context, projectDir string) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	if strings.TrimSpace(projectDir) == "" {
		projectDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
	}
	projectDir, err = filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("resolve project directory: %w", err)
	}

	cfg := defaults()
	paths := []string{
		filepath.Join(homeDir, ".devloop", "config.toml"),
		filepath.Join(projectDir, FileName),
	}
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.resolve(projectDir, platform.Current())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	_ = ctx
	return &cfg, nil
}

func defaults() Config {
	return Config{
		SourceDir:     defaultSourceDir,
		OutDir:        defaultOutDir,
		HostEntry:     defaultHostEntry,
		PreloadEntry:  defaultPreloadEntry,
		Runtime:       defaultRuntime,
		InspectPort:   defaultInspectPort,
		Debounce:      defaultDebounce,
		HostTarget:    defaultHostTarget,
		PreloadTarget: defaultPreloadTarget,
		BinDir:        defaultBinDir,
		RuntimeBinDir: defaultRuntimeBinDir,
		Sourcemap:     true,
		LogLevel:      defaultLogLevel,
		Resources: []Resource{
			{
				From: filepath.Join("node_modules", "better-sqlite3", sqliteAddon),
				To:   filepath.Join("app", sqliteAddon),
			},
			{From: defaultBinDir, To: defaultRuntimeBinDir},
		},
		Executables: []string{filepath.Join(defaultBinDir, platformPlaceholder)},
		Define:      map[string]string{},
		Release: Release{
			ProductName: os.Getenv("APP_NAME"),
			AppID:       os.Getenv("APP_ID"),
			Version:     os.Getenv("APP_VERSION"),
			Copyright:   os.Getenv("APP_COPYRIGHT"),
			Output:      defaultReleaseOutput,
		},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}

	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	meta, err := toml.DecodeFile(path, &decoded)
	if err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("decode config file %q: unknown key %q", path, undecoded[0].String())
	}

	applyPathOverrides(cfg, decoded)
	if err := applyScalarOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyDurationOverrides(cfg, decoded, path); err != nil {
		return err
	}
	if err := applyResourceOverrides(cfg, decoded, path); err != nil {
		return err
	}
	applyReleaseOverrides(cfg, decoded)
	return nil
}

func applyPathOverrides(cfg *Config, decoded fileConfig) {
	setString(&cfg.SourceDir, decoded.SourceDir)
	setString(&cfg.OutDir, decoded.OutDir)
	setString(&cfg.HostEntry, decoded.HostEntry)
	setString(&cfg.PreloadEntry, decoded.PreloadEntry)
	setString(&cfg.Runtime, decoded.Runtime)
	setString(&cfg.BinDir, decoded.BinDir)
	setString(&cfg.RuntimeBinDir, decoded.RuntimeBinDir)
}

func applyScalarOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.InspectPort != nil {
		if *decoded.InspectPort <= 0 || *decoded.InspectPort > 65535 {
			return fmt.Errorf("parse inspect_port in %q: must be between 1 and 65535", path)
		}
		cfg.InspectPort = *decoded.InspectPort
	}
	setString(&cfg.HostTarget, decoded.HostTarget)
	setString(&cfg.PreloadTarget, decoded.PreloadTarget)
	if decoded.Sourcemap != nil {
		cfg.Sourcemap = *decoded.Sourcemap
	}
	if decoded.LogLevel != nil {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(*decoded.LogLevel))
	}
	if decoded.ChildPrefix != nil {
		cfg.ChildPrefix = strings.TrimSpace(*decoded.ChildPrefix)
	}
	if decoded.Externals != nil {
		cfg.Externals = trimAll(decoded.Externals)
	}
	for key, value := range decoded.Define {
		cfg.Define[key] = value
	}
	if decoded.OTEL != nil && decoded.OTEL.Endpoint != nil {
		cfg.OTELEndpoint = strings.TrimSpace(*decoded.OTEL.Endpoint)
	}
	return nil
}

func applyDurationOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.Debounce != nil {
		value, err := parseDuration(*decoded.Debounce, "debounce", path)
		if err != nil {
			return err
		}
		if value <= 0 {
			return fmt.Errorf("parse debounce in %q: must be > 0", path)
		}
		cfg.Debounce = value
	}
	return nil
}

// applyResourceOverrides replaces, never appends to, the inherited lists.
func applyResourceOverrides(cfg *Config, decoded fileConfig, path string) error {
	if decoded.Resources != nil {
		rules := make([]Resource, 0, len(decoded.Resources))
		for i, rule := range decoded.Resources {
			from := strings.TrimSpace(rule.From)
			to := strings.TrimSpace(rule.To)
			if from == "" || to == "" {
				return fmt.Errorf("parse resources[%d] in %q: from and to are required", i, path)
			}
			rules = append(rules, Resource{From: from, To: to})
		}
		cfg.Resources = rules
	}
	if decoded.Executables != nil {
		cfg.Executables = trimAll(decoded.Executables)
	}
	return nil
}

func applyReleaseOverrides(cfg *Config, decoded fileConfig) {
	if decoded.Release == nil {
		return
	}
	setString(&cfg.Release.ProductName, decoded.Release.ProductName)
	setString(&cfg.Release.AppID, decoded.Release.AppID)
	setString(&cfg.Release.Version, decoded.Release.Version)
	setString(&cfg.Release.Copyright, decoded.Release.Copyright)
	setString(&cfg.Release.Output, decoded.Release.Output)
}

// resolve anchors relative paths at projectDir and expands {platform}.
func (c *Config) resolve(projectDir string, tag platform.Tag) {
	c.ProjectDir = projectDir
	abs := func(path string) string {
		path = strings.ReplaceAll(path, platformPlaceholder, tag.String())
		if path == "" || filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(projectDir, path)
	}

	c.SourceDir = abs(c.SourceDir)
	c.OutDir = abs(c.OutDir)
	c.HostEntry = abs(c.HostEntry)
	c.PreloadEntry = abs(c.PreloadEntry)
	c.BinDir = abs(c.BinDir)
	c.RuntimeBinDir = abs(c.RuntimeBinDir)
	c.Release.Output = abs(c.Release.Output)
	// A bare runtime name is looked up on PATH.
	if strings.ContainsRune(c.Runtime, '/') || strings.ContainsRune(c.Runtime, filepath.Separator) {
		c.Runtime = abs(c.Runtime)
	}
	for i := range c.Resources {
		c.Resources[i].From = abs(c.Resources[i].From)
		c.Resources[i].To = abs(c.Resources[i].To)
	}
	for i := range c.Executables {
		c.Executables[i] = abs(c.Executables[i])
	}
}

// Validate reports the first setting that cannot drive a build.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	switch {
	case strings.TrimSpace(c.HostEntry) == "":
		return errors.New("host_entry is required")
	case strings.TrimSpace(c.PreloadEntry) == "":
		return errors.New("preload_entry is required")
	case strings.TrimSpace(c.OutDir) == "":
		return errors.New("out_dir is required")
	case strings.TrimSpace(c.Runtime) == "":
		return errors.New("runtime is required")
	case c.Debounce <= 0:
		return errors.New("debounce must be > 0")
	case c.InspectPort <= 0 || c.InspectPort > 65535:
		return fmt.Errorf("inspect_port %d out of range", c.InspectPort)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", c.LogLevel)
	}
	return nil
}

// PlatformBinDir is BinDir joined with the platform tag, the directory
// baked into development bundles.
func (c *Config) PlatformBinDir(tag platform.Tag) string {
	return filepath.Join(c.BinDir, tag.String())
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}

func setString(dst *string, value *string) {
	if value != nil {
		*dst = strings.TrimSpace(*value)
	}
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
