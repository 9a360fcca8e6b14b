package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/devloop/devloop/internal/platform"
)

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load(context.Background(), project)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.ProjectDir != project {
		t.Fatalf("project_dir = %q, want %q", cfg.ProjectDir, project)
	}
	if cfg.HostEntry != filepath.Join(project, "src", "index.ts") {
		t.Fatalf("host_entry = %q", cfg.HostEntry)
	}
	if cfg.PreloadEntry != filepath.Join(project, "src", "preload.ts") {
		t.Fatalf("preload_entry = %q", cfg.PreloadEntry)
	}
	if cfg.OutDir != filepath.Join(project, "app", "build", "main") {
		t.Fatalf("out_dir = %q", cfg.OutDir)
	}
	if cfg.Runtime != defaultRuntime {
		t.Fatalf("runtime = %q, want bare %q for PATH lookup", cfg.Runtime, defaultRuntime)
	}
	if cfg.InspectPort != defaultInspectPort {
		t.Fatalf("inspect_port = %d, want %d", cfg.InspectPort, defaultInspectPort)
	}
	if cfg.Debounce != defaultDebounce {
		t.Fatalf("debounce = %s, want %s", cfg.Debounce, defaultDebounce)
	}
	if cfg.HostTarget != defaultHostTarget || cfg.PreloadTarget != defaultPreloadTarget {
		t.Fatalf("targets = %q/%q", cfg.HostTarget, cfg.PreloadTarget)
	}
	if !cfg.Sourcemap {
		t.Fatal("sourcemap should default to true")
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Fatalf("log_level = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.ChildPrefix != "" {
		t.Fatalf("child_prefix = %q, want empty so child output is relayed verbatim", cfg.ChildPrefix)
	}

	wantResources := []Resource{
		{
			From: filepath.Join(project, "node_modules", "better-sqlite3", "build", "Release", "better_sqlite3.node"),
			To:   filepath.Join(project, "app", "build", "Release", "better_sqlite3.node"),
		},
		{From: filepath.Join(project, "bin"), To: filepath.Join(project, "app", "bin")},
	}
	if !reflect.DeepEqual(cfg.Resources, wantResources) {
		t.Fatalf("resources = %#v, want %#v", cfg.Resources, wantResources)
	}

	wantExecutable := filepath.Join(project, "bin", platform.Current().String())
	if len(cfg.Executables) != 1 || cfg.Executables[0] != wantExecutable {
		t.Fatalf("executables = %v, want [%s]", cfg.Executables, wantExecutable)
	}
	if cfg.Release.Output != filepath.Join(project, "release") {
		t.Fatalf("release.output = %q", cfg.Release.Output)
	}
}

func TestLoadOverlayProjectOverHome(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)

	writeFile(t, filepath.Join(home, ".devloop", "config.toml"), `
runtime = "/opt/electron/electron"
inspect_port = 9229
debounce = "500ms"
log_level = "debug"
child_prefix = " app "

[otel]
endpoint = "http://home-collector:4318"

[define]
"process.env.API_URL" = "https://home.example"
"process.env.REGION" = "eu"
`)

	writeFile(t, filepath.Join(project, FileName), `
host_entry = "src/main/index.ts"
preload_entry = "src/main/preload.ts"
debounce = "50ms"
externals = ["keytar", " "]
executables = ["bin/{platform}/ffmpeg"]

[[resources]]
from = "assets"
to = "app/assets"

[define]
"process.env.API_URL" = "https://project.example"

[release]
product_name = "Media Grabber"
app_id = "dev.devloop.grabber"
version = "2.1.0"
`)

	cfg, err := Load(context.Background(), project)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Runtime != "/opt/electron/electron" {
		t.Fatalf("runtime = %q", cfg.Runtime)
	}
	if cfg.InspectPort != 9229 {
		t.Fatalf("inspect_port = %d, want 9229 from home", cfg.InspectPort)
	}
	if cfg.Debounce != 50*time.Millisecond {
		t.Fatalf("debounce = %s, want project override 50ms", cfg.Debounce)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level = %q, want debug", cfg.LogLevel)
	}
	if cfg.ChildPrefix != "app" {
		t.Fatalf("child_prefix = %q, want app", cfg.ChildPrefix)
	}
	if cfg.OTELEndpoint != "http://home-collector:4318" {
		t.Fatalf("otel endpoint = %q", cfg.OTELEndpoint)
	}
	if cfg.HostEntry != filepath.Join(project, "src", "main", "index.ts") {
		t.Fatalf("host_entry = %q", cfg.HostEntry)
	}
	if !reflect.DeepEqual(cfg.Externals, []string{"keytar"}) {
		t.Fatalf("externals = %v", cfg.Externals)
	}
	wantResources := []Resource{{From: filepath.Join(project, "assets"), To: filepath.Join(project, "app", "assets")}}
	if !reflect.DeepEqual(cfg.Resources, wantResources) {
		t.Fatalf("resources = %#v, want project list to replace defaults", cfg.Resources)
	}
	wantExecutable := filepath.Join(project, "bin", platform.Current().String(), "ffmpeg")
	if !reflect.DeepEqual(cfg.Executables, []string{wantExecutable}) {
		t.Fatalf("executables = %v, want [%s]", cfg.Executables, wantExecutable)
	}
	wantDefine := map[string]string{
		"process.env.API_URL": "https://project.example",
		"process.env.REGION":  "eu",
	}
	if !reflect.DeepEqual(cfg.Define, wantDefine) {
		t.Fatalf("define = %v, want %v", cfg.Define, wantDefine)
	}
	if cfg.Release.ProductName != "Media Grabber" || cfg.Release.AppID != "dev.devloop.grabber" || cfg.Release.Version != "2.1.0" {
		t.Fatalf("release = %#v", cfg.Release)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "bad duration", body: `debounce = "soon"`, wantErr: "parse debounce"},
		{name: "zero debounce", body: `debounce = "0s"`, wantErr: "must be > 0"},
		{name: "port out of range", body: `inspect_port = 70000`, wantErr: "inspect_port"},
		{name: "unknown key", body: `watch_dir = "src"`, wantErr: "unknown key"},
		{name: "resource without target", body: "[[resources]]\nfrom = \"bin\"\n", wantErr: "resources[0]"},
		{name: "bad log level", body: `log_level = "trace"`, wantErr: "log_level"},
		{name: "malformed toml", body: `host_entry = `, wantErr: "decode config file"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			project := t.TempDir()
			t.Setenv("HOME", home)
			path := filepath.Join(project, FileName)
			writeFile(t, path, tt.body)

			_, err := Load(context.Background(), project)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDurationErrorNamesFile(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(home, ".devloop", "config.toml")
	writeFile(t, path, `debounce = "fast"`)

	_, err := Load(context.Background(), project)
	if err == nil || !strings.Contains(err.Error(), path) {
		t.Fatalf("error = %v, want it to name %s", err, path)
	}
}

func TestResolveKeepsAbsolutePaths(t *testing.T) {
	cfg := defaults()
	cfg.OutDir = filepath.Join(string(filepath.Separator), "tmp", "out")
	cfg.Runtime = "node_modules/.bin/electron"
	cfg.resolve("/work/app", platform.Linux)

	if cfg.OutDir != filepath.Join(string(filepath.Separator), "tmp", "out") {
		t.Fatalf("out_dir = %q, absolute paths must be kept", cfg.OutDir)
	}
	if cfg.Runtime != filepath.Join("/work/app", "node_modules", ".bin", "electron") {
		t.Fatalf("runtime = %q, relative runtime path must resolve against project", cfg.Runtime)
	}
	if got := cfg.PlatformBinDir(platform.Linux); got != filepath.Join("/work/app", "bin", "linux") {
		t.Fatalf("platform bin dir = %q", got)
	}
	if cfg.Executables[0] != filepath.Join("/work/app", "bin", "linux") {
		t.Fatalf("executables = %v", cfg.Executables)
	}
}

func TestValidateNilConfig(t *testing.T) {
	var cfg *Config
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
}
