package compiler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/evanw/esbuild/pkg/api"
)

// Kind selects the execution environment an entry point is compiled for.
type Kind string

const (
	// KindHost runs inside the privileged host runtime (node).
	KindHost Kind = "host"
	// KindPreload runs inside the isolated browser-like context.
	KindPreload Kind = "preload"
)

const (
	// DefaultHostTarget is the node engine the host bundle targets.
	DefaultHostTarget = "node20.9"
	// DefaultPreloadTarget is the browser engine the preload bundle targets.
	DefaultPreloadTarget = "chrome89"
	// BinSymbol is the compile-time constant that carries the companion
	// binary directory into the bundle.
	BinSymbol = "__bin__"
)

// frozenExternals are resolved by the host runtime at load time and never
// bundled.
var frozenExternals = []string{
	"electron",
	"nock",
	"aws-sdk",
	"mock-aws-s3",
	"@cliqz/adblocker-electron-preload",
	"node-pty",
	"better-sqlite3",
}

// Externals returns a copy of the module names left unresolved in every bundle.
func Externals() []string {
	return append([]string(nil), frozenExternals...)
}

// Options configures one build session.
type Options struct {
	Name      string
	Entry     string
	Kind      Kind
	Target    string
	WorkDir   string
	OutDir    string
	Define    map[string]string
	External  []string
	Sourcemap bool
	Minify    bool
}

// Artifacts lists the files written by one rebuild.
type Artifacts struct {
	Outputs  []string
	Warnings []string
}

// CompileError reports a rebuild that produced errors. The session stays
// usable and a later rebuild may succeed.
type CompileError struct {
	Session  string
	Entry    string
	Messages []string
}

func (e *CompileError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("compile %s (%s): build failed", e.Session, e.Entry)
	}
	return fmt.Sprintf(
		"compile %s (%s): %d error(s): %s",
		e.Session,
		e.Entry,
		len(e.Messages),
		strings.TrimSpace(e.Messages[0]),
	)
}

// Session is a reusable esbuild context bound to one entry point.
type Session struct {
	name    string
	entry   string
	output  string
	workDir string

	mu       sync.Mutex
	ctx      api.BuildContext
	disposed bool
}

// NewSession validates options and creates the underlying build context.
// Errors here are configuration errors and are not recoverable.
func NewSession(opts Options) (*Session, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = string(opts.Kind)
	}
	if strings.TrimSpace(opts.Entry) == "" {
		return nil, fmt.Errorf("session %s: entry is required", name)
	}
	if strings.TrimSpace(opts.OutDir) == "" {
		return nil, fmt.Errorf("session %s: output directory is required", name)
	}

	workDir := opts.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("session %s: resolve working directory: %w", name, err)
		}
		workDir = wd
	}
	workDir, err := filepath.Abs(workDir)
	if err != nil {
		return nil, fmt.Errorf("session %s: resolve working directory: %w", name, err)
	}

	entry := resolve(workDir, opts.Entry)
	if _, err := os.Stat(entry); err != nil {
		return nil, fmt.Errorf("session %s: entry %s: %w", name, entry, err)
	}
	outDir := resolve(workDir, opts.OutDir)

	options, err := buildOptions(opts, workDir, entry, outDir)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", name, err)
	}

	buildContext, ctxErr := api.Context(options)
	if ctxErr != nil {
		return nil, fmt.Errorf("session %s: create build context: %s", name, strings.Join(formatMessages(ctxErr.Errors), "; "))
	}

	return &Session{
		name:    name,
		entry:   entry,
		output:  OutputPath(outDir, entry),
		workDir: workDir,
		ctx:     buildContext,
	}, nil
}

// Name returns the session label used in logs.
func (s *Session) Name() string {
	return s.name
}

// Entry returns the absolute entry path.
func (s *Session) Entry() string {
	return s.entry
}

// Output returns the path of the bundle this session emits.
func (s *Session) Output() string {
	return s.output
}

// Rebuild recompiles the entry graph with the warm context. Compile errors
// are returned as *CompileError.
func (s *Session) Rebuild(ctx context.Context) (Artifacts, error) {
	if s == nil {
		return Artifacts{}, errors.New("build session is nil")
	}
	if err := ctx.Err(); err != nil {
		return Artifacts{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return Artifacts{}, fmt.Errorf("session %s: rebuild after dispose", s.name)
	}

	result := s.ctx.Rebuild()
	if len(result.Errors) > 0 {
		return Artifacts{}, &CompileError{
			Session:  s.name,
			Entry:    s.entry,
			Messages: formatMessages(result.Errors),
		}
	}

	outputs, err := metafileOutputs(result.Metafile, s.workDir)
	if err != nil {
		return Artifacts{}, fmt.Errorf("session %s: %w", s.name, err)
	}
	return Artifacts{
		Outputs:  outputs,
		Warnings: formatMessages(result.Warnings),
	}, nil
}

// Dispose releases the build context. Calling it twice is harmless.
func (s *Session) Dispose() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	s.ctx.Dispose()
}

// OutputPath names the bundle emitted for entry under outDir. The supervisor
// launches this path, so it is the single source of the output layout.
func OutputPath(outDir, entry string) string {
	base := filepath.Base(entry)
	return filepath.Join(outDir, strings.TrimSuffix(base, filepath.Ext(base))+".js")
}

// DevDefines injects the platform-specific companion binary directory.
func DevDefines(binDir string) map[string]string {
	quoted, _ := json.Marshal(binDir)
	return map[string]string{BinSymbol: string(quoted)}
}

// ProductionDefines injects env substitutions for release builds.
func ProductionDefines(env map[string]string) map[string]string {
	defines := make(map[string]string, len(env)+1)
	for key, value := range env {
		quoted, _ := json.Marshal(value)
		defines[key] = string(quoted)
	}
	defines["process.env.NODE_ENV"] = `"production"`
	return defines
}

func buildOptions(opts Options, workDir, entry, outDir string) (api.BuildOptions, error) {
	platform, defaultTarget, err := platformFor(opts.Kind)
	if err != nil {
		return api.BuildOptions{}, err
	}
	target := strings.TrimSpace(opts.Target)
	if target == "" {
		target = defaultTarget
	}
	engine, err := parseEngine(target)
	if err != nil {
		return api.BuildOptions{}, err
	}

	external := Externals()
	for _, name := range opts.External {
		if name = strings.TrimSpace(name); name != "" {
			external = append(external, name)
		}
	}

	sourcemap := api.SourceMapNone
	if opts.Sourcemap {
		sourcemap = api.SourceMapLinked
	}

	define := make(map[string]string, len(opts.Define))
	for key, value := range opts.Define {
		define[key] = value
	}

	return api.BuildOptions{
		EntryPoints:       []string{entry},
		Bundle:            true,
		Platform:          platform,
		Engines:           []api.Engine{engine},
		External:          external,
		Define:            define,
		Sourcemap:         sourcemap,
		MinifyWhitespace:  opts.Minify,
		MinifyIdentifiers: opts.Minify,
		MinifySyntax:      opts.Minify,
		Outdir:            outDir,
		AbsWorkingDir:     workDir,
		Loader:            map[string]api.Loader{".png": api.LoaderFile},
		Metafile:          true,
		Write:             true,
		LogLevel:          api.LogLevelSilent,
	}, nil
}

func platformFor(kind Kind) (api.Platform, string, error) {
	switch kind {
	case KindHost:
		return api.PlatformNode, DefaultHostTarget, nil
	case KindPreload:
		return api.PlatformBrowser, DefaultPreloadTarget, nil
	default:
		return api.PlatformDefault, "", fmt.Errorf("unsupported session kind %q", kind)
	}
}

var engineNames = []struct {
	prefix string
	name   api.EngineName
}{
	{prefix: "node", name: api.EngineNode},
	{prefix: "chrome", name: api.EngineChrome},
	{prefix: "edge", name: api.EngineEdge},
	{prefix: "firefox", name: api.EngineFirefox},
	{prefix: "safari", name: api.EngineSafari},
}

// parseEngine turns targets like "node20.9" or "chrome89" into an engine.
func parseEngine(target string) (api.Engine, error) {
	lowered := strings.ToLower(target)
	for _, candidate := range engineNames {
		if !strings.HasPrefix(lowered, candidate.prefix) {
			continue
		}
		version := strings.TrimPrefix(lowered, candidate.prefix)
		if version == "" {
			return api.Engine{}, fmt.Errorf("target %q has no version", target)
		}
		return api.Engine{Name: candidate.name, Version: version}, nil
	}
	return api.Engine{}, fmt.Errorf("unsupported target %q", target)
}

type metafile struct {
	Outputs map[string]json.RawMessage `json:"outputs"`
}

// metafileOutputs lists emitted files; metafile paths are relative to the
// working directory.
func metafileOutputs(raw string, workDir string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return []string{}, nil
	}
	var decoded metafile
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("decode metafile: %w", err)
	}
	outputs := make([]string, 0, len(decoded.Outputs))
	for path := range decoded.Outputs {
		outputs = append(outputs, resolve(workDir, filepath.FromSlash(path)))
	}
	sort.Strings(outputs)
	return outputs, nil
}

func formatMessages(messages []api.Message) []string {
	if len(messages) == 0 {
		return nil
	}
	formatted := make([]string, 0, len(messages))
	for _, message := range messages {
		text := message.Text
		if message.Location != nil {
			text = fmt.Sprintf(
				"%s:%d:%d: %s",
				message.Location.File,
				message.Location.Line,
				message.Location.Column,
				message.Text,
			)
		}
		formatted = append(formatted, text)
	}
	return formatted
}

func resolve(base, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(base, path)
}
