package release

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// ManifestName is the packager configuration file written next to the build.
	ManifestName = "electron-builder.yml"

	artifactNameTemplate = "${productName}-setup-${arch}-${buildVersion}.${ext}"
)

// Metadata identifies the product being packaged.
type Metadata struct {
	ProductName string
	AppID       string
	Version     string
	Copyright   string
	// Output is the packager's output directory.
	Output string
}

// FileSet maps a source directory into the package.
type FileSet struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Target is one installer format with its architectures.
type Target struct {
	Target string   `yaml:"target"`
	Arch   []string `yaml:"arch"`
}

// Directories configures packager directories.
type Directories struct {
	Output string `yaml:"output"`
}

// PlatformConfig is the per-OS section.
type PlatformConfig struct {
	Icon       string   `yaml:"icon,omitempty"`
	Category   string   `yaml:"category,omitempty"`
	Maintainer string   `yaml:"maintainer,omitempty"`
	Target     []Target `yaml:"target"`
}

// NSIS configures the Windows installer.
type NSIS struct {
	OneClick                           bool `yaml:"oneClick"`
	AllowElevation                     bool `yaml:"allowElevation"`
	AllowToChangeInstallationDirectory bool `yaml:"allowToChangeInstallationDirectory"`
	CreateDesktopShortcut              bool `yaml:"createDesktopShortcut"`
	CreateStartMenuShortcut            bool `yaml:"createStartMenuShortcut"`
}

// Manifest is the static configuration consumed by the external packager.
// It only describes a finished build directory; nothing here packages.
type Manifest struct {
	ProductName    string         `yaml:"productName,omitempty"`
	AppID          string         `yaml:"appId,omitempty"`
	BuildVersion   string         `yaml:"buildVersion,omitempty"`
	Copyright      string         `yaml:"copyright,omitempty"`
	ArtifactName   string         `yaml:"artifactName"`
	NPMRebuild     bool           `yaml:"npmRebuild"`
	Directories    Directories    `yaml:"directories"`
	ASARUnpack     []string       `yaml:"asarUnpack"`
	Files          []any          `yaml:"files"`
	ExtraResources []FileSet      `yaml:"extraResources"`
	Win            PlatformConfig `yaml:"win"`
	Mac            PlatformConfig `yaml:"mac"`
	Linux          PlatformConfig `yaml:"linux"`
	NSIS           NSIS           `yaml:"nsis"`
}

// NewManifest fills the fixed packager layout around meta.
func NewManifest(meta Metadata) Manifest {
	output := strings.TrimSpace(meta.Output)
	if output == "" {
		output = "./release"
	}
	x64 := []string{"x64"}
	return Manifest{
		ProductName:  strings.TrimSpace(meta.ProductName),
		AppID:        strings.TrimSpace(meta.AppID),
		BuildVersion: strings.TrimSpace(meta.Version),
		Copyright:    strings.TrimSpace(meta.Copyright),
		ArtifactName: artifactNameTemplate,
		NPMRebuild:   true,
		Directories:  Directories{Output: output},
		ASARUnpack: []string{
			"**/better-sqlite3/build/Release/*.node",
			"**/node-pty/build/Release/**",
		},
		Files: []any{
			FileSet{From: "./build", To: "./"},
			"./package.json",
		},
		ExtraResources: []FileSet{
			{From: "./app/plugin", To: "plugin"},
			{From: "./app/bin/", To: "bin"},
		},
		Win: PlatformConfig{
			Icon:   "../assets/icon.ico",
			Target: []Target{{Target: "nsis", Arch: x64}},
		},
		Mac: PlatformConfig{
			Icon:   "../assets/icon.icns",
			Target: []Target{{Target: "dmg", Arch: x64}},
		},
		Linux: PlatformConfig{
			Icon:     "../assets/icon.icns",
			Category: "Utility",
			Target:   []Target{{Target: "deb", Arch: x64}},
		},
		NSIS: NSIS{
			OneClick:                true,
			AllowElevation:          true,
			CreateDesktopShortcut:   true,
			CreateStartMenuShortcut: true,
		},
	}
}

// Validate reports missing product metadata the packager requires.
func (m Manifest) Validate() error {
	var missing []string
	if m.ProductName == "" {
		missing = append(missing, "product_name")
	}
	if m.AppID == "" {
		missing = append(missing, "app_id")
	}
	if m.BuildVersion == "" {
		missing = append(missing, "version")
	}
	if len(missing) > 0 {
		return fmt.Errorf("release metadata missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// LayoutError reports a build directory the packager cannot consume.
type LayoutError struct {
	Path   string
	Reason string
}

func (e *LayoutError) Error() string {
	return fmt.Sprintf("build layout: %s: %s", e.Path, e.Reason)
}

// CheckLayout verifies the host artifact exists inside outDir.
func CheckLayout(outDir, hostArtifact string) error {
	info, err := os.Stat(outDir)
	if err != nil {
		return &LayoutError{Path: outDir, Reason: "output directory missing"}
	}
	if !info.IsDir() {
		return &LayoutError{Path: outDir, Reason: "not a directory"}
	}

	rel, err := filepath.Rel(outDir, hostArtifact)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return &LayoutError{Path: hostArtifact, Reason: "host artifact outside output directory"}
	}
	artifact, err := os.Stat(hostArtifact)
	if err != nil {
		return &LayoutError{Path: hostArtifact, Reason: "host artifact missing"}
	}
	if artifact.IsDir() || artifact.Size() == 0 {
		return &LayoutError{Path: hostArtifact, Reason: "host artifact empty"}
	}
	return nil
}

// Write validates m and writes it as YAML to dir/ManifestName.
func Write(dir string, m Manifest) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", errors.New("manifest directory is required")
	}
	if err := m.Validate(); err != nil {
		return "", err
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create manifest directory: %w", err)
	}
	path := filepath.Join(dir, ManifestName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return path, nil
}
