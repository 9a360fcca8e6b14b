package platform

import (
	"fmt"
	"runtime"
	"strings"
)

// Tag identifies one of the supported desktop targets.
type Tag string

const (
	// Darwin is the macOS target.
	Darwin Tag = "darwin"
	// Linux is the Linux desktop target.
	Linux Tag = "linux"
	// Windows is the Windows target.
	Windows Tag = "windows"
)

// Current returns the tag of the running process.
func Current() Tag {
	return Tag(runtime.GOOS)
}

// Parse validates a user-supplied platform name.
func Parse(value string) (Tag, error) {
	switch tag := Tag(strings.ToLower(strings.TrimSpace(value))); tag {
	case Darwin, Linux, Windows:
		return tag, nil
	case "":
		return Current(), nil
	default:
		return "", fmt.Errorf("unsupported platform %q", value)
	}
}

// IsPOSIX reports whether staged binaries need execute permission bits.
func (t Tag) IsPOSIX() bool {
	return t == Darwin || t == Linux
}

// KillsTreeWithSignal reports whether signalling the process handle reliably
// tears down the runtime's helper processes. On darwin it does not, so the
// supervisor issues a separate kill command instead.
func (t Tag) KillsTreeWithSignal() bool {
	return t != Darwin
}

func (t Tag) String() string {
	return string(t)
}
