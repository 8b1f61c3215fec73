// Package version reports the build version, resolved from ldflags or the
// embedded build info.
package version

import (
	"fmt"
	"runtime/debug"
)

// Version can be set at build time:
// -ldflags="-X github.com/turncast/turncast/internal/version.Version=v1.0.0"
var Version = ""

// Info holds version metadata for the health endpoint and the version
// subcommand.
type Info struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Revision string `json:"revision,omitempty"`
}

// GetInfo returns a structured Info object.
func GetInfo(name string) Info {
	info := Info{
		Name:    name,
		Version: Get(),
	}
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range buildInfo.Settings {
			if setting.Key == "vcs.revision" {
				info.Revision = setting.Value
			}
		}
	}
	return info
}

// Get returns the version string, falling back to build info when no version
// was linked in.
func Get() string {
	if Version != "" {
		return Version
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			return info.Main.Version
		}
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && len(setting.Value) >= 7 {
				return fmt.Sprintf("dev-%s", setting.Value[:7])
			}
		}
	}

	return "dev"
}

// String returns a formatted version summary.
func String(name string) string {
	return fmt.Sprintf("%s version %s", name, Get())
}
