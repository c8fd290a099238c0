// Package buildinfo plumbs the process-wide version string.
package buildinfo

import "runtime/debug"

// Version is set at build time via -ldflags -X, e.g.:
//
//	go build -ldflags "-X github.com/portfan/portfan/internal/buildinfo.Version=1.2.3"
//
// When unset, it falls back to the Go module version embedded by the
// toolchain (available for `go install`-built binaries), then finally to
// "unknown".
var Version = ""

// String returns the resolved version string.
func String() string {
	if Version != "" {
		return Version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "unknown"
}
