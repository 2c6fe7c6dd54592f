// Package version exposes the build identity stamped into responses,
// snapshots, and logs.
package version

import "runtime/debug"

// Version is the release tag, overridable at link time with
// -ldflags "-X github.com/pulselabs/pulse/version.Version=v1.2.3".
var Version = "dev"

// GoVersion reports the toolchain the binary was built with.
func GoVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.GoVersion
	}
	return "unknown"
}
