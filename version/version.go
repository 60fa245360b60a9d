// Package version resolves the version of microbus from the build info.
package version

import (
	"runtime/debug"
)

const modulePath = "github.com/curtisnewbie/microbus"

var (
	Version = "v0.0.0-dev"
)

func init() {
	if ver := readBuildVersion(); ver != "" {
		Version = ver
	}
}

// Version of microbus in build info, it's either the main module or a dependency.
func readBuildVersion() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	if buildInfo.Main.Path == modulePath && buildInfo.Main.Version != "(devel)" {
		return buildInfo.Main.Version
	}
	for _, dep := range buildInfo.Deps {
		if dep.Path == modulePath {
			return dep.Version
		}
	}
	return ""
}
