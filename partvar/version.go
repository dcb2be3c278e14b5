// Package partvar provides the version number of a partpull build.
package partvar

import (
	"runtime/debug"
)

// Version is the module version of the build, or the vcs revision for
// development builds, with "+modifications" if the working tree was dirty.
var Version = "(devel)"

func init() {
	if bi, ok := debug.ReadBuildInfo(); ok {
		Version = buildVersion(bi)
	}
}

func buildVersion(bi *debug.BuildInfo) string {
	if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		return bi.Main.Version
	}
	settings := map[string]string{}
	for _, s := range bi.Settings {
		settings[s.Key] = s.Value
	}
	rev := settings["vcs.revision"]
	if rev == "" {
		return "(devel)"
	}
	switch settings["vcs.modified"] {
	case "false":
		return rev
	case "true":
		return rev + "+modifications"
	default:
		return rev + "+unknown"
	}
}
