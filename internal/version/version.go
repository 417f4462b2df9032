package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set via ldflags at build time, e.g.
// -X github.com/kriansa/vaultctl/internal/version.Version=v1.0.0
//
// Values left unset are taken from the build info `go install` embeds.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// shortCommit is the number of revision characters shown
const shortCommit = 12

// Info describes the running binary
type Info struct {
	Version   string
	Commit    string
	BuildTime string
	GoVersion string
}

// Get returns the build information of the running binary
func Get() Info {
	i := Info{
		Version:   Version,
		Commit:    Commit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		i = i.fill(bi)
	}
	return i
}

// fill replaces the fields still at their defaults with values from bi
func (i Info) fill(bi *debug.BuildInfo) Info {
	if i.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		i.Version = bi.Main.Version
	}

	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if i.Commit == "unknown" {
				i.Commit = s.Value
				if len(i.Commit) > shortCommit {
					i.Commit = i.Commit[:shortCommit]
				}
			}
		case "vcs.time":
			if i.BuildTime == "unknown" {
				i.BuildTime = s.Value
			}
		}
	}
	return i
}

func (i Info) String() string {
	return fmt.Sprintf("%s (commit: %s, built: %s, go: %s)", i.Version, i.Commit, i.BuildTime, i.GoVersion)
}

// String returns the version line printed by --version
func String() string {
	return Get().String()
}
