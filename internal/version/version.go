// Package version holds build metadata injected with -ldflags, e.g.
//
//	go build -ldflags "-X coinwatch/internal/version.Version=v1.2.0"
package version

import "fmt"

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line description of the build.
func Info() string {
	return fmt.Sprintf("coinwatch %s (commit %s, built %s)", Version, Commit, Date)
}
