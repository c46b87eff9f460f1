// Package buildinfo holds version metadata stamped at compile time via
// -ldflags "-X github.com/nugget/pacer/internal/buildinfo.Version=...".
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var startTime = time.Now()

// Info returns build and runtime details for the version endpoint.
func Info() map[string]string {
	return map[string]string{
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the time since process start, truncated to seconds.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// UserAgent is the User-Agent header sent on every outbound request.
// The activity API asks integrations to identify themselves.
func UserAgent() string {
	return "Pacer/" + Version
}

// String returns a one-line summary for the startup log.
func String() string {
	return fmt.Sprintf("pacer %s (%s) built %s", Version, GitCommit, BuildTime)
}
