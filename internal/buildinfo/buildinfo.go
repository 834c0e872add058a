// Package buildinfo reports the version Parley was built as. The values
// are stamped by the linker:
//
//	go build -ldflags "-X github.com/parleyhq/parley/internal/buildinfo.Version=v0.3.0"
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	GitBranch = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Details is the payload of GET /v1/version and `parley version`.
type Details struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	GitBranch string `json:"git_branch"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
	Uptime    string `json:"uptime"`
}

// Info returns the build details and the process uptime.
func Info() Details {
	return Details{
		Version:   Version,
		GitCommit: GitCommit,
		GitBranch: GitBranch,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Uptime:    time.Since(started).Truncate(time.Second).String(),
	}
}

// String is the one-line form logged at startup.
func String() string {
	return fmt.Sprintf("Parley %s (%s@%s) built %s", Version, GitCommit, GitBranch, BuildTime)
}

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string {
	return "Parley/" + Version + " (+https://github.com/parleyhq/parley)"
}
