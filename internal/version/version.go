// Package version carries build-time identifying information:
// ldflags-assigned vars with sane zero-value fallbacks, not a
// build-time-generated file.
package version

import (
	"fmt"
	"runtime"
)

// Build information, overridden at link time via -ldflags.
var (
	CommitHash = "dev"
	BuildTime  = "unknown"
	Version    = "dev"
)

// Info is the structured form returned by Get, printed by the version
// command and, through its Version field, reported as the MCP server's
// version by serve.
type Info struct {
	CommitHash string `json:"commit_hash"`
	BuildTime  string `json:"build_time"`
	Version    string `json:"version"`
	GoVersion  string `json:"go_version"`
	Platform   string `json:"platform"`
}

func Get() Info {
	return Info{
		CommitHash: CommitHash,
		BuildTime:  BuildTime,
		Version:    Version,
		GoVersion:  runtime.Version(),
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String renders a human-readable version line for the CLI's version command.
func (i Info) String() string {
	if i.Version != "dev" {
		return fmt.Sprintf("qsys-bridge %s (commit %s, built %s)", i.Version, i.CommitHash, i.BuildTime)
	}
	return fmt.Sprintf("qsys-bridge dev (commit %s, built %s)", i.CommitHash, i.BuildTime)
}
