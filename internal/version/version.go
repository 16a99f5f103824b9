// File: internal/version/version.go
// Brief: Build metadata stamped via -ldflags, shared by the CLI and the AWS user agent.

package version

import (
	"fmt"
	"runtime"
	"strings"
)

// Overridden at release time with -X github.com/example/stackctl/internal/version.<name>=<value>.
var (
	Version      = "dev"
	GitCommit    = "unknown"
	GitTreeState = "unknown" // clean|dirty|unknown
	BuildDate    = "unknown" // RFC3339 UTC
)

type Info struct {
	Version      string
	GitCommit    string
	GitTreeState string
	BuildDate    string
	GoVersion    string
	Platform     string
}

func Get() Info {
	return Info{
		Version:      Version,
		GitCommit:    GitCommit,
		GitTreeState: GitTreeState,
		BuildDate:    BuildDate,
		GoVersion:    runtime.Version(),
		Platform:     fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String renders the long form shown by `stackctl version`. Fields left
// at their defaults by a non-release build are omitted.
func (i Info) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Client Version: %s\n", i.Version)
	if i.GitCommit != "" && i.GitCommit != "unknown" {
		fmt.Fprintf(&b, "GitCommit: %s\n", i.GitCommit)
	}
	if i.GitTreeState != "" && i.GitTreeState != "unknown" {
		fmt.Fprintf(&b, "GitTreeState: %s\n", i.GitTreeState)
	}
	if i.BuildDate != "" && i.BuildDate != "unknown" {
		fmt.Fprintf(&b, "BuildDate: %s\n", i.BuildDate)
	}
	fmt.Fprintf(&b, "GoVersion: %s\n", i.GoVersion)
	fmt.Fprintf(&b, "Platform: %s\n", i.Platform)
	return b.String()
}

// UserAgent is the app identifier attached to AWS API calls so
// CloudTrail and support cases can attribute traffic to stackctl.
func UserAgent() string {
	return "stackctl/" + Version
}
