package version

import "fmt"

// Version, GitCommit, and BuildDate are set at build time via ldflags:
//
//	go build -ldflags "-X github.com/infuse-iot/gateway/pkg/version.Version=v1.0.0 \
//	  -X github.com/infuse-iot/gateway/pkg/version.GitCommit=abc1234 \
//	  -X github.com/infuse-iot/gateway/pkg/version.BuildDate=2026-08-01"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info returns a single-line version summary for --version output.
func Info() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate)
}
