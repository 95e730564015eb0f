// Package buildinfo carries the values stamped into the binary at build
// time:
//
//	go build -ldflags "-X github.com/terrpan/gpurun/internal/buildinfo.Version=v0.3.0 \
//	  -X github.com/terrpan/gpurun/internal/buildinfo.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/terrpan/gpurun/internal/buildinfo.BuildTime=$(date -u +%FT%TZ)"
//
// The same binary runs on the operator machine and inside every run VM,
// so the version is also what ties a ledger record to the executor that
// wrote it.
package buildinfo

import "fmt"

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// String is the human readable form used by --version.
func String() string {
	return fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime)
}

// UserAgent identifies outbound HTTP requests (webhooks).
func UserAgent() string {
	return "gpurun/" + Version
}
