// Package buildinfo holds build-time metadata injected with -ldflags.
package buildinfo

import "fmt"

// Set at build time:
//
//	go build -ldflags "-X github.com/tphakala/trafficsat/internal/buildinfo.Version=v1.2.0"
var (
	Version   = "dev"
	BuildDate = "unknown"
)

// Release returns the release identifier reported to error telemetry.
func Release() string {
	return "trafficsat@" + Version
}

// String returns a one line version banner.
func String() string {
	return fmt.Sprintf("trafficsat %s (built %s)", Version, BuildDate)
}
