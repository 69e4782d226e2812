package buildinfo

import (
	"fmt"
	"log"
	"runtime"
)

// Set at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
	BuiltAt = "unknown"
)

// String returns a single-line build summary including the Go runtime.
func String() string {
	return fmt.Sprintf("version=%s commit=%s built_at=%s go=%s",
		Version, shortCommit(), BuiltAt, runtime.Version())
}

// Log writes the build summary tagged with the service name.
func Log(service string) {
	log.Printf("%s %s", service, String())
}

// shortCommit truncates a full SHA to the usual short form.
func shortCommit() string {
	if len(Commit) > 12 {
		return Commit[:12]
	}
	return Commit
}
