package version

import "runtime"

// Populated at build time via -ldflags.
var (
	Version   = "dev"
	Commit    = "none"
	GoVersion = runtime.Version()
)
