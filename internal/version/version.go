// Package version holds the build version, set via -ldflags at release time.
package version

// Version is overridden with -ldflags "-X github.com/snakemake/snakeface/internal/version.Version=..."
var Version = "dev"
