package common

var (
	// Version is overridden at build time with -ldflags.
	Version = "dev"

	PackageName = "github.com/ruteri/seedguard"
)
