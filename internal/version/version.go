package version

var (
	// Version is the release version, set with -ldflags at build time.
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// String formats the build identity for logs and the health endpoint.
func String() string {
	return Version + " (" + GitSHA + ", built " + BuildTime + ")"
}
