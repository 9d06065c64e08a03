package version

var (
	// Version is the version of the truenas-incus modules (overridden via -ldflags)
	Version = "dev"
	// GitSHA is the git commit SHA (overridden via -ldflags)
	GitSHA = "unknown"
)

// String returns a formatted version string
func String() string {
	return Version + " (" + GitSHA + ")"
}

// UserAgent returns the User-Agent sent with every API request
func UserAgent() string {
	return "truenas-incus/" + Version
}
