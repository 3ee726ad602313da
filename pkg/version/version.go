// Package version carries the build metadata the Makefile stamps in with
// -ldflags "-X github.com/netconsole/netconsole/pkg/version.Version=...".
package version

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// IsDev reports whether the binary was built without version stamping.
func IsDev() bool { return Version == "dev" }

// Info is the line printed by "netconsole version".
func Info() string {
	if IsDev() {
		return "dev build (use 'make build' for version info)"
	}
	return Version + " (" + GitCommit + ", built " + BuildDate + ")"
}

// UserAgent is sent as the Server header of API responses.
func UserAgent() string {
	return "netconsole/" + Version
}
