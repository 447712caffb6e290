// Package version contains build version information.
package version

// Build metadata, set at build time via -ldflags "-X".
var (
	Version   = "0.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Info is the build metadata reported by /version.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Get returns the build metadata of the running binary.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
	}
}
