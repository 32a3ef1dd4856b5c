package version

// Version represents the current version of Tavern
const Version = "0.4.0"

// BuildVersion returns the version string for display
func BuildVersion() string {
	return "tavern version " + Version
}

// APIVersion returns just the version number for API responses and
// APP_INFO frames
func APIVersion() string {
	return Version
}
