package olm

const (
	versionMajor = 1
	versionMinor = 0
	versionPatch = 0
)

// Version reports the library version.
func Version() (major, minor, patch int) {
	return versionMajor, versionMinor, versionPatch
}
