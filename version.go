package firewatch

import "fmt"

// Version component constants for the current build.
const (
	VersionMajor         = 0
	VersionMinor         = 3
	VersionPatch         = 0
	VersionReleaseLevel  = "beta"
	VersionReleaseNumber = 2
)

// Version returns the semantic version for the current build.
func Version() string {
	versionCore := fmt.Sprintf("%d.%d.%d", VersionMajor, VersionMinor, VersionPatch)

	if VersionReleaseLevel != "" {
		if VersionReleaseNumber > 0 {
			versionCore = fmt.Sprintf("%s-%s.%d", versionCore, VersionReleaseLevel, VersionReleaseNumber)
		} else {
			versionCore = fmt.Sprintf("%s-%s", versionCore, VersionReleaseLevel)
		}
	}

	return versionCore
}

// xGoogAPIClient returns the value of the x-goog-api-client header attached
// to every RPC. The token layout is fixed by the backend's client accounting;
// only the SDK version slot is filled in.
func xGoogAPIClient() string {
	return fmt.Sprintf("gl-objc/ fire/%s grpc/", Version())
}
