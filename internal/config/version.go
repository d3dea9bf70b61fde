package config

import "fmt"

// CurrentVersion is the config file format this build reads. Files must
// declare it as `version: 1`; environment-only setups need no version.
const CurrentVersion = 1

// Reasons reported by VersionError.
const (
	VersionMissing = "missing"
	VersionNewer   = "newer than this build"
)

// VersionError reports a config file whose version this build cannot read.
type VersionError struct {
	Version int
	Current int
	Reason  string
}

func (e *VersionError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Reason {
	case VersionNewer:
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade collmbo to continue", e.Version, e.Current)
	case "":
		return fmt.Sprintf("config version %d is unsupported (current: %d)", e.Version, e.Current)
	default:
		return fmt.Sprintf("config version %d is %s; set `version: %d` in the config file", e.Version, e.Reason, e.Current)
	}
}

// ValidateVersion checks the version declared by a config file.
func ValidateVersion(version int) error {
	switch {
	case version <= 0:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: VersionMissing}
	case version > CurrentVersion:
		return &VersionError{Version: version, Current: CurrentVersion, Reason: VersionNewer}
	}
	return nil
}
