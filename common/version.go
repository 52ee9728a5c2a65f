package common

import (
	"fmt"
)

// Must be manually updated!
// Before releasing: Verify the version number and set Prerelease to ""
// After releasing: Increase the Patch number and set Prerelease to "-pre"
var version = Version{
	Major:      4,
	Minor:      0,
	Patch:      0,
	Prerelease: "-pre",
}

// Set via -ldflags. Example:
//
//	go install -ldflags "-X common.BUILDDATE=`date -u +%d/%m/%Y@%H:%M:%S` -X common.COMMIT=`git rev-parse HEAD`
var (
	COMMIT    = ""
	BUILDDATE = ""
)

// GetAppVersion returns the version of the running node.
func GetAppVersion() Version {
	return version
}

type Version struct {
	Major      uint32
	Minor      uint32
	Patch      uint32
	Prerelease string
}

// IsCompatible reports whether a peer running verRcv speaks the same sync
// surface. An unset version is accepted.
func (v Version) IsCompatible(verRcv Version) bool {
	if verRcv.Major == 0 && verRcv.Minor == 0 && verRcv.Patch == 0 {
		return true
	}
	return v.Major == verRcv.Major
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d%s", v.Major, v.Minor, v.Patch, v.Prerelease)
}

// ParseVersion reads a "major.minor.patch[-pre]" string as returned by String.
func ParseVersion(s string) (Version, error) {
	var v Version
	var rest string
	n, err := fmt.Sscanf(s, "%d.%d.%d%s", &v.Major, &v.Minor, &v.Patch, &rest)
	if err != nil && n < 3 {
		return Version{}, fmt.Errorf("invalid version %q: %w", s, err)
	}
	v.Prerelease = rest
	return v, nil
}
