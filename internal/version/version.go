// Package version provides the semantic version of the dialogd server.
package version

import (
	"fmt"
	"strings"
)

// Version is the service version, bumped on release.
var Version = "0.4.2"

// DevVersion is the service version suffixed for development builds.
var DevVersion = fmt.Sprintf("%s-dev", Version)

func GetCurrentVersion(mode string) string {
	if mode == "prod" {
		return Version
	}
	return DevVersion
}

func GetMinorVersion(version string) string {
	versionList := strings.Split(version, ".")
	if len(versionList) < 3 {
		return ""
	}
	return versionList[0] + "." + versionList[1]
}
