// Package consts houses build-time constants.
package consts

// Version contains the current semantic version of runstage.
const Version = "0.2.0"

// FullVersion returns the version reported to users.
func FullVersion() string {
	return Version
}
