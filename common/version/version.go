package version

import (
	"github.com/blang/semver"
)

var CURRENT_VERSION = semver.MustParse("1.2.0")

//	Peers with a different major version speak an incompatible envelope layout.
func Compatible(peer semver.Version) bool {
	return peer.Major == CURRENT_VERSION.Major
}

func Parse(s string) (v semver.Version, err error) {
	v, err = semver.Make(s)
	return
}
