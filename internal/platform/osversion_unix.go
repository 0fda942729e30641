//go:build unix

package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func hostOSVersion() (OSVersion, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return OSVersion{}, fmt.Errorf("uname failed: %w", err)
	}
	return ParseOSRelease(unix.ByteSliceToString(uts.Release[:]))
}
