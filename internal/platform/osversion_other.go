//go:build !unix && !windows

package platform

import (
	"fmt"
	"runtime"
)

func hostOSVersion() (OSVersion, error) {
	return OSVersion{}, fmt.Errorf("OS version detection is not available on %s", runtime.GOOS)
}
