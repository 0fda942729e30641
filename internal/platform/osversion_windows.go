//go:build windows

package platform

import (
	"golang.org/x/sys/windows"
)

// hostOSVersion asks the kernel directly; GetVersionEx lies to unmanifested binaries.
func hostOSVersion() (OSVersion, error) {
	info := windows.RtlGetVersion()
	return OSVersion{
		Major: int(info.MajorVersion),
		Minor: int(info.MinorVersion),
		Build: int(info.BuildNumber),
	}, nil
}
