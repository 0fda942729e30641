// Package version provides version information and version-string parsing.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// Version is the current version of addin-debug
	Version = "0.3.0"

	// ProjectName identifies this tool in telemetry and MCP handshakes
	ProjectName = "addin-debug"
)

// Semver is a parsed major.minor.patch triple.
type Semver struct {
	Major int
	Minor int
	Patch int
}

func (v Semver) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ParseSemver parses strings like "v18.19.0", "10.0.18362" or "1.2.3-beta".
// Missing components are zero. The major component is required.
func ParseSemver(s string) (Semver, error) {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "v"))
	parts := strings.Split(s, ".")

	var nums [3]int
	for i := 0; i < len(parts) && i < 3; i++ {
		n, ok := LeadingInt(parts[i])
		if !ok {
			if i == 0 {
				return Semver{}, fmt.Errorf("invalid version %q", s)
			}
			break
		}
		nums[i] = n
	}
	return Semver{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// LeadingInt parses the decimal digits at the start of s, so "44-generic" yields 44.
func LeadingInt(s string) (int, bool) {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// Compare returns -1 if a < b, 0 if equal, 1 if a > b.
func Compare(a, b Semver) int {
	for _, d := range [...]int{a.Major - b.Major, a.Minor - b.Minor, a.Patch - b.Patch} {
		if d < 0 {
			return -1
		}
		if d > 0 {
			return 1
		}
	}
	return 0
}
