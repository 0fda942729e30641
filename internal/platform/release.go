package platform

import (
	"fmt"
	"strings"

	"github.com/ctagard/addin-debug/internal/version"
)

// ParseOSRelease splits a release string such as "10.0.19045" or
// "6.8.0-45-generic" into its first three numeric components. Each component
// contributes its leading digits; missing components are zero.
func ParseOSRelease(release string) (OSVersion, error) {
	parts := strings.Split(strings.TrimSpace(release), ".")
	var nums [3]int
	for i := 0; i < len(parts) && i < 3; i++ {
		n, ok := version.LeadingInt(parts[i])
		if !ok {
			if i == 0 {
				return OSVersion{}, fmt.Errorf("unrecognized OS release %q", release)
			}
			break
		}
		nums[i] = n
	}
	return OSVersion{Major: nums[0], Minor: nums[1], Build: nums[2]}, nil
}
