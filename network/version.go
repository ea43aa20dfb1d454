package network

import (
	"strconv"
	"strings"

	"github.com/lukluk/rendang/rerr"
)

// Version is the server version string HELLO's reply carries, split
// into its three numeric components (grounded on
// _examples/original_source/src/network/version.rs).
type Version struct {
	Major uint8
	Minor uint8
	Patch uint8
}

// ParseVersion parses a "major.minor.patch" string, the shape HELLO's
// reply "version" field always takes.
func ParseVersion(s string) (Version, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return Version{}, rerr.Client("cannot parse Redis server version %q", s)
	}
	nums := make([]uint8, 3)
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return Version{}, rerr.Client("cannot parse Redis server version %q: %v", s, err)
		}
		nums[i] = uint8(n)
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}
