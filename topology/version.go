// Package topology holds the cluster-state types consumed by the near cache:
// the affinity topology version used as the version token of cached values and
// the key to partition affinity contract.
package topology

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is an affinity topology version. Major advances on every membership
// change (node join/leave/fail); Minor advances on affinity reassignments that
// happen without a membership change. The zero value orders before every
// version observed from a running cluster.
type Version struct {
	Major int64
	Minor int32
}

// Compare returns -1, 0 or +1 when v is older than, equal to or newer than o.
func (v Version) Compare(o Version) int {
	switch {
	case v.Major < o.Major:
		return -1
	case v.Major > o.Major:
		return 1
	case v.Minor < o.Minor:
		return -1
	case v.Minor > o.Minor:
		return 1
	default:
		return 0
	}
}

// Less reports whether v is strictly older than o.
func (v Version) Less(o Version) bool { return v.Compare(o) < 0 }

func (v Version) IsZero() bool { return v == Version{} }

func (v Version) String() string {
	return strconv.FormatInt(v.Major, 10) + "." + strconv.FormatInt(int64(v.Minor), 10)
}

// Max returns the newer of a and b.
func Max(a, b Version) Version {
	if a.Less(b) {
		return b
	}
	return a
}

// ParseVersion parses "major" or "major.minor".
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	majS, minS, hasMinor := strings.Cut(s, ".")
	maj, err := strconv.ParseInt(majS, 10, 64)
	if err != nil {
		return Version{}, fmt.Errorf("topology: parse major %q: %w", s, err)
	}
	if !hasMinor {
		return Version{Major: maj}, nil
	}
	mnr, err := strconv.ParseInt(minS, 10, 32)
	if err != nil {
		return Version{}, fmt.Errorf("topology: parse minor %q: %w", s, err)
	}
	return Version{Major: maj, Minor: int32(mnr)}, nil
}
