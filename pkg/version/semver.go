package version

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Release is a server release number as reported by a store's info command,
// such as "7.2.4", "7.2" or "8.0.0-rc1".
type Release struct {
	Major int
	Minor int
	Patch int
	// PreRelease is the text after '-', empty for final releases.
	PreRelease string
}

// Parse reads a release number. A leading "v" and build metadata after '+'
// are ignored; a missing patch component reads as zero.
func Parse(raw string) (Release, error) {
	s := strings.TrimPrefix(strings.TrimSpace(raw), "v")
	if s == "" {
		return Release{}, errors.New("version cannot be empty")
	}
	s, _, _ = strings.Cut(s, "+")
	s, pre, hasPre := strings.Cut(s, "-")
	if hasPre && pre == "" {
		return Release{}, fmt.Errorf("invalid version %q: empty pre-release", raw)
	}

	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return Release{}, fmt.Errorf("invalid version %q", raw)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || p[0] == '+' {
			return Release{}, fmt.Errorf("invalid version %q", raw)
		}
		nums[i] = n
	}
	return Release{Major: nums[0], Minor: nums[1], Patch: nums[2], PreRelease: pre}, nil
}

// MustParse is Parse for package-level minimums; it panics on error.
func MustParse(raw string) Release {
	r, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return r
}

func (r Release) String() string {
	s := fmt.Sprintf("%d.%d.%d", r.Major, r.Minor, r.Patch)
	if r.PreRelease != "" {
		s += "-" + r.PreRelease
	}
	return s
}

// Compare returns -1, 0 or 1. A pre-release sorts before its final release.
func (r Release) Compare(other Release) int {
	for _, d := range [...]int{r.Major - other.Major, r.Minor - other.Minor, r.Patch - other.Patch} {
		if d != 0 {
			return sign(d)
		}
	}
	switch {
	case r.PreRelease == other.PreRelease:
		return 0
	case r.PreRelease == "":
		return 1
	case other.PreRelease == "":
		return -1
	}
	return strings.Compare(r.PreRelease, other.PreRelease)
}

// AtLeast reports whether the release raw is not older than min.
func AtLeast(raw string, min Release) (bool, error) {
	r, err := Parse(raw)
	if err != nil {
		return false, err
	}
	return r.Compare(min) >= 0, nil
}

func sign(d int) int {
	if d < 0 {
		return -1
	}
	return 1
}
