// Package version carries build information stamped with -ldflags.
package version

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Satisfies reports whether the running build meets constraint, for
// example ">= 1.2, < 2". Builds without a semantic version (such as "dev")
// satisfy every constraint. An empty constraint always passes.
func Satisfies(constraint string) (bool, error) {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" {
		return true, nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("parse constraint %q: %w", constraint, err)
	}
	v, err := semver.NewVersion(strings.TrimPrefix(strings.TrimSpace(Version), "v"))
	if err != nil {
		return true, nil
	}
	return c.Check(v), nil
}
