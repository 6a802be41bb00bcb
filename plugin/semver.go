// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package plugin

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// VersionRange is a parsed dependency version constraint.
type VersionRange struct {
	raw        string
	constraint *semver.Constraints
}

// ParseVersionRange parses a dependency constraint: one of the comparison
// operators, `^` (same major), `~` (same minor), or a bare version treated
// as exact match. Masterminds/semver's constraint syntax implements all of
// these directly, so the only normalization needed is turning a bare
// version into an explicit `=`.
func ParseVersionRange(raw string) (*VersionRange, error) {
	expr := strings.TrimSpace(raw)
	if expr == "" {
		return nil, fmt.Errorf("plugin: empty version range")
	}
	if isBareVersion(expr) {
		expr = "=" + expr
	}
	c, err := semver.NewConstraint(expr)
	if err != nil {
		return nil, fmt.Errorf("plugin: invalid version range %q: %w", raw, err)
	}
	return &VersionRange{raw: raw, constraint: c}, nil
}

func isBareVersion(s string) bool {
	switch s[0] {
	case '=', '>', '<', '^', '~':
		return false
	default:
		return true
	}
}

// Satisfies reports whether version satisfies the range.
func (r *VersionRange) Satisfies(version string) (bool, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return false, fmt.Errorf("plugin: invalid version %q: %w", version, err)
	}
	return r.constraint.Check(v), nil
}

func (r *VersionRange) String() string { return r.raw }

// CompareVersions orders two semver strings, returning -1, 0 or 1; it
// returns an error, and never panics, when either string is malformed.
func CompareVersions(a, b string) (int, error) {
	va, err := semver.NewVersion(a)
	if err != nil {
		return 0, err
	}
	vb, err := semver.NewVersion(b)
	if err != nil {
		return 0, err
	}
	return va.Compare(vb), nil
}
