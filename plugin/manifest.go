// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package plugin implements the Plugin Manager and the Lifecycle State
// Manager: manifest validation, semver dependency resolution,
// capability checking, install/update/uninstall of packaged plugins, and
// the per-plugin state machine that serializes lifecycle transitions.
package plugin

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
)

var nameRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Author identifies a manifest's author.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	URL   string `json:"url,omitempty"`
	Org   string `json:"org,omitempty"`
}

// Dependency is one entry of a manifest's dependency list.
type Dependency struct {
	Name     string `json:"name"`
	Range    string `json:"range"`
	Optional bool   `json:"optional,omitempty"`
}

// ExtensionPointDecl describes an extension point a plugin provides or
// consumes.
type ExtensionPointDecl struct {
	ID      string `json:"id"`
	Version string `json:"version"`
}

// Manifest is the immutable document describing a plugin.
// JSON is the manifest's only wire format; config documents additionally
// accept YAML, but a manifest does not.
type Manifest struct {
	Name            string               `json:"name"`
	DisplayName     string               `json:"display_name,omitempty"`
	Version         string               `json:"version"`
	Description     string               `json:"description"`
	Author          Author               `json:"author"`
	License         string               `json:"license,omitempty"`
	Homepage        string               `json:"homepage,omitempty"`
	Tags            []string             `json:"tags,omitempty"`
	Capabilities    []Capability         `json:"capabilities,omitempty"`
	Dependencies    []Dependency         `json:"dependencies,omitempty"`
	MinCoreVersion  string               `json:"min_core_version"`
	MaxCoreVersion  string               `json:"max_core_version,omitempty"`
	EntryPoint      string               `json:"entry_point"`
	ExtensionPoints []ExtensionPointDecl `json:"extension_points,omitempty"`
	ExtensionUses   []ExtensionPointDecl `json:"extension_uses,omitempty"`
	LifecycleHooks  map[string]string    `json:"lifecycle_hooks,omitempty"`
	ConfigSchema    json.RawMessage      `json:"config_schema,omitempty"`
	Signature       string               `json:"signature,omitempty"`
}

// ManifestError wraps a manifest parse or validation failure.
type ManifestError struct {
	Field string
	Msg   string
}

func (e *ManifestError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("plugin: manifest %s: %s", e.Field, e.Msg)
	}
	return fmt.Sprintf("plugin: manifest: %s", e.Msg)
}

// ParseManifest decodes and validates a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, &ManifestError{Msg: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the required fields and closed enumerations.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return &ManifestError{Field: "name", Msg: "required"}
	}
	if !nameRe.MatchString(m.Name) {
		return &ManifestError{Field: "name", Msg: "must match [a-z0-9_-]+"}
	}
	if m.Version == "" {
		return &ManifestError{Field: "version", Msg: "required"}
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return &ManifestError{Field: "version", Msg: "must be valid semver: " + err.Error()}
	}
	if m.Description == "" {
		return &ManifestError{Field: "description", Msg: "required"}
	}
	if m.Author.Name == "" {
		return &ManifestError{Field: "author.name", Msg: "required"}
	}
	if m.EntryPoint == "" {
		return &ManifestError{Field: "entry_point", Msg: "required"}
	}
	if m.MinCoreVersion == "" {
		return &ManifestError{Field: "min_core_version", Msg: "required"}
	}
	if _, err := semver.NewVersion(m.MinCoreVersion); err != nil {
		return &ManifestError{Field: "min_core_version", Msg: "must be valid semver: " + err.Error()}
	}
	if m.MaxCoreVersion != "" {
		if _, err := semver.NewVersion(m.MaxCoreVersion); err != nil {
			return &ManifestError{Field: "max_core_version", Msg: "must be valid semver: " + err.Error()}
		}
	}
	for _, c := range m.Capabilities {
		if !IsKnownCapability(c) {
			return &ManifestError{Field: "capabilities", Msg: fmt.Sprintf("unknown capability %q", c)}
		}
	}
	for _, d := range m.Dependencies {
		if d.Name == "" {
			return &ManifestError{Field: "dependencies", Msg: "entry missing name"}
		}
		if _, err := ParseVersionRange(d.Range); err != nil {
			return &ManifestError{Field: "dependencies", Msg: err.Error()}
		}
	}
	return nil
}

// CompatibleWithCore reports whether coreVersion satisfies the manifest's
// declared [min_core_version, max_core_version] band.
func (m *Manifest) CompatibleWithCore(coreVersion string) (bool, error) {
	core, err := semver.NewVersion(coreVersion)
	if err != nil {
		return false, fmt.Errorf("plugin: invalid core version %q: %w", coreVersion, err)
	}
	min, err := semver.NewVersion(m.MinCoreVersion)
	if err != nil {
		return false, err
	}
	if core.LessThan(min) {
		return false, nil
	}
	if m.MaxCoreVersion != "" {
		max, err := semver.NewVersion(m.MaxCoreVersion)
		if err != nil {
			return false, err
		}
		if core.GreaterThan(max) {
			return false, nil
		}
	}
	return true, nil
}

// CapabilitySet returns the manifest's declared capabilities as a CapabilitySet.
func (m *Manifest) CapabilitySet() CapabilitySet {
	return NewCapabilitySet(m.Capabilities)
}
