// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package plugin

// Capability is a named permission drawn from a closed enumeration. A
// plugin declares the subset it needs in its manifest; the platform checks
// capabilities at the API surface, never inside plugin code.
type Capability string

// Risk classifies how much trust granting a Capability requires.
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

const (
	CapConfigRead        Capability = "config.read"
	CapConfigWrite       Capability = "config.write"
	CapUIExtend          Capability = "ui.extend"
	CapEventSubscribe    Capability = "event.subscribe"
	CapEventPublish      Capability = "event.publish"
	CapFileRead          Capability = "file.read"
	CapFileWrite         Capability = "file.write"
	CapNetworkConnect    Capability = "network.connect"
	CapDatabaseRead      Capability = "database.read"
	CapDatabaseWrite     Capability = "database.write"
	CapSystemExec        Capability = "system.exec"
	CapSystemMonitor     Capability = "system.monitor"
	CapPluginCommunicate Capability = "plugin.communicate"
)

// capabilityRisk is the closed capability set. A capability absent from
// this map is not a capability the platform recognizes.
var capabilityRisk = map[Capability]Risk{
	CapConfigRead:        RiskLow,
	CapConfigWrite:       RiskMedium,
	CapUIExtend:          RiskLow,
	CapEventSubscribe:    RiskLow,
	CapEventPublish:      RiskLow,
	CapFileRead:          RiskLow,
	CapFileWrite:         RiskHigh,
	CapNetworkConnect:    RiskMedium,
	CapDatabaseRead:      RiskMedium,
	CapDatabaseWrite:     RiskHigh,
	CapSystemExec:        RiskHigh,
	CapSystemMonitor:     RiskLow,
	CapPluginCommunicate: RiskLow,
}

// IsKnownCapability reports whether c belongs to the closed enumeration.
func IsKnownCapability(c Capability) bool {
	_, ok := capabilityRisk[c]
	return ok
}

// RiskOf returns the risk level of a known capability, or "" if c is not
// recognized.
func RiskOf(c Capability) Risk {
	return capabilityRisk[c]
}

// CapabilitySet is the set of capabilities a plugin was granted (from its
// manifest, intersected with whatever the host/operator allows).
type CapabilitySet map[Capability]bool

// NewCapabilitySet builds a set from a manifest's declared capability list.
func NewCapabilitySet(caps []Capability) CapabilitySet {
	s := make(CapabilitySet, len(caps))
	for _, c := range caps {
		s[c] = true
	}
	return s
}

// Has reports whether the set grants c.
func (s CapabilitySet) Has(c Capability) bool {
	return s[c]
}

// PermissionDenied is returned by any core API call a plugin makes without
// the required capability.
type PermissionDenied struct {
	PluginID   string
	Capability Capability
}

func (e *PermissionDenied) Error() string {
	return "plugin: " + e.PluginID + " lacks capability " + string(e.Capability)
}

// RequireCapability checks pluginID's grant and returns *PermissionDenied
// if it lacks c. Call sites in the platform's API surface (config, event
// bus, database, etc. facades) gate every plugin-originated call through
// this before taking any action, so a denial never has a side effect.
func RequireCapability(granted CapabilitySet, pluginID string, c Capability) error {
	if granted.Has(c) {
		return nil
	}
	return &PermissionDenied{PluginID: pluginID, Capability: c}
}
