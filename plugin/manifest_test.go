// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package plugin

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func validManifestJSON() string {
	return `{
		"name": "sample",
		"version": "1.0.0",
		"description": "a sample plugin",
		"author": {"name": "Dev"},
		"entry_point": "sample.main",
		"min_core_version": "0.1.0",
		"capabilities": ["config.read", "event.publish"],
		"dependencies": [{"name": "other", "range": ">=1.0.0"}]
	}`
}

func TestParseManifestValid(t *testing.T) {
	m, err := ParseManifest([]byte(validManifestJSON()))
	require.NoError(t, err)
	require.Equal(t, "sample", m.Name)
	require.Equal(t, "1.0.0", m.Version)
	require.True(t, m.CapabilitySet().Has(CapConfigRead))
	require.False(t, m.CapabilitySet().Has(CapSystemExec))
}

func TestParseManifestRequiredFields(t *testing.T) {
	cases := []struct {
		name  string
		strip string
		field string
	}{
		{"missing name", "name", "name"},
		{"missing version", "version", "version"},
		{"missing description", "description", "description"},
		{"missing entry point", "entry_point", "entry_point"},
		{"missing min core version", "min_core_version", "min_core_version"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var doc map[string]interface{}
			require.NoError(t, json.Unmarshal([]byte(validManifestJSON()), &doc))
			delete(doc, tc.strip)
			raw, err := json.Marshal(doc)
			require.NoError(t, err)

			_, err = ParseManifest(raw)
			var merr *ManifestError
			require.ErrorAs(t, err, &merr)
			require.Equal(t, tc.field, merr.Field)
		})
	}
}

func TestParseManifestRejectsBadName(t *testing.T) {
	raw := []byte(`{
		"name": "Not Valid!",
		"version": "1.0.0",
		"description": "x",
		"author": {"name": "Dev"},
		"entry_point": "x",
		"min_core_version": "0.1.0"
	}`)
	_, err := ParseManifest(raw)
	var merr *ManifestError
	require.ErrorAs(t, err, &merr)
	require.Equal(t, "name", merr.Field)
}

func TestParseManifestRejectsUnknownCapability(t *testing.T) {
	raw := []byte(`{
		"name": "sample",
		"version": "1.0.0",
		"description": "x",
		"author": {"name": "Dev"},
		"entry_point": "x",
		"min_core_version": "0.1.0",
		"capabilities": ["root.everything"]
	}`)
	_, err := ParseManifest(raw)
	var merr *ManifestError
	require.ErrorAs(t, err, &merr)
	require.Equal(t, "capabilities", merr.Field)
}

func TestManifestRoundTrip(t *testing.T) {
	m, err := ParseManifest([]byte(validManifestJSON()))
	require.NoError(t, err)

	raw, err := json.Marshal(m)
	require.NoError(t, err)
	back, err := ParseManifest(raw)
	require.NoError(t, err)
	require.Equal(t, m, back)
}

func TestCompatibleWithCore(t *testing.T) {
	m := &Manifest{
		Name: "sample", Version: "1.0.0", Description: "x",
		Author: Author{Name: "Dev"}, EntryPoint: "x",
		MinCoreVersion: "0.5.0", MaxCoreVersion: "1.0.0",
	}
	for _, tc := range []struct {
		core string
		want bool
	}{
		{"0.4.9", false},
		{"0.5.0", true},
		{"0.9.0", true},
		{"1.0.0", true},
		{"1.0.1", false},
	} {
		got, err := m.CompatibleWithCore(tc.core)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "core %s", tc.core)
	}
}
