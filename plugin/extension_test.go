// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package plugin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtensionDeclareAndRegister(t *testing.T) {
	r := NewExtensionRegistry()
	require.NoError(t, r.Declare("provider", "ui.menu", "1.2.0"))

	impl := struct{ label string }{"entry"}
	require.NoError(t, r.Register("consumer", "ui.menu", "^1.0.0", impl))

	impls := r.Implementations("ui.menu")
	require.Len(t, impls, 1)
	require.Equal(t, impl, impls["consumer"])
}

func TestExtensionRegisterUnknownPoint(t *testing.T) {
	r := NewExtensionRegistry()
	err := r.Register("consumer", "no.such.point", "", nil)
	var missing *MissingDependency
	require.ErrorAs(t, err, &missing)
}

func TestExtensionVersionMismatch(t *testing.T) {
	r := NewExtensionRegistry()
	require.NoError(t, r.Declare("provider", "ui.menu", "2.0.0"))

	err := r.Register("consumer", "ui.menu", "^1.0.0", nil)
	var incompatible *IncompatibleVersion
	require.ErrorAs(t, err, &incompatible)
	require.Equal(t, "2.0.0", incompatible.Got)
}

func TestExtensionDeclareConflict(t *testing.T) {
	r := NewExtensionRegistry()
	require.NoError(t, r.Declare("provider", "ui.menu", "1.0.0"))
	require.Error(t, r.Declare("other", "ui.menu", "1.0.0"))
	// The owning provider may redeclare, e.g. on reload.
	require.NoError(t, r.Declare("provider", "ui.menu", "1.1.0"))
}

func TestExtensionRemovePlugin(t *testing.T) {
	r := NewExtensionRegistry()
	require.NoError(t, r.Declare("provider", "ui.menu", "1.0.0"))
	require.NoError(t, r.Declare("other", "db.view", "1.0.0"))
	require.NoError(t, r.Register("provider", "db.view", "", "impl"))
	require.NoError(t, r.Register("consumer", "ui.menu", "", "impl"))

	r.RemovePlugin("provider")
	require.Equal(t, []string{"db.view"}, r.Points())
	require.Empty(t, r.Implementations("ui.menu"))
	require.Empty(t, r.Implementations("db.view"))
}
