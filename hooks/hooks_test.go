// Copyright 2023 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package hooks

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunInvokesRegisteredHook(t *testing.T) {
	r := NewRegistry()
	var got Context
	r.Register("sample/onInstall", func(ctx Context) error {
		got = ctx
		return nil
	})

	err := r.Run(PostInstall, "sample/onInstall", Context{PluginID: "sample", NewVersion: "1.0.0"})
	require.NoError(t, err)
	require.Equal(t, "sample", got.PluginID)
	require.Equal(t, "1.0.0", got.NewVersion)
}

func TestRunEmptyRefIsNoOp(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Run(PreInstall, "", Context{}))
}

func TestRunUnregisteredRefFails(t *testing.T) {
	r := NewRegistry()
	err := r.Run(PreInstall, "sample/missing", Context{PluginID: "sample"})
	var hookErr *LifecycleHookError
	require.ErrorAs(t, err, &hookErr)
	require.Equal(t, PreInstall, hookErr.Hook)
}

func TestRunWrapsHookError(t *testing.T) {
	r := NewRegistry()
	cause := errors.New("disk full")
	r.Register("sample/fail", func(Context) error { return cause })

	err := r.Run(PreUpdate, "sample/fail", Context{PluginID: "sample"})
	var hookErr *LifecycleHookError
	require.ErrorAs(t, err, &hookErr)
	require.ErrorIs(t, err, cause)
}

func TestRunNormalizesPanic(t *testing.T) {
	r := NewRegistry()
	r.Register("sample/panic", func(Context) error { panic("boom") })

	err := r.Run(PostEnable, "sample/panic", Context{PluginID: "sample"})
	var hookErr *LifecycleHookError
	require.ErrorAs(t, err, &hookErr)
	require.Contains(t, err.Error(), "panic")
}

func TestIsPre(t *testing.T) {
	require.True(t, PreInstall.IsPre())
	require.True(t, PreDisable.IsPre())
	require.False(t, PostInstall.IsPre())
	require.False(t, PostUpdate.IsPre())
}
