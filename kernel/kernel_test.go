// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qorzen/qorzen-core/logging/loggingtest"
)

type fakeManager struct {
	name    string
	initErr error
	initSeq *[]string
	stopSeq *[]string
	health  Health
}

func (f *fakeManager) Name() string { return f.name }

func (f *fakeManager) Initialize(context.Context) error {
	if f.initErr != nil {
		return f.initErr
	}
	*f.initSeq = append(*f.initSeq, f.name)
	return nil
}

func (f *fakeManager) Shutdown(context.Context) error {
	*f.stopSeq = append(*f.stopSeq, f.name)
	return nil
}

func (f *fakeManager) Health() Health { return f.health }

func TestInitializeAllRespectsDependencyOrder(t *testing.T) {
	var initSeq, stopSeq []string
	log := loggingtest.New()
	k := New(log)

	config := &fakeManager{name: "config", initSeq: &initSeq, stopSeq: &stopSeq}
	logging := &fakeManager{name: "logging", initSeq: &initSeq, stopSeq: &stopSeq}
	bus := &fakeManager{name: "eventbus", initSeq: &initSeq, stopSeq: &stopSeq}

	require.NoError(t, k.Register(config))
	require.NoError(t, k.Register(logging, "config"))
	require.NoError(t, k.Register(bus, "logging", "config"))

	require.NoError(t, k.InitializeAll(context.Background()))
	require.Equal(t, []string{"config", "logging", "eventbus"}, initSeq)

	require.NoError(t, k.ShutdownAll(context.Background()))
	require.Equal(t, []string{"eventbus", "logging", "config"}, stopSeq)
	require.NotEmpty(t, log.Entries())
}

func TestInitializeFailureLeavesStartedManagersUp(t *testing.T) {
	var initSeq, stopSeq []string
	k := New(nil)

	config := &fakeManager{name: "config", initSeq: &initSeq, stopSeq: &stopSeq, health: Health{State: HealthOK}}
	failing := &fakeManager{name: "failing", initSeq: &initSeq, stopSeq: &stopSeq, initErr: errTest}
	dependent := &fakeManager{name: "dependent", initSeq: &initSeq, stopSeq: &stopSeq}

	require.NoError(t, k.Register(config))
	require.NoError(t, k.Register(failing, "config"))
	require.NoError(t, k.Register(dependent, "failing"))

	err := k.InitializeAll(context.Background())
	require.Error(t, err)

	// The failure aborts further bring-up but never tears down what already
	// started.
	require.Equal(t, []string{"config"}, initSeq)
	require.Empty(t, stopSeq)

	h := k.Health()
	require.Equal(t, HealthOK, h["config"].State)
	require.Equal(t, HealthError, h["failing"].State)
	require.Equal(t, HealthBlocked, h["dependent"].State)
	require.Equal(t, map[string]string{"dependent": "failing"}, k.Blocked())

	// Shutdown still sweeps whatever did come up.
	require.NoError(t, k.ShutdownAll(context.Background()))
	require.Equal(t, []string{"config"}, stopSeq)
}

type noHealthManager struct {
	name string
}

func (n *noHealthManager) Name() string                     { return n.name }
func (n *noHealthManager) Initialize(context.Context) error { return nil }
func (n *noHealthManager) Shutdown(context.Context) error   { return nil }

func TestHealthReportsNotReadyBeforeStart(t *testing.T) {
	k := New(nil)
	m := &noHealthManager{name: "m"}
	require.NoError(t, k.Register(m))

	h := k.Health()
	require.Equal(t, HealthNotReady, h["m"].State)

	require.NoError(t, k.InitializeAll(context.Background()))
	h = k.Health()
	require.Equal(t, HealthOK, h["m"].State)
}

func TestRegisterRejectsCycle(t *testing.T) {
	var initSeq, stopSeq []string
	k := New(nil)

	a := &fakeManager{name: "a", initSeq: &initSeq, stopSeq: &stopSeq}
	b := &fakeManager{name: "b", initSeq: &initSeq, stopSeq: &stopSeq}

	require.NoError(t, k.Register(a, "b"))
	err := k.Register(b, "a")
	var cycle *DependencyCycle
	require.ErrorAs(t, err, &cycle)
	require.Equal(t, "b", cycle.Manager)

	// Self-dependency is the degenerate cycle.
	c := &fakeManager{name: "c", initSeq: &initSeq, stopSeq: &stopSeq}
	require.ErrorAs(t, k.Register(c, "c"), &cycle)
}

func TestDeregisterUndoesRegister(t *testing.T) {
	var initSeq, stopSeq []string
	k := New(nil)

	m := &fakeManager{name: "m", initSeq: &initSeq, stopSeq: &stopSeq}
	require.NoError(t, k.Register(m))
	require.NoError(t, k.Deregister("m"))
	require.Nil(t, k.Get("m"))

	// Register works again after deregistering, and the kernel boots as if
	// the first registration never happened.
	require.NoError(t, k.Register(m))
	require.NoError(t, k.InitializeAll(context.Background()))
	require.Equal(t, []string{"m"}, initSeq)

	require.Error(t, k.Deregister("m"), "deregister after startup must fail")
}

func TestGetAsAssertsCapability(t *testing.T) {
	var initSeq, stopSeq []string
	k := New(nil)

	withHealth := &fakeManager{name: "h", initSeq: &initSeq, stopSeq: &stopSeq, health: Health{State: HealthDegraded}}
	without := &noHealthManager{name: "n"}
	require.NoError(t, k.Register(withHealth))
	require.NoError(t, k.Register(without))

	hr, ok := GetAs[HealthReporter](k, "h")
	require.True(t, ok)
	require.Equal(t, HealthDegraded, hr.Health().State)

	_, ok = GetAs[HealthReporter](k, "n")
	require.False(t, ok)
	_, ok = GetAs[HealthReporter](k, "missing")
	require.False(t, ok)
}

var errTest = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
