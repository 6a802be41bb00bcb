// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qorzen/qorzen-core/hooks"
	"github.com/qorzen/qorzen-core/keys"
)

type fakeBus struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeBus) PublishAsync(eventType, _ string, _ map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

func (f *fakeBus) has(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == eventType {
			return true
		}
	}
	return false
}

// writePackage lays out a plain-directory plugin package: manifest.json at
// root plus the code/resources/docs skeleton.
func writePackage(t *testing.T, dir string, manifest map[string]interface{}) string {
	t.Helper()
	pkg := filepath.Join(dir, manifest["name"].(string)+"-pkg")
	for _, sub := range []string{"code", "resources", "docs"} {
		require.NoError(t, os.MkdirAll(filepath.Join(pkg, sub), 0o755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(pkg, "code", "main.txt"), []byte("entry"), 0o644))
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(pkg, "manifest.json"), raw, 0o644))
	return pkg
}

func baseManifest(name, version string) map[string]interface{} {
	return map[string]interface{}{
		"name":             name,
		"version":          version,
		"description":      "test plugin",
		"author":           map[string]interface{}{"name": "Dev"},
		"entry_point":      name + ".main",
		"min_core_version": "0.1.0",
		"capabilities":     []string{"config.read", "event.publish"},
	}
}

func newTestManager(t *testing.T, opts Options) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	m, err := NewManager(root, "0.2.0", opts)
	require.NoError(t, err)
	return m, root
}

func TestInstallActivatesAndPersists(t *testing.T) {
	bus := &fakeBus{}
	m, root := newTestManager(t, Options{Bus: bus})
	pkg := writePackage(t, t.TempDir(), baseManifest("sample", "1.0.0"))

	info, err := m.Install(pkg, InstallOptions{})
	require.NoError(t, err)
	require.Equal(t, Active, info.State)
	require.Equal(t, Active, m.State("sample"))
	require.DirExists(t, filepath.Join(root, "sample", "1.0.0", "code"))
	require.True(t, bus.has("plugin/installed"))
	require.True(t, bus.has("plugin/loaded"))

	reg, err := LoadRegistry(registryPath(root))
	require.NoError(t, err)
	entry, ok := reg.Get("sample")
	require.True(t, ok)
	require.Equal(t, "1.0.0", entry.Version)
	require.True(t, entry.Enabled)
}

func TestInstallRejectsIncompatibleCore(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	manifest := baseManifest("sample", "1.0.0")
	manifest["min_core_version"] = "9.0.0"
	pkg := writePackage(t, t.TempDir(), manifest)

	_, err := m.Install(pkg, InstallOptions{})
	var incompatible *IncompatibleVersion
	require.ErrorAs(t, err, &incompatible)
}

func TestRunMethodEnforcesCapability(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	pkg := writePackage(t, t.TempDir(), baseManifest("sample", "1.0.0"))

	var calls int
	m.RegisterEntryPoint("sample", func(_ context.Context, method string, _ []interface{}, _ map[string]interface{}) (interface{}, error) {
		calls++
		return method + "-ok", nil
	})

	_, err := m.Install(pkg, InstallOptions{})
	require.NoError(t, err)

	// config.read is declared, so the call goes through.
	out, err := m.RunMethod(context.Background(), "sample", "refresh", CapConfigRead, nil, nil, 0)
	require.NoError(t, err)
	require.Equal(t, "refresh-ok", out)
	require.Equal(t, 1, calls)

	// config.write is not declared: denied before the sandbox runs.
	_, err = m.RunMethod(context.Background(), "sample", "mutate", CapConfigWrite, nil, nil, 0)
	var denied *PermissionDenied
	require.ErrorAs(t, err, &denied)
	require.Equal(t, CapConfigWrite, denied.Capability)
	require.Equal(t, 1, calls, "denied call must not reach the plugin")
}

func TestDisableThenLoadIsRefused(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	pkg := writePackage(t, t.TempDir(), baseManifest("sample", "1.0.0"))
	_, err := m.Install(pkg, InstallOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Disable("sample"))
	require.Equal(t, Disabled, m.State("sample"))

	err = m.Load("sample")
	var disabled *PluginDisabled
	require.ErrorAs(t, err, &disabled)
}

func TestEnableRestoresDisabledPlugin(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	pkg := writePackage(t, t.TempDir(), baseManifest("sample", "1.0.0"))
	_, err := m.Install(pkg, InstallOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Disable("sample"))
	require.NoError(t, m.Enable("sample"))
	require.Equal(t, Active, m.State("sample"))
}

func TestResolveLoadOrderDetectsCycle(t *testing.T) {
	m, root := newTestManager(t, Options{})

	a := baseManifest("aaa", "1.0.0")
	a["dependencies"] = []map[string]interface{}{{"name": "bbb", "range": ">=1.0.0"}}
	b := baseManifest("bbb", "1.0.0")
	b["dependencies"] = []map[string]interface{}{{"name": "aaa", "range": ">=1.0.0"}}

	for _, manifest := range []map[string]interface{}{a, b} {
		dir := filepath.Join(root, manifest["name"].(string))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		raw, err := json.Marshal(manifest)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0o644))
	}

	_, errs := m.Discover()
	require.Empty(t, errs)

	_, err := m.ResolveLoadOrder()
	var circular *CircularDependency
	require.ErrorAs(t, err, &circular)
}

func TestResolveLoadOrderMissingAndIncompatible(t *testing.T) {
	m, root := newTestManager(t, Options{})

	writeDiscovered := func(manifest map[string]interface{}) {
		dir := filepath.Join(root, manifest["name"].(string))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		raw, err := json.Marshal(manifest)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0o644))
	}

	a := baseManifest("aaa", "1.0.0")
	a["dependencies"] = []map[string]interface{}{{"name": "zzz", "range": ">=1.0.0"}}
	writeDiscovered(a)

	_, errs := m.Discover()
	require.Empty(t, errs)
	_, err := m.ResolveLoadOrder()
	var missing *MissingDependency
	require.ErrorAs(t, err, &missing)

	// Adding zzz at an excluded version flips the failure mode.
	writeDiscovered(baseManifest("zzz", "0.9.0"))
	_, errs = m.Discover()
	require.Empty(t, errs)
	_, err = m.ResolveLoadOrder()
	var incompatible *IncompatibleVersion
	require.ErrorAs(t, err, &incompatible)
}

func TestUpdatePreUpdateFailureKeepsOldVersion(t *testing.T) {
	reg := hooks.NewRegistry()
	reg.Register("foo/preUpdate", func(ctx hooks.Context) error {
		return fmt.Errorf("refuse %s -> %s", ctx.OldVersion, ctx.NewVersion)
	})
	m, _ := newTestManager(t, Options{Hooks: reg})

	v1 := writePackage(t, t.TempDir(), baseManifest("foo", "1.0.0"))
	_, err := m.Install(v1, InstallOptions{})
	require.NoError(t, err)

	v2manifest := baseManifest("foo", "2.0.0")
	v2manifest["lifecycle_hooks"] = map[string]string{"pre_update": "foo/preUpdate"}
	v2 := writePackage(t, t.TempDir(), v2manifest)

	info, err := m.Update(v2, InstallOptions{})
	require.Error(t, err)
	require.Equal(t, "1.0.0", info.Manifest.Version)
	entry, ok := m.registry.Get("foo")
	require.True(t, ok)
	require.Equal(t, "1.0.0", entry.Version)
}

func TestUpdateSwapsVersions(t *testing.T) {
	var oldV, newV string
	reg := hooks.NewRegistry()
	reg.Register("foo/preUpdate", func(ctx hooks.Context) error {
		oldV, newV = ctx.OldVersion, ctx.NewVersion
		return nil
	})
	m, root := newTestManager(t, Options{Hooks: reg})

	v1 := writePackage(t, t.TempDir(), baseManifest("foo", "1.0.0"))
	_, err := m.Install(v1, InstallOptions{})
	require.NoError(t, err)

	v2manifest := baseManifest("foo", "2.0.0")
	v2manifest["lifecycle_hooks"] = map[string]string{"pre_update": "foo/preUpdate"}
	v2 := writePackage(t, t.TempDir(), v2manifest)

	info, err := m.Update(v2, InstallOptions{})
	require.NoError(t, err)
	require.Equal(t, "2.0.0", info.Manifest.Version)
	require.Equal(t, "1.0.0", oldV)
	require.Equal(t, "2.0.0", newV)
	require.NoDirExists(t, filepath.Join(root, "foo", "1.0.0"))
	require.DirExists(t, filepath.Join(root, "foo", "2.0.0"))
}

func TestUninstallRemovesAllState(t *testing.T) {
	m, root := newTestManager(t, Options{})
	pkg := writePackage(t, t.TempDir(), baseManifest("sample", "1.0.0"))
	_, err := m.Install(pkg, InstallOptions{})
	require.NoError(t, err)

	require.NoError(t, m.Uninstall("sample", false))
	require.Equal(t, State(""), m.State("sample"))
	require.Nil(t, m.Info("sample"))
	require.NoDirExists(t, filepath.Join(root, "sample"))

	reg, err := LoadRegistry(registryPath(root))
	require.NoError(t, err)
	_, ok := reg.Get("sample")
	require.False(t, ok)
}

func TestInstallRequiresSignatureWhenKeysTrusted(t *testing.T) {
	store, err := keys.NewStore(map[string]*keys.Config{
		"release": {Key: "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="},
	})
	require.NoError(t, err)

	m, _ := newTestManager(t, Options{Keys: store})
	pkg := writePackage(t, t.TempDir(), baseManifest("sample", "1.0.0"))

	_, err = m.Install(pkg, InstallOptions{})
	var sigErr *SignatureError
	require.ErrorAs(t, err, &sigErr)

	// The explicit escape hatch accepts the unverified package.
	_, err = m.Install(pkg, InstallOptions{SkipVerification: true})
	require.NoError(t, err)
}

func TestDiscoverSkipsInvalidManifests(t *testing.T) {
	m, root := newTestManager(t, Options{})

	good := filepath.Join(root, "good")
	require.NoError(t, os.MkdirAll(good, 0o755))
	raw, err := json.Marshal(baseManifest("good", "1.0.0"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(good, "manifest.json"), raw, 0o644))

	bad := filepath.Join(root, "bad")
	require.NoError(t, os.MkdirAll(bad, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bad, "manifest.json"), []byte("{"), 0o644))

	infos, errs := m.Discover()
	require.Len(t, infos, 1)
	require.Len(t, errs, 1)
	require.Equal(t, "good", infos[0].Manifest.Name)
}

func TestHooksReceivePlatformHandles(t *testing.T) {
	stub := &cfgStub{vals: map[string]interface{}{}}

	reg := hooks.NewRegistry()
	var got hooks.Context
	reg.Register("sample/postInstall", func(ctx hooks.Context) error {
		got = ctx
		return nil
	})
	m, root := newTestManager(t, Options{Hooks: reg, Config: stub})

	manifest := baseManifest("sample", "1.0.0")
	manifest["lifecycle_hooks"] = map[string]string{"post_install": "sample/postInstall"}
	pkg := writePackage(t, t.TempDir(), manifest)

	_, err := m.Install(pkg, InstallOptions{})
	require.NoError(t, err)

	require.Same(t, stub, got.Config)
	require.Equal(t, root, got.PluginsDir)
	require.Equal(t, VersionedPath(root, "sample", "1.0.0"), got.InstallPath)
	require.Equal(t, "1.0.0", got.NewVersion)
}
