// Copyright 2020 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package plugin

import (
	"os"

	"github.com/qorzen/qorzen-core/hooks"
)

// InstallOptions customizes a single Install call.
type InstallOptions struct {
	// SkipVerification permits an unsigned or unverifiable package to
	// install anyway.
	SkipVerification bool
}

func (m *Manager) hookContext(name, installPath, oldVersion, newVersion string) hooks.Context {
	return hooks.Context{
		PluginID:    name,
		Config:      m.opts.Config,
		Logger:      m.opts.Logger,
		EventBus:    m.opts.Bus,
		FileAccess:  m.opts.Files,
		PluginsDir:  m.root,
		InstallPath: installPath,
		OldVersion:  oldVersion,
		NewVersion:  newVersion,
	}
}

func (m *Manager) runHook(point hooks.Name, ref string, ctx hooks.Context) error {
	return m.opts.Hooks.Run(point, ref, ctx)
}

// Install copies a package into the plugins root and activates it.
func (m *Manager) Install(srcPath string, opts InstallOptions) (*Info, error) {
	pkg, err := OpenPackage(srcPath)
	if err != nil {
		return nil, err
	}
	defer pkg.Close()

	manifest := pkg.Manifest
	name := manifest.Name

	compatible, err := manifest.CompatibleWithCore(m.coreVersion)
	if err != nil {
		return nil, err
	}
	if !compatible {
		return nil, &IncompatibleVersion{PluginID: name, Needs: "core", Range: manifest.MinCoreVersion, Got: m.coreVersion}
	}

	skip := opts.SkipVerification || m.opts.SkipVerification
	result, err := VerifyPackageSignature(pkg.Raw, manifest.Signature, m.opts.Keys)
	if err != nil && !skip {
		return nil, err
	}
	if err != nil {
		m.logf("warn", "plugin %s: installing unverified package (skip_verification set): %v", name, err)
	}

	dest := VersionedPath(m.root, name, manifest.Version)

	if m.states.Get(name) == "" {
		m.states.Seed(name, Discovered)
	}

	hctx := m.hookContext(name, dest, "", manifest.Version)
	if ref := manifest.LifecycleHooks[string(hooks.PreInstall)]; ref != "" {
		if err := m.runHook(hooks.PreInstall, ref, hctx); err != nil {
			return nil, err
		}
	}

	if err := CopyTree(pkg.Dir, dest); err != nil {
		return nil, err
	}

	if ref := manifest.LifecycleHooks[string(hooks.PostInstall)]; ref != "" {
		if err := m.runHook(hooks.PostInstall, ref, hctx); err != nil {
			m.logf("error", "plugin %s: post_install hook failed (install not rolled back): %v", name, err)
		}
	}

	if err := m.registry.Put(name, RegistryEntry{
		Version:           manifest.Version,
		InstallPath:       dest,
		Enabled:           true,
		SignatureVerified: result.Verified,
	}); err != nil {
		return nil, err
	}

	info := &Info{Manifest: manifest, Path: dest, State: Discovered, Signature: result}
	m.mu.Lock()
	m.infos[name] = info
	m.capsets[name] = manifest.CapabilitySet()
	m.mu.Unlock()

	if err := m.Load(name); err != nil {
		return info, err
	}
	info.State = m.states.Get(name)

	m.publish("plugin/installed", map[string]interface{}{"name": name, "version": manifest.Version})
	return info, nil
}

// Update installs a new version of an already-installed plugin in place:
// pre_update, swap directory, post_update. A pre_update failure leaves the
// prior version installed.
func (m *Manager) Update(srcPath string, opts InstallOptions) (*Info, error) {
	pkg, err := OpenPackage(srcPath)
	if err != nil {
		return nil, err
	}
	defer pkg.Close()

	manifest := pkg.Manifest
	name := manifest.Name

	m.mu.Lock()
	existing, wasInstalled := m.infos[name]
	m.mu.Unlock()
	if !wasInstalled {
		return m.Install(srcPath, opts)
	}
	oldVersion := existing.Manifest.Version
	oldPath := existing.Path

	compatible, err := manifest.CompatibleWithCore(m.coreVersion)
	if err != nil {
		return nil, err
	}
	if !compatible {
		return nil, &IncompatibleVersion{PluginID: name, Needs: "core", Range: manifest.MinCoreVersion, Got: m.coreVersion}
	}

	skip := opts.SkipVerification || m.opts.SkipVerification
	result, err := VerifyPackageSignature(pkg.Raw, manifest.Signature, m.opts.Keys)
	if err != nil && !skip {
		return nil, err
	}

	dest := VersionedPath(m.root, name, manifest.Version)
	hctx := m.hookContext(name, dest, oldVersion, manifest.Version)

	if ref := manifest.LifecycleHooks[string(hooks.PreUpdate)]; ref != "" {
		if err := m.runHook(hooks.PreUpdate, ref, hctx); err != nil {
			// pre_update failure leaves the installed version untouched.
			return existing, err
		}
	}

	if err := CopyTree(pkg.Dir, dest); err != nil {
		return existing, err
	}

	if ref := manifest.LifecycleHooks[string(hooks.PostUpdate)]; ref != "" {
		if err := m.runHook(hooks.PostUpdate, ref, hctx); err != nil {
			m.logf("error", "plugin %s: post_update hook failed (update not rolled back): %v", name, err)
		}
	}

	if err := m.registry.Put(name, RegistryEntry{
		Version:           manifest.Version,
		InstallPath:       dest,
		Enabled:           true,
		SignatureVerified: result.Verified,
	}); err != nil {
		return existing, err
	}
	if dest != oldPath {
		_ = os.RemoveAll(oldPath)
	}

	info := &Info{Manifest: manifest, Path: dest, State: m.states.Get(name), Signature: result}
	m.mu.Lock()
	m.infos[name] = info
	m.capsets[name] = manifest.CapabilitySet()
	m.mu.Unlock()

	if err := m.Reload(name); err != nil {
		return info, err
	}
	info.State = m.states.Get(name)

	m.publish("plugin/updated", map[string]interface{}{"name": name, "from": oldVersion, "to": manifest.Version})
	return info, nil
}

// Uninstall transitions a plugin to Uninstalled, runs its uninstall hooks,
// and removes its on-disk install and registry entry. If keepData is
// true, the install directory is left on disk. Backups produced by hooks
// are never touched either way.
func (m *Manager) Uninstall(name string, keepData bool) error {
	m.mu.Lock()
	info, ok := m.infos[name]
	m.mu.Unlock()
	if !ok {
		return &NotFound{PluginID: name}
	}

	hctx := m.hookContext(name, info.Path, info.Manifest.Version, "")
	if ref := info.Manifest.LifecycleHooks[string(hooks.PreUninstall)]; ref != "" {
		if err := m.runHook(hooks.PreUninstall, ref, hctx); err != nil {
			return err
		}
	}

	if err := m.states.Transition(name, Uninstalled, nil, nil); err != nil {
		return err
	}

	if box, ok := m.sandboxes[name]; ok && box != nil {
		box.Stop()
	}

	if ref := info.Manifest.LifecycleHooks[string(hooks.PostUninstall)]; ref != "" {
		if err := m.runHook(hooks.PostUninstall, ref, hctx); err != nil {
			m.logf("error", "plugin %s: post_uninstall hook failed: %v", name, err)
		}
	}

	if !keepData {
		if err := os.RemoveAll(info.Path); err != nil {
			return err
		}
		// Drop the now-empty per-plugin directory that held the versioned
		// install; a directory still holding other files is left alone.
		_ = os.Remove(VersionedPath(m.root, name, ""))
	}
	if err := m.registry.Delete(name); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.infos, name)
	delete(m.sandboxes, name)
	delete(m.capsets, name)
	delete(m.entryPoint, name)
	m.mu.Unlock()
	m.extensions.RemovePlugin(name)
	m.states.Remove(name)

	m.publish("plugin/uninstalled", map[string]interface{}{"name": name})
	return nil
}
