// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFlattensNestedDocument(t *testing.T) {
	path := writeTemp(t, `
logging:
 level: info
core:
 api_port: 8080
`)
	s := New()
	require.NoError(t, s.Load(path))
	require.Equal(t, "info", s.Get("logging.level", ""))
	require.EqualValues(t, 8080, s.Get("core.api_port", 0))
}

func TestLoadRejectsInvalidLogLevel(t *testing.T) {
	path := writeTemp(t, `logging:
 level: nonsense
`)
	s := New()
	err := s.Load(path)
	require.Error(t, err)
	require.Equal(t, "", s.Get("logging.level", ""))
}

func TestSetIsAtomicOnValidationFailure(t *testing.T) {
	s := New()
	require.NoError(t, s.Set("logging.level", "info"))
	err := s.Set("core.api_port", 99999)
	require.Error(t, err)
	require.Equal(t, "info", s.Get("logging.level", ""))
	require.Nil(t, s.Get("core.api_port", nil))
}

func TestSetNotifiesMatchingListenersOnly(t *testing.T) {
	s := New()
	var notifiedA, notifiedB bool
	s.RegisterListener("plugins.foo", func(key string, value interface{}) { notifiedA = true })
	s.RegisterListener("plugins.bar", func(key string, value interface{}) { notifiedB = true })

	require.NoError(t, s.Set("plugins.foo.refresh_interval", 60))
	require.True(t, notifiedA)
	require.False(t, notifiedB)
}

func TestEnvOverrideAppliesOnLoad(t *testing.T) {
	path := writeTemp(t, `core:
 api_port: 8080
`)
	t.Setenv("QORZEN_CORE__API_PORT", "9090")
	s := New()
	require.NoError(t, s.Load(path))
	require.EqualValues(t, 9090, s.Get("core.api_port", 0))
}

func TestJWTSecretLengthRule(t *testing.T) {
	s := New()
	require.Error(t, s.Set("security.jwt_secret", "short"))
	require.NoError(t, s.Set("security.jwt_secret", "this-is-a-sufficiently-long-secret-value"))
}

func TestUnregisterListenerStopsNotifications(t *testing.T) {
	s := New()
	var calls int
	s.RegisterListener("plugins.", func(string, interface{}) { calls++ })

	require.NoError(t, s.Set("plugins.foo.enabled", true))
	require.Equal(t, 1, calls)

	s.UnregisterListener("plugins.")
	require.NoError(t, s.Set("plugins.foo.enabled", false))
	require.Equal(t, 1, calls)
}

func TestWatchFileReloadsOnWrite(t *testing.T) {
	path := writeTemp(t, "logging:\n level: info\n")
	s := New()
	require.NoError(t, s.Load(path))
	require.NoError(t, s.WatchFile(path))
	defer s.Close()

	require.NoError(t, os.WriteFile(path, []byte("logging:\n level: debug\n"), 0o600))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s.Get("logging.level", "") == "debug" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, "debug", s.Get("logging.level", ""))
}

func TestFailedReloadKeepsPreviousSnapshot(t *testing.T) {
	path := writeTemp(t, "logging:\n level: info\n")
	s := New()
	require.NoError(t, s.Load(path))

	require.NoError(t, os.WriteFile(path, []byte("logging:\n level: bogus\n"), 0o600))
	require.Error(t, s.Load(path))
	require.Equal(t, "info", s.Get("logging.level", ""))
}

type stubBus struct {
	types    []string
	payloads []map[string]interface{}
}

func (b *stubBus) PublishAsync(eventType, _ string, payload map[string]interface{}) {
	b.types = append(b.types, eventType)
	b.payloads = append(b.payloads, payload)
}

func TestSetEmitsConfigChanged(t *testing.T) {
	s := New()
	bus := &stubBus{}
	s.AttachBus(bus)

	require.NoError(t, s.Set("tasks.default_timeout", 30))
	require.Equal(t, []string{"config/changed"}, bus.types)
	require.Equal(t, "tasks.default_timeout", bus.payloads[0]["key"])
	require.EqualValues(t, 30, bus.payloads[0]["value"])

	// A rejected write emits nothing.
	require.Error(t, s.Set("core.api_port", 0))
	require.Len(t, bus.types, 1)
}

func TestLoadMergesProfileOverlays(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(base, []byte("logging:\n level: info\ncore:\n api_port: 8080\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.dev.yaml"), []byte("logging:\n level: debug\n"), 0o600))

	s := New(WithProfiles("dev"))
	require.NoError(t, s.Load(base))
	require.Equal(t, "debug", s.Get("logging.level", ""), "profile overlay must win over the base file")
	require.EqualValues(t, 8080, s.Get("core.api_port", 0), "keys absent from the overlay keep their base value")
}

func TestEnvOverrideWinsOverProfile(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(base, []byte("core:\n api_port: 8080\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.dev.yaml"), []byte("core:\n api_port: 8081\n"), 0o600))
	t.Setenv("QORZEN_CORE__API_PORT", "9090")

	s := New(WithProfiles("dev"))
	require.NoError(t, s.Load(base))
	require.EqualValues(t, 9090, s.Get("core.api_port", 0))
}

func TestMissingProfileOverlayIsSkipped(t *testing.T) {
	path := writeTemp(t, "logging:\n level: info\n")
	s := New(WithProfiles("nonexistent"))
	require.NoError(t, s.Load(path))
	require.Equal(t, "info", s.Get("logging.level", ""))
}

func TestRuntimeSetsSurviveReload(t *testing.T) {
	path := writeTemp(t, "logging:\n level: info\n")
	s := New()
	require.NoError(t, s.Load(path))
	require.NoError(t, s.Set("plugins.sample.refresh_interval", 60))

	require.NoError(t, s.Load(path))
	require.EqualValues(t, 60, s.Get("plugins.sample.refresh_interval", nil), "runtime writes are the topmost layer")
	require.Equal(t, "info", s.Get("logging.level", ""))
}
