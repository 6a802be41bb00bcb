// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package config implements the Config Service: hierarchical
// dotted-key configuration loaded from a YAML/JSON document, layered with
// environment overrides, validated against a declarative schema, and
// exposed as copy-on-write snapshots with prefix-scoped change
// notification.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ConfigError wraps a parse or schema-validation failure.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config: %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("config: %v", e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Logger is the narrow logging surface the Config Service writes to.
type Logger interface {
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// EventPublisher is the narrow bus surface the Service uses to announce
// config/changed events. *eventbus.Bus satisfies it; the local interface
// avoids an import cycle, since the bus reads its own sizing from config.
type EventPublisher interface {
	PublishAsync(eventType, source string, payload map[string]interface{})
}

// Rule validates a full snapshot and returns an error describing the first
// violation found, or nil.
type Rule func(snapshot map[string]interface{}) error

type registeredListener struct {
	prefix string
	cb     func(key string, value interface{})
}

// Service is the Config Service manager.
type Service struct {
	mu       sync.RWMutex
	snapshot map[string]interface{}

	listenersMu sync.Mutex
	listeners   []registeredListener

	// runtime holds every key written through Set, the topmost overlay
	// layer; a Load re-applies it over whatever the files and environment
	// produced, so runtime writes survive a reload.
	runtime map[string]interface{}

	envPrefix string
	profiles  []string
	rules     []Rule
	logger    Logger
	bus       EventPublisher

	path    string
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
}

// Option configures a Service at construction.
type Option func(*Service)

// WithEnvPrefix overrides the default "QORZEN_" environment variable
// prefix.
func WithEnvPrefix(prefix string) Option {
	return func(s *Service) { s.envPrefix = prefix }
}

// WithRule adds a schema validation rule evaluated on every Load and Set.
func WithRule(r Rule) Option {
	return func(s *Service) { s.rules = append(s.rules, r) }
}

// WithLogger attaches a logger for load/reload diagnostics.
func WithLogger(l Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithProfiles selects the profile overlays Load merges over the base
// document: for a base file conf.yaml and profile "dev", the overlay is
// conf.dev.yaml beside it. Overlays apply in the order given; a missing
// overlay file is skipped.
func WithProfiles(profiles ...string) Option {
	return func(s *Service) { s.profiles = append(s.profiles, profiles...) }
}

// New constructs an empty Service with the default rule set.
func New(opts ...Option) *Service {
	s := &Service{
		snapshot:  map[string]interface{}{},
		runtime:   map[string]interface{}{},
		envPrefix: "QORZEN_",
	}
	s.rules = append(s.rules, DefaultRules()...)
	for _, o := range opts {
		o(s)
	}
	return s
}

// DefaultRules returns the platform's built-in validation rules: API and
// database ports in [1, 65535], JWT secret length, and the recognized log
// levels.
func DefaultRules() []Rule {
	return []Rule{
		portRule("core.api_port"),
		portRule("database.port"),
		func(snap map[string]interface{}) error {
			v, ok := snap["security.jwt_secret"]
			if !ok {
				return nil
			}
			s, _ := v.(string)
			if len(s) < 32 {
				return errors.New("security.jwt_secret must be at least 32 characters")
			}
			return nil
		},
		func(snap map[string]interface{}) error {
			v, ok := snap["logging.level"]
			if !ok {
				return nil
			}
			s, _ := v.(string)
			switch strings.ToLower(s) {
			case "debug", "info", "warning", "error", "critical":
				return nil
			default:
				return errors.Errorf("logging.level must be one of debug|info|warning|error|critical, got %q", s)
			}
		},
	}
}

func portRule(key string) Rule {
	return func(snap map[string]interface{}) error {
		v, ok := snap[key]
		if !ok {
			return nil
		}
		n, ok := toInt(v)
		if !ok || n < 1 || n > 65535 {
			return errors.Errorf("%s must be in [1, 65535], got %v", key, v)
		}
		return nil
	}
}

func toInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

// Load reads path (YAML or JSON, detected by content), flattens it to
// dotted keys, and layers the remaining overlays on top in order: profile
// overlay files, environment overrides, then every key written through
// Set. The result is validated and — only if every rule passes — replaces
// the active snapshot.
func (s *Service) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{Path: path, Err: err}
	}
	flat, err := parseDocument(raw)
	if err != nil {
		return &ConfigError{Path: path, Err: err}
	}

	for _, profile := range s.profiles {
		overlayPath := profilePath(path, profile)
		overlayRaw, err := os.ReadFile(overlayPath)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return &ConfigError{Path: overlayPath, Err: err}
		}
		overlay, err := parseDocument(overlayRaw)
		if err != nil {
			return &ConfigError{Path: overlayPath, Err: err}
		}
		for k, v := range overlay {
			flat[k] = v
		}
		if s.logger != nil {
			s.logger.Info("config profile %s merged from %s (%d keys)", profile, overlayPath, len(overlay))
		}
	}

	applyEnvOverrides(flat, s.envPrefix)

	s.mu.Lock()
	runtime := make(map[string]interface{}, len(s.runtime))
	for k, v := range s.runtime {
		runtime[k] = v
	}
	s.mu.Unlock()
	for k, v := range runtime {
		flat[k] = v
	}

	if err := s.validate(flat); err != nil {
		return &ConfigError{Path: path, Err: err}
	}

	s.mu.Lock()
	s.snapshot = flat
	s.path = path
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("config loaded from %s (%d keys)", path, len(flat))
	}
	return nil
}

// profilePath derives an overlay file name from the base path: conf.yaml
// with profile "dev" becomes conf.dev.yaml; an extensionless base gets
// ".dev" appended.
func profilePath(base, profile string) string {
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + "." + profile + ext
}

func (s *Service) validate(snap map[string]interface{}) error {
	for _, r := range s.rules {
		if err := r(snap); err != nil {
			return err
		}
	}
	return nil
}

// parseDocument tries JSON first for speed, then falls back to YAML for
// documents that use YAML-only syntax.
func parseDocument(raw []byte) (map[string]interface{}, error) {
	var nested map[string]interface{}
	jsonErr := json.Unmarshal(raw, &nested)
	if jsonErr != nil {
		if yamlErr := yaml.Unmarshal(raw, &nested); yamlErr != nil {
			return nil, errors.Wrap(yamlErr, "not valid JSON or YAML")
		}
	}
	flat := map[string]interface{}{}
	flatten("", nested, flat)
	return flat, nil
}

func flatten(prefix string, in map[string]interface{}, out map[string]interface{}) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch nested := v.(type) {
		case map[string]interface{}:
			flatten(key, nested, out)
		case map[interface{}]interface{}:
			// yaml.v3 decodes untyped maps as map[string]interface{}
			// already (unlike v2's map[interface{}]interface{}), but guard
			// against it defensively for documents round-tripped through
			// other decoders.
			conv := map[string]interface{}{}
			for mk, mv := range nested {
				conv[fmt.Sprintf("%v", mk)] = mv
			}
			flatten(key, conv, out)
		default:
			out[key] = v
		}
	}
}

// Get returns the value at key, or def if key is absent.
func (s *Service) Get(key string, def interface{}) interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.snapshot[key]; ok {
		return v
	}
	return def
}

// GetString, GetInt, and GetBool are typed convenience wrappers over Get.
func (s *Service) GetString(key, def string) string {
	v := s.Get(key, def)
	if str, ok := v.(string); ok {
		return str
	}
	return def
}

func (s *Service) GetInt(key string, def int64) int64 {
	v := s.Get(key, def)
	if n, ok := toInt(v); ok {
		return n
	}
	return def
}

func (s *Service) GetBool(key string, def bool) bool {
	v := s.Get(key, def)
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// AttachBus wires the Event Bus in so every Set also announces a
// config/changed event; the bus starts after the Config Service during
// boot, so this is called once the bus manager has initialized.
func (s *Service) AttachBus(bus EventPublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bus = bus
}

// Set writes key=value to the active snapshot, notifies every listener
// whose registered prefix is a prefix of key, and emits config/changed.
// Set is atomic: if validation fails, neither the snapshot nor any
// listener observes the write.
func (s *Service) Set(key string, value interface{}) error {
	s.mu.Lock()
	next := make(map[string]interface{}, len(s.snapshot)+1)
	for k, v := range s.snapshot {
		next[k] = v
	}
	next[key] = value
	if err := s.validate(next); err != nil {
		s.mu.Unlock()
		return &ConfigError{Path: key, Err: err}
	}
	s.snapshot = next
	s.runtime[key] = value
	bus := s.bus
	s.mu.Unlock()

	s.notify(key, value)
	if bus != nil {
		bus.PublishAsync("config/changed", "config", map[string]interface{}{
			"key":   key,
			"value": value,
		})
	}
	return nil
}

func (s *Service) notify(key string, value interface{}) {
	s.listenersMu.Lock()
	matches := make([]registeredListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		if strings.HasPrefix(key, l.prefix) {
			matches = append(matches, l)
		}
	}
	s.listenersMu.Unlock()

	for _, l := range matches {
		l.cb(key, value)
	}
}

// RegisterListener registers cb to be called with (key, value) whenever a
// Set touches a key having prefix as a prefix.
func (s *Service) RegisterListener(prefix string, cb func(key string, value interface{})) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, registeredListener{prefix: prefix, cb: cb})
}

// UnregisterListener removes every listener registered under prefix. Go
// has no stable function identity comparison, so unlike a language with
// reference-equal callbacks, this removes by prefix rather than by exact
// (prefix, cb) pair — callers needing per-callback removal should register
// distinct prefixes or track their own handle.
func (s *Service) UnregisterListener(prefix string) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	kept := s.listeners[:0]
	for _, l := range s.listeners {
		if l.prefix != prefix {
			kept = append(kept, l)
		}
	}
	s.listeners = kept
}

// Snapshot returns an immutable copy of every currently set key.
func (s *Service) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]interface{}, len(s.snapshot))
	for k, v := range s.snapshot {
		out[k] = v
	}
	return out
}

// Keys returns every key currently set, sorted.
func (s *Service) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.snapshot))
	for k := range s.snapshot {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// WatchFile starts an fsnotify watch on path and calls Load again on every
// write event, logging and discarding reload errors so a bad edit never
// brings down an already-running service.
func (s *Service) WatchFile(path string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "config: failed to start file watcher")
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return errors.Wrapf(err, "config: failed to watch %s", path)
	}
	s.watcher = w
	s.stopCh = make(chan struct{})
	go s.watchLoop(path)
	return nil
}

func (s *Service) watchLoop(path string) {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.Load(path); err != nil && s.logger != nil {
				s.logger.Error("config: reload of %s failed, keeping previous snapshot: %v", path, err)
			} else if s.logger != nil {
				s.logger.Info("config: reloaded %s", path)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			if s.logger != nil {
				s.logger.Warn("config: watcher error: %v", err)
			}
		case <-s.stopCh:
			return
		}
	}
}

// Close stops any active file watch.
func (s *Service) Close() error {
	if s.stopCh != nil {
		close(s.stopCh)
	}
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

// applyEnvOverrides scans the process environment for PREFIX__A__B=v and
// writes a.b=v into flat, coercing the value's type to match whatever
// already occupies that key.
func applyEnvOverrides(flat map[string]interface{}, prefix string) {
	for _, kv := range os.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || !strings.HasPrefix(parts[0], prefix) {
			continue
		}
		rest := strings.TrimPrefix(parts[0], prefix)
		segments := strings.Split(rest, "__")
		for i, seg := range segments {
			segments[i] = strings.ToLower(seg)
		}
		key := strings.Join(segments, ".")
		flat[key] = coerce(parts[1], flat[key])
	}
}

func coerce(raw string, existing interface{}) interface{} {
	switch existing.(type) {
	case int, int64:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	case float64:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	case bool:
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	}
	if existing == nil {
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	}
	return raw
}
