// Copyright 2019 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package keys implements the trusted key store used to verify plugin
// manifest and package signatures.
package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Config is one registered trusted key. Key is the base64-standard-encoded ed25519 public key.
type Config struct {
	Key       string `json:"key"`
	Algorithm string `json:"algorithm,omitempty"`
	Scope     string `json:"scope,omitempty"`
}

const defaultAlgorithm = "ed25519"

// ParseKeysConfig decodes a `{keyID: {key, algorithm, scope}}` document
// holding ed25519 plugin-signing keys. A config entry without an explicit
// algorithm defaults to ed25519, the only algorithm this store verifies.
func ParseKeysConfig(raw json.RawMessage) (map[string]*Config, error) {
	var obj map[string]*Config
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("keys: invalid keys configuration: %w", err)
	}
	for id, c := range obj {
		if c == nil || c.Key == "" {
			return nil, fmt.Errorf("keys: invalid keys configuration: no key provided for key ID %s", id)
		}
		if c.Algorithm == "" {
			c.Algorithm = defaultAlgorithm
		}
	}
	return obj, nil
}

// PublicKey decodes c's base64 key into raw ed25519 public key bytes.
func (c *Config) PublicKey() (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(c.Key)
	if err != nil {
		return nil, fmt.Errorf("keys: invalid base64 public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("keys: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// Fingerprint returns the SHA-256 hex digest of c's public key bytes.
func (c *Config) Fingerprint() (string, error) {
	pub, err := c.PublicKey()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(pub)
	return hex.EncodeToString(sum[:]), nil
}

// Store holds the trusted keys registered with the platform, indexed by
// fingerprint so a package's signature can be checked without the caller
// naming which key signed it.
type Store struct {
	byFingerprint map[string]*Config
}

// NewStore builds a Store from a keys configuration document.
func NewStore(cfgs map[string]*Config) (*Store, error) {
	s := &Store{byFingerprint: map[string]*Config{}}
	for id, c := range cfgs {
		fp, err := c.Fingerprint()
		if err != nil {
			return nil, fmt.Errorf("keys: key %s: %w", id, err)
		}
		s.byFingerprint[fp] = c
	}
	return s, nil
}

// Lookup returns the trusted key registered under fingerprint, or false
// if no such key is trusted.
func (s *Store) Lookup(fingerprint string) (*Config, bool) {
	c, ok := s.byFingerprint[fingerprint]
	return c, ok
}

// Fingerprints returns every fingerprint registered in the store, in no
// particular order.
func (s *Store) Fingerprints() []string {
	out := make([]string, 0, len(s.byFingerprint))
	for fp := range s.byFingerprint {
		out = append(out, fp)
	}
	return out
}

// Trusted reports whether the store has any registered keys at all; an
// empty store means signature verification cannot be performed, which the
// Plugin Manager treats as "no trusted keys configured".
func (s *Store) Trusted() bool {
	return len(s.byFingerprint) > 0
}
