// Copyright 2020 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package plugin

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/qorzen/qorzen-core/keys"
)

// SignatureError is raised when a package's signature cannot be verified
// against any trusted key.
type SignatureError struct {
	PluginID string
	Reason   string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("plugin: %s: signature verification failed: %s", e.PluginID, e.Reason)
}

// Checksum returns the SHA-256 hex digest of a package's bytes.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sign produces a base64 signature of sha256(data) under priv.
func Sign(data []byte, priv ed25519.PrivateKey) string {
	sum := sha256.Sum256(data)
	sig := ed25519.Sign(priv, sum[:])
	return base64.StdEncoding.EncodeToString(sig)
}

// VerifyResult reports whether a package's signature was verified against
// a trusted key, and the fingerprint of the key that verified it.
type VerifyResult struct {
	Verified    bool
	Fingerprint string
}

// VerifyPackageSignature checks signatureB64 against data using the keys
// registered in store, returning which fingerprint verified it. If store has no trusted keys at all,
// verification is considered not performed rather than failed; the
// caller (Manager.Install) decides whether that is acceptable based on
// skipVerification.
func VerifyPackageSignature(data []byte, signatureB64 string, store *keys.Store) (VerifyResult, error) {
	if store == nil || !store.Trusted() {
		return VerifyResult{}, nil
	}
	if signatureB64 == "" {
		return VerifyResult{}, &SignatureError{Reason: "no signature present"}
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return VerifyResult{}, &SignatureError{Reason: "malformed base64 signature"}
	}
	sum := sha256.Sum256(data)

	for _, fp := range store.Fingerprints() {
		cfg, _ := store.Lookup(fp)
		pub, err := cfg.PublicKey()
		if err != nil {
			continue
		}
		if ed25519.Verify(pub, sum[:], sig) {
			return VerifyResult{Verified: true, Fingerprint: fp}, nil
		}
	}
	return VerifyResult{}, &SignatureError{Reason: "signature does not match any trusted key"}
}
