// Copyright 2018 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

// Package version contains the platform version, set at build time.
package version

// Version is the canonical core version consulted by plugin manifests'
// min/max core version bands. Overridden at link time for releases:
//
//	-ldflags "-X github.com/qorzen/qorzen-core/version.Version=..."
var Version = "0.1.0-dev"
