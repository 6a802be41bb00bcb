// Copyright 2020 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package plugin

import (
	"fmt"
	"os"
	"path/filepath"
)

// manifestFileName is the fixed manifest location inside a plugin install
// directory.
const manifestFileName = "manifest.json"

// Info is a discovered or installed plugin.
type Info struct {
	Manifest  *Manifest
	Path      string
	State     State
	Signature VerifyResult
}

// Discover reads each direct child directory of root and parses and
// validates the manifest.json it contains; deeper subdirectories are not
// scanned. A manifest that fails validation is skipped with
// its error recorded rather than aborting the whole scan, so one bad
// plugin directory cannot block discovery of the rest.
func Discover(root string) ([]*Info, []error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("plugin: scanning %s: %w", root, err)}
	}

	var infos []*Info
	var errs []error
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		manifestPath := filepath.Join(dir, manifestFileName)
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("plugin: reading %s: %w", manifestPath, err))
			continue
		}
		m, err := ParseManifest(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin: %s: %w", manifestPath, err))
			continue
		}
		infos = append(infos, &Info{Manifest: m, Path: dir, State: Discovered})
	}
	return infos, errs
}
