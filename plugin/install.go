// Copyright 2020 The OPA Authors.  All rights reserved.
// Use of this source code is governed by an Apache2
// license that can be found in the LICENSE file.

package plugin

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Package layout constants.
const (
	dirCode      = "code"
	dirResources = "resources"
	dirDocs      = "docs"
)

// OpenedPackage is a package staged on local disk, either because it was
// already a directory or because a ZIP archive was extracted to a
// scratch directory.
type OpenedPackage struct {
	Manifest *Manifest
	Dir      string
	Raw      []byte
	Checksum string

	cleanup func()
}

// Close releases any scratch extraction directory created by OpenPackage.
// It is a no-op for a package that was already a plain directory.
func (p *OpenedPackage) Close() {
	if p.cleanup != nil {
		p.cleanup()
	}
}

// OpenPackage stages src (a .zip file or a directory) for installation:
// parses its manifest, and if src is a ZIP, extracts it into a scratch
// directory under the OS temp directory first.
func OpenPackage(src string) (*OpenedPackage, error) {
	fi, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("plugin: opening package %s: %w", src, err)
	}

	if fi.IsDir() {
		data, err := os.ReadFile(filepath.Join(src, manifestFileName))
		if err != nil {
			return nil, fmt.Errorf("plugin: reading manifest: %w", err)
		}
		m, err := ParseManifest(data)
		if err != nil {
			return nil, err
		}
		return &OpenedPackage{Manifest: m, Dir: src, Raw: data, Checksum: Checksum(data)}, nil
	}

	raw, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("plugin: reading package %s: %w", src, err)
	}

	dir, err := os.MkdirTemp("", "plugin-install-*")
	if err != nil {
		return nil, fmt.Errorf("plugin: creating scratch dir: %w", err)
	}
	if err := extractZip(src, dir); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, manifestFileName))
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("plugin: reading manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &OpenedPackage{
		Manifest: m,
		Dir:      dir,
		Raw:      raw,
		Checksum: Checksum(raw),
		cleanup:  func() { os.RemoveAll(dir) },
	}, nil
}

func extractZip(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("plugin: opening zip %s: %w", src, err)
	}
	defer r.Close()

	for _, f := range r.File {
		target := filepath.Join(dest, f.Name)
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) && target != filepath.Clean(dest) {
			return fmt.Errorf("plugin: zip entry %q escapes destination", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := extractZipFile(f, target); err != nil {
			return err
		}
	}
	return nil
}

func extractZipFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

// VersionedPath returns the install destination for name@version beneath
// pluginsRoot.
func VersionedPath(pluginsRoot, name, version string) string {
	return filepath.Join(pluginsRoot, name, version)
}

// CopyTree recursively copies src into dst, creating dst if needed.
func CopyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
