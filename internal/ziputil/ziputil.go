// Package ziputil builds and extracts the call/result ZIP packages the
// Client Engine and Step Handler exchange as bundle payloads (spec §4.4
// step 5, §4.6 steps 2-3 and 11).
package ziputil

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Build archives files (a map of archive-relative name to local filesystem
// path) into a ZIP and returns the resulting bytes.
func Build(files map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for name, path := range files {
		if err := addFile(zw, name, path); err != nil {
			return nil, fmt.Errorf("ziputil: adding %s: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("ziputil: closing archive: %w", err)
	}
	return buf.Bytes(), nil
}

func addFile(zw *zip.Writer, name, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}

// Extract unpacks payload into destDir, which must already exist. It
// returns an error wrapping zip.ErrFormat-compatible failures so callers can
// translate "not a valid ZIP" into a protocol ERROR (spec §4.6 step 2).
func Extract(payload []byte, destDir string) error {
	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return fmt.Errorf("ziputil: not a valid zip: %w", err)
	}

	for _, f := range zr.File {
		// Reject path traversal — every entry must stay inside destDir.
		cleanName := filepath.Clean(f.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return fmt.Errorf("ziputil: entry %q escapes archive root", f.Name)
		}
		target := filepath.Join(destDir, cleanName)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("ziputil: creating dir %s: %w", target, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("ziputil: creating dir for %s: %w", target, err)
		}

		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("ziputil: extracting %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, rc)
	return err
}

// FindByExt returns the path of the single file under dir (non-recursive)
// whose name has the given extension (e.g. ".jb"). Errors if zero or more
// than one match is found.
func FindByExt(dir, ext string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("ziputil: reading %s: %w", dir, err)
	}

	var matches []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(e.Name()), ext) {
			matches = append(matches, filepath.Join(dir, e.Name()))
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("ziputil: no %s file found in %s", ext, dir)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ziputil: multiple %s files found in %s: %v", ext, dir, matches)
	}
}

// BuildFromDir archives every file under dir (recursively), using paths
// relative to dir as archive entry names. Used to build result/forward
// packages from a working directory (spec §4.6 step 11: "stripping <base>/").
func BuildFromDir(dir string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		return addFile(zw, filepath.ToSlash(rel), path)
	})
	if err != nil {
		return nil, fmt.Errorf("ziputil: walking %s: %w", dir, err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("ziputil: closing archive: %w", err)
	}
	return buf.Bytes(), nil
}
