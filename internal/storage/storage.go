// SPDX-License-Identifier: MIT

// Package storage implements the filesystem-backed Storage interface the
// core depends on (§6): opaque path-like keys resolved under an upload or
// output root, with traversal escapes rejected.
package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-faster/errors"
)

// Interface is the storage collaborator the dispatch core consumes. The core
// never touches a filesystem path directly, only this interface, so a test
// double or an object-store-backed implementation can stand in unchanged.
type Interface interface {
	SaveInput(data []byte, key string) error
	ReadInput(key string) ([]byte, error)
	SaveOutput(data []byte, key string) error
	ReadOutput(key string) ([]byte, error)
	Delete(keys ...string) error
}

// FS is a filesystem-backed Interface rooted at two directories, one for
// validated inputs and one for generated outputs.
type FS struct {
	uploadDir string
	outputDir string
}

// New returns an FS rooted at uploadDir and outputDir, creating both if
// necessary.
func New(uploadDir, outputDir string) (*FS, error) {
	for _, d := range []string{uploadDir, outputDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create storage dir %s", d)
		}
	}
	return &FS{uploadDir: uploadDir, outputDir: outputDir}, nil
}

// keyPattern is the grammar every storage key must match: exactly two
// slash-separated segments, an opaque one (a job id or content hash) and a
// filename. The pattern alone admits ".." as a segment and glob
// metacharacters inside a segment; safeResolve rejects absolute keys and
// backslashes before matching and keys that resolve outside the root after.
const keyPattern = "*/*"

func safeResolve(root, key string) (string, error) {
	if key == "" {
		return "", errors.New("empty storage key")
	}
	if filepath.IsAbs(key) || strings.Contains(key, "\\") {
		return "", errors.Newf("invalid storage key %q", key)
	}
	ok, err := doublestar.Match(keyPattern, key)
	if err != nil {
		return "", errors.Wrap(err, "match storage key")
	}
	if !ok {
		return "", errors.Newf("storage key %q does not match expected job/file layout", key)
	}

	base, err := filepath.Abs(root)
	if err != nil {
		return "", errors.Wrap(err, "resolve storage root")
	}
	target := filepath.Join(base, key)
	if !strings.HasPrefix(target, base+string(filepath.Separator)) {
		return "", errors.Newf("storage key %q escapes root", key)
	}
	return target, nil
}

func writeFile(root, key string, data []byte) error {
	target, err := safeResolve(root, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrap(err, "create parent dir")
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return errors.Wrap(err, "write file")
	}
	return nil
}

func readFile(root, key string) ([]byte, error) {
	target, err := safeResolve(root, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return nil, errors.Wrap(err, "read file")
	}
	return data, nil
}

// SaveInput writes validated input bytes under key, relative to the upload
// root.
func (f *FS) SaveInput(data []byte, key string) error {
	return writeFile(f.uploadDir, key, data)
}

// ReadInput reads input bytes at key, relative to the upload root.
func (f *FS) ReadInput(key string) ([]byte, error) {
	return readFile(f.uploadDir, key)
}

// SaveOutput writes generated artifact bytes under key, relative to the
// output root.
func (f *FS) SaveOutput(data []byte, key string) error {
	return writeFile(f.outputDir, key, data)
}

// ReadOutput reads artifact bytes at key, relative to the output root.
func (f *FS) ReadOutput(key string) ([]byte, error) {
	return readFile(f.outputDir, key)
}

// Delete removes each key from both roots; missing files are not an error.
func (f *FS) Delete(keys ...string) error {
	for _, key := range keys {
		if key == "" {
			continue
		}
		for _, root := range []string{f.uploadDir, f.outputDir} {
			target, err := safeResolve(root, key)
			if err != nil {
				continue
			}
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "delete %s", key)
			}
		}
	}
	return nil
}
