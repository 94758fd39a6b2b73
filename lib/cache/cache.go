// Package cache is the content-addressed script store. Scripts are written
// once per distinct content hash and shared across runs and across tasks
// with identical bodies.
package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"weft/lib"
)

type Cache struct {
	Dir string
}

// New opens (creating if needed) the cache directory.
func New(dir string) (Cache, error) {
	if err := lib.InitPath(dir); err != nil {
		return Cache{}, fmt.Errorf("cache: init %q: %w", dir, err)
	}
	return Cache{Dir: dir}, nil
}

// Store writes content under its blake3 hash and returns the hash.
// Idempotent: re-storing identical content is a no-op.
func (c Cache) Store(content []byte) (string, error) {
	hash := lib.HashContent(content)
	path := c.Path(hash)

	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}

	// Write-then-rename so a crash never leaves a partial entry under a
	// valid hash name.
	tmp, err := os.CreateTemp(c.Dir, ".store-*")
	if err != nil {
		return "", fmt.Errorf("cache: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("cache: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("cache: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("cache: rename: %w", err)
	}
	return hash, nil
}

// Path returns the on-disk location for a content hash.
func (c Cache) Path(hash string) string {
	return filepath.Join(c.Dir, hash)
}

// Has reports whether a hash is present.
func (c Cache) Has(hash string) bool {
	_, err := os.Stat(c.Path(hash))
	return err == nil
}
