// Package stagecache decides whether a pipeline stage can be skipped.
// The external contract is existence-based: a stage is complete only if
// every artifact in its declared output set exists and is non-empty, so a
// partial set always triggers a full stage re-run. On top of that the
// cache keeps a YAML completion manifest recording each artifact's size
// and content hash plus the registration backend that produced the tree;
// a recorded size that no longer matches marks the stage incomplete,
// closing the truncated-file gap without changing observable
// skip-if-present behavior for valid artifacts.
package stagecache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Entry records one completed artifact.
type Entry struct {
	Size   int64  `yaml:"size"`
	SHA256 string `yaml:"sha256"`
}

type manifest struct {
	// Backend namespaces the registration artifacts: artifacts recorded
	// under a different backend must not be trusted at the same prefix.
	Backend   string           `yaml:"backend,omitempty"`
	Artifacts map[string]Entry `yaml:"artifacts"`
}

// Cache is the completion ledger for one output directory.
type Cache struct {
	path     string
	manifest manifest
}

// Open loads the manifest at path, or starts an empty one if none exists.
func Open(path string) (*Cache, error) {
	c := &Cache{path: path}
	c.manifest.Artifacts = make(map[string]Entry)

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &c.manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if c.manifest.Artifacts == nil {
		c.manifest.Artifacts = make(map[string]Entry)
	}
	return c, nil
}

// Backend returns the backend name recorded in the manifest, if any.
func (c *Cache) Backend() string { return c.manifest.Backend }

// SetBackend records the backend producing this tree and persists the
// manifest.
func (c *Cache) SetBackend(name string) error {
	c.manifest.Backend = name
	return c.save()
}

// IsComplete reports whether every artifact in the set exists, is
// non-empty, and matches its recorded size when one was recorded.
func (c *Cache) IsComplete(paths []string) bool {
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			return false
		}
		if entry, ok := c.manifest.Artifacts[c.key(path)]; ok && entry.Size != info.Size() {
			return false
		}
	}
	return len(paths) > 0
}

// Record registers a stage's artifacts as complete and persists the
// manifest. Every path must exist; recording a missing artifact is a
// programming error surfaced as a failure.
func (c *Cache) Record(paths []string) error {
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("cannot record missing artifact %s: %w", path, err)
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		c.manifest.Artifacts[c.key(path)] = Entry{Size: info.Size(), SHA256: sum}
	}
	return c.save()
}

// key stores paths relative to the manifest's directory so the output
// tree stays relocatable.
func (c *Cache) key(path string) string {
	rel, err := filepath.Rel(filepath.Dir(c.path), path)
	if err != nil {
		return path
	}
	return rel
}

func (c *Cache) save() error {
	raw, err := yaml.Marshal(&c.manifest)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(c.path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", c.path, err)
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
