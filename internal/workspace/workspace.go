// Package workspace manages the engine's cached execution state for a
// template directory.  Each template directory maps to one workspace
// under the cache root, keyed by a digest of the directory's filesystem
// path.  The digest is a path identity, not a content hash -- it matches
// how the provisioning engine namespaces its local working directories,
// so deleting the workspace is always safe before a fresh apply.
package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultRoot returns the default workspace cache root:
// <system temp dir>/embervm.
func DefaultRoot() string {
	return filepath.Join(os.TempDir(), "embervm")
}

// Identity returns the stable hex digest identifying the workspace for
// templateDir.  The same path always yields the same digest; distinct
// paths yield distinct digests.
func Identity(templateDir string) string {
	abs, err := filepath.Abs(templateDir)
	if err != nil {
		// Abs only fails when the working directory is gone; fall back
		// to the cleaned path so the digest is still deterministic.
		abs = filepath.Clean(templateDir)
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])
}

// Dir returns the workspace directory for templateDir under root.
func Dir(root, templateDir string) string {
	return filepath.Join(root, Identity(templateDir))
}

// Invalidate removes any cached workspace for templateDir under root.
// A missing workspace is not an error, and invalidating twice leaves
// the same end state as invalidating once.  Removal failures propagate:
// a half-deleted workspace would make the next apply non-deterministic.
func Invalidate(root, templateDir string) error {
	dir := Dir(root, templateDir)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat workspace %s: %w", dir, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing stale workspace %s: %w", dir, err)
	}
	return nil
}
