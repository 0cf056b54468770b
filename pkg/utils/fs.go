package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to path via a temp file and rename, so readers
// never observe a partial write. The temp file lives in the target directory
// to keep the rename on one filesystem.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// PathWithin reports whether rel, once cleaned, stays inside one of the given
// root prefixes. Roots and rel are workspace-relative slash paths.
func PathWithin(rel string, roots []string) bool {
	clean := filepath.ToSlash(filepath.Clean(rel))
	if clean == ".." || len(clean) >= 3 && clean[:3] == "../" {
		return false
	}
	for _, root := range roots {
		r := filepath.ToSlash(filepath.Clean(root))
		if r == "." || clean == r {
			return true
		}
		if len(clean) > len(r) && clean[:len(r)] == r && clean[len(r)] == '/' {
			return true
		}
	}
	return false
}
