// Package fsutil provides small filesystem helpers used by the data-file
// writer and the startup path checks.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Exists checks if a file or directory exists.
func Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

// EnsureDir creates the directory (and parents) if it does not exist.
func EnsureDir(path string) error {
	if Exists(path) {
		return nil
	}
	return os.MkdirAll(path, 0o755)
}

// RenameNonColliding moves an existing file out of the way by renaming it to
// the first non-colliding "name.N.ext" sibling. It is a no-op when the path
// does not exist. The new name is returned for logging.
func RenameNonColliding(path string) (string, error) {
	if !Exists(path) {
		return "", nil
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	for i := 0; ; i++ {
		candidate := fmt.Sprintf("%s.%d%s", stem, i, ext)
		if Exists(candidate) {
			continue
		}
		if err := os.Rename(path, candidate); err != nil {
			return "", fmt.Errorf("failed to rename %s: %w", path, err)
		}
		return candidate, nil
	}
}
