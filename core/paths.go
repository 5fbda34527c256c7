package core

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/qbit-ai/qbitsync/schema"
)

// ResolveWorkingDir expands and validates a requested session working
// directory against the configured default. Relative paths resolve under
// the default, "~" expands to the caller's home, and the result must be
// an existing directory.
func ResolveWorkingDir(defaultDir, requested string) (string, error) {
	dir := strings.TrimSpace(requested)
	if dir == "" {
		dir = defaultDir
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(defaultDir, dir)
	}
	dir = filepath.Clean(dir)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return "", schema.ErrInvalidWorkDir
	}
	return dir, nil
}
