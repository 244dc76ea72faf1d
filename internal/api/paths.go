package api

import (
	"fmt"
	"path/filepath"
	"strings"
)

// cleanDir returns dir cleaned, requiring it to be absolute and inside one
// of roots.
func cleanDir(dir string, roots []string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("%w: missing directory", errInvalidRequest)
	}
	clean := filepath.Clean(dir)
	if !filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: %s must be absolute", errInvalidRequest, dir)
	}
	for _, root := range roots {
		if within(filepath.Clean(root), clean) {
			return clean, nil
		}
	}
	return "", fmt.Errorf("%w: %s must be within %s", errInvalidRequest, dir, strings.Join(roots, ", "))
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
