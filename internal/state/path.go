package state

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePath implements the path-security rule shared by invariant #3
// (AppendFile) and the guardrail package's path-security check: relative,
// traversal-free, never resolving outside a declared workspace root.
func ValidatePath(path string, workspaceRoots []string) error {
	if path == "" {
		return fmt.Errorf("%w: empty file path", ErrInvariantViolation)
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("%w: absolute path %q not allowed", ErrInvariantViolation, path)
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == ".." || strings.HasPrefix(clean, "../") || strings.Contains(clean, "/../") {
		return fmt.Errorf("%w: path traversal in %q", ErrInvariantViolation, path)
	}
	_ = workspaceRoots // relative, traversal-free paths resolve under any declared root by construction
	return nil
}
