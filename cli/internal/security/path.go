package security

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// ResolveWithin resolves target against boundary and ensures the result does
// not escape it. Relative targets are taken relative to boundary. Existing
// paths are compared after resolving symlinks, so a link inside the boundary
// that points outside it is rejected too.
//
// Example, with boundary "/srv/chatflow":
//
//	"flows"                    -> "/srv/chatflow/flows"
//	"/srv/chatflow/flows/a.yml" -> unchanged
//	"../secrets"               -> error
func ResolveWithin(boundary, target string) (string, error) {
	absBoundary, err := filepath.Abs(boundary)
	if err != nil {
		return "", fmt.Errorf("failed to resolve boundary path %q: %w", boundary, err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(absBoundary, target)
	}
	absTarget := filepath.Clean(target)

	if err := within(absBoundary, absTarget); err != nil {
		return "", fmt.Errorf("%q escapes %q: %w", target, boundary, err)
	}

	realBoundary, err := evalExisting(absBoundary)
	if err != nil {
		return "", err
	}
	realTarget, err := evalExisting(absTarget)
	if err != nil {
		return "", err
	}
	if err := within(realBoundary, realTarget); err != nil {
		return "", fmt.Errorf("%q resolves outside %q: %w", target, boundary, err)
	}
	return absTarget, nil
}

var errTraversal = errors.New("path traversal detected")

func within(boundary, target string) error {
	rel, err := filepath.Rel(boundary, target)
	if err != nil {
		return fmt.Errorf("invalid path relationship between %q and %q: %w", boundary, target, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return errTraversal
	}
	return nil
}

// evalExisting resolves symlinks when the path exists and returns it
// unchanged otherwise.
func evalExisting(path string) (string, error) {
	real, err := filepath.EvalSymlinks(path)
	if errors.Is(err, fs.ErrNotExist) {
		return path, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve %q: %w", path, err)
	}
	return real, nil
}
