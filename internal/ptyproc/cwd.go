package ptyproc

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/notforyou23/evobrew-termcore/internal/tcerr"
)

// ValidateCwd normalizes cwd, requires it to exist and be a directory, and
// (if allowedRoot is non-empty) requires it to resolve inside allowedRoot
// after symlink canonicalization on both sides (spec.md §4.1, invariant 6).
func ValidateCwd(cwd, allowedRoot string) (string, error) {
	if cwd == "" {
		var err error
		cwd, err = os.Getwd()
		if err != nil {
			return "", tcerr.New(tcerr.InvalidCwd, "cannot determine default cwd: %v", err)
		}
	}

	abs, err := filepath.Abs(cwd)
	if err != nil {
		return "", tcerr.New(tcerr.InvalidCwd, "cannot resolve %q: %v", cwd, err)
	}
	abs = filepath.Clean(abs)

	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", tcerr.New(tcerr.InvalidCwd, "cwd does not exist or is not a directory: %s", abs)
	}

	if allowedRoot == "" {
		return abs, nil
	}

	canonRoot, err := canonicalize(allowedRoot)
	if err != nil {
		return "", tcerr.New(tcerr.InvalidCwd, "cannot canonicalize allowed root %q: %v", allowedRoot, err)
	}
	canonCwd, err := canonicalize(abs)
	if err != nil {
		return "", tcerr.New(tcerr.InvalidCwd, "cannot canonicalize %q: %v", abs, err)
	}

	if canonCwd != canonRoot && !strings.HasPrefix(canonCwd, canonRoot+string(filepath.Separator)) {
		return "", tcerr.New(tcerr.OutsideAllowedRoot, "cwd %s escapes allowed root %s", canonCwd, canonRoot)
	}

	return abs, nil
}

// canonicalize resolves symlinks in path. If path itself does not exist, it
// walks up to the deepest existing ancestor, canonicalizes that ancestor,
// and reattaches the non-existent suffix — the same "walk parents for
// non-existent leaves" rule spec.md §4.1 calls for so a not-yet-created
// target can still be checked against the allowed root.
func canonicalize(path string) (string, error) {
	path = filepath.Clean(path)

	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real, nil
	}

	var suffix []string
	cur := path
	for {
		if _, err := os.Stat(cur); err == nil {
			break
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			// Reached the filesystem root without finding anything real.
			return path, nil
		}
		suffix = append([]string{filepath.Base(cur)}, suffix...)
		cur = parent
	}

	realAncestor, err := filepath.EvalSymlinks(cur)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{realAncestor}, suffix...)...), nil
}
