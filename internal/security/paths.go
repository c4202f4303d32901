// Package security guards the filesystem surfaces that consume external
// names: the clip inbox and recorder-supplied identifiers.
package security

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fieldvision-data/crosscam.report/internal/fault"
)

// WithinDir rejects paths that resolve outside dir, including escapes through
// symlinks planted inside it. dir must exist.
func WithinDir(path, dir string) error {
	absPath, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}

	canonDir, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dir, err)
	}
	canonPath := canonicalize(absPath)

	rel, err := filepath.Rel(canonDir, canonPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%s escapes %s: %w", path, dir, fault.ErrBadInput)
	}
	return nil
}

// canonicalize resolves symlinks along path. When the leaf does not exist yet
// the nearest existing ancestor is resolved instead, so a symlinked parent
// cannot smuggle the path out of the inbox.
func canonicalize(absPath string) string {
	if resolved, err := filepath.EvalSymlinks(absPath); err == nil {
		return resolved
	}
	for dir := filepath.Dir(absPath); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rel, rerr := filepath.Rel(dir, absPath)
			if rerr != nil {
				return absPath
			}
			return filepath.Join(resolved, rel)
		}
		if dir == filepath.Dir(dir) {
			return absPath
		}
	}
}

// SanitizeName makes a safe path component from an external identifier:
// anything outside ASCII letters, digits, dot, underscore and dash becomes an
// underscore, runs collapse, and the result is capped at 128 bytes.
func SanitizeName(s string) string {
	if s == "" {
		return "unknown"
	}
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		safe := r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if safe {
			b.WriteRune(r)
			lastUnderscore = r == '_'
		} else if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
		if b.Len() >= maxLen {
			break
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" || out == "." || out == ".." {
		return "unknown"
	}
	return out
}
