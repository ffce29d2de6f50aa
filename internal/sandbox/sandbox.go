// Package sandbox confines filesystem access to the configured project
// roots. Paths are canonicalized before checking so symlinks cannot escape
// the boundary, and a fixed set of system prefixes is rejected both before
// and after canonicalization.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrOutsideRoot marks a path that escapes every configured project root
	// or lands under a denied system prefix.
	ErrOutsideRoot = errors.New("path outside sandbox")
	// ErrNotFound marks a read target that does not exist.
	ErrNotFound = errors.New("file not found")
)

// deniedPrefixes are rejected regardless of the configured roots.
var deniedPrefixes = []string{"/etc", "/var", "/root", "/usr", "/boot", "/proc"}

// Guard resolves and validates paths against a live set of project roots.
// The roots function is consulted on every call so config reloads take
// effect without restarting connections.
type Guard struct {
	roots func() []string
}

// New builds a Guard over a live project-root source.
func New(roots func() []string) *Guard {
	return &Guard{roots: roots}
}

// ResolveRead canonicalizes path for a read. The target must exist; a
// missing file is ErrNotFound, an escape is ErrOutsideRoot.
func (g *Guard) ResolveRead(path string) (string, error) {
	abs, err := g.absolutize(path)
	if err != nil {
		return "", err
	}
	if denied(abs) {
		return "", fmt.Errorf("%w: %s is under a denied system prefix", ErrOutsideRoot, abs)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, abs)
		}
		return "", fmt.Errorf("resolve %s: %w", abs, err)
	}
	return g.admit(resolved)
}

// ResolveWrite canonicalizes path for a write. The file itself may not
// exist yet; the nearest existing ancestor is resolved and the remaining
// segments are rejoined, so a symlinked ancestor cannot escape.
func (g *Guard) ResolveWrite(path string) (string, error) {
	abs, err := g.absolutize(path)
	if err != nil {
		return "", err
	}
	if denied(abs) {
		return "", fmt.Errorf("%w: %s is under a denied system prefix", ErrOutsideRoot, abs)
	}
	resolved, err := resolveLenient(abs)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", abs, err)
	}
	return g.admit(resolved)
}

func (g *Guard) absolutize(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideRoot)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("absolutize %s: %w", path, err)
	}
	return filepath.Clean(abs), nil
}

// admit applies the post-canonicalization checks: denied prefixes again
// (the symlink target may point into one) and the project-root test.
func (g *Guard) admit(resolved string) (string, error) {
	if denied(resolved) {
		return "", fmt.Errorf("%w: %s resolves under a denied system prefix", ErrOutsideRoot, resolved)
	}
	for _, root := range g.roots() {
		rootAbs, err := filepath.Abs(strings.TrimSpace(root))
		if err != nil || rootAbs == "" {
			continue
		}
		if eval, evalErr := filepath.EvalSymlinks(rootAbs); evalErr == nil {
			rootAbs = eval
		}
		if resolved == rootAbs || strings.HasPrefix(resolved, rootAbs+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", fmt.Errorf("%w: %s is not under any project root", ErrOutsideRoot, resolved)
}

// resolveLenient resolves symlinks on the longest existing ancestor and
// rejoins the non-existing tail.
func resolveLenient(abs string) (string, error) {
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	dir, base := filepath.Dir(abs), filepath.Base(abs)
	var tail []string
	for {
		tail = append([]string{base}, tail...)
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			return filepath.Join(append([]string{resolved}, tail...)...), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		next := filepath.Dir(dir)
		if next == dir {
			return "", err
		}
		dir, base = next, filepath.Base(dir)
	}
}

func denied(path string) bool {
	for _, prefix := range deniedPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
