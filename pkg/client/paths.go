package client

import (
	"path"
	"strings"
)

// CleanPath normalizes a remote path: backslashes become slashes, duplicate
// separators and dot segments are removed, and the empty path becomes ".".
// Absolute paths stay absolute and can never climb above "/".
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

// JoinPath joins a base path and a remote path. An absolute p is returned
// as-is; a relative p is resolved beneath base.
func JoinPath(base, p string) string {
	p = CleanPath(p)
	if base == "" || strings.HasPrefix(p, "/") {
		return p
	}
	if p == "." {
		return CleanPath(base)
	}
	return CleanPath(path.Join(base, p))
}

// ParentDir returns the directory containing p.
func ParentDir(p string) string {
	return path.Dir(CleanPath(p))
}

// BaseName returns the last element of p.
func BaseName(p string) string {
	return path.Base(CleanPath(p))
}

// SplitComponents returns the cumulative prefixes of p, from the top-most
// component down to p itself. "/a/b/c" yields "/a", "/a/b", "/a/b/c".
func SplitComponents(p string) []string {
	p = CleanPath(p)
	if p == "/" || p == "." {
		return nil
	}

	absolute := strings.HasPrefix(p, "/")
	parts := strings.Split(strings.Trim(p, "/"), "/")

	prefixes := make([]string, 0, len(parts))
	current := ""
	for _, part := range parts {
		if current == "" {
			current = part
			if absolute {
				current = "/" + part
			}
		} else {
			current = current + "/" + part
		}
		prefixes = append(prefixes, current)
	}
	return prefixes
}

// IsRoot reports whether p names the root or current directory.
func IsRoot(p string) bool {
	p = CleanPath(p)
	return p == "/" || p == "."
}
