package metadata

import (
	"path"
	"strings"
)

// Clean normalizes p to an absolute slash path without a trailing slash.
// The root is "/".
func Clean(p string) string {
	return path.Clean("/" + p)
}

// Split returns the parent directory and final segment of a clean path.
func Split(p string) (dir, name string) {
	if p == "/" {
		return "/", ""
	}
	i := strings.LastIndexByte(p, '/')
	dir = p[:i]
	if dir == "" {
		dir = "/"
	}
	return dir, p[i+1:]
}

// Ancestors returns the proper ancestors of a clean path, nearest first,
// excluding the root.
func Ancestors(p string) []string {
	var out []string
	for {
		dir, _ := Split(p)
		if dir == "/" {
			return out
		}
		out = append(out, dir)
		p = dir
	}
}

// IsUnder reports whether p equals prefix or lies below it, comparing whole
// segments: /a/path is not under /a/pa.
func IsUnder(p, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(p, prefix) {
		return false
	}
	return len(p) == len(prefix) || p[len(prefix)] == '/'
}

// Rel returns p relative to the directory dir, or "" when p is dir.
func Rel(dir, p string) string {
	if dir == "/" {
		return strings.TrimPrefix(p, "/")
	}
	return strings.TrimPrefix(strings.TrimPrefix(p, dir), "/")
}
