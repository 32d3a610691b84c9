package backend

import (
	"path"
	"strings"
)

// ResolvePath normalizes a relative artifact path and rejects anything that
// would escape the adapter root. The result uses forward slashes, has no
// leading or trailing slash and contains no "." or ".." segments. The empty
// string refers to the root itself.
func ResolvePath(p string) (string, error) {
	if strings.ContainsRune(p, '\x00') {
		return "", ErrInvalidPath.New("%q contains NUL", p)
	}
	if strings.Contains(p, "\\") {
		return "", ErrInvalidPath.New("%q contains backslash", p)
	}

	cleaned := path.Clean("/" + p)
	if cleaned == "/" {
		return "", nil
	}
	cleaned = strings.TrimPrefix(cleaned, "/")
	for _, segment := range strings.Split(cleaned, "/") {
		if segment == ".." || segment == "." || segment == "" {
			return "", ErrInvalidPath.New("%q escapes the root", p)
		}
	}
	return cleaned, nil
}

// ParentPath returns the parent of a normalized path and whether one exists.
func ParentPath(p string) (string, bool) {
	if p == "" {
		return "", false
	}
	idx := strings.LastIndexByte(p, '/')
	if idx < 0 {
		return "", true
	}
	return p[:idx], true
}

// BaseName returns the final segment of a normalized path.
func BaseName(p string) string {
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// Depth returns the number of segments in a normalized path. The root has
// depth zero.
func Depth(p string) int {
	if p == "" {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// IsAncestor reports whether ancestor is a strict prefix of descendant in
// path-segment terms.
func IsAncestor(ancestor, descendant string) bool {
	if ancestor == "" {
		return descendant != ""
	}
	return strings.HasPrefix(descendant, ancestor+"/")
}

// Rebase swaps the fromPrefix of a normalized path for toPrefix. It assumes
// IsAncestor(fromPrefix, p) or p == fromPrefix.
func Rebase(p, fromPrefix, toPrefix string) string {
	if p == fromPrefix {
		return toPrefix
	}
	suffix := strings.TrimPrefix(p, fromPrefix+"/")
	if toPrefix == "" {
		return suffix
	}
	return toPrefix + "/" + suffix
}
