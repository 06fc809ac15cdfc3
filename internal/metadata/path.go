package metadata

import (
	"fmt"
	"strings"
	"unicode"
)

// Path is a normalized metadata path relative to the meta-data root, without
// leading or trailing slashes. The empty Path is the root itself.
type Path string

// ParsePath validates s and returns it as a Path. A single leading or
// trailing slash is accepted and dropped.
func ParsePath(s string) (Path, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "/")
	s = strings.TrimSuffix(s, "/")
	if s == "" {
		return "", nil
	}
	for _, seg := range strings.Split(s, "/") {
		if err := validSegment(seg); err != nil {
			return "", fmt.Errorf("%w %q: %v", ErrInvalidPath, s, err)
		}
	}
	return Path(s), nil
}

// MustParsePath is ParsePath for constants; it panics on invalid input.
func MustParsePath(s string) Path {
	p, err := ParsePath(s)
	if err != nil {
		panic(err)
	}
	return p
}

func validSegment(seg string) error {
	switch seg {
	case "":
		return fmt.Errorf("empty segment")
	case ".", "..":
		return fmt.Errorf("traversal segment %q", seg)
	}
	for _, r := range seg {
		if unicode.IsSpace(r) || unicode.IsControl(r) || strings.ContainsRune("/?#%", r) {
			return fmt.Errorf("character %q not allowed", r)
		}
	}
	return nil
}

// Join returns the child path p/name. name is a single segment as it appears in
// a directory listing, with any trailing slash already removed.
func (p Path) Join(name string) Path {
	if p == "" {
		return Path(name)
	}
	return Path(string(p) + "/" + name)
}

// Segments splits p into its components. The root has none.
func (p Path) Segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), "/")
}

// Depth is the number of segments in p.
func (p Path) Depth() int { return len(p.Segments()) }

// Parent returns the directory containing p and p's last segment.
func (p Path) Parent() (Path, string) {
	i := strings.LastIndexByte(string(p), '/')
	if i < 0 {
		return "", string(p)
	}
	return p[:i], string(p[i+1:])
}

// Rel returns p relative to root. p must be root or below it.
func (p Path) Rel(root Path) string {
	if root == "" {
		return string(p)
	}
	if p == root {
		return ""
	}
	return strings.TrimPrefix(string(p), string(root)+"/")
}

// URLPath is the request path for p under PathMetadata. IMDS serves a
// directory listing with or without the trailing slash, so none is added.
func (p Path) URLPath() string {
	return PathMetadata + string(p)
}

func (p Path) String() string {
	if p == "" {
		return "/"
	}
	return string(p)
}
