package metadata

import "strings"

// Kind says whether a Node is a directory or a leaf.
type Kind int

const (
	KindLeaf Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	if k == KindDirectory {
		return "directory"
	}
	return "leaf"
}

// Node is one entry of the metadata namespace. A leaf carries Value, a
// directory carries Children; the other field is always empty.
type Node struct {
	Path     Path
	Kind     Kind
	Value    string
	Children []Node
}

// entry is one line of a directory listing.
type entry struct {
	name string
	kind Kind
}

// parseListing splits a directory listing into entries, in server order.
// Names ending in "/" are directories. IMDS lists public keys as "0=name"
// while serving them under "0/", so such entries become directory "0".
// Lines that are not valid path segments are returned separately.
func parseListing(body []byte) (entries []entry, invalid []string) {
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		e := entry{name: line, kind: KindLeaf}
		if strings.HasSuffix(e.name, "/") {
			e.name = strings.TrimSuffix(e.name, "/")
			e.kind = KindDirectory
		}
		if i := strings.IndexByte(e.name, '='); i > 0 {
			e.name = e.name[:i]
			e.kind = KindDirectory
		}
		if validSegment(e.name) != nil {
			invalid = append(invalid, line)
			continue
		}
		entries = append(entries, e)
	}
	return entries, invalid
}
