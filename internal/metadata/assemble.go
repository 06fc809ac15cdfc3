package metadata

import (
	"bytes"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/go-json-experiment/json/jsontext"
)

// ResultTree is an insertion-ordered mapping from key to value.
type ResultTree struct {
	keys   []string
	values map[string]string
}

func NewResultTree() *ResultTree {
	return &ResultTree{values: make(map[string]string)}
}

// Set adds or replaces key. A replaced key keeps its original position.
func (t *ResultTree) Set(key, value string) {
	if _, ok := t.values[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.values[key] = value
}

func (t *ResultTree) Get(key string) (string, bool) {
	v, ok := t.values[key]
	return v, ok
}

// Keys returns the keys in insertion order.
func (t *ResultTree) Keys() []string { return slices.Clone(t.keys) }

func (t *ResultTree) Len() int { return len(t.keys) }

// WriteJSON writes t as a single JSON object followed by a newline.
func (t *ResultTree) WriteJSON(w io.Writer, pretty bool) error {
	enc := newEncoder(w, pretty)
	if err := enc.WriteToken(jsontext.BeginObject); err != nil {
		return err
	}
	for _, k := range t.keys {
		if err := enc.WriteToken(jsontext.String(k)); err != nil {
			return err
		}
		if err := enc.WriteToken(jsontext.String(t.values[k])); err != nil {
			return err
		}
	}
	return enc.WriteToken(jsontext.EndObject)
}

func (t *ResultTree) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := t.WriteJSON(&buf, false); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// AssembleOptions controls how node paths become result keys.
type AssembleOptions struct {
	// Separator joins path segments; "/" if empty.
	Separator string
}

// Assemble flattens leaf nodes into a ResultTree keyed by each node's path
// relative to root, in the order given. Directory nodes are skipped. When a
// non-"/" separator makes two paths flatten to the same key, the first value
// is kept and the later path is returned as a Failure wrapping
// ErrKeyCollision.
func Assemble(root Path, nodes []Node, opts AssembleOptions) (*ResultTree, []Failure) {
	sep := opts.Separator
	if sep == "" {
		sep = "/"
	}
	t := NewResultTree()
	var (
		collisions []Failure
		owners     = make(map[string]Path)
	)
	for _, n := range nodes {
		if n.Kind != KindLeaf {
			continue
		}
		key := n.Path.Rel(root)
		if sep != "/" {
			key = strings.ReplaceAll(key, "/", sep)
		}
		if first, ok := owners[key]; ok && first != n.Path {
			collisions = append(collisions, Failure{
				Path: n.Path,
				Err:  fmt.Errorf("%w: %q already holds %s", ErrKeyCollision, key, first.String()),
			})
			continue
		}
		owners[key] = n.Path
		t.Set(key, n.Value)
	}
	return t, collisions
}

// AssembleSingle returns the one-entry tree for a resolved key.
func AssembleSingle(key, value string) *ResultTree {
	t := NewResultTree()
	t.Set(key, value)
	return t
}

type nestItem struct {
	segs []string
	node Node
}

// Nest rebuilds the directory structure of leaf nodes below root. Children
// appear in the order their first leaf appears in nodes.
func Nest(root Path, nodes []Node) Node {
	items := make([]nestItem, 0, len(nodes))
	for _, n := range nodes {
		rel := n.Path.Rel(root)
		if n.Kind != KindLeaf || rel == "" {
			continue
		}
		items = append(items, nestItem{segs: strings.Split(rel, "/"), node: n})
	}
	return nestDir(root, items)
}

func nestDir(p Path, items []nestItem) Node {
	type slot struct {
		name  string
		leaf  *Node
		items []nestItem
	}
	var slots []*slot
	dirs := make(map[string]*slot)
	for _, it := range items {
		name := it.segs[0]
		if len(it.segs) == 1 {
			leaf := it.node
			slots = append(slots, &slot{name: name, leaf: &leaf})
			continue
		}
		s, ok := dirs[name]
		if !ok {
			s = &slot{name: name}
			dirs[name] = s
			slots = append(slots, s)
		}
		s.items = append(s.items, nestItem{segs: it.segs[1:], node: it.node})
	}

	dir := Node{Path: p, Kind: KindDirectory}
	for _, s := range slots {
		if s.leaf != nil {
			dir.Children = append(dir.Children, *s.leaf)
			continue
		}
		dir.Children = append(dir.Children, nestDir(p.Join(s.name), s.items))
	}
	return dir
}

// WriteNestedJSON writes a directory node as nested JSON objects keyed by
// each child's last path segment.
func WriteNestedJSON(w io.Writer, dir Node, pretty bool) error {
	enc := newEncoder(w, pretty)
	return writeNode(enc, dir)
}

func writeNode(enc *jsontext.Encoder, n Node) error {
	if n.Kind == KindLeaf {
		return enc.WriteToken(jsontext.String(n.Value))
	}
	if err := enc.WriteToken(jsontext.BeginObject); err != nil {
		return err
	}
	seen := make(map[string]bool, len(n.Children))
	for _, c := range n.Children {
		_, name := c.Path.Parent()
		if seen[name] {
			continue
		}
		seen[name] = true
		if err := enc.WriteToken(jsontext.String(name)); err != nil {
			return err
		}
		if err := writeNode(enc, c); err != nil {
			return err
		}
	}
	return enc.WriteToken(jsontext.EndObject)
}

// WriteKeyList writes {"available_keys": [...]}.
func WriteKeyList(w io.Writer, keys []string, pretty bool) error {
	enc := newEncoder(w, pretty)
	if err := enc.WriteToken(jsontext.BeginObject); err != nil {
		return err
	}
	if err := enc.WriteToken(jsontext.String("available_keys")); err != nil {
		return err
	}
	if err := enc.WriteToken(jsontext.BeginArray); err != nil {
		return err
	}
	for _, k := range keys {
		if err := enc.WriteToken(jsontext.String(k)); err != nil {
			return err
		}
	}
	if err := enc.WriteToken(jsontext.EndArray); err != nil {
		return err
	}
	return enc.WriteToken(jsontext.EndObject)
}

func newEncoder(w io.Writer, pretty bool) *jsontext.Encoder {
	opts := []jsontext.Options{jsontext.AllowInvalidUTF8(true)}
	if pretty {
		opts = append(opts, jsontext.WithIndent("  "))
	}
	return jsontext.NewEncoder(w, opts...)
}
