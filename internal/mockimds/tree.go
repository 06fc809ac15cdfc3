package mockimds

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type node struct {
	name     string // as listed; "0=my-key" is addressed as "0"
	value    string
	dir      bool
	children []*node
}

func (n *node) child(seg string) *node {
	for _, c := range n.children {
		if c.name == seg {
			return c
		}
	}
	for _, c := range n.children {
		if name, _, ok := strings.Cut(c.name, "="); ok && name == seg {
			return c
		}
	}
	return nil
}

func (n *node) listing() string {
	names := make([]string, 0, len(n.children))
	for _, c := range n.children {
		name := c.name
		if c.dir && !strings.Contains(name, "=") {
			name += "/"
		}
		names = append(names, name)
	}
	return strings.Join(names, "\n")
}

// Tree is an ordered metadata namespace. Not safe for concurrent mutation;
// build it before serving.
type Tree struct {
	root *node
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{root: &node{dir: true}}
}

// ParseTree reads a YAML document. Mappings are directories and keep their
// key order, scalars are leaves, sequences of scalars are newline-joined
// leaves.
func ParseTree(data []byte) (*Tree, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tree: %w", err)
	}
	t := NewTree()
	if doc.Kind == 0 {
		return t, nil
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) != 1 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse tree: top level must be a mapping")
	}
	if err := fill(t.root, doc.Content[0]); err != nil {
		return nil, fmt.Errorf("parse tree: %w", err)
	}
	return t, nil
}

// MustParseTree is ParseTree for test fixtures.
func MustParseTree(data string) *Tree {
	t, err := ParseTree([]byte(data))
	if err != nil {
		panic(err)
	}
	return t
}

// LoadTree reads a YAML fixture file.
func LoadTree(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return ParseTree(data)
}

func fill(dir *node, m *yaml.Node) error {
	for i := 0; i+1 < len(m.Content); i += 2 {
		k, v := m.Content[i], m.Content[i+1]
		if k.Value == "" || strings.Contains(k.Value, "/") {
			return fmt.Errorf("line %d: invalid name %q", k.Line, k.Value)
		}
		c := &node{name: k.Value}
		switch v.Kind {
		case yaml.MappingNode:
			c.dir = true
			if err := fill(c, v); err != nil {
				return err
			}
		case yaml.ScalarNode:
			c.value = v.Value
		case yaml.SequenceNode:
			lines := make([]string, 0, len(v.Content))
			for _, item := range v.Content {
				if item.Kind != yaml.ScalarNode {
					return fmt.Errorf("line %d: %s: sequences may only hold scalars", item.Line, k.Value)
				}
				lines = append(lines, item.Value)
			}
			c.value = strings.Join(lines, "\n")
		default:
			return fmt.Errorf("line %d: %s: unsupported value", v.Line, k.Value)
		}
		dir.children = append(dir.children, c)
	}
	return nil
}

// Set stores value as a leaf at path, creating directories as needed.
func (t *Tree) Set(path, value string) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	cur := t.root
	for i, seg := range segs {
		last := i == len(segs)-1
		c := cur.child(seg)
		if c == nil {
			c = &node{name: seg, dir: !last}
			cur.children = append(cur.children, c)
		}
		if last {
			c.value, c.dir, c.children = value, false, nil
		}
		cur = c
	}
}

// lookup returns the node at path; "" is the root.
func (t *Tree) lookup(path string) (*node, bool) {
	path = strings.Trim(path, "/")
	cur := t.root
	if path == "" {
		return cur, true
	}
	for _, seg := range strings.Split(path, "/") {
		if !cur.dir {
			return nil, false
		}
		if cur = cur.child(seg); cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// Leaves returns every leaf path and value in pre-order.
func (t *Tree) Leaves() [][2]string {
	var out [][2]string
	var walk func(prefix string, n *node)
	walk = func(prefix string, n *node) {
		for _, c := range n.children {
			name, _, _ := strings.Cut(c.name, "=")
			p := name
			if prefix != "" {
				p = prefix + "/" + name
			}
			if c.dir {
				walk(p, c)
				continue
			}
			out = append(out, [2]string{p, c.value})
		}
	}
	walk("", t.root)
	return out
}
