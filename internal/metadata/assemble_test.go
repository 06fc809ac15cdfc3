package metadata

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaves(kv ...string) []Node {
	var out []Node
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, Node{Path: Path(kv[i]), Kind: KindLeaf, Value: kv[i+1]})
	}
	return out
}

func TestAssemblePreservesOrder(t *testing.T) {
	nodes := leaves(
		"zone", "z",
		"ami-id", "ami-1",
		"placement/region", "us-east-1",
		"hostname", "h",
	)
	tree, collisions := Assemble("", nodes, AssembleOptions{})
	assert.Empty(t, collisions)
	assert.Equal(t, []string{"zone", "ami-id", "placement/region", "hostname"}, tree.Keys())

	var buf bytes.Buffer
	require.NoError(t, tree.WriteJSON(&buf, false))
	assert.Equal(t, `{"zone":"z","ami-id":"ami-1","placement/region":"us-east-1","hostname":"h"}`+"\n", buf.String())
}

func TestAssembleIdempotent(t *testing.T) {
	nodes := leaves("b", "2", "a", "1", "c/d", "3")
	a, _ := Assemble("", nodes, AssembleOptions{})
	b, _ := Assemble("", nodes, AssembleOptions{})
	first, err := a.MarshalJSON()
	require.NoError(t, err)
	second, err := b.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
	assert.Equal(t, `{"b":"2","a":"1","c/d":"3"}`, string(first))
}

func TestAssembleRootAndSeparator(t *testing.T) {
	nodes := append(leaves("network/interfaces/macs/m1/device-number", "0"),
		Node{Path: "network/interfaces", Kind: KindDirectory})
	tree, _ := Assemble("network", nodes, AssembleOptions{Separator: "."})
	assert.Equal(t, []string{"interfaces.macs.m1.device-number"}, tree.Keys())
}

func TestAssembleSeparatorCollision(t *testing.T) {
	nodes := leaves("a.b", "dotted", "a/b", "nested", "c", "3")
	tree, collisions := Assemble("", nodes, AssembleOptions{Separator: "."})

	assert.Equal(t, []string{"a.b", "c"}, tree.Keys())
	v, _ := tree.Get("a.b")
	assert.Equal(t, "dotted", v)
	require.Len(t, collisions, 1)
	assert.Equal(t, Path("a/b"), collisions[0].Path)
	assert.ErrorIs(t, collisions[0], ErrKeyCollision)

	// The same paths do not collide under "/".
	tree, collisions = Assemble("", nodes, AssembleOptions{})
	assert.Empty(t, collisions)
	assert.Equal(t, 3, tree.Len())
}

func TestAssembleSingle(t *testing.T) {
	tree := AssembleSingle("Instance_ID", "i-1")
	b, err := tree.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{"Instance_ID":"i-1"}`, string(b))
}

func TestResultTreeSetKeepsPosition(t *testing.T) {
	tree := NewResultTree()
	tree.Set("a", "1")
	tree.Set("b", "2")
	tree.Set("a", "3")
	assert.Equal(t, []string{"a", "b"}, tree.Keys())
	assert.Equal(t, 2, tree.Len())
	v, ok := tree.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "3", v)
	_, ok = tree.Get("missing")
	assert.False(t, ok)
}

func TestResultTreeEscaping(t *testing.T) {
	tree := AssembleSingle("user-data", "line1\nline2 \"quoted\"\t\\")
	var buf bytes.Buffer
	require.NoError(t, tree.WriteJSON(&buf, false))

	var got map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "line1\nline2 \"quoted\"\t\\", got["user-data"])
}

func TestResultTreePretty(t *testing.T) {
	tree, _ := Assemble("", leaves("a", "1", "b", "2"), AssembleOptions{})
	var buf bytes.Buffer
	require.NoError(t, tree.WriteJSON(&buf, true))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "{\n  \"a\":"), out)
	assert.Less(t, strings.Index(out, `"a"`), strings.Index(out, `"b"`))
	var got map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, got)
}

func TestEmptyResultTree(t *testing.T) {
	b, err := NewResultTree().MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(b))
}

func TestNestedLayout(t *testing.T) {
	nodes := leaves(
		"ami-id", "ami-1",
		"placement/availability-zone", "us-east-1a",
		"hostname", "h",
		"placement/region", "us-east-1",
		"network/interfaces/macs/m1/device-number", "0",
	)
	dir := Nest("", nodes)
	assert.Equal(t, KindDirectory, dir.Kind)
	require.Len(t, dir.Children, 4)

	var buf bytes.Buffer
	require.NoError(t, WriteNestedJSON(&buf, dir, false))
	assert.Equal(t,
		`{"ami-id":"ami-1","placement":{"availability-zone":"us-east-1a","region":"us-east-1"},"hostname":"h","network":{"interfaces":{"macs":{"m1":{"device-number":"0"}}}}}`+"\n",
		buf.String())
}

func TestNestedLayoutBelowRoot(t *testing.T) {
	dir := Nest("placement", leaves("placement/region", "us-east-1"))
	var buf bytes.Buffer
	require.NoError(t, WriteNestedJSON(&buf, dir, false))
	assert.Equal(t, `{"region":"us-east-1"}`+"\n", buf.String())
}

func TestWriteKeyList(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteKeyList(&buf, []string{"ami-id", "placement/region"}, false))
	assert.Equal(t, `{"available_keys":["ami-id","placement/region"]}`+"\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteKeyList(&buf, nil, false))
	assert.Equal(t, `{"available_keys":[]}`+"\n", buf.String())
}
