package config

import (
	"fmt"
	"strings"
)

// Node is a statement in the configuration tree: a leaf terminated by ';'
// or a block whose children sit between braces.
type Node struct {
	// Keys are the words forming the statement, e.g.
	// "listen 0.0.0.0:6633" -> ["listen", "0.0.0.0:6633"].
	Keys     []string
	Children []*Node
	IsLeaf   bool

	Line   int
	Column int
}

// Name returns the first key of the node.
func (n *Node) Name() string {
	if len(n.Keys) == 0 {
		return ""
	}
	return n.Keys[0]
}

// KeyPath returns the node's keys joined by spaces.
func (n *Node) KeyPath() string {
	return strings.Join(n.Keys, " ")
}

// Arg returns the i-th word after the name, or "" when absent.
func (n *Node) Arg(i int) string {
	if i+1 >= len(n.Keys) {
		return ""
	}
	return n.Keys[i+1]
}

// FindChild returns the first child named name.
func (n *Node) FindChild(name string) *Node {
	return findChild(n.Children, name)
}

// FindChildren returns every child named name.
func (n *Node) FindChildren(name string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Name() == name {
			out = append(out, c)
		}
	}
	return out
}

func (n *Node) errorf(format string, args ...any) error {
	return fmt.Errorf("line %d: %s: %s", n.Line, n.Name(), fmt.Sprintf(format, args...))
}

func findChild(nodes []*Node, name string) *Node {
	for _, c := range nodes {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// ConfigTree is the root of a parsed configuration.
type ConfigTree struct {
	Children []*Node
}

// FindChild returns the first top-level statement named name.
func (t *ConfigTree) FindChild(name string) *Node {
	return findChild(t.Children, name)
}

// Format renders the tree in canonical form with four-space indents.
func (t *ConfigTree) Format() string {
	var b strings.Builder
	formatNodes(&b, t.Children, 0)
	return b.String()
}

func formatNodes(b *strings.Builder, nodes []*Node, depth int) {
	indent := strings.Repeat("    ", depth)
	for _, n := range nodes {
		if n.IsLeaf {
			fmt.Fprintf(b, "%s%s;\n", indent, n.KeyPath())
			continue
		}
		fmt.Fprintf(b, "%s%s {\n", indent, n.KeyPath())
		formatNodes(b, n.Children, depth+1)
		fmt.Fprintf(b, "%s}\n", indent)
	}
}
