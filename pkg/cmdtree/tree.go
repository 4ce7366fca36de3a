// Package cmdtree defines the lbswitchctl command tree.
//
// The same tree drives tab completion, ? help and the help listing, so a
// command added here shows up everywhere.
package cmdtree

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Source supplies live values for dynamic completion.
type Source interface {
	DPIDs() []string
}

// Node defines a completion tree node with description, children, and optional dynamic values.
type Node struct {
	Desc      string
	Children  map[string]*Node
	DynamicFn func(src Source) []string
}

// Candidate holds a command name and its description for display.
type Candidate struct {
	Name string
	Desc string
}

func connectedDPIDs(src Source) []string {
	return src.DPIDs()
}

// OperationalTree defines tab completion for the operator CLI.
var OperationalTree = map[string]*Node{
	"show": {Desc: "Show information", Children: map[string]*Node{
		"status":    {Desc: "Show controller status and totals"},
		"sessions":  {Desc: "Show connected devices"},
		"mac-table": {Desc: "Show a device's learning table", DynamicFn: connectedDPIDs},
		"hosts":     {Desc: "Show host ownership registry"},
		"neighbors": {Desc: "Show LLDP neighbors behind device ports"},
		"events": {Desc: "Show recent decision events", Children: map[string]*Node{
			"type":   {Desc: "Filter by event type"},
			"mac":    {Desc: "Filter by source or destination MAC"},
			"device": {Desc: "Filter by datapath ID"},
		}},
		"health": {Desc: "Show gRPC health status", Children: map[string]*Node{
			"openflow": {Desc: "OpenFlow listener"},
		}},
	}},
	"help": {Desc: "Show available commands"},
	"quit": {Desc: "Exit CLI"},
	"exit": {Desc: "Exit CLI"},
}

// HelpCandidates returns Candidates from a tree's children for help display.
func HelpCandidates(tree map[string]*Node) []Candidate {
	candidates := make([]Candidate, 0, len(tree))
	for name, node := range tree {
		candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
	}
	return candidates
}

// Complete walks the tree and returns the candidates that may follow
// words and start with partial. A word that matches no static child is
// accepted as a dynamic value when the parent node has a DynamicFn.
func Complete(tree map[string]*Node, words []string, partial string, src Source) []Candidate {
	current := tree
	var currentNode *Node
	dynamicConsumed := false
	for _, w := range words {
		dynamicConsumed = false
		node, ok := current[w]
		if !ok {
			if currentNode != nil && currentNode.DynamicFn != nil {
				dynamicConsumed = true
				continue
			}
			return nil
		}
		currentNode = node
		if node.Children == nil {
			if node.DynamicFn == nil || src == nil {
				return nil
			}
			current = nil
			continue
		}
		current = node.Children
	}

	var candidates []Candidate
	for name, node := range current {
		if strings.HasPrefix(name, partial) {
			candidates = append(candidates, Candidate{Name: name, Desc: node.Desc})
		}
	}
	if !dynamicConsumed && currentNode != nil && currentNode.DynamicFn != nil && src != nil {
		for _, name := range currentNode.DynamicFn(src) {
			if strings.HasPrefix(name, partial) {
				candidates = append(candidates, Candidate{Name: name, Desc: "(connected)"})
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	return candidates
}

// WriteHelp prints aligned completion candidates to w.
// The entire output is built as a single string and written in one call
// so that readline's wrapWriter triggers only one Refresh cycle.
func WriteHelp(w io.Writer, candidates []Candidate) {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	maxWidth := 20
	for _, c := range candidates {
		if len(c.Name)+2 > maxWidth {
			maxWidth = len(c.Name) + 2
		}
	}
	var sb strings.Builder
	sb.WriteString("Possible completions:\n")
	for _, c := range candidates {
		if c.Desc != "" {
			fmt.Fprintf(&sb, "  %-*s %s\n", maxWidth, c.Name, c.Desc)
		} else {
			fmt.Fprintf(&sb, "  %s\n", c.Name)
		}
	}
	io.WriteString(w, sb.String())
}

// CommonPrefix returns the longest shared prefix among the given strings.
func CommonPrefix(items []string) string {
	if len(items) == 0 {
		return ""
	}
	prefix := items[0]
	for _, s := range items[1:] {
		for !strings.HasPrefix(s, prefix) {
			prefix = prefix[:len(prefix)-1]
			if prefix == "" {
				return ""
			}
		}
	}
	return prefix
}

// Names returns the candidate names in order.
func Names(candidates []Candidate) []string {
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}
	return names
}
