// Package mactable implements the per-device MAC learning table.
//
// A Table belongs to exactly one controller session and is only touched
// from that session's goroutine, so it carries no lock. Entries never
// expire; a mapping only changes when the host is seen on another port.
package mactable

import (
	"bytes"
	"sort"

	"github.com/psaab/lbswitch/pkg/l2"
)

// Entry is one learned host location.
type Entry struct {
	MAC  l2.MAC `json:"mac"`
	Port uint16 `json:"port"`
}

// Table maps host addresses to the ingress port they were last seen on.
type Table struct {
	ports map[l2.MAC]uint16
}

// New returns an empty table.
func New() *Table {
	return &Table{ports: make(map[l2.MAC]uint16)}
}

// Observe records that host was seen on port and reports whether the
// stored mapping changed.
func (t *Table) Observe(host l2.MAC, port uint16) bool {
	if cur, ok := t.ports[host]; ok && cur == port {
		return false
	}
	t.ports[host] = port
	return true
}

// Lookup returns the port host was last seen on.
func (t *Table) Lookup(host l2.MAC) (uint16, bool) {
	port, ok := t.ports[host]
	return port, ok
}

// Len returns the number of learned hosts.
func (t *Table) Len() int {
	return len(t.ports)
}

// Entries returns a copy of the table ordered by address.
func (t *Table) Entries() []Entry {
	out := make([]Entry, 0, len(t.ports))
	for mac, port := range t.ports {
		out = append(out, Entry{MAC: mac, Port: port})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].MAC[:], out[j].MAC[:]) < 0
	})
	return out
}
