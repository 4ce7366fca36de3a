// Package lldp decodes Link Layer Discovery Protocol (IEEE 802.1AB) frames
// punted by connected devices and keeps a neighbor table keyed by device
// and ingress port, with TTL-based expiry.
package lldp

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/psaab/lbswitch/pkg/l2"
)

// Multicast is the standard LLDP destination MAC address.
var Multicast = l2.MAC{0x01, 0x80, 0xc2, 0x00, 0x00, 0x0e}

const (
	// TLV types per IEEE 802.1AB.
	tlvEnd        = 0
	tlvChassisID  = 1
	tlvPortID     = 2
	tlvTTL        = 3
	tlvPortDesc   = 4
	tlvSystemName = 5
	tlvSystemDesc = 6

	// Chassis ID subtypes.
	chassisSubtypeMACAddr = 4

	// Port ID subtypes.
	portSubtypeIfName = 5

	// DefaultExpiryInterval is how often Run prunes expired neighbors.
	DefaultExpiryInterval = 5 * time.Second
)

// Neighbor is an LLDP speaker seen behind a device port.
type Neighbor struct {
	Device     uint64    `json:"device"`
	InPort     uint16    `json:"in_port"`
	ChassisID  string    `json:"chassis_id"` // MAC or string
	PortID     string    `json:"port_id"`
	TTL        int       `json:"ttl"` // advertised hold time in seconds
	SystemName string    `json:"system_name,omitempty"`
	SystemDesc string    `json:"system_desc,omitempty"`
	PortDesc   string    `json:"port_desc,omitempty"`
	LastSeen   time.Time `json:"last_seen"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type key struct {
	device  uint64
	port    uint16
	chassis string
	portID  string
}

// Table is the neighbor table. It is safe for concurrent use.
type Table struct {
	mu        sync.RWMutex
	neighbors map[key]*Neighbor
}

// NewTable creates an empty neighbor table.
func NewTable() *Table {
	return &Table{neighbors: make(map[key]*Neighbor)}
}

// Observe records the LLDP frame received from device on inPort. It
// reports whether the frame carried a valid LLDPDU and whether the
// neighbor is new.
func (t *Table) Observe(device uint64, inPort uint16, frame []byte, now time.Time) (*Neighbor, bool, error) {
	f, err := l2.ParseFrame(frame)
	if err != nil {
		return nil, false, err
	}
	if f.EtherType != l2.EtherTypeLLDP {
		return nil, false, fmt.Errorf("lldp: ethertype 0x%04x", f.EtherType)
	}
	n := ParseTLVs(f.Payload)
	if n == nil {
		return nil, false, fmt.Errorf("lldp: missing mandatory TLVs")
	}
	n.Device = device
	n.InPort = inPort
	n.LastSeen = now
	n.ExpiresAt = now.Add(time.Duration(n.TTL) * time.Second)

	k := key{device: device, port: inPort, chassis: n.ChassisID, portID: n.PortID}
	t.mu.Lock()
	_, existed := t.neighbors[k]
	if n.TTL == 0 {
		// TTL 0 is a shutdown LLDPDU.
		delete(t.neighbors, k)
	} else {
		t.neighbors[k] = n
	}
	t.mu.Unlock()

	if !existed && n.TTL > 0 {
		slog.Info("lldp: new neighbor",
			"dpid", fmt.Sprintf("%016x", device), "port", inPort,
			"chassis", n.ChassisID, "remote_port", n.PortID, "system", n.SystemName)
	}
	return n, !existed && n.TTL > 0, nil
}

// Neighbors returns the unexpired neighbors ordered by device, port and
// chassis ID.
func (t *Table) Neighbors(now time.Time) []Neighbor {
	t.mu.RLock()
	out := make([]Neighbor, 0, len(t.neighbors))
	for _, n := range t.neighbors {
		if now.After(n.ExpiresAt) {
			continue
		}
		out = append(out, *n)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Device != b.Device {
			return a.Device < b.Device
		}
		if a.InPort != b.InPort {
			return a.InPort < b.InPort
		}
		return a.ChassisID < b.ChassisID
	})
	return out
}

// Len returns the number of entries, expired ones included until pruned.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.neighbors)
}

// RemoveDevice forgets every neighbor learned through device.
func (t *Table) RemoveDevice(device uint64) {
	t.mu.Lock()
	for k := range t.neighbors {
		if k.device == device {
			delete(t.neighbors, k)
		}
	}
	t.mu.Unlock()
}

// Expire removes neighbors whose hold time has passed and returns how
// many were removed.
func (t *Table) Expire(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for k, n := range t.neighbors {
		if now.After(n.ExpiresAt) {
			slog.Info("lldp: neighbor expired",
				"dpid", fmt.Sprintf("%016x", n.Device), "port", n.InPort,
				"chassis", n.ChassisID, "remote_port", n.PortID)
			delete(t.neighbors, k)
			removed++
		}
	}
	return removed
}

// Run prunes expired neighbors every interval until ctx is cancelled.
func (t *Table) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultExpiryInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Expire(now)
		}
	}
}

// BuildFrame constructs a complete LLDP Ethernet frame.
func BuildFrame(src l2.MAC, portName string, ttl int, sysName, sysDesc string) []byte {
	var tlvs []byte
	tlvs = append(tlvs, EncodeTLV(tlvChassisID, encodeChassisID(src))...)
	tlvs = append(tlvs, EncodeTLV(tlvPortID, encodePortID(portName))...)
	tlvs = append(tlvs, EncodeTLV(tlvTTL, encodeTTL(ttl))...)
	if sysName != "" {
		tlvs = append(tlvs, EncodeTLV(tlvSystemName, []byte(sysName))...)
	}
	if sysDesc != "" {
		tlvs = append(tlvs, EncodeTLV(tlvSystemDesc, []byte(sysDesc))...)
	}
	if portName != "" {
		tlvs = append(tlvs, EncodeTLV(tlvPortDesc, []byte(portName))...)
	}
	tlvs = append(tlvs, EncodeTLV(tlvEnd, nil)...) // End TLV
	return l2.BuildFrame(Multicast, src, l2.EtherTypeLLDP, tlvs)
}

// EncodeTLV encodes a single LLDP TLV (type-length-value).
// TLV header: 7 bits type + 9 bits length = 2 bytes.
func EncodeTLV(tlvType int, value []byte) []byte {
	length := len(value)
	header := uint16(tlvType&0x7f)<<9 | uint16(length&0x1ff)
	out := make([]byte, 2+length)
	binary.BigEndian.PutUint16(out[:2], header)
	copy(out[2:], value)
	return out
}

func encodeChassisID(mac l2.MAC) []byte {
	// Subtype (1 byte) + MAC address (6 bytes).
	val := make([]byte, 7)
	val[0] = chassisSubtypeMACAddr
	copy(val[1:], mac[:])
	return val
}

func encodePortID(name string) []byte {
	// Subtype (1 byte) + interface name.
	val := make([]byte, 1+len(name))
	val[0] = portSubtypeIfName
	copy(val[1:], name)
	return val
}

func encodeTTL(seconds int) []byte {
	val := make([]byte, 2)
	binary.BigEndian.PutUint16(val, uint16(seconds))
	return val
}

// ParseTLVs parses LLDP TLVs from raw payload (after Ethernet header).
// Returns nil if mandatory TLVs (Chassis ID, Port ID, TTL) are missing.
func ParseTLVs(data []byte) *Neighbor {
	n := &Neighbor{}
	hasChassis, hasPort, hasTTL := false, false, false

loop:
	for len(data) >= 2 {
		header := binary.BigEndian.Uint16(data[:2])
		tlvType := int(header >> 9)
		tlvLen := int(header & 0x1ff)
		data = data[2:]

		if tlvLen > len(data) {
			break
		}
		value := data[:tlvLen]
		data = data[tlvLen:]

		switch tlvType {
		case tlvEnd:
			break loop
		case tlvChassisID:
			if len(value) >= 7 && value[0] == chassisSubtypeMACAddr {
				n.ChassisID = net.HardwareAddr(value[1:7]).String()
			} else if len(value) >= 2 {
				n.ChassisID = string(value[1:])
			}
			hasChassis = true
		case tlvPortID:
			if len(value) >= 2 {
				n.PortID = string(value[1:])
			}
			hasPort = true
		case tlvTTL:
			if len(value) >= 2 {
				n.TTL = int(binary.BigEndian.Uint16(value[:2]))
			}
			hasTTL = true
		case tlvSystemName:
			n.SystemName = string(value)
		case tlvSystemDesc:
			n.SystemDesc = string(value)
		case tlvPortDesc:
			n.PortDesc = string(value)
		}
	}

	if !hasChassis || !hasPort || !hasTTL {
		return nil
	}
	return n
}
