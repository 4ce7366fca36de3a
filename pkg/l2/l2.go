// Package l2 implements the link-layer pieces the controller inspects:
// hardware addresses, Ethernet headers and ARP.
package l2

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// EtherType values the controller classifies on.
const (
	EtherTypeIPv4  uint16 = unix.ETH_P_IP
	EtherTypeARP   uint16 = unix.ETH_P_ARP
	EtherTypeVLAN  uint16 = unix.ETH_P_8021Q
	EtherTypeIPv6  uint16 = unix.ETH_P_IPV6
	EtherTypeLLDP  uint16 = unix.ETH_P_LLDP
	ethHdrLen             = 14
	vlanTagLen            = 4
	maxFrameHeader        = ethHdrLen + vlanTagLen
)

// ErrShortFrame is returned when a buffer cannot hold an Ethernet header.
var ErrShortFrame = errors.New("l2: frame too short")

// MAC is a 48-bit link-layer address. It is comparable and usable as a map key.
type MAC [6]byte

// Broadcast is ff:ff:ff:ff:ff:ff.
var Broadcast = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseMAC parses a colon/dash/dot separated 48-bit hardware address.
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, err
	}
	if len(hw) != 6 {
		return MAC{}, fmt.Errorf("l2: %q is not a 48-bit address", s)
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

// MustParseMAC is ParseMAC for constants and tests; it panics on error.
func MustParseMAC(s string) MAC {
	m, err := ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

// HardwareAddr returns a copy of m as a net.HardwareAddr.
func (m MAC) HardwareAddr() net.HardwareAddr {
	return append(net.HardwareAddr(nil), m[:]...)
}

// MarshalText implements encoding.TextMarshaler so MACs render as strings in JSON.
func (m MAC) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MAC) UnmarshalText(b []byte) error {
	v, err := ParseMAC(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Frame is a decoded Ethernet header. A single 802.1Q tag is stripped:
// EtherType is then the encapsulated type and VLAN carries the tag's VID.
type Frame struct {
	Dst       MAC
	Src       MAC
	EtherType uint16
	VLAN      uint16 // 0 when untagged
	Tagged    bool
	Payload   []byte
}

// ParseFrame decodes the Ethernet header of b. Payload aliases b.
func ParseFrame(b []byte) (*Frame, error) {
	if len(b) < ethHdrLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}
	f := &Frame{}
	copy(f.Dst[:], b[0:6])
	copy(f.Src[:], b[6:12])
	f.EtherType = binary.BigEndian.Uint16(b[12:14])
	off := ethHdrLen

	if f.EtherType == EtherTypeVLAN {
		if len(b) < maxFrameHeader {
			return nil, fmt.Errorf("%w: truncated 802.1Q tag", ErrShortFrame)
		}
		f.Tagged = true
		f.VLAN = binary.BigEndian.Uint16(b[14:16]) & 0x0fff
		f.EtherType = binary.BigEndian.Uint16(b[16:18])
		off = maxFrameHeader
	}
	f.Payload = b[off:]
	return f, nil
}

// BuildFrame prepends an untagged Ethernet header to payload.
func BuildFrame(dst, src MAC, etherType uint16, payload []byte) []byte {
	pkt := make([]byte, ethHdrLen+len(payload))
	copy(pkt[0:6], dst[:])
	copy(pkt[6:12], src[:])
	binary.BigEndian.PutUint16(pkt[12:14], etherType)
	copy(pkt[ethHdrLen:], payload)
	return pkt
}

// BuildTaggedFrame prepends an 802.1Q header for vlan to payload.
func BuildTaggedFrame(dst, src MAC, vlan, etherType uint16, payload []byte) []byte {
	pkt := make([]byte, maxFrameHeader+len(payload))
	copy(pkt[0:6], dst[:])
	copy(pkt[6:12], src[:])
	binary.BigEndian.PutUint16(pkt[12:14], EtherTypeVLAN)
	binary.BigEndian.PutUint16(pkt[14:16], vlan&0x0fff)
	binary.BigEndian.PutUint16(pkt[16:18], etherType)
	copy(pkt[maxFrameHeader:], payload)
	return pkt
}
