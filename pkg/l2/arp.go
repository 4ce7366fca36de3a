package l2

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// ARP opcodes.
const (
	ARPRequest uint16 = 1
	ARPReply   uint16 = 2
)

const (
	arpHwEthernet = 1
	arpLen        = 28 // Ethernet/IPv4 ARP body
)

// ARP is an Ethernet/IPv4 address resolution message (RFC 826).
type ARP struct {
	HardwareType uint16
	ProtocolType uint16
	HardwareLen  uint8
	ProtocolLen  uint8
	Op           uint16
	SenderHW     MAC
	SenderIP     netip.Addr
	TargetHW     MAC
	TargetIP     netip.Addr
}

// ParseARP decodes an ARP body. Only 6-byte hardware and 4-byte protocol
// addresses are accepted.
func ParseARP(b []byte) (*ARP, error) {
	if len(b) < 8 {
		return nil, fmt.Errorf("arp: packet too short: %d bytes", len(b))
	}
	a := &ARP{
		HardwareType: binary.BigEndian.Uint16(b[0:2]),
		ProtocolType: binary.BigEndian.Uint16(b[2:4]),
		HardwareLen:  b[4],
		ProtocolLen:  b[5],
		Op:           binary.BigEndian.Uint16(b[6:8]),
	}
	if a.HardwareLen != 6 || a.ProtocolLen != 4 {
		return nil, fmt.Errorf("arp: unsupported address lengths hw=%d proto=%d",
			a.HardwareLen, a.ProtocolLen)
	}
	if len(b) < arpLen {
		return nil, fmt.Errorf("arp: packet too short: %d bytes, need %d", len(b), arpLen)
	}
	copy(a.SenderHW[:], b[8:14])
	a.SenderIP = netip.AddrFrom4([4]byte(b[14:18]))
	copy(a.TargetHW[:], b[18:24])
	a.TargetIP = netip.AddrFrom4([4]byte(b[24:28]))
	return a, nil
}

// Marshal serializes the ARP body. Non-IPv4 addresses are written as zeros.
func (a *ARP) Marshal() []byte {
	pkt := make([]byte, arpLen)
	binary.BigEndian.PutUint16(pkt[0:2], a.HardwareType)
	binary.BigEndian.PutUint16(pkt[2:4], a.ProtocolType)
	pkt[4] = a.HardwareLen
	pkt[5] = a.ProtocolLen
	binary.BigEndian.PutUint16(pkt[6:8], a.Op)
	copy(pkt[8:14], a.SenderHW[:])
	if a.SenderIP.Is4() {
		ip := a.SenderIP.As4()
		copy(pkt[14:18], ip[:])
	}
	copy(pkt[18:24], a.TargetHW[:])
	if a.TargetIP.Is4() {
		ip := a.TargetIP.As4()
		copy(pkt[24:28], ip[:])
	}
	return pkt
}

// ReplyTo builds the reply to req that claims req.TargetIP is at hw.
// Header fields are copied from the request, the roles are swapped and
// hw becomes the sender hardware address.
func ReplyTo(req *ARP, hw MAC) *ARP {
	return &ARP{
		HardwareType: req.HardwareType,
		ProtocolType: req.ProtocolType,
		HardwareLen:  req.HardwareLen,
		ProtocolLen:  req.ProtocolLen,
		Op:           ARPReply,
		SenderHW:     hw,
		SenderIP:     req.TargetIP,
		TargetHW:     req.SenderHW,
		TargetIP:     req.SenderIP,
	}
}

// BuildARPReplyFrame wraps the reply to req in an Ethernet frame sent from
// hw back to the requester. A tagged request gets a reply on the same VLAN.
func BuildARPReplyFrame(in *Frame, req *ARP, hw MAC) []byte {
	payload := ReplyTo(req, hw).Marshal()
	if in != nil && in.Tagged {
		return BuildTaggedFrame(req.SenderHW, hw, in.VLAN, EtherTypeARP, payload)
	}
	return BuildFrame(req.SenderHW, hw, EtherTypeARP, payload)
}

// NewARPRequest returns a who-has request for target from (senderHW, senderIP).
func NewARPRequest(senderHW MAC, senderIP, target netip.Addr) *ARP {
	return &ARP{
		HardwareType: arpHwEthernet,
		ProtocolType: EtherTypeIPv4,
		HardwareLen:  6,
		ProtocolLen:  4,
		Op:           ARPRequest,
		SenderHW:     senderHW,
		SenderIP:     senderIP,
		TargetIP:     target,
	}
}
