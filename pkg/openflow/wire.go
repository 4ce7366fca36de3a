// Package openflow runs the device side of the controller over OpenFlow
// 1.3: the handshake, echo keepalives, packet-in, packet-out and flow-mod.
// Messages are built and decoded with libOpenflow's openflow13 types.
package openflow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/contiv/libOpenflow/common"
	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/libOpenflow/util"

	"github.com/psaab/lbswitch/pkg/switchctl"
)

// Version is the only wire version spoken.
const Version = openflow13.VERSION

const (
	// DefaultPriority is OFP_DEFAULT_PRIORITY, used for learned rules.
	DefaultPriority uint16 = 0x8000

	// DefaultMissSendLen asks the device to send whole packets while
	// still allowing it to buffer them.
	DefaultMissSendLen uint16 = openflow13.OFPCML_MAX

	headerLen     = 8
	maxMessageLen = 0xffff

	// ofp_packet_in: header, buffer_id, total_len, reason, table_id, cookie.
	packetInMatchOffset = headerLen + 16
	featuresReplyLen    = headerLen + 24
	errorMsgLen         = headerLen + 4
	packetOutLen        = headerLen + 16
	actionOutputLen     = 16
)

var (
	// ErrShortMessage means a message is smaller than its fixed part.
	ErrShortMessage = errors.New("openflow: short message")
	// ErrVersion means the peer sent a version other than 1.3.
	ErrVersion = errors.New("openflow: unsupported version")
	// ErrBadPort means a port number has no 16-bit equivalent.
	ErrBadPort = errors.New("openflow: port out of range")
)

// ReadMessage reads one message and returns its header and the whole
// message, header included, as the openflow13 decoders expect it.
func ReadMessage(r io.Reader) (common.Header, []byte, error) {
	var h common.Header
	buf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return h, nil, err
	}
	if err := h.UnmarshalBinary(buf); err != nil {
		return h, nil, err
	}
	if h.Length < headerLen {
		return h, nil, fmt.Errorf("%w: length %d", ErrShortMessage, h.Length)
	}
	msg := make([]byte, h.Length)
	copy(msg, buf)
	if _, err := io.ReadFull(r, msg[headerLen:]); err != nil {
		return h, nil, fmt.Errorf("read body: %w", err)
	}
	return h, msg, nil
}

// Decision ports live in the 16-bit OpenFlow 1.0 space. Reserved ports
// (0xff00 and up) map onto their 32-bit OpenFlow 1.3 counterparts.
func wirePort(p uint16) uint32 {
	if p >= 0xff00 {
		return 0xffff0000 | uint32(p)
	}
	return uint32(p)
}

func decisionPort(p uint32) (uint16, error) {
	switch {
	case p < 0xff00:
		return uint16(p), nil
	case p >= openflow13.P_MAX:
		return uint16(p), nil
	}
	return 0, fmt.Errorf("%w: %d", ErrBadPort, p)
}

func newHello() (*common.Hello, error) {
	h, err := common.NewHello(Version)
	if err != nil {
		return nil, err
	}
	bm := common.NewHelloElemVersionBitmap()
	bm.Bitmaps[0] = 1 << Version
	h.Elements = []common.HelloElem{bm}
	return h, nil
}

func newSetConfig() *openflow13.SwitchConfig {
	c := openflow13.NewSetConfig()
	c.MissSendLen = DefaultMissSendLen
	return c
}

// newTableMiss sends every unmatched packet to the controller.
func newTableMiss() *openflow13.FlowMod {
	fm := openflow13.NewFlowMod()
	fm.Priority = 0
	out := openflow13.NewActionOutput(openflow13.P_CONTROLLER)
	out.MaxLen = DefaultMissSendLen
	instr := openflow13.NewInstrApplyActions()
	instr.AddAction(out, false)
	fm.AddInstruction(instr)
	return fm
}

// newFlowAdd builds the rule for r: exact eth_dst and eth_src, output to
// r.OutPort, releasing r.BufferID when the device buffered the packet.
func newFlowAdd(r switchctl.InstallRule) *openflow13.FlowMod {
	fm := openflow13.NewFlowMod()
	fm.Command = openflow13.FC_ADD
	fm.Priority = DefaultPriority
	fm.IdleTimeout = r.IdleTimeout
	fm.HardTimeout = r.HardTimeout
	fm.BufferId = r.BufferID
	fm.Match.AddField(*openflow13.NewEthDstField(r.MatchDst.HardwareAddr(), nil))
	fm.Match.AddField(*openflow13.NewEthSrcField(r.MatchSrc.HardwareAddr(), nil))
	instr := openflow13.NewInstrApplyActions()
	instr.AddAction(openflow13.NewActionOutput(wirePort(r.OutPort)), false)
	fm.AddInstruction(instr)
	return fm
}

// newPacketOut builds a PACKET_OUT with one output action per port; no
// ports drops the packet. Data is only attached to unbuffered packets.
func newPacketOut(bufferID uint32, inPort uint16, data []byte, outPorts ...uint16) (*openflow13.PacketOut, error) {
	po := openflow13.NewPacketOut()
	po.BufferId = bufferID
	po.InPort = wirePort(inPort)
	if inPort == switchctl.PortNone {
		po.InPort = openflow13.P_CONTROLLER
	}
	for _, p := range outPorts {
		po.AddAction(openflow13.NewActionOutput(wirePort(p)))
	}
	if bufferID != switchctl.NoBuffer {
		data = nil
	}
	if n := packetOutLen + len(outPorts)*actionOutputLen + len(data); n > maxMessageLen {
		return nil, fmt.Errorf("openflow: packet-out too large (%d bytes)", n)
	}
	po.Data = util.NewBuffer(data)
	return po, nil
}

// packetIn is a decoded PACKET_IN: the library's view of the head and the
// captured frame as received.
type packetIn struct {
	*openflow13.PacketIn
	InPort uint16
	Frame  []byte
}

// decodePacketIn decodes msg's head with openflow13 and leaves the frame
// to l2. protocol.Ethernet parses L3 headers without bounds checks.
func decodePacketIn(msg []byte) (pi packetIn, err error) {
	if len(msg) < packetInMatchOffset+4 {
		return pi, fmt.Errorf("%w: packet-in %d bytes", ErrShortMessage, len(msg))
	}
	matchLen := int(binary.BigEndian.Uint16(msg[packetInMatchOffset+2:]))
	frameOff := packetInMatchOffset + (matchLen+7)/8*8 + 2
	if matchLen < 4 || frameOff > len(msg) {
		return pi, fmt.Errorf("%w: packet-in match length %d", ErrShortMessage, matchLen)
	}

	// openflow13 match decoders index without bounds checks.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("openflow: bad packet-in match: %v", r)
		}
	}()
	var m openflow13.Match
	if err := m.UnmarshalBinary(msg[packetInMatchOffset : frameOff-2]); err != nil {
		return pi, fmt.Errorf("openflow: bad packet-in match: %w", err)
	}

	pi.PacketIn = new(openflow13.PacketIn)
	// With the frame cut off, the only error left is the empty Ethernet
	// payload.
	_ = pi.PacketIn.UnmarshalBinary(msg[:frameOff])
	pi.Frame = msg[frameOff:]

	inPort, ok := matchInPort(&m)
	if !ok {
		return pi, errors.New("openflow: packet-in without in_port")
	}
	if pi.InPort, err = decisionPort(inPort); err != nil {
		return pi, err
	}
	return pi, nil
}

func matchInPort(m *openflow13.Match) (uint32, bool) {
	for _, f := range m.Fields {
		if f.Class != openflow13.OXM_CLASS_OPENFLOW_BASIC || f.Field != openflow13.OXM_FIELD_IN_PORT {
			continue
		}
		if v, ok := f.Value.(*openflow13.InPortField); ok {
			return v.InPort, true
		}
	}
	return 0, false
}

// decodeFeatures decodes a FEATURES_REPLY. Port descriptions, which
// OpenFlow 1.3 no longer carries here, are ignored.
func decodeFeatures(msg []byte) (*openflow13.SwitchFeatures, uint64, error) {
	if len(msg) < featuresReplyLen {
		return nil, 0, fmt.Errorf("%w: features reply %d bytes", ErrShortMessage, len(msg))
	}
	f := openflow13.NewFeaturesReply()
	if err := f.UnmarshalBinary(msg[:featuresReplyLen]); err != nil {
		return nil, 0, err
	}
	return f, binary.BigEndian.Uint64(f.DPID), nil
}

// DeviceError is an OFPT_ERROR reported by a device.
type DeviceError struct {
	Type uint16
	Code uint16
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("openflow error type=%d code=%d", e.Type, e.Code)
}

func decodeError(msg []byte) (*DeviceError, error) {
	if len(msg) < errorMsgLen {
		return nil, fmt.Errorf("%w: error %d bytes", ErrShortMessage, len(msg))
	}
	em := openflow13.NewErrorMsg()
	if err := em.UnmarshalBinary(msg); err != nil {
		return nil, err
	}
	return &DeviceError{Type: em.Type, Code: em.Code}, nil
}

// echo is an ECHO_REQUEST or ECHO_REPLY together with its payload;
// openflow13 models both as a bare header.
type echo struct {
	common.Header
	Data util.Buffer
}

func newEchoReply(req []byte) *echo {
	e := &echo{Header: *openflow13.NewEchoReply()}
	e.Xid = binary.BigEndian.Uint32(req[4:8])
	e.Data = *util.NewBuffer(append([]byte(nil), req[headerLen:]...))
	return e
}

func (e *echo) Len() uint16 {
	return e.Header.Len() + e.Data.Len()
}

func (e *echo) MarshalBinary() ([]byte, error) {
	e.Length = e.Len()
	b, err := e.Header.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append(b, e.Data.Bytes()...), nil
}

func (e *echo) UnmarshalBinary(data []byte) error {
	if len(data) < headerLen {
		return ErrShortMessage
	}
	if err := e.Header.UnmarshalBinary(data); err != nil {
		return err
	}
	return e.Data.UnmarshalBinary(data[headerLen:])
}
