package openflow

import (
	"bytes"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/libOpenflow/util"

	"github.com/psaab/lbswitch/pkg/l2"
	"github.com/psaab/lbswitch/pkg/switchctl"
)

// packetInMessage encodes a PACKET_IN the way a device does.
// openflow13.PacketIn.MarshalBinary writes the cookie over buffer_id and
// leaves the header length unset, so the fixed part is laid out here.
func packetInMessage(bufferID, inPort uint32, frame []byte) []byte {
	match := openflow13.NewMatch()
	match.AddField(*openflow13.NewInPortField(inPort))
	return packetInWithMatch(bufferID, match, frame)
}

func packetInWithMatch(bufferID uint32, match *openflow13.Match, frame []byte) []byte {
	mb, err := match.MarshalBinary()
	if err != nil {
		panic(err)
	}
	h := openflow13.NewOfp13Header()
	h.Type = openflow13.Type_PacketIn
	h.Length = uint16(packetInMatchOffset + len(mb) + 2 + len(frame))
	msg, _ := h.MarshalBinary()

	fixed := make([]byte, 16)
	binary.BigEndian.PutUint32(fixed[0:4], bufferID)
	binary.BigEndian.PutUint16(fixed[4:6], uint16(len(frame)))
	fixed[6] = openflow13.R_NO_MATCH
	msg = append(msg, fixed...)
	msg = append(msg, mb...)
	msg = append(msg, 0, 0)
	return append(msg, frame...)
}

// featuresReplyMessage encodes a FEATURES_REPLY.
// openflow13.SwitchFeatures.MarshalBinary leaves out the datapath ID.
func featuresReplyMessage(xid uint32, dpid uint64, buffers uint32, tables uint8) []byte {
	h := openflow13.NewOfp13Header()
	h.Type = openflow13.Type_FeaturesReply
	h.Xid = xid
	h.Length = featuresReplyLen
	msg, _ := h.MarshalBinary()
	body := make([]byte, featuresReplyLen-headerLen)
	binary.BigEndian.PutUint64(body[0:8], dpid)
	binary.BigEndian.PutUint32(body[8:12], buffers)
	body[12] = tables
	return append(msg, body...)
}

func TestReadMessage(t *testing.T) {
	e := &echo{Header: *openflow13.NewEchoRequest(), Data: *util.NewBuffer([]byte{1, 2, 3})}
	e.Xid = 42
	msg, err := e.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(msg) != 11 {
		t.Fatalf("len = %d, want 11", len(msg))
	}
	h, got, err := ReadMessage(bytes.NewReader(msg))
	if err != nil {
		t.Fatal(err)
	}
	if h.Version != Version || h.Type != openflow13.Type_EchoRequest || h.Length != 11 || h.Xid != 42 {
		t.Errorf("header = %+v", h)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("message = %x, want %x", got, msg)
	}
}

func TestReadMessageBadLength(t *testing.T) {
	msg, _ := openflow13.NewEchoRequest().MarshalBinary()
	binary.BigEndian.PutUint16(msg[2:4], 4)
	_, _, err := ReadMessage(bytes.NewReader(msg))
	if !errors.Is(err, ErrShortMessage) {
		t.Errorf("err = %v, want ErrShortMessage", err)
	}
}

func TestReadMessageTruncatedBody(t *testing.T) {
	e := &echo{Header: *openflow13.NewEchoRequest(), Data: *util.NewBuffer([]byte{1, 2, 3, 4})}
	msg, _ := e.MarshalBinary()
	if _, _, err := ReadMessage(bytes.NewReader(msg[:10])); err == nil {
		t.Error("expected error for truncated body")
	}
}

func TestPortMapping(t *testing.T) {
	tests := []struct {
		port uint16
		wire uint32
	}{
		{1, 1},
		{0xfeff, 0xfeff},
		{switchctl.PortFlood, openflow13.P_FLOOD},
		{switchctl.PortNone, openflow13.P_ANY},
		{0xfffe, openflow13.P_LOCAL},
	}
	for _, tt := range tests {
		if got := wirePort(tt.port); got != tt.wire {
			t.Errorf("wirePort(%#x) = %#x, want %#x", tt.port, got, tt.wire)
		}
		got, err := decisionPort(tt.wire)
		if err != nil || got != tt.port {
			t.Errorf("decisionPort(%#x) = %#x, %v; want %#x", tt.wire, got, err, tt.port)
		}
	}
	if _, err := decisionPort(0x10000); !errors.Is(err, ErrBadPort) {
		t.Errorf("decisionPort(0x10000) err = %v, want ErrBadPort", err)
	}
}

func outputPorts(actions []openflow13.Action) []uint32 {
	var ports []uint32
	for _, a := range actions {
		if out, ok := a.(*openflow13.ActionOutput); ok {
			ports = append(ports, out.Port)
		}
	}
	return ports
}

func flowOutputs(fm *openflow13.FlowMod) []uint32 {
	var ports []uint32
	for _, instr := range fm.Instructions {
		if ia, ok := instr.(*openflow13.InstrActions); ok && ia.Type == openflow13.InstrType_APPLY_ACTIONS {
			ports = append(ports, outputPorts(ia.Actions)...)
		}
	}
	return ports
}

func TestNewFlowAdd(t *testing.T) {
	src := l2.MustParseMAC("02:00:00:00:00:01")
	dst := l2.MustParseMAC("02:00:00:00:00:02")
	fm := newFlowAdd(switchctl.InstallRule{
		MatchSrc:    src,
		MatchDst:    dst,
		OutPort:     6,
		IdleTimeout: 30,
		HardTimeout: 30,
		BufferID:    77,
	})

	if fm.Command != openflow13.FC_ADD || fm.Priority != DefaultPriority {
		t.Errorf("command = %d priority = %#x", fm.Command, fm.Priority)
	}
	if fm.IdleTimeout != 30 || fm.HardTimeout != 30 || fm.BufferId != 77 {
		t.Errorf("flow-mod = %+v", fm)
	}
	if len(fm.Match.Fields) != 2 {
		t.Fatalf("match has %d fields, want 2", len(fm.Match.Fields))
	}
	ethDst, ok := fm.Match.Fields[0].Value.(*openflow13.EthDstField)
	if !ok || !bytes.Equal(ethDst.EthDst, dst[:]) {
		t.Errorf("first match field = %+v, want eth_dst %s", fm.Match.Fields[0].Value, dst)
	}
	ethSrc, ok := fm.Match.Fields[1].Value.(*openflow13.EthSrcField)
	if !ok || !bytes.Equal(ethSrc.EthSrc, src[:]) {
		t.Errorf("second match field = %+v, want eth_src %s", fm.Match.Fields[1].Value, src)
	}
	if got := flowOutputs(fm); len(got) != 1 || got[0] != 6 {
		t.Errorf("outputs = %v, want [6]", got)
	}

	b, err := fm.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if int(binary.BigEndian.Uint16(b[2:4])) != len(b) {
		t.Errorf("header length %d, message %d bytes", binary.BigEndian.Uint16(b[2:4]), len(b))
	}
}

func TestTableMissPuntsToController(t *testing.T) {
	fm := newTableMiss()
	if fm.Priority != 0 || len(fm.Match.Fields) != 0 {
		t.Errorf("priority = %d, match fields = %d; want a priority-0 match-all", fm.Priority, len(fm.Match.Fields))
	}
	ia := fm.Instructions[0].(*openflow13.InstrActions)
	out := ia.Actions[0].(*openflow13.ActionOutput)
	if out.Port != openflow13.P_CONTROLLER || out.MaxLen != DefaultMissSendLen {
		t.Errorf("output = port %#x max_len %#x", out.Port, out.MaxLen)
	}
}

func TestNewPacketOut(t *testing.T) {
	// Buffered packets carry no data.
	po, err := newPacketOut(9, 3, []byte{0xaa}, switchctl.PortFlood)
	if err != nil {
		t.Fatal(err)
	}
	if po.BufferId != 9 || po.InPort != 3 || po.Data.Len() != 0 {
		t.Errorf("packet-out = buffer %d in_port %d data %d bytes", po.BufferId, po.InPort, po.Data.Len())
	}
	if po.ActionsLen != actionOutputLen {
		t.Errorf("actions_len = %d, want %d", po.ActionsLen, actionOutputLen)
	}
	if got := outputPorts(po.Actions); len(got) != 1 || got[0] != openflow13.P_FLOOD {
		t.Errorf("outputs = %#x, want [P_FLOOD]", got)
	}

	// Controller-built frames enter from the controller port.
	po, err = newPacketOut(switchctl.NoBuffer, switchctl.PortNone, []byte{1, 2, 3}, 4)
	if err != nil {
		t.Fatal(err)
	}
	if po.InPort != openflow13.P_CONTROLLER {
		t.Errorf("in_port = %#x, want P_CONTROLLER", po.InPort)
	}
	b, err := po.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	if len(b) != packetOutLen+actionOutputLen+3 {
		t.Fatalf("len = %d, want %d", len(b), packetOutLen+actionOutputLen+3)
	}
	if !bytes.Equal(b[len(b)-3:], []byte{1, 2, 3}) {
		t.Errorf("data = %x", b[len(b)-3:])
	}
}

func TestNewPacketOutDropHasNoActions(t *testing.T) {
	po, err := newPacketOut(5, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(po.Actions) != 0 || po.ActionsLen != 0 {
		t.Errorf("actions = %v, want none", po.Actions)
	}
	b, _ := po.MarshalBinary()
	if len(b) != packetOutLen {
		t.Errorf("len = %d, want %d", len(b), packetOutLen)
	}
}

func TestNewPacketOutTooLarge(t *testing.T) {
	if _, err := newPacketOut(switchctl.NoBuffer, 1, make([]byte, maxMessageLen), 2); err == nil {
		t.Error("expected error for oversized packet-out")
	}
}

func TestDecodePacketIn(t *testing.T) {
	frame := l2.BuildFrame(l2.Broadcast, l2.MustParseMAC("02:00:00:00:00:01"), l2.EtherTypeIPv4, make([]byte, 46))
	pi, err := decodePacketIn(packetInMessage(12, 4, frame))
	if err != nil {
		t.Fatal(err)
	}
	if pi.BufferId != 12 || pi.TotalLen != uint16(len(frame)) || pi.InPort != 4 {
		t.Errorf("packet-in = buffer %d total_len %d in_port %d", pi.BufferId, pi.TotalLen, pi.InPort)
	}
	if !bytes.Equal(pi.Frame, frame) {
		t.Errorf("frame = %x", pi.Frame)
	}

	// Runt frames still decode; the engine drops them.
	pi, err = decodePacketIn(packetInMessage(switchctl.NoBuffer, 1, []byte{1, 2, 3, 4, 5}))
	if err != nil {
		t.Fatal(err)
	}
	if len(pi.Frame) != 5 {
		t.Errorf("frame = %x, want 5 bytes", pi.Frame)
	}

	pi, err = decodePacketIn(packetInMessage(1, openflow13.P_LOCAL, frame))
	if err != nil || pi.InPort != 0xfffe {
		t.Errorf("local port: in_port = %#x, err = %v", pi.InPort, err)
	}
}

func TestDecodePacketInErrors(t *testing.T) {
	frame := make([]byte, 60)
	if _, err := decodePacketIn(make([]byte, 10)); !errors.Is(err, ErrShortMessage) {
		t.Errorf("short message: err = %v, want ErrShortMessage", err)
	}

	msg := packetInMessage(1, 1, frame)
	binary.BigEndian.PutUint16(msg[packetInMatchOffset+2:], 0x4000)
	if _, err := decodePacketIn(msg); !errors.Is(err, ErrShortMessage) {
		t.Errorf("match overrun: err = %v, want ErrShortMessage", err)
	}

	if _, err := decodePacketIn(packetInWithMatch(1, openflow13.NewMatch(), frame)); err == nil {
		t.Error("expected error for packet-in without in_port")
	}

	if _, err := decodePacketIn(packetInMessage(1, 0x10000, frame)); !errors.Is(err, ErrBadPort) {
		t.Errorf("wide port: err = %v, want ErrBadPort", err)
	}

	// An unknown OXM class must be rejected, not crash the connection.
	msg = packetInMessage(1, 1, frame)
	binary.BigEndian.PutUint16(msg[packetInMatchOffset+4:], 0x1234)
	_, err := decodePacketIn(msg)
	if err == nil || !strings.Contains(err.Error(), "bad packet-in match") {
		t.Errorf("unknown class: err = %v", err)
	}
}

func TestDecodeFeatures(t *testing.T) {
	b := featuresReplyMessage(3, 0x0000aabbccddeeff, 256, 254)
	got, dpid, err := decodeFeatures(b)
	if err != nil {
		t.Fatal(err)
	}
	if dpid != 0x0000aabbccddeeff || got.Buffers != 256 || got.NumTables != 254 || got.Xid != 3 {
		t.Errorf("features = dpid %016x buffers %d tables %d xid %d", dpid, got.Buffers, got.NumTables, got.Xid)
	}
	if _, _, err := decodeFeatures(b[:20]); !errors.Is(err, ErrShortMessage) {
		t.Errorf("err = %v, want ErrShortMessage", err)
	}
}

func TestDecodeError(t *testing.T) {
	em := openflow13.NewErrorMsg()
	em.Header = openflow13.NewOfp13Header()
	em.Header.Type = openflow13.Type_Error
	em.Type = openflow13.ET_FLOW_MOD_FAILED
	em.Code = openflow13.FMFC_TABLE_FULL
	em.Length = em.Len()
	b, err := em.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}
	de, err := decodeError(b)
	if err != nil {
		t.Fatal(err)
	}
	if de.Type != openflow13.ET_FLOW_MOD_FAILED || de.Code != openflow13.FMFC_TABLE_FULL {
		t.Errorf("error = %+v", de)
	}
	if de.Error() != "openflow error type=5 code=1" {
		t.Errorf("Error() = %q", de.Error())
	}
}
