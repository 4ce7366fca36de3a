package lldp

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/psaab/lbswitch/pkg/l2"
)

var (
	peerA = l2.MustParseMAC("de:ad:be:ef:00:01")
	peerB = l2.MustParseMAC("de:ad:be:ef:00:02")
)

func TestEncodeTLV(t *testing.T) {
	// End TLV: type=0, length=0 → 0x0000
	end := EncodeTLV(tlvEnd, nil)
	if len(end) != 2 || end[0] != 0 || end[1] != 0 {
		t.Fatalf("end TLV = %x, want 0000", end)
	}

	name := EncodeTLV(tlvSystemName, []byte("test"))
	if len(name) != 6 {
		t.Fatalf("expected 6 bytes, got %d", len(name))
	}
	header := binary.BigEndian.Uint16(name[:2])
	if int(header>>9) != tlvSystemName {
		t.Errorf("type = %d, want %d", header>>9, tlvSystemName)
	}
	if header&0x1ff != 4 {
		t.Errorf("length = %d, want 4", header&0x1ff)
	}
	if string(name[2:]) != "test" {
		t.Errorf("value = %q, want test", name[2:])
	}
}

func TestEncodeChassisID(t *testing.T) {
	val := encodeChassisID(peerA)
	if len(val) != 7 {
		t.Fatalf("expected 7 bytes, got %d", len(val))
	}
	if val[0] != chassisSubtypeMACAddr {
		t.Errorf("subtype = %d, want %d", val[0], chassisSubtypeMACAddr)
	}
	if got := net.HardwareAddr(val[1:7]).String(); got != peerA.String() {
		t.Errorf("MAC = %s, want %s", got, peerA)
	}
}

func TestBuildFrame(t *testing.T) {
	frame := BuildFrame(peerA, "ge-0/0/1", 120, "switch1", "edge switch")

	f, err := l2.ParseFrame(frame)
	if err != nil {
		t.Fatal(err)
	}
	if f.Dst != Multicast {
		t.Errorf("dst = %s, want %s", f.Dst, Multicast)
	}
	if f.Src != peerA {
		t.Errorf("src = %s, want %s", f.Src, peerA)
	}
	if f.EtherType != l2.EtherTypeLLDP {
		t.Errorf("ethertype = 0x%04x, want 0x88cc", f.EtherType)
	}

	n := ParseTLVs(f.Payload)
	if n == nil {
		t.Fatal("ParseTLVs returned nil for valid frame")
	}
	if n.ChassisID != peerA.String() {
		t.Errorf("chassis ID = %s, want %s", n.ChassisID, peerA)
	}
	if n.PortID != "ge-0/0/1" {
		t.Errorf("port ID = %s, want ge-0/0/1", n.PortID)
	}
	if n.TTL != 120 {
		t.Errorf("TTL = %d, want 120", n.TTL)
	}
	if n.SystemName != "switch1" || n.SystemDesc != "edge switch" || n.PortDesc != "ge-0/0/1" {
		t.Errorf("optional TLVs = %q/%q/%q", n.SystemName, n.SystemDesc, n.PortDesc)
	}
}

func TestParseTLVs_Incomplete(t *testing.T) {
	// Missing Port ID, should return nil.
	var data []byte
	data = append(data, EncodeTLV(tlvChassisID, encodeChassisID(peerA))...)
	data = append(data, EncodeTLV(tlvTTL, encodeTTL(60))...)
	data = append(data, EncodeTLV(tlvEnd, nil)...)

	if n := ParseTLVs(data); n != nil {
		t.Error("expected nil for incomplete TLVs (missing Port ID)")
	}
}

func TestParseTLVs_Truncated(t *testing.T) {
	data := EncodeTLV(tlvSystemName, []byte("test"))
	binary.BigEndian.PutUint16(data[:2], uint16(tlvSystemName)<<9|100)

	if n := ParseTLVs(data); n != nil {
		t.Error("expected nil for truncated TLV data")
	}
	if n := ParseTLVs(nil); n != nil {
		t.Error("expected nil for empty data")
	}
}

func TestParseTLVs_StringChassis(t *testing.T) {
	var data []byte
	data = append(data, EncodeTLV(tlvChassisID, append([]byte{7}, "sw-core"...))...)
	data = append(data, EncodeTLV(tlvPortID, encodePortID("eth3"))...)
	data = append(data, EncodeTLV(tlvTTL, encodeTTL(30))...)

	n := ParseTLVs(data)
	if n == nil {
		t.Fatal("ParseTLVs returned nil")
	}
	if n.ChassisID != "sw-core" {
		t.Errorf("chassis ID = %q, want sw-core", n.ChassisID)
	}
}

func TestTableObserve(t *testing.T) {
	tbl := NewTable()
	now := time.Unix(1000, 0)

	n, isNew, err := tbl.Observe(0x2a, 3, BuildFrame(peerA, "eth0", 120, "a", ""), now)
	if err != nil {
		t.Fatal(err)
	}
	if !isNew {
		t.Error("first sighting not reported as new")
	}
	if n.Device != 0x2a || n.InPort != 3 {
		t.Errorf("neighbor location = %x/%d", n.Device, n.InPort)
	}
	if !n.ExpiresAt.Equal(now.Add(120 * time.Second)) {
		t.Errorf("expires at %v", n.ExpiresAt)
	}

	_, isNew, err = tbl.Observe(0x2a, 3, BuildFrame(peerA, "eth0", 120, "a", ""), now.Add(time.Second))
	if err != nil || isNew {
		t.Errorf("refresh: isNew=%v err=%v", isNew, err)
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}
}

func TestTableObserveRejects(t *testing.T) {
	tbl := NewTable()
	now := time.Unix(1000, 0)

	if _, _, err := tbl.Observe(1, 1, []byte{1, 2, 3}, now); err == nil {
		t.Error("short frame accepted")
	}
	ipv4 := l2.BuildFrame(Multicast, peerA, l2.EtherTypeIPv4, make([]byte, 46))
	if _, _, err := tbl.Observe(1, 1, ipv4, now); err == nil {
		t.Error("non-LLDP frame accepted")
	}
	bad := l2.BuildFrame(Multicast, peerA, l2.EtherTypeLLDP, EncodeTLV(tlvEnd, nil))
	if _, _, err := tbl.Observe(1, 1, bad, now); err == nil {
		t.Error("LLDPDU without mandatory TLVs accepted")
	}
	if tbl.Len() != 0 {
		t.Errorf("Len() = %d, want 0", tbl.Len())
	}
}

func TestTableShutdownTTL(t *testing.T) {
	tbl := NewTable()
	now := time.Unix(1000, 0)
	tbl.Observe(1, 1, BuildFrame(peerA, "eth0", 120, "", ""), now)
	tbl.Observe(1, 1, BuildFrame(peerA, "eth0", 0, "", ""), now)
	if tbl.Len() != 0 {
		t.Errorf("Len() = %d after shutdown LLDPDU, want 0", tbl.Len())
	}
}

func TestTableNeighborsSortedAndExpired(t *testing.T) {
	tbl := NewTable()
	now := time.Unix(1000, 0)
	tbl.Observe(2, 1, BuildFrame(peerA, "eth0", 120, "", ""), now)
	tbl.Observe(1, 5, BuildFrame(peerB, "eth1", 120, "", ""), now)
	tbl.Observe(1, 2, BuildFrame(peerA, "eth2", 10, "", ""), now)

	got := tbl.Neighbors(now)
	if len(got) != 3 {
		t.Fatalf("got %d neighbors, want 3", len(got))
	}
	if got[0].Device != 1 || got[0].InPort != 2 || got[1].InPort != 5 || got[2].Device != 2 {
		t.Errorf("order = %+v", got)
	}

	later := now.Add(30 * time.Second)
	if got := tbl.Neighbors(later); len(got) != 2 {
		t.Errorf("got %d unexpired neighbors, want 2", len(got))
	}
	if removed := tbl.Expire(later); removed != 1 {
		t.Errorf("Expire removed %d, want 1", removed)
	}
	if tbl.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tbl.Len())
	}
}

func TestTableRemoveDevice(t *testing.T) {
	tbl := NewTable()
	now := time.Unix(1000, 0)
	tbl.Observe(1, 1, BuildFrame(peerA, "eth0", 120, "", ""), now)
	tbl.Observe(1, 2, BuildFrame(peerB, "eth0", 120, "", ""), now)
	tbl.Observe(2, 1, BuildFrame(peerA, "eth1", 120, "", ""), now)

	tbl.RemoveDevice(1)
	got := tbl.Neighbors(now)
	if len(got) != 1 || got[0].Device != 2 {
		t.Errorf("after RemoveDevice: %+v", got)
	}
}
