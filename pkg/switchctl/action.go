package switchctl

import "github.com/psaab/lbswitch/pkg/l2"

// NoBuffer marks a packet the device did not buffer; its bytes travel in Data.
const NoBuffer uint32 = 0xffffffff

// Reserved port numbers understood by the device runtime.
const (
	PortFlood uint16 = 0xfffb // every port except the ingress port
	PortNone  uint16 = 0xffff // no port
)

// Action is what the controller tells a device to do with one notification.
// The concrete types are Drop, Reply, InstallRule and Flood.
type Action interface {
	Kind() string
	action()
}

// Drop acknowledges the buffered packet and discards it.
type Drop struct {
	BufferID uint32
	InPort   uint16
}

// Reply sends a controller-built frame out of OutPort.
type Reply struct {
	Payload []byte
	OutPort uint16
}

// InstallRule installs a rule matching exactly (MatchDst, MatchSrc) that
// outputs to OutPort, and releases the triggering packet along it.
type InstallRule struct {
	MatchSrc    l2.MAC
	MatchDst    l2.MAC
	OutPort     uint16
	IdleTimeout uint16
	HardTimeout uint16
	BufferID    uint32
	InPort      uint16
	Data        []byte
}

// Flood sends the packet out of every port except InPort.
type Flood struct {
	BufferID uint32
	InPort   uint16
	Data     []byte
}

func (Drop) Kind() string        { return "DROP" }
func (Reply) Kind() string       { return "REPLY" }
func (InstallRule) Kind() string { return "INSTALL" }
func (Flood) Kind() string       { return "FLOOD" }

func (Drop) action()        {}
func (Reply) action()       {}
func (InstallRule) action() {}
func (Flood) action()       {}
