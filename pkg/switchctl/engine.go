// Package switchctl makes the forwarding decision for packets a device
// could not match. One Engine serves one device; it owns that device's
// learning table and shares the host registry and identity allocator
// with every other engine.
package switchctl

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/psaab/lbswitch/pkg/hostreg"
	"github.com/psaab/lbswitch/pkg/identity"
	"github.com/psaab/lbswitch/pkg/l2"
	"github.com/psaab/lbswitch/pkg/mactable"
)

// Default rule timeouts, in seconds.
const (
	DefaultIdleTimeout = 30
	DefaultHardTimeout = 30
)

// Mode selects the controller variant.
type Mode int

const (
	// ModeLearning is a plain L2 learning switch.
	ModeLearning Mode = iota
	// ModeLoadBalancing additionally tracks host ownership and answers ARP
	// for the load-balance target prefix with synthetic addresses.
	ModeLoadBalancing
)

func (m Mode) String() string {
	if m == ModeLoadBalancing {
		return "load-balancing"
	}
	return "learning"
}

// ParseMode converts a configuration keyword to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "learning":
		return ModeLearning, nil
	case "load-balancing":
		return ModeLoadBalancing, nil
	}
	return ModeLearning, fmt.Errorf("unknown mode %q", s)
}

// Policy holds the tunables an Engine reads on every decision.
type Policy struct {
	Mode        Mode
	Target      netip.Prefix // ARP targets answered with synthetic addresses
	IdleTimeout uint16
	HardTimeout uint16
}

// DefaultPolicy returns the learning-switch policy with 30s rule timeouts.
func DefaultPolicy() *Policy {
	return &Policy{
		Mode:        ModeLearning,
		IdleTimeout: DefaultIdleTimeout,
		HardTimeout: DefaultHardTimeout,
	}
}

// Notification is one packet-in from the device.
type Notification struct {
	InPort   uint16
	BufferID uint32
	Data     []byte
}

// Decision is the outcome of one notification. Action is always set; the
// other fields describe the state changes made while deciding.
type Decision struct {
	Action    Action
	Src       l2.MAC
	Dst       l2.MAC
	EtherType uint16
	Learned   bool           // learning table entry for Src changed
	Ownership hostreg.Result // only meaningful in load-balancing mode
	Synthetic l2.MAC         // address handed out by a Reply
}

// Options configures an Engine.
type Options struct {
	Device uint64
	Table  *mactable.Table
	Hosts  *hostreg.Registry   // required in load-balancing mode
	IDs    *identity.Allocator // required in load-balancing mode
	Policy func() *Policy      // nil means DefaultPolicy
}

// Engine classifies packet-ins for a single device.
type Engine struct {
	device uint64
	table  *mactable.Table
	hosts  *hostreg.Registry
	ids    *identity.Allocator
	policy func() *Policy
}

// New creates an Engine. A nil Table gets a fresh one.
func New(opts Options) *Engine {
	if opts.Table == nil {
		opts.Table = mactable.New()
	}
	if opts.Policy == nil {
		def := DefaultPolicy()
		opts.Policy = func() *Policy { return def }
	}
	return &Engine{
		device: opts.Device,
		table:  opts.Table,
		hosts:  opts.Hosts,
		ids:    opts.IDs,
		policy: opts.Policy,
	}
}

// Table returns the engine's learning table.
func (e *Engine) Table() *mactable.Table {
	return e.table
}

// Decide runs one notification through the classifier. The first matching
// rule wins: housekeeping always runs, then LLDP/IPv6 drop, ARP
// interception, directed delivery and finally flood.
func (e *Engine) Decide(n Notification, now time.Time) Decision {
	pol := e.policy()
	lb := pol.Mode == ModeLoadBalancing && e.hosts != nil && e.ids != nil

	frame, err := l2.ParseFrame(n.Data)
	if err != nil {
		slog.Debug("switchctl: unparseable packet-in, dropping",
			"dpid", dpidString(e.device), "in_port", n.InPort, "err", err)
		return Decision{Action: Drop{BufferID: n.BufferID, InPort: n.InPort}}
	}

	d := Decision{Src: frame.Src, Dst: frame.Dst, EtherType: frame.EtherType}

	if lb {
		d.Ownership = e.hosts.Touch(e.device, frame.Src, now)
	}
	if e.table.Observe(frame.Src, n.InPort) {
		d.Learned = true
		slog.Debug("switchctl: learned host location",
			"dpid", dpidString(e.device), "mac", frame.Src, "port", n.InPort)
	}

	if frame.EtherType == l2.EtherTypeLLDP || frame.EtherType == l2.EtherTypeIPv6 {
		d.Action = Drop{BufferID: n.BufferID, InPort: n.InPort}
		return d
	}

	if lb && frame.EtherType == l2.EtherTypeARP && pol.Target.IsValid() {
		if req, err := l2.ParseARP(frame.Payload); err == nil &&
			req.Op == l2.ARPRequest && pol.Target.Contains(req.TargetIP) {
			mac := e.ids.Next()
			slog.Debug("switchctl: answering load-balanced ARP",
				"dpid", dpidString(e.device), "target", req.TargetIP,
				"requester", req.SenderHW, "synthetic", mac)
			d.Synthetic = mac
			d.Action = Reply{Payload: l2.BuildARPReplyFrame(frame, req, mac), OutPort: n.InPort}
			return d
		}
	}

	if port, ok := e.table.Lookup(frame.Dst); ok {
		slog.Debug("switchctl: establishing flow",
			"dpid", dpidString(e.device), "dst", frame.Dst, "src", frame.Src, "port", port)
		d.Action = InstallRule{
			MatchSrc:    frame.Src,
			MatchDst:    frame.Dst,
			OutPort:     port,
			IdleTimeout: pol.IdleTimeout,
			HardTimeout: pol.HardTimeout,
			BufferID:    n.BufferID,
			InPort:      n.InPort,
			Data:        n.Data,
		}
		return d
	}

	slog.Debug("switchctl: destination unknown, flooding",
		"dpid", dpidString(e.device), "dst", frame.Dst)
	d.Action = Flood{BufferID: n.BufferID, InPort: n.InPort, Data: n.Data}
	return d
}

func dpidString(dpid uint64) string {
	return fmt.Sprintf("%016x", dpid)
}
