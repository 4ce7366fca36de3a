// Package session binds decision engines to device connections.
//
// A Controller owns the state shared by every device (host registry,
// identity allocator, forwarding policy) and creates one Session per
// connected device. A Session owns its device's learning table and
// processes that device's packet-ins one at a time, in arrival order.
package session

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psaab/lbswitch/pkg/hostreg"
	"github.com/psaab/lbswitch/pkg/identity"
	"github.com/psaab/lbswitch/pkg/lldp"
	"github.com/psaab/lbswitch/pkg/logging"
	"github.com/psaab/lbswitch/pkg/switchctl"
)

// Conn is the outbound side of a device connection.
type Conn interface {
	// SendDrop acknowledges a buffered packet without forwarding it.
	SendDrop(bufferID uint32, inPort uint16) error
	// SendPacketOut emits payload (or the buffered packet) out of outPort.
	SendPacketOut(bufferID uint32, inPort uint16, payload []byte, outPort uint16) error
	// SendFlowInstall installs rule and releases its buffered packet along it.
	SendFlowInstall(rule switchctl.InstallRule) error
}

// Options configures a Controller.
type Options struct {
	Policy     *switchctl.Policy    // nil means switchctl.DefaultPolicy
	IdleWindow time.Duration        // host ownership idle window
	Events     *logging.EventBuffer // optional decision event sink
	Now        func() time.Time     // clock; defaults to time.Now
}

// Counters are decision totals.
type Counters struct {
	PacketIns  uint64 `json:"packet_ins"`
	Drops      uint64 `json:"drops"`
	Replies    uint64 `json:"replies"`
	Installs   uint64 `json:"installs"`
	Floods     uint64 `json:"floods"`
	SendErrors uint64 `json:"send_errors"`
}

type counters struct {
	packetIns, drops, replies, installs, floods, sendErrors atomic.Uint64
}

func (c *counters) snapshot() Counters {
	return Counters{
		PacketIns:  c.packetIns.Load(),
		Drops:      c.drops.Load(),
		Replies:    c.replies.Load(),
		Installs:   c.installs.Load(),
		Floods:     c.floods.Load(),
		SendErrors: c.sendErrors.Load(),
	}
}

// Controller holds the controller-wide state and the live sessions.
type Controller struct {
	hosts     *hostreg.Registry
	ids       *identity.Allocator
	neighbors *lldp.Table
	policy    atomic.Pointer[switchctl.Policy]
	events    *logging.EventBuffer
	now       func() time.Time

	totals counters

	mu       sync.RWMutex
	sessions map[uint64]*Session // by datapath ID
}

// NewController creates a Controller with an empty host registry and a
// fresh identity allocator.
func NewController(opts Options) *Controller {
	if opts.Policy == nil {
		opts.Policy = switchctl.DefaultPolicy()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Controller{
		hosts:     hostreg.New(opts.IdleWindow),
		ids:       identity.NewAllocator(),
		neighbors: lldp.NewTable(),
		events:    opts.Events,
		now:       opts.Now,
		sessions:  make(map[uint64]*Session),
	}
	c.policy.Store(opts.Policy)
	return c
}

// Policy returns the policy in force.
func (c *Controller) Policy() *switchctl.Policy {
	return c.policy.Load()
}

// Apply swaps in a new policy and host idle window. Sessions pick the new
// policy up on their next packet-in.
func (c *Controller) Apply(pol *switchctl.Policy, idle time.Duration) {
	if pol == nil {
		pol = switchctl.DefaultPolicy()
	}
	c.policy.Store(pol)
	c.hosts.SetIdleWindow(idle)
	slog.Info("session: policy applied",
		"mode", pol.Mode, "target", pol.Target, "host_idle", c.hosts.IdleWindow(),
		"flow_idle", pol.IdleTimeout, "flow_hard", pol.HardTimeout)
}

// Hosts returns the shared host registry.
func (c *Controller) Hosts() *hostreg.Registry {
	return c.hosts
}

// Identities returns the shared identity allocator.
func (c *Controller) Identities() *identity.Allocator {
	return c.ids
}

// Neighbors returns the LLDP neighbor table fed by every session.
func (c *Controller) Neighbors() *lldp.Table {
	return c.neighbors
}

// Events returns the decision event buffer, which may be nil.
func (c *Controller) Events() *logging.EventBuffer {
	return c.events
}

// Totals returns decision counters summed over every session ever created.
func (c *Controller) Totals() Counters {
	return c.totals.snapshot()
}

// OnDeviceConnected creates the session for a newly connected device.
// A device that reconnects before its old session is torn down replaces
// it; the stale session keeps running until its own connection closes but
// no longer appears in listings.
func (c *Controller) OnDeviceConnected(dpid uint64, conn Conn) *Session {
	s := newSession(c, dpid, conn)

	c.mu.Lock()
	old := c.sessions[dpid]
	c.sessions[dpid] = s
	c.mu.Unlock()

	if old != nil {
		slog.Warn("session: device reconnected, replacing session",
			"dpid", fmt.Sprintf("%016x", dpid), "old", old.id, "new", s.id)
	}
	slog.Info("session: device connected",
		"dpid", fmt.Sprintf("%016x", dpid), "session", s.id)
	c.publish(logging.EventRecord{Type: logging.EventSessionUp, Device: dpid, Detail: s.id.String()})
	return s
}

// detach removes s from the live set if it is still the current session
// for its device.
func (c *Controller) detach(s *Session) {
	c.mu.Lock()
	current := false
	if cur, ok := c.sessions[s.dpid]; ok && cur == s {
		delete(c.sessions, s.dpid)
		current = true
	}
	c.mu.Unlock()
	if current {
		c.neighbors.RemoveDevice(s.dpid)
	}
	c.publish(logging.EventRecord{Type: logging.EventSessionDown, Device: s.dpid, Detail: s.id.String()})
}

// Session returns the live session for dpid.
func (c *Controller) Session(dpid uint64) (*Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[dpid]
	return s, ok
}

// Sessions describes every live session ordered by datapath ID.
func (c *Controller) Sessions() []Info {
	c.mu.RLock()
	out := make([]Info, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s.Info())
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DPID < out[j].DPID })
	return out
}

func (c *Controller) publish(rec logging.EventRecord) {
	if c.events == nil {
		return
	}
	if rec.Time.IsZero() {
		rec.Time = c.now()
	}
	c.events.Add(rec)
}
