package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/psaab/lbswitch/pkg/hostreg"
	"github.com/psaab/lbswitch/pkg/l2"
	"github.com/psaab/lbswitch/pkg/logging"
	"github.com/psaab/lbswitch/pkg/mactable"
	"github.com/psaab/lbswitch/pkg/switchctl"
)

// ErrClosed is returned by operations on a session whose loop has stopped.
var ErrClosed = errors.New("session closed")

// Info describes a session for listings.
type Info struct {
	ID        string    `json:"id"`
	DPID      uint64    `json:"dpid"`
	Connected time.Time `json:"connected"`
	Hosts     int       `json:"learned_hosts"`
	Counters
}

// Session drives one device. Packet-ins queued with Deliver are handled by
// Run strictly in order; the learning table is only touched from there.
type Session struct {
	id        uuid.UUID
	dpid      uint64
	conn      Conn
	ctl       *Controller
	engine    *switchctl.Engine
	connected time.Time

	in      chan switchctl.Notification
	queries chan func(*mactable.Table)
	done    chan struct{}
	once    sync.Once

	hosts    atomic.Int64
	counters counters
}

func newSession(c *Controller, dpid uint64, conn Conn) *Session {
	s := &Session{
		id:        uuid.New(),
		dpid:      dpid,
		conn:      conn,
		ctl:       c,
		connected: c.now(),
		in:        make(chan switchctl.Notification, 256),
		queries:   make(chan func(*mactable.Table)),
		done:      make(chan struct{}),
	}
	s.engine = switchctl.New(switchctl.Options{
		Device: dpid,
		Table:  mactable.New(),
		Hosts:  c.hosts,
		IDs:    c.ids,
		Policy: c.Policy,
	})
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() string {
	return s.id.String()
}

// DPID returns the device's datapath ID.
func (s *Session) DPID() uint64 {
	return s.dpid
}

// Info returns a description of the session.
func (s *Session) Info() Info {
	return Info{
		ID:        s.id.String(),
		DPID:      s.dpid,
		Connected: s.connected,
		Hosts:     int(s.hosts.Load()),
		Counters:  s.counters.snapshot(),
	}
}

// Run processes queued packet-ins until ctx is cancelled or Close is called.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case n := <-s.in:
			s.HandlePacketIn(n)
		case q := <-s.queries:
			q(s.engine.Table())
		}
	}
}

// Deliver queues a packet-in for Run. It blocks while the queue is full,
// which pushes back on the device connection's reader.
func (s *Session) Deliver(ctx context.Context, n switchctl.Notification) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.in <- n:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MACTable returns a snapshot of the learning table, taken on the Run
// goroutine.
func (s *Session) MACTable(ctx context.Context) ([]mactable.Entry, error) {
	result := make(chan []mactable.Entry, 1)
	q := func(t *mactable.Table) { result <- t.Entries() }

	select {
	case s.queries <- q:
	case <-s.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return <-result, nil
}

// Close stops Run and removes the session from its controller. Learned
// entries are discarded with the session.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		s.ctl.detach(s)
		slog.Info("session: device disconnected",
			"dpid", dpidString(s.dpid), "session", s.id)
	})
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// HandlePacketIn decides on one packet-in and sends the result to the
// device. Decision state is kept even when the send fails.
func (s *Session) HandlePacketIn(n switchctl.Notification) error {
	now := s.ctl.now()
	d := s.engine.Decide(n, now)
	s.hosts.Store(int64(s.engine.Table().Len()))
	s.count(&s.counters, d.Action)
	s.count(&s.ctl.totals, d.Action)

	if d.Ownership == hostreg.Acquired {
		s.ctl.publish(logging.EventRecord{
			Time: now, Type: logging.EventHostAcquired, Device: s.dpid,
			InPort: n.InPort, Src: d.Src.String(),
		})
	}

	if d.EtherType == l2.EtherTypeLLDP {
		s.observeNeighbor(n, now)
	}

	rec := logging.EventRecord{
		Time:      now,
		Type:      d.Action.Kind(),
		Device:    s.dpid,
		InPort:    n.InPort,
		Src:       d.Src.String(),
		Dst:       d.Dst.String(),
		EtherType: d.EtherType,
	}

	var err error
	switch a := d.Action.(type) {
	case switchctl.Drop:
		err = s.conn.SendDrop(a.BufferID, a.InPort)
	case switchctl.Reply:
		rec.OutPort = a.OutPort
		rec.Synthetic = d.Synthetic.String()
		err = s.conn.SendPacketOut(switchctl.NoBuffer, switchctl.PortNone, a.Payload, a.OutPort)
	case switchctl.InstallRule:
		rec.OutPort = a.OutPort
		err = s.conn.SendFlowInstall(a)
	case switchctl.Flood:
		rec.OutPort = switchctl.PortFlood
		err = s.conn.SendPacketOut(a.BufferID, a.InPort, a.Data, switchctl.PortFlood)
	default:
		err = fmt.Errorf("unhandled action %T", d.Action)
	}
	s.ctl.publish(rec)

	if err != nil {
		s.counters.sendErrors.Add(1)
		s.ctl.totals.sendErrors.Add(1)
		slog.Warn("session: send failed",
			"dpid", dpidString(s.dpid), "action", d.Action.Kind(), "in_port", n.InPort, "err", err)
		s.ctl.publish(logging.EventRecord{
			Time: now, Type: logging.EventSendFailed, Device: s.dpid,
			InPort: n.InPort, Detail: err.Error(),
		})
		return fmt.Errorf("send %s: %w", d.Action.Kind(), err)
	}
	return nil
}

// observeNeighbor records the LLDP speaker behind n's ingress port. The
// frame is still dropped; this only feeds the neighbor table.
func (s *Session) observeNeighbor(n switchctl.Notification, now time.Time) {
	nb, isNew, err := s.ctl.neighbors.Observe(s.dpid, n.InPort, n.Data, now)
	if err != nil {
		slog.Debug("session: ignoring LLDP frame",
			"dpid", dpidString(s.dpid), "in_port", n.InPort, "err", err)
		return
	}
	if isNew {
		s.ctl.publish(logging.EventRecord{
			Time: now, Type: logging.EventNeighbor, Device: s.dpid, InPort: n.InPort,
			Detail: fmt.Sprintf("chassis=%s port=%s", nb.ChassisID, nb.PortID),
		})
	}
}

func (s *Session) count(c *counters, a switchctl.Action) {
	c.packetIns.Add(1)
	switch a.(type) {
	case switchctl.Drop:
		c.drops.Add(1)
	case switchctl.Reply:
		c.replies.Add(1)
	case switchctl.InstallRule:
		c.installs.Add(1)
	case switchctl.Flood:
		c.floods.Add(1)
	}
}

func dpidString(dpid uint64) string {
	return fmt.Sprintf("%016x", dpid)
}
