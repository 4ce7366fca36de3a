package openflow

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/libOpenflow/util"

	"github.com/psaab/lbswitch/pkg/switchctl"
)

// Conn is one device connection after the handshake. It implements
// session.Conn.
type Conn struct {
	nc      net.Conn
	dpid    uint64
	buffers uint32
	tables  uint8

	wmu sync.Mutex
}

func newConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// DatapathID is the device's datapath ID from FEATURES_REPLY.
func (c *Conn) DatapathID() uint64 {
	return c.dpid
}

// RemoteAddr returns the device's address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

func (c *Conn) send(msg util.Message) error {
	b, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err = c.nc.Write(b)
	return err
}

// SendDrop releases a buffered packet with an empty action list. Nothing
// is sent for unbuffered packets.
func (c *Conn) SendDrop(bufferID uint32, inPort uint16) error {
	if bufferID == switchctl.NoBuffer {
		return nil
	}
	po, err := newPacketOut(bufferID, inPort, nil)
	if err != nil {
		return err
	}
	return c.send(po)
}

// SendPacketOut emits payload (or the buffered packet) out of outPort.
func (c *Conn) SendPacketOut(bufferID uint32, inPort uint16, payload []byte, outPort uint16) error {
	po, err := newPacketOut(bufferID, inPort, payload, outPort)
	if err != nil {
		return err
	}
	return c.send(po)
}

// SendFlowInstall adds a flow matching the rule's address pair. A buffered
// packet is released by the flow-mod itself; an unbuffered one is sent
// along the new rule with a packet-out.
func (c *Conn) SendFlowInstall(rule switchctl.InstallRule) error {
	if err := c.send(newFlowAdd(rule)); err != nil {
		return fmt.Errorf("flow-mod: %w", err)
	}
	if rule.BufferID != switchctl.NoBuffer || len(rule.Data) == 0 {
		return nil
	}
	if err := c.SendPacketOut(switchctl.NoBuffer, rule.InPort, rule.Data, rule.OutPort); err != nil {
		return fmt.Errorf("packet-out after flow-mod: %w", err)
	}
	return nil
}

// handshake exchanges HELLO and FEATURES with the device, configures its
// miss send length and installs the table-miss rule that punts unmatched
// packets to the controller.
func (c *Conn) handshake(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.nc.SetDeadline(deadline)
	defer c.nc.SetDeadline(time.Time{})

	hello, err := newHello()
	if err != nil {
		return err
	}
	if err := c.send(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	gotHello := false
	for {
		h, msg, err := ReadMessage(c.nc)
		if err != nil {
			return fmt.Errorf("handshake read: %w", err)
		}

		switch h.Type {
		case openflow13.Type_Hello:
			if h.Version < Version {
				return fmt.Errorf("%w: device hello version %d", ErrVersion, h.Version)
			}
			if gotHello {
				continue
			}
			gotHello = true
			if err := c.send(openflow13.NewFeaturesRequest()); err != nil {
				return fmt.Errorf("send features request: %w", err)
			}
		case openflow13.Type_EchoRequest:
			if err := c.send(newEchoReply(msg)); err != nil {
				return fmt.Errorf("send echo reply: %w", err)
			}
		case openflow13.Type_Error:
			de, err := decodeError(msg)
			if err != nil {
				return err
			}
			return fmt.Errorf("device rejected handshake: %w", de)
		case openflow13.Type_FeaturesReply:
			if !gotHello {
				continue
			}
			if h.Version != Version {
				return fmt.Errorf("%w: features reply version %d", ErrVersion, h.Version)
			}
			f, dpid, err := decodeFeatures(msg)
			if err != nil {
				return err
			}
			c.dpid, c.buffers, c.tables = dpid, f.Buffers, f.NumTables
			if err := c.send(newSetConfig()); err != nil {
				return fmt.Errorf("send set-config: %w", err)
			}
			if err := c.send(newTableMiss()); err != nil {
				return fmt.Errorf("send table-miss flow: %w", err)
			}
			return nil
		default:
			slog.Debug("openflow: ignoring message during handshake",
				"remote", c.nc.RemoteAddr(), "type", h.Type)
		}
	}
}
