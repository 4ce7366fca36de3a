// Package api implements the HTTP REST API, the decision event stream and
// the Prometheus metrics endpoint.
package api

import (
	"github.com/psaab/lbswitch/pkg/hostreg"
	"github.com/psaab/lbswitch/pkg/openflow"
	"github.com/psaab/lbswitch/pkg/session"
)

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds controller status.
type StatusResponse struct {
	Uptime           string           `json:"uptime"`
	Mode             string           `json:"mode"`
	Target           string           `json:"load_balance_target,omitempty"`
	HostIdleTimeout  string           `json:"host_idle_timeout"`
	FlowIdleTimeout  uint16           `json:"flow_idle_timeout"`
	FlowHardTimeout  uint16           `json:"flow_hard_timeout"`
	Sessions         int              `json:"sessions"`
	IdentitiesIssued uint64           `json:"identities_issued"`
	Hosts            hostreg.Stats    `json:"hosts"`
	Decisions        session.Counters `json:"decisions"`
	OpenFlow         *openflow.Stats  `json:"openflow,omitempty"`
}

// SessionEntry describes one connected device.
type SessionEntry struct {
	ID        string `json:"id"`
	DPID      string `json:"dpid"`
	Connected string `json:"connected"`
	Hosts     int    `json:"learned_hosts"`
	session.Counters
}

// HostEntry is one row of the host ownership registry.
type HostEntry struct {
	MAC      string `json:"mac"`
	Device   string `json:"device"`
	LastSeen string `json:"last_seen"`
	Idle     string `json:"idle"`
	Stale    bool   `json:"stale"`
}

// MACEntry is one row of a device's learning table.
type MACEntry struct {
	MAC  string `json:"mac"`
	Port uint16 `json:"port"`
}

// EventEntry is a decision event as served by the API.
type EventEntry struct {
	Time      string `json:"time"`
	Type      string `json:"type"`
	Device    string `json:"device,omitempty"`
	InPort    uint16 `json:"in_port,omitempty"`
	OutPort   uint16 `json:"out_port,omitempty"`
	Src       string `json:"src,omitempty"`
	Dst       string `json:"dst,omitempty"`
	EtherType string `json:"ether_type,omitempty"`
	Synthetic string `json:"synthetic,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// NeighborEntry is an LLDP speaker seen behind a device port.
type NeighborEntry struct {
	Device     string `json:"device"`
	InPort     uint16 `json:"in_port"`
	ChassisID  string `json:"chassis_id"`
	PortID     string `json:"port_id"`
	SystemName string `json:"system_name,omitempty"`
	PortDesc   string `json:"port_desc,omitempty"`
	Expires    string `json:"expires_in"`
}
