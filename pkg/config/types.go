package config

import (
	"net/netip"
	"time"

	"github.com/psaab/lbswitch/pkg/switchctl"
)

// DefaultPath is where the daemon looks for its configuration.
const DefaultPath = "/etc/lbswitch/lbswitch.conf"

// Defaults for an empty configuration.
const (
	DefaultOpenFlowPort  = 6633
	DefaultAPIListen     = "127.0.0.1:8080"
	DefaultGRPCListen    = "127.0.0.1:50051"
	DefaultHostIdle      = 30 * time.Second
	DefaultSyslogPort    = 514
	DefaultSyslogProto   = "udp"
	DefaultTargetPrefix  = "10.123.0.0/16"
	DefaultAggregateSecs = 60
)

// Config is the typed configuration compiled from the tree.
type Config struct {
	Controller ControllerConfig
	API        APIConfig
	GRPC       GRPCConfig
	System     SystemConfig
	Warnings   []string // non-fatal validation warnings
}

// ControllerConfig covers the OpenFlow listener and forwarding policy.
type ControllerConfig struct {
	Listen          string // host:port; empty when ListenInterface is set
	ListenInterface string // interface whose first IPv4 address is used
	Port            int
	Mode            switchctl.Mode
	Target          netip.Prefix
	HostIdleTimeout time.Duration
	FlowIdleTimeout uint16
	FlowHardTimeout uint16

	targetSet bool
	portSet   bool
}

// APIConfig is the HTTP API listener. With Users or APIKeys set, every
// route except /health and /metrics requires credentials.
type APIConfig struct {
	Listen  string
	Users   map[string]string // basic auth username -> password
	APIKeys []string          // bearer or X-API-Key tokens
}

// GRPCConfig is the gRPC health listener.
type GRPCConfig struct {
	Listen string
}

// SystemConfig holds logging settings.
type SystemConfig struct {
	Syslog            []*SyslogHostConfig
	EventBufferSize   int
	AggregateInterval time.Duration
}

// SyslogHostConfig defines a remote syslog destination.
type SyslogHostConfig struct {
	Host      string
	Port      int
	Transport string // udp or tcp
	Severity  string // error, warning, info, debug; empty sends everything
	Facility  string
}

// Policy returns the forwarding policy described by c.
func (c *ControllerConfig) Policy() *switchctl.Policy {
	return &switchctl.Policy{
		Mode:        c.Mode,
		Target:      c.Target,
		IdleTimeout: c.FlowIdleTimeout,
		HardTimeout: c.FlowHardTimeout,
	}
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Controller: ControllerConfig{
			Listen:          "0.0.0.0:6633",
			Port:            DefaultOpenFlowPort,
			Mode:            switchctl.ModeLoadBalancing,
			Target:          netip.MustParsePrefix(DefaultTargetPrefix),
			HostIdleTimeout: DefaultHostIdle,
			FlowIdleTimeout: switchctl.DefaultIdleTimeout,
			FlowHardTimeout: switchctl.DefaultHardTimeout,
		},
		API:  APIConfig{Listen: DefaultAPIListen},
		GRPC: GRPCConfig{Listen: DefaultGRPCListen},
		System: SystemConfig{
			EventBufferSize:   1000,
			AggregateInterval: DefaultAggregateSecs * time.Second,
		},
	}
}
