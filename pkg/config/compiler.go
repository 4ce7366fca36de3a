package config

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/psaab/lbswitch/pkg/logging"
	"github.com/psaab/lbswitch/pkg/switchctl"
)

// Parse parses and compiles configuration text.
func Parse(input string) (*Config, error) {
	tree, errs := NewParser(input).Parse()
	if len(errs) > 0 {
		return nil, fmt.Errorf("parse: %w", errs[0])
	}
	return CompileConfig(tree)
}

// CompileConfig converts a parsed ConfigTree into a typed Config. Settings
// absent from the tree keep their defaults.
func CompileConfig(tree *ConfigTree) (*Config, error) {
	cfg := Default()

	for _, node := range tree.Children {
		switch node.Name() {
		case "controller":
			if err := compileController(node, &cfg.Controller); err != nil {
				return nil, fmt.Errorf("controller: %w", err)
			}
		case "api":
			if err := compileAPI(node, &cfg.API); err != nil {
				return nil, fmt.Errorf("api: %w", err)
			}
		case "grpc":
			if v := node.FindChild("listen"); v != nil {
				cfg.GRPC.Listen = v.Arg(0)
			}
		case "system":
			if err := compileSystem(node, &cfg.System); err != nil {
				return nil, fmt.Errorf("system: %w", err)
			}
		default:
			cfg.Warnings = append(cfg.Warnings,
				fmt.Sprintf("line %d: unknown statement %q ignored", node.Line, node.Name()))
		}
	}

	cfg.Warnings = append(cfg.Warnings, ValidateConfig(cfg)...)
	return cfg, nil
}

// ValidateConfig returns warnings for settings that are legal but probably
// not what was meant.
func ValidateConfig(cfg *Config) []string {
	var warnings []string
	c := &cfg.Controller
	if c.Mode == switchctl.ModeLearning && c.Target.IsValid() && c.targetSet {
		warnings = append(warnings, "controller: load-balance-target has no effect in learning mode")
	}
	if c.FlowHardTimeout != 0 && c.FlowIdleTimeout > c.FlowHardTimeout {
		warnings = append(warnings, "controller: flow-idle-timeout exceeds flow-hard-timeout")
	}
	if c.portSet && c.ListenInterface == "" {
		if _, p, err := net.SplitHostPort(c.Listen); err == nil && p != strconv.Itoa(c.Port) {
			warnings = append(warnings, fmt.Sprintf("controller: port %d ignored, listen %s already has a port", c.Port, c.Listen))
		}
	}
	if cfg.API.Listen != "" && cfg.API.Listen == cfg.GRPC.Listen {
		warnings = append(warnings, "api and grpc listen on the same address")
	}
	return warnings
}

func compileController(node *Node, c *ControllerConfig) error {
	listenSet := false
	for _, child := range node.Children {
		arg := child.Arg(0)
		if arg == "" {
			return child.errorf("missing value")
		}
		switch child.Name() {
		case "listen":
			c.Listen = arg
			listenSet = true
		case "listen-interface":
			c.ListenInterface = arg
		case "port":
			p, err := strconv.ParseUint(arg, 10, 16)
			if err != nil || p == 0 {
				return child.errorf("invalid port %q", arg)
			}
			c.Port = int(p)
			c.portSet = true
		case "mode":
			m, err := switchctl.ParseMode(arg)
			if err != nil {
				return child.errorf("%v", err)
			}
			c.Mode = m
		case "load-balance-target":
			p, err := netip.ParsePrefix(arg)
			if err != nil || !p.Addr().Is4() {
				return child.errorf("invalid IPv4 prefix %q", arg)
			}
			c.Target = p.Masked()
			c.targetSet = true
		case "host-idle-timeout":
			secs, err := strconv.ParseUint(arg, 10, 32)
			if err != nil || secs == 0 {
				return child.errorf("invalid timeout %q", arg)
			}
			c.HostIdleTimeout = time.Duration(secs) * time.Second
		case "flow-idle-timeout", "flow-hard-timeout":
			secs, err := strconv.ParseUint(arg, 10, 16)
			if err != nil {
				return child.errorf("invalid timeout %q", arg)
			}
			if child.Name() == "flow-idle-timeout" {
				c.FlowIdleTimeout = uint16(secs)
			} else {
				c.FlowHardTimeout = uint16(secs)
			}
		default:
			return child.errorf("unknown setting")
		}
	}

	switch host, _, err := net.SplitHostPort(c.Listen); {
	case c.ListenInterface != "":
		c.Listen = ""
	case err != nil:
		c.Listen = net.JoinHostPort(c.Listen, strconv.Itoa(c.Port))
	case !listenSet:
		c.Listen = net.JoinHostPort(host, strconv.Itoa(c.Port))
	}
	return nil
}

func compileAPI(node *Node, api *APIConfig) error {
	if v := node.FindChild("listen"); v != nil {
		api.Listen = v.Arg(0)
	}
	auth := node.FindChild("authentication")
	if auth == nil {
		return nil
	}
	for _, child := range auth.Children {
		switch child.Name() {
		case "user":
			// user NAME password SECRET
			if len(child.Keys) != 4 || child.Keys[2] != "password" {
				return child.errorf("expected 'user NAME password SECRET'")
			}
			if api.Users == nil {
				api.Users = make(map[string]string)
			}
			api.Users[child.Keys[1]] = child.Keys[3]
		case "api-key":
			if child.Arg(0) == "" {
				return child.errorf("missing value")
			}
			api.APIKeys = append(api.APIKeys, child.Arg(0))
		}
	}
	return nil
}

func compileSystem(node *Node, sys *SystemConfig) error {
	for _, child := range node.Children {
		switch child.Name() {
		case "syslog":
			hosts, err := compileSyslog(child)
			if err != nil {
				return fmt.Errorf("syslog: %w", err)
			}
			sys.Syslog = append(sys.Syslog, hosts...)
		case "event-buffer-size":
			n, err := strconv.Atoi(child.Arg(0))
			if err != nil || n < 1 {
				return child.errorf("invalid size %q", child.Arg(0))
			}
			sys.EventBufferSize = n
		case "aggregate-interval":
			secs, err := strconv.Atoi(child.Arg(0))
			if err != nil || secs < 1 {
				return child.errorf("invalid interval %q", child.Arg(0))
			}
			sys.AggregateInterval = time.Duration(secs) * time.Second
		}
	}
	return nil
}

// compileSyslog accepts both forms:
//
//	syslog { host 10.0.0.5; port 514; severity warning; }
//	syslog { host 10.0.0.5 { port 514; } host 10.0.0.6 { transport tcp; } }
func compileSyslog(node *Node) ([]*SyslogHostConfig, error) {
	var hosts []*SyslogHostConfig

	shared := &SyslogHostConfig{Port: DefaultSyslogPort, Transport: DefaultSyslogProto}
	if err := applySyslogSettings(node.Children, shared); err != nil {
		return nil, err
	}

	for _, h := range node.FindChildren("host") {
		if h.Arg(0) == "" {
			return nil, h.errorf("missing address")
		}
		if h.IsLeaf {
			sh := *shared
			sh.Host = h.Arg(0)
			hosts = append(hosts, &sh)
			continue
		}
		hc := &SyslogHostConfig{Host: h.Arg(0), Port: DefaultSyslogPort, Transport: DefaultSyslogProto}
		if err := applySyslogSettings(h.Children, hc); err != nil {
			return nil, err
		}
		hosts = append(hosts, hc)
	}
	return hosts, nil
}

func applySyslogSettings(nodes []*Node, hc *SyslogHostConfig) error {
	for _, n := range nodes {
		arg := n.Arg(0)
		switch n.Name() {
		case "port":
			p, err := strconv.ParseUint(arg, 10, 16)
			if err != nil || p == 0 {
				return n.errorf("invalid port %q", arg)
			}
			hc.Port = int(p)
		case "severity":
			if logging.ParseSeverity(arg) == 0 && arg != "any" {
				return n.errorf("unknown severity %q", arg)
			}
			hc.Severity = arg
		case "facility":
			hc.Facility = arg
		case "transport":
			if arg != "udp" && arg != "tcp" {
				return n.errorf("unknown transport %q", arg)
			}
			hc.Transport = arg
		}
	}
	return nil
}
