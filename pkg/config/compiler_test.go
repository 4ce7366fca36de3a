package config

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/psaab/lbswitch/pkg/switchctl"
)

func TestCompileConfig(t *testing.T) {
	input := `controller {
    listen 192.0.2.1:6653;
    mode load-balancing;
    load-balance-target 10.200.0.0/16;
    host-idle-timeout 45;
    flow-idle-timeout 10;
    flow-hard-timeout 60;
}
api {
    listen 127.0.0.1:9090;
}
grpc {
    listen 127.0.0.1:50052;
}
system {
    event-buffer-size 500;
    aggregate-interval 30;
    syslog {
        host 10.0.0.5;
        port 5514;
        severity warning;
    }
}`
	cfg, err := Parse(input)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}

	c := cfg.Controller
	if c.Listen != "192.0.2.1:6653" {
		t.Errorf("listen = %q", c.Listen)
	}
	if c.Mode != switchctl.ModeLoadBalancing {
		t.Errorf("mode = %v", c.Mode)
	}
	if c.Target != netip.MustParsePrefix("10.200.0.0/16") {
		t.Errorf("target = %v", c.Target)
	}
	if c.HostIdleTimeout != 45*time.Second {
		t.Errorf("host idle = %v", c.HostIdleTimeout)
	}
	pol := c.Policy()
	if pol.IdleTimeout != 10 || pol.HardTimeout != 60 {
		t.Errorf("policy timeouts = %d/%d", pol.IdleTimeout, pol.HardTimeout)
	}
	if cfg.API.Listen != "127.0.0.1:9090" || cfg.GRPC.Listen != "127.0.0.1:50052" {
		t.Errorf("api = %q, grpc = %q", cfg.API.Listen, cfg.GRPC.Listen)
	}
	if cfg.System.EventBufferSize != 500 || cfg.System.AggregateInterval != 30*time.Second {
		t.Errorf("system = %+v", cfg.System)
	}
	if len(cfg.System.Syslog) != 1 {
		t.Fatalf("expected 1 syslog host, got %d", len(cfg.System.Syslog))
	}
	sl := cfg.System.Syslog[0]
	if sl.Host != "10.0.0.5" || sl.Port != 5514 || sl.Severity != "warning" || sl.Transport != "udp" {
		t.Errorf("syslog = %+v", sl)
	}
	if len(cfg.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", cfg.Warnings)
	}
}

func TestCompileDefaults(t *testing.T) {
	cfg, err := Parse("")
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if cfg.Controller.Listen != "0.0.0.0:6633" {
		t.Errorf("listen = %q", cfg.Controller.Listen)
	}
	if cfg.Controller.Target != def.Controller.Target || cfg.Controller.Mode != def.Controller.Mode {
		t.Errorf("controller = %+v", cfg.Controller)
	}
	if cfg.Controller.HostIdleTimeout != 30*time.Second {
		t.Errorf("host idle = %v", cfg.Controller.HostIdleTimeout)
	}
	if cfg.API.Listen != DefaultAPIListen || cfg.GRPC.Listen != DefaultGRPCListen {
		t.Errorf("api = %q, grpc = %q", cfg.API.Listen, cfg.GRPC.Listen)
	}
}

func TestCompileListenWithoutPort(t *testing.T) {
	cfg, err := Parse("controller { listen 10.1.1.1; port 6653; }")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Controller.Listen != "10.1.1.1:6653" {
		t.Errorf("listen = %q", cfg.Controller.Listen)
	}
}

func TestSyslogHostBlocks(t *testing.T) {
	cfg, err := Parse(`system {
    syslog {
        host 10.0.0.5 {
            transport tcp;
            facility daemon;
        }
        host 10.0.0.6 {
            port 1514;
            severity error;
        }
    }
}`)
	if err != nil {
		t.Fatal(err)
	}
	hosts := cfg.System.Syslog
	if len(hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %d", len(hosts))
	}
	if hosts[0].Transport != "tcp" || hosts[0].Facility != "daemon" || hosts[0].Port != DefaultSyslogPort {
		t.Errorf("host 0 = %+v", hosts[0])
	}
	if hosts[1].Port != 1514 || hosts[1].Severity != "error" || hosts[1].Transport != "udp" {
		t.Errorf("host 1 = %+v", hosts[1])
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"bad mode", "controller { mode hub; }", "unknown mode"},
		{"bad prefix", "controller { load-balance-target 10.0.0.0/99; }", "invalid IPv4 prefix"},
		{"v6 prefix", "controller { load-balance-target 2001:db8::/32; }", "invalid IPv4 prefix"},
		{"bad flow timeout", "controller { flow-idle-timeout 70000; }", "invalid timeout"},
		{"zero host idle", "controller { host-idle-timeout 0; }", "invalid timeout"},
		{"bad port", "controller { port 0; }", "invalid port"},
		{"unknown setting", "controller { frobnicate 1; }", "unknown setting"},
		{"missing value", "controller { mode; }", "missing value"},
		{"bad severity", "system { syslog { host 1.2.3.4; severity loud; } }", "unknown severity"},
		{"bad transport", "system { syslog { host 1.2.3.4; transport sctp; } }", "unknown transport"},
		{"parse error", "controller {", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.input)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestCompileWarnings(t *testing.T) {
	cfg, err := Parse(`controller {
    mode learning;
    load-balance-target 10.0.0.0/8;
    flow-idle-timeout 90;
    flow-hard-timeout 30;
}
snmp { community public; }`)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %d: %v", len(cfg.Warnings), cfg.Warnings)
	}
	if !strings.Contains(cfg.Warnings[0], "snmp") {
		t.Errorf("first warning = %q", cfg.Warnings[0])
	}
}

func TestPortIgnoredWhenListenHasPort(t *testing.T) {
	cfg, err := Parse("controller { listen 0.0.0.0:6633; port 7000; }")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Controller.Listen != "0.0.0.0:6633" {
		t.Errorf("listen = %q", cfg.Controller.Listen)
	}
	if len(cfg.Warnings) != 1 || !strings.Contains(cfg.Warnings[0], "port 7000 ignored") {
		t.Errorf("warnings = %v", cfg.Warnings)
	}

	// Agreeing values, a bare listen address and the default listen
	// address all take the port.
	for _, in := range []string{
		"controller { listen 0.0.0.0:7000; port 7000; }",
		"controller { listen 0.0.0.0; port 7000; }",
		"controller { port 7000; }",
	} {
		cfg, err := Parse(in)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Controller.Listen != "0.0.0.0:7000" {
			t.Errorf("%s: listen = %q", in, cfg.Controller.Listen)
		}
		if len(cfg.Warnings) != 0 {
			t.Errorf("%s: unexpected warnings %v", in, cfg.Warnings)
		}
	}
}

func TestListenAddressFromInterface(t *testing.T) {
	orig := interfaceAddrs
	t.Cleanup(func() { interfaceAddrs = orig })
	interfaceAddrs = func(name string) ([]netip.Addr, error) {
		if name != "br0" {
			t.Errorf("looked up %q", name)
		}
		return []netip.Addr{netip.MustParseAddr("172.16.0.1"), netip.MustParseAddr("172.16.0.2")}, nil
	}

	cfg, err := Parse("controller { listen-interface br0; port 6653; }")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Controller.Listen != "" {
		t.Errorf("listen = %q, want empty", cfg.Controller.Listen)
	}
	addr, err := cfg.Controller.ListenAddress()
	if err != nil {
		t.Fatal(err)
	}
	if addr != "172.16.0.1:6653" {
		t.Errorf("address = %q", addr)
	}

	interfaceAddrs = func(string) ([]netip.Addr, error) { return nil, nil }
	if _, err := cfg.Controller.ListenAddress(); err == nil {
		t.Error("expected error for interface without IPv4 address")
	}
}

func TestLoadFileMissing(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.conf"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Controller.Listen != Default().Controller.Listen {
		t.Errorf("listen = %q", cfg.Controller.Listen)
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lbswitch.conf")
	if err := os.WriteFile(path, []byte("controller { mode learning; }\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan *Config, 4)
	if err := Watch(ctx, path, func(c *Config) { got <- c }); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("controller { load-balance-target 10.9.0.0/16; }\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-got:
		if cfg.Controller.Target != netip.MustParsePrefix("10.9.0.0/16") {
			t.Errorf("target = %v", cfg.Controller.Target)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after write")
	}
}

func TestCompileAPIAuthentication(t *testing.T) {
	cfg, err := Parse(`api {
    listen 0.0.0.0:8080;
    authentication {
        user admin password "s3cret";
        api-key tok-1;
        api-key tok-2;
    }
}`)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.API.Listen != "0.0.0.0:8080" {
		t.Errorf("listen = %q", cfg.API.Listen)
	}
	if cfg.API.Users["admin"] != "s3cret" {
		t.Errorf("users = %v", cfg.API.Users)
	}
	if len(cfg.API.APIKeys) != 2 || cfg.API.APIKeys[1] != "tok-2" {
		t.Errorf("api keys = %v", cfg.API.APIKeys)
	}

	if _, err := Parse("api { authentication { user admin; } }"); err == nil {
		t.Error("expected error for user without password")
	}
}
