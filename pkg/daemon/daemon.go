// Package daemon implements the lbswitch controller daemon lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/psaab/lbswitch/pkg/api"
	"github.com/psaab/lbswitch/pkg/config"
	"github.com/psaab/lbswitch/pkg/grpcapi"
	"github.com/psaab/lbswitch/pkg/lldp"
	"github.com/psaab/lbswitch/pkg/logging"
	"github.com/psaab/lbswitch/pkg/openflow"
	"github.com/psaab/lbswitch/pkg/session"
)

// Options configures the daemon.
type Options struct {
	ConfigFile string
	APIAddr    string // overrides api listen; "off" disables the HTTP API
	GRPCAddr   string // overrides grpc listen; "off" disables gRPC
	OFAddr     string // overrides the OpenFlow listen address

	// Syslog, when set, receives the syslog clients named in the config.
	Syslog *logging.SyslogSlogHandler
}

// Daemon is the main lbswitch daemon.
type Daemon struct {
	opts Options

	mu  sync.Mutex
	cfg *config.Config

	ctl      *session.Controller
	of       *openflow.Server
	eventBuf *logging.EventBuffer
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = config.DefaultPath
	}
	return &Daemon{opts: opts}
}

// Run loads the configuration, starts every listener and blocks until
// ctx is cancelled or a termination signal arrives.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting lbswitch daemon", "config", d.opts.ConfigFile, "pid", os.Getpid())

	cfg, err := config.LoadFile(d.opts.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	d.eventBuf = logging.NewEventBuffer(cfg.System.EventBufferSize)
	d.ctl = session.NewController(session.Options{
		Policy:     cfg.Controller.Policy(),
		IdleWindow: cfg.Controller.HostIdleTimeout,
		Events:     d.eventBuf,
	})
	d.of = openflow.NewServer(d.ctl)
	d.applyConfig(cfg)

	ofAddr := d.opts.OFAddr
	if ofAddr == "" {
		if ofAddr, err = cfg.Controller.ListenAddress(); err != nil {
			return fmt.Errorf("openflow listen address: %w", err)
		}
	}
	ln, err := net.Listen("tcp", ofAddr)
	if err != nil {
		return fmt.Errorf("openflow listen %s: %w", ofAddr, err)
	}

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	// WaitGroup for coordinated shutdown of background goroutines
	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	spawn := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	spawn("openflow", func() error { return d.of.Serve(ctx, ln) })

	if addr := pick(d.opts.APIAddr, cfg.API.Listen); addr != "" {
		srv := api.NewServer(api.Config{
			Addr:       addr,
			Auth:       api.NewAuthConfig(cfg.API.Users, cfg.API.APIKeys),
			Controller: d.ctl,
			Listener:   d.of,
			EventBuf:   d.eventBuf,
		})
		spawn("api", func() error { return srv.Run(ctx) })
	}

	if addr := pick(d.opts.GRPCAddr, cfg.GRPC.Listen); addr != "" {
		gs := grpcapi.NewServer(addr, d.of)
		spawn("grpc", func() error { return gs.Run(ctx) })
	}

	agg := logging.NewFloodAggregator(cfg.System.AggregateInterval, 10)
	agg.SetLogFunc(aggregateReporter(d.opts.Syslog))
	wg.Add(1)
	go func() {
		defer wg.Done()
		agg.Run(ctx, d.eventBuf)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.ctl.Neighbors().Run(ctx, lldp.DefaultExpiryInterval)
	}()

	if err := config.Watch(ctx, d.opts.ConfigFile, d.applyConfig); err != nil {
		slog.Warn("config: file watch disabled", "err", err)
	}

	var runErr error
loop:
	for {
		select {
		case <-hup:
			slog.Info("SIGHUP received, reloading configuration")
			if err := d.reload(); err != nil {
				slog.Error("config: reload failed, keeping current config", "err", err)
			}
		case err := <-errCh:
			runErr = err
			break loop
		case <-ctx.Done():
			slog.Info("signal received, shutting down")
			break loop
		}
	}

	// Cancel context to stop background goroutines, then wait for them.
	stop()
	wg.Wait()

	logFinalStats(d.ctl, d.of)
	if d.opts.Syslog != nil {
		d.opts.Syslog.Close()
	}

	slog.Info("shutdown complete")
	return runErr
}

func (d *Daemon) reload() error {
	cfg, err := config.LoadFile(d.opts.ConfigFile)
	if err != nil {
		return err
	}
	d.applyConfig(cfg)
	return nil
}

// applyConfig applies the runtime-changeable parts of cfg: the forwarding
// policy, the host idle window and the syslog destinations. Listener
// addresses only take effect on restart.
func (d *Daemon) applyConfig(cfg *config.Config) {
	d.mu.Lock()
	prev := d.cfg
	d.cfg = cfg
	d.mu.Unlock()

	if prev != nil && listenersChanged(prev, cfg) {
		slog.Warn("config: listener addresses changed, restart to apply")
	}

	d.ctl.Apply(cfg.Controller.Policy(), cfg.Controller.HostIdleTimeout)
	applySyslogConfig(d.opts.Syslog, cfg)
}

// Config returns the configuration in force.
func (d *Daemon) Config() *config.Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

func listenersChanged(a, b *config.Config) bool {
	return a.Controller.Listen != b.Controller.Listen ||
		a.Controller.ListenInterface != b.Controller.ListenInterface ||
		a.API.Listen != b.API.Listen ||
		a.GRPC.Listen != b.GRPC.Listen
}

// pick returns override unless empty; "off" disables the listener.
func pick(override, configured string) string {
	switch override {
	case "":
		return configured
	case "off":
		return ""
	}
	return override
}

// logFinalStats logs controller totals before shutdown.
func logFinalStats(ctl *session.Controller, of *openflow.Server) {
	t := ctl.Totals()
	st := of.Stats()
	slog.Info("final statistics",
		"packet_ins", t.PacketIns,
		"floods", t.Floods,
		"installs", t.Installs,
		"replies", t.Replies,
		"drops", t.Drops,
		"send_errors", t.SendErrors,
		"connections_accepted", st.Accepted,
		"handshake_failures", st.HandshakeFailures,
		"identities_issued", ctl.Identities().Issued(),
		"hosts_owned", ctl.Hosts().Len())
}

// aggregateReporter sends flood and ARP aggregate reports to the syslog
// collectors only, keeping them off stderr. Without collectors they are
// logged normally.
func aggregateReporter(h *logging.SyslogSlogHandler) func(int, string) {
	return func(severity int, msg string) {
		if h == nil || h.Clients() == 0 {
			slog.Info(msg)
			return
		}
		h.Send(severity, msg)
	}
}

// applySyslogConfig constructs syslog clients from the config and applies
// them to the log handler.
func applySyslogConfig(h *logging.SyslogSlogHandler, cfg *config.Config) {
	if h == nil {
		return
	}
	h.SetClients(buildSyslogClients(cfg.System.Syslog))
}

func buildSyslogClients(hosts []*config.SyslogHostConfig) []*logging.SyslogClient {
	var clients []*logging.SyslogClient
	for _, sh := range hosts {
		client, err := logging.NewSyslogClientTransport(sh.Host, sh.Port, sh.Transport)
		if err != nil {
			slog.Warn("failed to create syslog client", "host", sh.Host, "err", err)
			continue
		}
		client.MinSeverity = logging.ParseSeverity(sh.Severity)
		if sh.Facility != "" {
			client.Facility = logging.ParseFacility(sh.Facility)
		}
		slog.Info("syslog host configured",
			"host", sh.Host, "port", sh.Port, "transport", sh.Transport)
		clients = append(clients, client)
	}
	return clients
}
