package api

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// lbswitchCollector implements prometheus.Collector, reading controller
// state on each scrape.
type lbswitchCollector struct {
	srv *Server

	sessions         *prometheus.Desc
	learnedHosts     *prometheus.Desc
	ownedHosts       *prometheus.Desc
	identitiesIssued *prometheus.Desc
	decisionsTotal   *prometheus.Desc
	sendErrorsTotal  *prometheus.Desc
	touchesTotal     *prometheus.Desc
	lldpNeighbors    *prometheus.Desc
	eventsTotal      *prometheus.Desc

	ofConnections       *prometheus.Desc
	ofAcceptedTotal     *prometheus.Desc
	ofHandshakeFailures *prometheus.Desc
	ofPacketInsTotal    *prometheus.Desc
	ofMalformedTotal    *prometheus.Desc
	ofDeviceErrors      *prometheus.Desc
}

func newCollector(srv *Server) *lbswitchCollector {
	return &lbswitchCollector{
		srv: srv,

		sessions: prometheus.NewDesc(
			"lbswitch_sessions",
			"Connected devices.",
			nil, nil,
		),
		learnedHosts: prometheus.NewDesc(
			"lbswitch_learned_hosts",
			"Entries in a device's MAC learning table.",
			[]string{"dpid"}, nil,
		),
		ownedHosts: prometheus.NewDesc(
			"lbswitch_owned_hosts",
			"Hosts in the ownership registry.",
			nil, nil,
		),
		identitiesIssued: prometheus.NewDesc(
			"lbswitch_identities_issued_total",
			"Synthetic addresses handed out in ARP replies.",
			nil, nil,
		),
		decisionsTotal: prometheus.NewDesc(
			"lbswitch_decisions_total",
			"Packet-in decisions by action.",
			[]string{"action"}, nil,
		),
		sendErrorsTotal: prometheus.NewDesc(
			"lbswitch_send_errors_total",
			"Decisions that could not be delivered to the device.",
			nil, nil,
		),
		touchesTotal: prometheus.NewDesc(
			"lbswitch_ownership_touches_total",
			"Host ownership updates by result.",
			[]string{"result"}, nil,
		),
		lldpNeighbors: prometheus.NewDesc(
			"lbswitch_lldp_neighbors",
			"Unexpired LLDP neighbors seen behind device ports.",
			nil, nil,
		),
		eventsTotal: prometheus.NewDesc(
			"lbswitch_events_total",
			"Decision events recorded since start.",
			nil, nil,
		),
		ofConnections: prometheus.NewDesc(
			"lbswitch_openflow_connections",
			"Open device connections past the handshake.",
			nil, nil,
		),
		ofAcceptedTotal: prometheus.NewDesc(
			"lbswitch_openflow_accepted_total",
			"Accepted TCP connections.",
			nil, nil,
		),
		ofHandshakeFailures: prometheus.NewDesc(
			"lbswitch_openflow_handshake_failures_total",
			"Connections dropped during the handshake.",
			nil, nil,
		),
		ofPacketInsTotal: prometheus.NewDesc(
			"lbswitch_openflow_packet_ins_total",
			"Packet-in messages received.",
			nil, nil,
		),
		ofMalformedTotal: prometheus.NewDesc(
			"lbswitch_openflow_malformed_total",
			"Messages that failed to decode.",
			nil, nil,
		),
		ofDeviceErrors: prometheus.NewDesc(
			"lbswitch_openflow_device_errors_total",
			"Error messages reported by devices.",
			nil, nil,
		),
	}
}

func (c *lbswitchCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessions
	ch <- c.learnedHosts
	ch <- c.ownedHosts
	ch <- c.identitiesIssued
	ch <- c.decisionsTotal
	ch <- c.sendErrorsTotal
	ch <- c.touchesTotal
	ch <- c.lldpNeighbors
	ch <- c.eventsTotal
	ch <- c.ofConnections
	ch <- c.ofAcceptedTotal
	ch <- c.ofHandshakeFailures
	ch <- c.ofPacketInsTotal
	ch <- c.ofMalformedTotal
	ch <- c.ofDeviceErrors
}

func (c *lbswitchCollector) Collect(ch chan<- prometheus.Metric) {
	ctl := c.srv.ctl
	if ctl == nil {
		return
	}

	infos := ctl.Sessions()
	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(len(infos)))
	for _, info := range infos {
		ch <- prometheus.MustNewConstMetric(c.learnedHosts, prometheus.GaugeValue,
			float64(info.Hosts), formatDPID(info.DPID))
	}

	hs := ctl.Hosts().Stats()
	ch <- prometheus.MustNewConstMetric(c.ownedHosts, prometheus.GaugeValue, float64(hs.Hosts))
	ch <- prometheus.MustNewConstMetric(c.touchesTotal, prometheus.CounterValue, float64(hs.Acquired), "acquired")
	ch <- prometheus.MustNewConstMetric(c.touchesTotal, prometheus.CounterValue, float64(hs.Refreshed), "refreshed")
	ch <- prometheus.MustNewConstMetric(c.touchesTotal, prometheus.CounterValue, float64(hs.NoOp), "noop")

	ch <- prometheus.MustNewConstMetric(c.identitiesIssued, prometheus.CounterValue,
		float64(ctl.Identities().Issued()))

	t := ctl.Totals()
	for _, d := range []struct {
		action string
		n      uint64
	}{
		{"drop", t.Drops},
		{"reply", t.Replies},
		{"install", t.Installs},
		{"flood", t.Floods},
	} {
		ch <- prometheus.MustNewConstMetric(c.decisionsTotal, prometheus.CounterValue, float64(d.n), d.action)
	}
	ch <- prometheus.MustNewConstMetric(c.sendErrorsTotal, prometheus.CounterValue, float64(t.SendErrors))
	ch <- prometheus.MustNewConstMetric(c.lldpNeighbors, prometheus.GaugeValue,
		float64(len(ctl.Neighbors().Neighbors(time.Now()))))
	if c.srv.eventBuf != nil {
		ch <- prometheus.MustNewConstMetric(c.eventsTotal, prometheus.CounterValue, float64(c.srv.eventBuf.Seq()))
	}

	if c.srv.listener == nil {
		return
	}
	st := c.srv.listener.Stats()
	ch <- prometheus.MustNewConstMetric(c.ofConnections, prometheus.GaugeValue, float64(st.Connections))
	ch <- prometheus.MustNewConstMetric(c.ofAcceptedTotal, prometheus.CounterValue, float64(st.Accepted))
	ch <- prometheus.MustNewConstMetric(c.ofHandshakeFailures, prometheus.CounterValue, float64(st.HandshakeFailures))
	ch <- prometheus.MustNewConstMetric(c.ofPacketInsTotal, prometheus.CounterValue, float64(st.PacketIns))
	ch <- prometheus.MustNewConstMetric(c.ofMalformedTotal, prometheus.CounterValue, float64(st.Malformed))
	ch <- prometheus.MustNewConstMetric(c.ofDeviceErrors, prometheus.CounterValue, float64(st.DeviceErrors))
}
