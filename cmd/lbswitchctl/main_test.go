package main

import (
	"bytes"
	"context"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/psaab/lbswitch/pkg/api"
	"github.com/psaab/lbswitch/pkg/grpcapi"
	"github.com/psaab/lbswitch/pkg/l2"
	"github.com/psaab/lbswitch/pkg/logging"
	"github.com/psaab/lbswitch/pkg/session"
	"github.com/psaab/lbswitch/pkg/switchctl"
)

type nopConn struct{}

func (nopConn) SendDrop(uint32, uint16) error                      { return nil }
func (nopConn) SendPacketOut(uint32, uint16, []byte, uint16) error { return nil }
func (nopConn) SendFlowInstall(switchctl.InstallRule) error        { return nil }

type serving bool

func (s serving) Serving() bool { return bool(s) }

// newTestCtl starts an API server with one session (dpid 0x2a) that has
// learned two hosts, and a gRPC health server reporting SERVING.
func newTestCtl(t *testing.T, auth *api.AuthConfig) (*ctl, *bytes.Buffer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	events := logging.NewEventBuffer(64)
	ctlr := session.NewController(session.Options{Events: events})
	sess := ctlr.OnDeviceConnected(0x2a, nopConn{})
	go sess.Run(ctx)

	a := l2.MustParseMAC("02:00:00:00:00:0a")
	b := l2.MustParseMAC("02:00:00:00:00:0b")
	require.NoError(t, sess.Deliver(ctx, switchctl.Notification{InPort: 1, BufferID: 1,
		Data: l2.BuildFrame(b, a, l2.EtherTypeIPv4, make([]byte, 46))}))
	require.NoError(t, sess.Deliver(ctx, switchctl.Notification{InPort: 2, BufferID: 2,
		Data: l2.BuildFrame(a, b, l2.EtherTypeIPv4, make([]byte, 46))}))
	require.Eventually(t, func() bool { return ctlr.Totals().PacketIns == 2 }, 2*time.Second, 5*time.Millisecond)

	srv := api.NewServer(api.Config{Controller: ctlr, EventBuf: events, Auth: auth})
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	gs := grpcapi.NewServer("", serving(true))
	go gs.Serve(ctx, lis)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var out bytes.Buffer
	return &ctl{
		api:    newAPIClient(hs.URL),
		health: healthpb.NewHealthClient(conn),
		out:    &out,
	}, &out
}

func TestShowSessions(t *testing.T) {
	c, out := newTestCtl(t, nil)
	require.NoError(t, c.dispatch("show sessions"))
	assert.Contains(t, out.String(), "000000000000002a")
}

func TestShowMACTable(t *testing.T) {
	c, out := newTestCtl(t, nil)
	require.NoError(t, c.dispatch("show mac-table 0x2a"))
	assert.Contains(t, out.String(), "02:00:00:00:00:0a  1")
	assert.Contains(t, out.String(), "Total: 2")

	err := c.dispatch("show mac-table 99")
	require.Error(t, err)

	err = c.dispatch("show mac-table")
	assert.EqualError(t, err, "usage: show mac-table <dpid>")
}

func TestShowStatus(t *testing.T) {
	c, out := newTestCtl(t, nil)
	require.NoError(t, c.dispatch("show status"))
	assert.Contains(t, out.String(), "Mode:               learning")
	assert.Contains(t, out.String(), "Packet-ins:         2")
}

func TestShowEvents(t *testing.T) {
	c, out := newTestCtl(t, nil)
	require.NoError(t, c.dispatch("show events 10 type FLOOD"))
	assert.Contains(t, out.String(), "FLOOD")
	assert.NotContains(t, out.String(), "INSTALL")

	assert.Error(t, c.dispatch("show events type"))
	assert.Error(t, c.dispatch("show events bogus"))
}

func TestShowNeighborsEmpty(t *testing.T) {
	c, out := newTestCtl(t, nil)
	require.NoError(t, c.dispatch("show neighbors"))
	assert.Contains(t, out.String(), "No LLDP neighbors")
}

func TestShowHealth(t *testing.T) {
	c, out := newTestCtl(t, nil)
	require.NoError(t, c.dispatch("show health openflow"))
	assert.Contains(t, out.String(), "openflow")
	assert.Contains(t, out.String(), `"SERVING"`)
}

func TestAuthRequired(t *testing.T) {
	c, _ := newTestCtl(t, api.NewAuthConfig(nil, []string{"s3cret"}))
	err := c.dispatch("show hosts")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication required")

	c.api.apiKey = "s3cret"
	assert.NoError(t, c.dispatch("show hosts"))
}

func TestDispatch(t *testing.T) {
	c := &ctl{out: &bytes.Buffer{}}
	assert.ErrorIs(t, c.dispatch("quit"), errExit)
	assert.NoError(t, c.dispatch(""))
	assert.NoError(t, c.dispatch("help"))
	assert.EqualError(t, c.dispatch("reboot"), "unknown command: reboot")
	assert.EqualError(t, c.dispatch("show nothing"), "unknown show target: nothing")
}

func TestContextHelp(t *testing.T) {
	c, out := newTestCtl(t, nil)
	require.NoError(t, c.dispatch("show ?"))
	assert.Contains(t, out.String(), "Possible completions:")
	assert.Contains(t, out.String(), "mac-table")

	out.Reset()
	require.NoError(t, c.dispatch("show mac-table ?"))
	assert.Contains(t, out.String(), "000000000000002a")
	assert.Contains(t, out.String(), "(connected)")

	out.Reset()
	require.NoError(t, c.dispatch("reboot ?"))
	assert.Contains(t, out.String(), "(no help available)")
}

func TestCompleter(t *testing.T) {
	c, _ := newTestCtl(t, nil)
	cp := &completer{ctl: c}

	tests := []struct {
		line    string
		want    []string
		wantLen int
	}{
		{"sh", []string{"ow "}, 2},
		{"show mac", []string{"-table "}, 3},
		{"show s", []string{"essions ", "tatus "}, 1},
		{"show h", []string{"ealth ", "osts "}, 1},
		{"show mac-table ", []string{"000000000000002a "}, 0},
		{"reboot ", nil, 0},
	}
	for _, tt := range tests {
		got, n := cp.Do([]rune(tt.line), len(tt.line))
		var names []string
		for _, r := range got {
			names = append(names, string(r))
		}
		assert.Equal(t, tt.want, names, tt.line)
		assert.Equal(t, tt.wantLen, n, tt.line)
	}
}
