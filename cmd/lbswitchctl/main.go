// lbswitchctl is the operator CLI for lbswitchd.
//
// It reads controller state over the lbswitchd HTTP API and checks
// listener health over the standard gRPC health service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/psaab/lbswitch/pkg/api"
	"github.com/psaab/lbswitch/pkg/cmdtree"
	"github.com/psaab/lbswitch/pkg/grpcapi"
)

func main() {
	apiAddr := flag.String("api", "http://127.0.0.1:8080", "lbswitchd HTTP API base URL")
	grpcAddr := flag.String("grpc", "127.0.0.1:50051", "lbswitchd gRPC address")
	user := flag.String("user", "", "API username (basic auth)")
	apiKey := flag.String("api-key", os.Getenv("LBSWITCH_API_KEY"), "API key")
	flag.Parse()

	conn, err := grpc.NewClient(*grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "lbswitchctl: connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	client := newAPIClient(strings.TrimSuffix(*apiAddr, "/"))
	client.user = *user
	client.password = os.Getenv("LBSWITCH_API_PASSWORD")
	client.apiKey = *apiKey

	c := &ctl{
		api:    client,
		health: healthpb.NewHealthClient(conn),
		out:    os.Stdout,
	}

	// Run a single command given on the command line.
	if flag.NArg() > 0 {
		if err := c.dispatch(strings.Join(flag.Args(), " ")); err != nil && !errors.Is(err, errExit) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Verify connectivity
	var st api.StatusResponse
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = client.get(ctx, "/api/v1/status", nil, &st)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lbswitchctl: cannot reach lbswitchd at %s: %v\n", *apiAddr, err)
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "lbswitch"
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          hostname + "> ",
		HistoryFile:     "/tmp/lbswitchctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    &completer{ctl: c},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "lbswitchctl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("lbswitchctl: connected to lbswitchd (mode: %s, uptime: %s)\n", st.Mode, st.Uptime)
	fmt.Println("Type '?' for help")
	fmt.Println()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.dispatch(line); err != nil {
			if errors.Is(err, errExit) {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

var errExit = errors.New("exit")

type ctl struct {
	api    *apiClient
	health healthpb.HealthClient
	out    io.Writer
}

func (c *ctl) dispatch(line string) error {
	if strings.HasSuffix(line, "?") {
		c.showContextHelp(strings.TrimSuffix(line, "?"))
		return nil
	}

	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "show":
		return c.handleShow(parts[1:])
	case "quit", "exit":
		return errExit
	case "?", "help":
		c.showHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *ctl) handleShow(args []string) error {
	if len(args) == 0 {
		c.showHelp()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		return c.showStatus(ctx)
	case "sessions":
		return c.showSessions(ctx)
	case "mac-table":
		if len(args) < 2 {
			return fmt.Errorf("usage: show mac-table <dpid>")
		}
		return c.showMACTable(ctx, args[1])
	case "hosts":
		return c.showHosts(ctx)
	case "neighbors":
		return c.showNeighbors(ctx)
	case "events":
		return c.showEvents(ctx, args[1:])
	case "health":
		svc := ""
		if len(args) >= 2 {
			svc = args[1]
		}
		return c.showHealth(ctx, svc)
	default:
		return fmt.Errorf("unknown show target: %s", args[0])
	}
}

func (c *ctl) showStatus(ctx context.Context) error {
	var st api.StatusResponse
	if err := c.api.get(ctx, "/api/v1/status", nil, &st); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Mode:               %s\n", st.Mode)
	if st.Target != "" {
		fmt.Fprintf(c.out, "Target prefix:      %s\n", st.Target)
	}
	fmt.Fprintf(c.out, "Uptime:             %s\n", st.Uptime)
	fmt.Fprintf(c.out, "Sessions:           %d\n", st.Sessions)
	fmt.Fprintf(c.out, "Host idle timeout:  %s\n", st.HostIdleTimeout)
	fmt.Fprintf(c.out, "Flow timeouts:      idle %ds, hard %ds\n", st.FlowIdleTimeout, st.FlowHardTimeout)
	fmt.Fprintf(c.out, "Identities issued:  %d\n", st.IdentitiesIssued)
	fmt.Fprintf(c.out, "Owned hosts:        %d (acquired %d, refreshed %d)\n",
		st.Hosts.Hosts, st.Hosts.Acquired, st.Hosts.Refreshed)
	d := st.Decisions
	fmt.Fprintf(c.out, "Packet-ins:         %d\n", d.PacketIns)
	fmt.Fprintf(c.out, "  Floods:           %d\n", d.Floods)
	fmt.Fprintf(c.out, "  Installs:         %d\n", d.Installs)
	fmt.Fprintf(c.out, "  Replies:          %d\n", d.Replies)
	fmt.Fprintf(c.out, "  Drops:            %d\n", d.Drops)
	if d.SendErrors > 0 {
		fmt.Fprintf(c.out, "  Send errors:      %d\n", d.SendErrors)
	}
	if of := st.OpenFlow; of != nil {
		fmt.Fprintf(c.out, "OpenFlow:           %d connected, %d accepted, %d handshake failures\n",
			of.Connections, of.Accepted, of.HandshakeFailures)
	}
	return nil
}

func (c *ctl) showSessions(ctx context.Context) error {
	var sessions []api.SessionEntry
	if err := c.api.get(ctx, "/api/v1/sessions", nil, &sessions); err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(c.out, "No connected devices")
		return nil
	}
	fmt.Fprintf(c.out, "%-18s %-26s %6s %10s %8s %8s %8s\n",
		"DPID", "Connected", "Hosts", "PacketIns", "Floods", "Installs", "Replies")
	for _, s := range sessions {
		fmt.Fprintf(c.out, "%-18s %-26s %6d %10d %8d %8d %8d\n",
			s.DPID, s.Connected, s.Hosts, s.PacketIns, s.Floods, s.Installs, s.Replies)
	}
	return nil
}

func (c *ctl) showMACTable(ctx context.Context, arg string) error {
	dpid, err := api.ParseDPID(arg)
	if err != nil {
		return err
	}
	var entries []api.MACEntry
	path := fmt.Sprintf("/api/v1/sessions/%016x/mac-table", dpid)
	if err := c.api.get(ctx, path, nil, &entries); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%-18s %s\n", "MAC", "Port")
	for _, e := range entries {
		fmt.Fprintf(c.out, "%-18s %d\n", e.MAC, e.Port)
	}
	fmt.Fprintf(c.out, "Total: %d\n", len(entries))
	return nil
}

func (c *ctl) showHosts(ctx context.Context) error {
	var hosts []api.HostEntry
	if err := c.api.get(ctx, "/api/v1/hosts", nil, &hosts); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%-18s %-18s %-10s %s\n", "MAC", "Owner", "Idle", "State")
	for _, h := range hosts {
		state := "active"
		if h.Stale {
			state = "stale"
		}
		fmt.Fprintf(c.out, "%-18s %-18s %-10s %s\n", h.MAC, h.Device, h.Idle, state)
	}
	return nil
}

func (c *ctl) showNeighbors(ctx context.Context) error {
	var nbrs []api.NeighborEntry
	if err := c.api.get(ctx, "/api/v1/neighbors", nil, &nbrs); err != nil {
		return err
	}
	if len(nbrs) == 0 {
		fmt.Fprintln(c.out, "No LLDP neighbors")
		return nil
	}
	fmt.Fprintf(c.out, "%-18s %-6s %-20s %-16s %-20s %s\n",
		"DPID", "Port", "Chassis ID", "Port ID", "System name", "Expires")
	for _, n := range nbrs {
		fmt.Fprintf(c.out, "%-18s %-6d %-20s %-16s %-20s %s\n",
			n.Device, n.InPort, n.ChassisID, n.PortID, n.SystemName, n.Expires)
	}
	return nil
}

// showEvents prints recent decision events: show events [N] [type T] [mac M].
func (c *ctl) showEvents(ctx context.Context, args []string) error {
	q := url.Values{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "type", "mac", "device":
			if i+1 >= len(args) {
				return fmt.Errorf("show events: %s needs a value", args[i])
			}
			q.Set(args[i], args[i+1])
			i++
		default:
			if _, err := strconv.Atoi(args[i]); err != nil {
				return fmt.Errorf("show events: unexpected %q", args[i])
			}
			q.Set("limit", args[i])
		}
	}

	var events []api.EventEntry
	if err := c.api.get(ctx, "/api/v1/events", q, &events); err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(c.out, "No events")
		return nil
	}
	for _, e := range events {
		line := fmt.Sprintf("%s %-14s", e.Time, e.Type)
		if e.Device != "" {
			line += " dpid=" + e.Device
		}
		if e.Src != "" {
			line += " src=" + e.Src
		}
		if e.Dst != "" {
			line += " dst=" + e.Dst
		}
		if e.InPort != 0 {
			line += fmt.Sprintf(" in=%d", e.InPort)
		}
		if e.OutPort != 0 {
			line += fmt.Sprintf(" out=%d", e.OutPort)
		}
		if e.Synthetic != "" {
			line += " synthetic=" + e.Synthetic
		}
		if e.Detail != "" {
			line += " " + e.Detail
		}
		fmt.Fprintln(c.out, line)
	}
	return nil
}

func (c *ctl) showHealth(ctx context.Context, svc string) error {
	services := []string{"", grpcapi.ServiceOpenFlow}
	if svc != "" {
		services = []string{svc}
	}
	for _, s := range services {
		resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: s})
		if err != nil {
			return fmt.Errorf("health %q: %w", s, err)
		}
		b, err := protojson.Marshal(resp)
		if err != nil {
			return err
		}
		name := s
		if name == "" {
			name = "(overall)"
		}
		fmt.Fprintf(c.out, "%-10s %s\n", name, b)
	}
	return nil
}

// DPIDs lists connected datapath IDs for completion.
func (c *ctl) DPIDs() []string {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var sessions []api.SessionEntry
	if err := c.api.get(ctx, "/api/v1/sessions", nil, &sessions); err != nil {
		return nil
	}
	out := make([]string, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.DPID)
	}
	return out
}

func (c *ctl) showHelp() {
	fmt.Fprintln(c.out, "Operational mode commands:")
	fmt.Fprintln(c.out, "  show status                        Show controller status and totals")
	fmt.Fprintln(c.out, "  show sessions                      Show connected devices")
	fmt.Fprintln(c.out, "  show mac-table <dpid>              Show a device's learning table")
	fmt.Fprintln(c.out, "  show hosts                         Show host ownership registry")
	fmt.Fprintln(c.out, "  show neighbors                     Show LLDP neighbors behind device ports")
	fmt.Fprintln(c.out, "  show events [N] [type T] [mac M]   Show recent decision events")
	fmt.Fprintln(c.out, "  show health [service]              Show gRPC health status")
	fmt.Fprintln(c.out, "  quit                               Exit CLI")
}

// showContextHelp answers a line ending in '?' with the commands that
// may follow it.
func (c *ctl) showContextHelp(prefix string) {
	words := strings.Fields(prefix)
	partial := ""
	if len(words) > 0 && !strings.HasSuffix(prefix, " ") {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}
	candidates := cmdtree.Complete(cmdtree.OperationalTree, words, partial, c)
	if len(candidates) == 0 {
		fmt.Fprintln(c.out, "  (no help available)")
		return
	}
	cmdtree.WriteHelp(c.out, candidates)
}

// completer implements readline.AutoCompleter over the command tree.
type completer struct {
	ctl *ctl
}

func (cp *completer) Do(line []rune, pos int) ([][]rune, int) {
	text := string(line[:pos])

	// Determine partial word for replacement length
	words := strings.Fields(text)
	trailingSpace := len(text) > 0 && text[len(text)-1] == ' '
	var partial string
	if !trailingSpace && len(words) > 0 {
		partial = words[len(words)-1]
		words = words[:len(words)-1]
	}

	candidates := cmdtree.Names(cmdtree.Complete(cmdtree.OperationalTree, words, partial, cp.ctl))
	if len(candidates) == 0 {
		return nil, 0
	}
	if len(candidates) > 1 {
		// Extend to the shared prefix first, as readline does for files.
		if common := cmdtree.CommonPrefix(candidates); len(common) > len(partial) {
			return [][]rune{[]rune(common[len(partial):])}, len(partial)
		}
	}

	var result [][]rune
	for _, c := range candidates {
		suffix := c[len(partial):]
		result = append(result, []rune(suffix+" "))
	}
	return result, len(partial)
}
