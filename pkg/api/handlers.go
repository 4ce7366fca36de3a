package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/psaab/lbswitch/pkg/logging"
	"github.com/psaab/lbswitch/pkg/session"
)

const defaultEventLimit = 100

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	pol := s.ctl.Policy()
	resp := StatusResponse{
		Uptime:           time.Since(s.startTime).Truncate(time.Second).String(),
		Mode:             pol.Mode.String(),
		HostIdleTimeout:  s.ctl.Hosts().IdleWindow().String(),
		FlowIdleTimeout:  pol.IdleTimeout,
		FlowHardTimeout:  pol.HardTimeout,
		Sessions:         len(s.ctl.Sessions()),
		IdentitiesIssued: s.ctl.Identities().Issued(),
		Hosts:            s.ctl.Hosts().Stats(),
		Decisions:        s.ctl.Totals(),
	}
	if pol.Target.IsValid() {
		resp.Target = pol.Target.String()
	}
	if s.listener != nil {
		st := s.listener.Stats()
		resp.OpenFlow = &st
	}
	writeOK(w, resp)
}

func (s *Server) sessionsHandler(w http.ResponseWriter, _ *http.Request) {
	infos := s.ctl.Sessions()
	out := make([]SessionEntry, 0, len(infos))
	for _, info := range infos {
		out = append(out, SessionEntry{
			ID:        info.ID,
			DPID:      formatDPID(info.DPID),
			Connected: info.Connected.Format(time.RFC3339),
			Hosts:     info.Hosts,
			Counters:  info.Counters,
		})
	}
	writeOK(w, out)
}

func (s *Server) macTableHandler(w http.ResponseWriter, r *http.Request) {
	dpid, err := ParseDPID(r.PathValue("dpid"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, ok := s.ctl.Session(dpid)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no session for device %s", formatDPID(dpid)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	entries, err := sess.MACTable(ctx)
	if err != nil {
		status := http.StatusServiceUnavailable
		if err == session.ErrClosed {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	out := make([]MACEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, MACEntry{MAC: e.MAC.String(), Port: e.Port})
	}
	writeOK(w, out)
}

func (s *Server) hostsHandler(w http.ResponseWriter, _ *http.Request) {
	hosts := s.ctl.Hosts()
	idle := hosts.IdleWindow()
	now := time.Now()

	snap := hosts.Snapshot()
	out := make([]HostEntry, 0, len(snap))
	for _, h := range snap {
		age := now.Sub(h.LastSeen)
		out = append(out, HostEntry{
			MAC:      h.MAC.String(),
			Device:   formatDPID(h.Device),
			LastSeen: h.LastSeen.Format(time.RFC3339),
			Idle:     age.Truncate(time.Second).String(),
			Stale:    age > idle,
		})
	}
	writeOK(w, out)
}

func (s *Server) neighborsHandler(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	nbrs := s.ctl.Neighbors().Neighbors(now)
	out := make([]NeighborEntry, 0, len(nbrs))
	for _, n := range nbrs {
		out = append(out, NeighborEntry{
			Device:     formatDPID(n.Device),
			InPort:     n.InPort,
			ChassisID:  n.ChassisID,
			PortID:     n.PortID,
			SystemName: n.SystemName,
			PortDesc:   n.PortDesc,
			Expires:    n.ExpiresAt.Sub(now).Truncate(time.Second).String(),
		})
	}
	writeOK(w, out)
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	var recs []logging.EventRecord
	if filter.IsEmpty() {
		recs = s.eventBuf.Latest(limit)
	} else {
		recs = s.eventBuf.LatestFiltered(limit, filter)
	}
	out := make([]EventEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, eventEntryFromRecord(rec))
	}
	writeOK(w, out)
}

func parseEventFilter(r *http.Request) (logging.EventFilter, error) {
	q := r.URL.Query()
	f := logging.EventFilter{
		Type: q.Get("type"),
		MAC:  q.Get("mac"),
	}
	if v := q.Get("device"); v != "" {
		dpid, err := ParseDPID(v)
		if err != nil {
			return f, err
		}
		f.Device = dpid
	}
	return f, nil
}

func eventEntryFromRecord(rec logging.EventRecord) EventEntry {
	e := EventEntry{
		Time:      rec.Time.Format(time.RFC3339Nano),
		Type:      rec.Type,
		InPort:    rec.InPort,
		OutPort:   rec.OutPort,
		Src:       rec.Src,
		Dst:       rec.Dst,
		Synthetic: rec.Synthetic,
		Detail:    rec.Detail,
	}
	if rec.Device != 0 {
		e.Device = formatDPID(rec.Device)
	}
	if rec.EtherType != 0 {
		e.EtherType = fmt.Sprintf("0x%04x", rec.EtherType)
	}
	return e
}

// ParseDPID accepts a datapath ID as plain hex, 0x-prefixed hex, or hex
// octets separated by ':' or '-'.
func ParseDPID(s string) (uint64, error) {
	v := strings.TrimPrefix(strings.ToLower(s), "0x")
	v = strings.NewReplacer(":", "", "-", "").Replace(v)
	if v == "" {
		return 0, fmt.Errorf("invalid datapath ID %q", s)
	}
	dpid, err := strconv.ParseUint(v, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid datapath ID %q", s)
	}
	return dpid, nil
}

func formatDPID(dpid uint64) string {
	return fmt.Sprintf("%016x", dpid)
}
