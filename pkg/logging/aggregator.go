package logging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// FloodAggregator counts flooded destinations and load-balanced ARP
// requesters and periodically reports the top-N of each.
type FloodAggregator struct {
	mu         sync.Mutex
	flooded    map[string]*aggEntry // dst MAC -> stats
	requesters map[string]*aggEntry // src MAC -> stats

	flushInterval time.Duration
	topN          int
	logFn         func(severity int, msg string) // replaces slog for aggregate reports
}

type aggEntry struct {
	Count   uint64
	Devices map[uint64]struct{}
}

// AggregateEntry is a single top-N entry returned by Flush.
type AggregateEntry struct {
	MAC     string
	Count   uint64
	Devices int
}

// NewFloodAggregator creates a new aggregator.
// flushInterval controls how often top-N stats are emitted (default 5min).
// topN controls how many entries per category (default 10).
func NewFloodAggregator(flushInterval time.Duration, topN int) *FloodAggregator {
	if flushInterval <= 0 {
		flushInterval = 5 * time.Minute
	}
	if topN <= 0 {
		topN = 10
	}
	return &FloodAggregator{
		flooded:       make(map[string]*aggEntry),
		requesters:    make(map[string]*aggEntry),
		flushInterval: flushInterval,
		topN:          topN,
	}
}

// SetLogFunc routes aggregate report lines to fn instead of slog.
func (fa *FloodAggregator) SetLogFunc(fn func(severity int, msg string)) {
	fa.mu.Lock()
	fa.logFn = fn
	fa.mu.Unlock()
}

// Add records an event. FLOOD counts against the destination, REPLY
// against the requester; everything else is ignored.
func (fa *FloodAggregator) Add(rec EventRecord) {
	var m map[string]*aggEntry
	var key string

	fa.mu.Lock()
	defer fa.mu.Unlock()

	switch rec.Type {
	case EventFlood:
		m, key = fa.flooded, rec.Dst
	case EventReply:
		m, key = fa.requesters, rec.Src
	default:
		return
	}

	e, ok := m[key]
	if !ok {
		e = &aggEntry{Devices: make(map[uint64]struct{})}
		m[key] = e
	}
	e.Count++
	e.Devices[rec.Device] = struct{}{}
}

// Flush returns the top-N flooded destinations and ARP requesters by count,
// then resets counters.
func (fa *FloodAggregator) Flush() (topFlooded, topRequesters []AggregateEntry) {
	fa.mu.Lock()
	flooded := fa.flooded
	requesters := fa.requesters
	fa.flooded = make(map[string]*aggEntry)
	fa.requesters = make(map[string]*aggEntry)
	fa.mu.Unlock()

	topFlooded = topEntries(flooded, fa.topN)
	topRequesters = topEntries(requesters, fa.topN)
	return
}

// Run subscribes to eb and runs the periodic flush loop. Blocks until ctx
// is cancelled.
func (fa *FloodAggregator) Run(ctx context.Context, eb *EventBuffer) {
	sub := eb.Subscribe(1024)
	defer sub.Close()

	ticker := time.NewTicker(fa.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-sub.C:
			fa.Add(rec)
		case <-ticker.C:
			fa.flushAndLog()
		}
	}
}

func (fa *FloodAggregator) flushAndLog() {
	topFlooded, topRequesters := fa.Flush()

	if len(topFlooded) == 0 && len(topRequesters) == 0 {
		return
	}

	fa.mu.Lock()
	emit := fa.logFn
	fa.mu.Unlock()
	if emit == nil {
		emit = func(_ int, msg string) { slog.Info(msg) }
	}

	for _, e := range topFlooded {
		emit(SyslogInfo, fmt.Sprintf("LBSW_FLOOD_AGGREGATE top-destination=%q floods=%d devices=%d",
			e.MAC, e.Count, e.Devices))
	}
	for _, e := range topRequesters {
		emit(SyslogInfo, fmt.Sprintf("LBSW_ARP_AGGREGATE top-requester=%q replies=%d devices=%d",
			e.MAC, e.Count, e.Devices))
	}
}

func topEntries(m map[string]*aggEntry, n int) []AggregateEntry {
	if len(m) == 0 {
		return nil
	}
	entries := make([]AggregateEntry, 0, len(m))
	for mac, e := range m {
		entries = append(entries, AggregateEntry{MAC: mac, Count: e.Count, Devices: len(e.Devices)})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].MAC < entries[j].MAC
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}
