package logging

import (
	"strings"
	"sync"
	"time"
)

// Event types recorded by controller sessions.
const (
	EventFlood        = "FLOOD"
	EventInstall      = "INSTALL"
	EventReply        = "REPLY"
	EventDrop         = "DROP"
	EventHostAcquired = "HOST_ACQUIRED"
	EventSessionUp    = "SESSION_UP"
	EventSessionDown  = "SESSION_DOWN"
	EventSendFailed   = "SEND_FAILED"
	EventNeighbor     = "LLDP_NEIGHBOR"
)

// EventRecord is a formatted event stored in the event buffer.
type EventRecord struct {
	Time      time.Time
	Type      string // EventFlood, EventInstall, ...
	Device    uint64 // datapath ID
	InPort    uint16
	OutPort   uint16 // INSTALL and REPLY only
	Src       string // source MAC
	Dst       string // destination MAC
	EtherType uint16
	Synthetic string // REPLY: address handed out
	Detail    string // free text (errors, remote address)
}

// EventBuffer is a thread-safe circular buffer for recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int    // next write position
	count int    // number of events stored
	seq   uint64 // monotonically increasing sequence number

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes. C is not closed.
func (s *Subscription) Close() {
	s.eb.unsubscribe(s)
}

// NewEventBuffer creates a new event buffer with the given capacity.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1
	}
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends an event to the buffer, overwriting the oldest if full.
// Subscribers are notified non-blocking.
func (eb *EventBuffer) Add(rec EventRecord) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}

	eb.mu.Lock()
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.seq++
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default: // slow subscriber
		}
	}
	eb.subMu.RUnlock()
}

// Seq returns the number of events ever added.
func (eb *EventBuffer) Seq() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.seq
}

// Subscribe returns a Subscription that receives new events.
// Call Close() on the subscription when done.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan EventRecord, bufSize),
		eb: eb,
	}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

func (eb *EventBuffer) unsubscribe(sub *Subscription) {
	eb.subMu.Lock()
	delete(eb.subs, sub)
	eb.subMu.Unlock()
}

// EventFilter specifies criteria for filtering events.
type EventFilter struct {
	Device uint64 // 0 = any device
	Type   string // case-insensitive exact match on Type
	MAC    string // matches Src, Dst or Synthetic
}

// IsEmpty returns true if no filter criteria are set.
func (f EventFilter) IsEmpty() bool {
	return f.Device == 0 && f.Type == "" && f.MAC == ""
}

// Matches reports whether rec satisfies the filter.
func (f EventFilter) Matches(rec EventRecord) bool {
	return f.matches(&rec)
}

func (f EventFilter) matches(rec *EventRecord) bool {
	if f.Device != 0 && rec.Device != f.Device {
		return false
	}
	if f.Type != "" && !strings.EqualFold(rec.Type, f.Type) {
		return false
	}
	if f.MAC != "" {
		mac := strings.ToLower(f.MAC)
		if rec.Src != mac && rec.Dst != mac && rec.Synthetic != mac {
			return false
		}
	}
	return true
}

// LatestFiltered returns the most recent n events matching the filter, newest first.
func (eb *EventBuffer) LatestFiltered(n int, f EventFilter) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 {
		return nil
	}

	var result []EventRecord
	for i := 0; i < eb.count && len(result) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if f.matches(&eb.buf[idx]) {
			result = append(result, eb.buf[idx])
		}
	}
	return result
}

// Latest returns the most recent n events, newest first.
func (eb *EventBuffer) Latest(n int) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n > eb.count {
		n = eb.count
	}
	if n <= 0 {
		return nil
	}

	result := make([]EventRecord, n)
	for i := 0; i < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		result[i] = eb.buf[idx]
	}
	return result
}
