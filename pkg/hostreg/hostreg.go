// Package hostreg tracks which device currently owns each host.
//
// Ownership is a lease renewed by traffic: the first device to see a host
// (or the first to see it after the previous owner went quiet for longer
// than the idle window) takes ownership, and only the owner refreshes it.
// Staleness is evaluated lazily on the next Touch; nothing is evicted.
package hostreg

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/psaab/lbswitch/pkg/l2"
)

// DefaultIdleWindow is how long an owner may stay silent before another
// device can take the host over.
const DefaultIdleWindow = 30 * time.Second

// Result is the outcome of a Touch.
type Result int

const (
	// NoOp means another device holds a fresh lease; nothing changed.
	NoOp Result = iota
	// Acquired means the caller became (or re-became) owner.
	Acquired
	// Refreshed means the caller already owned the host and renewed it.
	Refreshed
)

func (r Result) String() string {
	switch r {
	case Acquired:
		return "acquired"
	case Refreshed:
		return "refreshed"
	default:
		return "noop"
	}
}

// Owner is the lease held on a host.
type Owner struct {
	Device   uint64    `json:"device"`
	LastSeen time.Time `json:"last_seen"`
}

// Host pairs a host address with its lease, for listings.
type Host struct {
	MAC l2.MAC `json:"mac"`
	Owner
}

// Stats counts Touch outcomes since the registry was created.
type Stats struct {
	Hosts     int    `json:"hosts"`
	Acquired  uint64 `json:"acquired"`
	Refreshed uint64 `json:"refreshed"`
	NoOp      uint64 `json:"noop"`
}

// Registry is the controller-wide host ownership table, shared by all
// sessions. Every operation is atomic with respect to the others.
type Registry struct {
	mu    sync.Mutex
	idle  time.Duration
	hosts map[l2.MAC]*Owner
	stats Stats
}

// New returns an empty registry. A non-positive idle window selects
// DefaultIdleWindow.
func New(idle time.Duration) *Registry {
	if idle <= 0 {
		idle = DefaultIdleWindow
	}
	return &Registry{
		idle:  idle,
		hosts: make(map[l2.MAC]*Owner),
	}
}

// Touch records that device saw host at now.
func (r *Registry) Touch(device uint64, host l2.MAC, now time.Time) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.hosts[host]
	if !ok || cur.LastSeen.Before(now.Add(-r.idle)) {
		r.hosts[host] = &Owner{Device: device, LastSeen: now}
		r.stats.Acquired++
		return Acquired
	}
	if cur.Device == device {
		cur.LastSeen = now
		r.stats.Refreshed++
		return Refreshed
	}
	r.stats.NoOp++
	return NoOp
}

// Lookup returns the current lease for host. Leases past the idle window
// are still returned; staleness only matters to Touch.
func (r *Registry) Lookup(host l2.MAC) (Owner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.hosts[host]
	if !ok {
		return Owner{}, false
	}
	return *cur, true
}

// IdleWindow returns the current idle window.
func (r *Registry) IdleWindow() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idle
}

// SetIdleWindow changes the idle window for subsequent Touch calls.
func (r *Registry) SetIdleWindow(d time.Duration) {
	if d <= 0 {
		d = DefaultIdleWindow
	}
	r.mu.Lock()
	r.idle = d
	r.mu.Unlock()
}

// Len returns the number of hosts ever seen.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.hosts)
}

// Stats returns a copy of the counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Hosts = len(r.hosts)
	return s
}

// Snapshot returns every lease ordered by host address.
func (r *Registry) Snapshot() []Host {
	r.mu.Lock()
	out := make([]Host, 0, len(r.hosts))
	for mac, o := range r.hosts {
		out = append(out, Host{MAC: mac, Owner: *o})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].MAC[:], out[j].MAC[:]) < 0
	})
	return out
}
