// Package identity allocates synthetic hardware addresses handed out to
// clients that resolve a load-balanced target. Downstream placement logic
// recognizes them by their fixed 24-bit prefix.
//
// The counter is 24 bits wide. After 2^24 allocations it wraps and
// addresses repeat; wrap is not detected.
package identity

import (
	"sync"

	"github.com/psaab/lbswitch/pkg/l2"
)

// Prefix is the reserved upper half of every synthetic address.
var Prefix = [3]byte{0x03, 0x13, 0x37}

const counterMask = 0xffffff

// Allocator hands out synthetic addresses from a counter seeded at 1.
// It is safe for concurrent use.
type Allocator struct {
	mu   sync.Mutex
	next uint64
}

// NewAllocator returns an allocator whose first address ends in 00:00:01.
func NewAllocator() *Allocator {
	return &Allocator{next: 1}
}

// Next returns the next synthetic address.
func (a *Allocator) Next() l2.MAC {
	a.mu.Lock()
	v := a.next
	a.next++
	a.mu.Unlock()

	low := v & counterMask
	return l2.MAC{Prefix[0], Prefix[1], Prefix[2], byte(low >> 16), byte(low >> 8), byte(low)}
}

// Issued returns how many addresses have been handed out.
func (a *Allocator) Issued() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next - 1
}

// IsSynthetic reports whether m carries the reserved prefix.
func IsSynthetic(m l2.MAC) bool {
	return m[0] == Prefix[0] && m[1] == Prefix[1] && m[2] == Prefix[2]
}
