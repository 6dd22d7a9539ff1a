package nat

import (
	"sync"

	"github.com/edge-nat/edgenat/config"
)

// portPool tracks allocated ports (or ICMP query IDs) for one
// (external address, protocol) pair. A bitmap covers the whole 16-bit
// space; the configured ranges bound what claim hands out.
type portPool struct {
	mu     sync.Mutex
	ranges config.RangeList
	bits   [1024]uint64
	used   int
	cursor uint16 // next allocation probe, rotates through ranges
}

func newPortPool(ranges config.RangeList) *portPool {
	p := &portPool{ranges: ranges}
	if len(ranges) > 0 {
		p.cursor = ranges[0].Start
	}
	return p
}

func (p *portPool) isSet(port uint16) bool {
	return p.bits[port>>6]&(1<<(port&63)) != 0
}

func (p *portPool) set(port uint16)   { p.bits[port>>6] |= 1 << (port & 63) }
func (p *portPool) clear(port uint16) { p.bits[port>>6] &^= 1 << (port & 63) }

// tryClaim claims one specific port if it is inside the ranges and
// free.
func (p *portPool) tryClaim(port uint16) bool {
	if !p.ranges.Contains(port) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isSet(port) {
		return false
	}
	p.set(port)
	p.used++
	return true
}

// claim allocates a port, preferring the original port when it is
// admissible (port preservation). Otherwise it scans the ranges from a
// rotating cursor so consecutive sessions spread across the space.
func (p *portPool) claim(preferred uint16) (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.used >= p.ranges.Count() {
		return 0, ErrPortExhausted
	}

	if p.ranges.Contains(preferred) && !p.isSet(preferred) {
		p.set(preferred)
		p.used++
		return preferred, nil
	}

	port, ok := p.scanFrom(p.cursor)
	if !ok {
		// Cursor sat past all free ports; wrap to the start.
		if port, ok = p.scanFrom(p.ranges[0].Start); !ok {
			return 0, ErrPortExhausted
		}
	}
	p.set(port)
	p.used++
	p.cursor = port + 1
	return port, nil
}

// scanFrom finds the first free port at or after start within the
// ranges. Caller holds the lock.
func (p *portPool) scanFrom(start uint16) (uint16, bool) {
	for _, r := range p.ranges {
		if r.End < start {
			continue
		}
		lo := r.Start
		if start > lo {
			lo = start
		}
		for port := uint32(lo); port <= uint32(r.End); port++ {
			if !p.isSet(uint16(port)) {
				return uint16(port), true
			}
		}
	}
	return 0, false
}

// release returns a claimed port to the pool.
func (p *portPool) release(port uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isSet(port) {
		p.clear(port)
		p.used--
	}
}

// inUse returns the number of claimed ports.
func (p *portPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}
