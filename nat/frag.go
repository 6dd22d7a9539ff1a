package nat

import (
	"net/netip"
	"sync"
	"time"
)

// fragKey identifies a fragmented datagram by its original addresses,
// protocol and identification field.
type fragKey struct {
	proto uint8
	src   netip.Addr
	dst   netip.Addr
	id    uint32
}

type fragEntry struct {
	binding   *Binding
	expiresAt time.Time
}

// fragTracker remembers which binding translated the first fragment of
// a datagram so later fragments, which carry no transport header,
// follow the same rewrite. Entries live only for the short fragment
// timeout.
type fragTracker struct {
	mu      sync.Mutex
	entries map[fragKey]fragEntry
}

func newFragTracker() *fragTracker {
	return &fragTracker{entries: make(map[fragKey]fragEntry)}
}

// remember associates a datagram with the binding that translated its
// first fragment.
func (f *fragTracker) remember(key fragKey, b *Binding, now time.Time, ttl time.Duration) {
	f.mu.Lock()
	f.entries[key] = fragEntry{binding: b, expiresAt: now.Add(ttl)}
	f.mu.Unlock()
}

// lookup returns the binding for a datagram's later fragments, with
// lazy expiry.
func (f *fragTracker) lookup(key fragKey, now time.Time) (*Binding, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[key]
	if !ok {
		return nil, false
	}
	if now.After(e.expiresAt) || e.binding.State() == StateExpired {
		delete(f.entries, key)
		return nil, false
	}
	return e.binding, true
}

// sweep drops entries past their deadline.
func (f *fragTracker) sweep(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, e := range f.entries {
		if now.After(e.expiresAt) || e.binding.State() == StateExpired {
			delete(f.entries, key)
		}
	}
}

func (f *fragTracker) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
