package nat

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a binding.
type State int32

const (
	// StateActive is the single state of UDP and ICMP bindings.
	StateActive State = iota
	// StatePending is a TCP binding before the handshake completes.
	StatePending
	// StateEstablished is a TCP binding with a completed handshake.
	StateEstablished
	// StateClosing is a TCP binding after FIN or RST.
	StateClosing
	// StateExpired marks a binding logically removed; exactly one
	// remover transitions into it.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StatePending:
		return "pending"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	default:
		return "expired"
	}
}

// Binding is one endpoint-independent mapping between an internal
// transport endpoint and an external one. The endpoints are immutable;
// lifecycle fields are atomics so the datapath never blocks on them.
type Binding struct {
	Proto    uint8
	Internal netip.AddrPort
	External netip.AddrPort

	// ExternalOwned is false for identity bindings, whose external
	// port was never claimed from a pool.
	ExternalOwned bool

	CreatedAt time.Time

	state     atomic.Int32
	lastSeen  atomic.Int64 // unix nanos
	expiresAt atomic.Int64 // unix nanos

	pktsOut  atomic.Uint64
	pktsIn   atomic.Uint64
	bytesOut atomic.Uint64
	bytesIn  atomic.Uint64
}

// State returns the current lifecycle state.
func (b *Binding) State() State { return State(b.state.Load()) }

// LastSeen returns the time the binding last matched a packet.
func (b *Binding) LastSeen() time.Time { return time.Unix(0, b.lastSeen.Load()) }

// ExpiresAt returns the current expiry deadline.
func (b *Binding) ExpiresAt() time.Time { return time.Unix(0, b.expiresAt.Load()) }

func (b *Binding) expired(now time.Time) bool {
	return now.UnixNano() >= b.expiresAt.Load()
}

// touch refreshes activity and pushes the expiry deadline out.
func (b *Binding) touch(now time.Time, lifetime time.Duration) {
	b.lastSeen.Store(now.UnixNano())
	b.expiresAt.Store(now.Add(lifetime).UnixNano())
}

// account records packet and byte counters for one direction.
func (b *Binding) account(dir Direction, bytes int) {
	if dir == DirectionOutbound {
		b.pktsOut.Add(1)
		b.bytesOut.Add(uint64(bytes))
	} else {
		b.pktsIn.Add(1)
		b.bytesIn.Add(uint64(bytes))
	}
}

// Counters returns (pktsOut, pktsIn, bytesOut, bytesIn).
func (b *Binding) Counters() (uint64, uint64, uint64, uint64) {
	return b.pktsOut.Load(), b.pktsIn.Load(), b.bytesOut.Load(), b.bytesIn.Load()
}

// tupleKey identifies a binding from one side. Forward keys carry the
// internal endpoint, reverse keys the external one. EIM ignores the
// remote peer entirely.
type tupleKey struct {
	proto uint8
	addr  netip.Addr
	port  uint16
}

const tableShards = 16

func (k tupleKey) shard() int {
	b := k.addr.As16()
	return int(uint(k.port)^uint(b[15])^uint(b[7])^uint(k.proto)) % tableShards
}

type bindingShard struct {
	mu sync.RWMutex
	m  map[tupleKey]*Binding
}

// Table is the sharded session table. Forward and reverse indexes are
// sharded independently; all cross-index operations take locks
// sequentially, never nested.
type Table struct {
	forward [tableShards]bindingShard
	reverse [tableShards]bindingShard
	size    atomic.Int64

	// onEvict runs exactly once per removed binding, from whichever
	// caller won the expiry race.
	onEvict func(*Binding)
}

// NewTable creates an empty session table. onEvict may be nil.
func NewTable(onEvict func(*Binding)) *Table {
	t := &Table{onEvict: onEvict}
	for i := range t.forward {
		t.forward[i].m = make(map[tupleKey]*Binding)
		t.reverse[i].m = make(map[tupleKey]*Binding)
	}
	return t
}

// Len returns the number of live bindings.
func (t *Table) Len() int { return int(t.size.Load()) }

// LookupForward finds the binding for an internal endpoint. Expired
// bindings are removed on sight and reported as a miss.
func (t *Table) LookupForward(proto uint8, internal netip.AddrPort, now time.Time) (*Binding, bool) {
	return t.lookup(&t.forward, tupleKey{proto, internal.Addr(), internal.Port()}, now)
}

// LookupReverse finds the binding for an external endpoint.
func (t *Table) LookupReverse(proto uint8, external netip.AddrPort, now time.Time) (*Binding, bool) {
	return t.lookup(&t.reverse, tupleKey{proto, external.Addr(), external.Port()}, now)
}

func (t *Table) lookup(index *[tableShards]bindingShard, key tupleKey, now time.Time) (*Binding, bool) {
	s := &index[key.shard()]
	s.mu.RLock()
	b := s.m[key]
	s.mu.RUnlock()

	if b == nil {
		return nil, false
	}
	if b.expired(now) || b.State() == StateExpired {
		t.Remove(b)
		return nil, false
	}
	return b, true
}

// GetOrCreate returns the binding for an internal endpoint, creating
// one with alloc when absent. Concurrent creators for the same endpoint
// converge on a single binding; the loser's allocation never happens
// because alloc runs under the forward shard lock.
func (t *Table) GetOrCreate(proto uint8, internal netip.AddrPort, now time.Time,
	alloc func() (netip.AddrPort, bool, error)) (*Binding, bool, error) {

	fkey := tupleKey{proto, internal.Addr(), internal.Port()}
	fs := &t.forward[fkey.shard()]

	fs.mu.Lock()
	if b := fs.m[fkey]; b != nil && !b.expired(now) && b.State() != StateExpired {
		fs.mu.Unlock()
		return b, false, nil
	}

	external, owned, err := alloc()
	if err != nil {
		fs.mu.Unlock()
		return nil, false, err
	}

	b := &Binding{
		Proto:         proto,
		Internal:      internal,
		External:      external,
		ExternalOwned: owned,
		CreatedAt:     now,
	}
	initial := StateActive
	if proto == ProtocolTCP {
		initial = StatePending
	}
	b.state.Store(int32(initial))
	b.lastSeen.Store(now.UnixNano())
	b.expiresAt.Store(now.UnixNano()) // caller touches with the right class

	if old := fs.m[fkey]; old != nil {
		// Stale entry still linked; unlink it after we publish ours.
		defer t.Remove(old)
	}
	fs.m[fkey] = b
	fs.mu.Unlock()

	rkey := tupleKey{proto, external.Addr(), external.Port()}
	rs := &t.reverse[rkey.shard()]
	rs.mu.Lock()
	rs.m[rkey] = b
	rs.mu.Unlock()

	t.size.Add(1)
	return b, true, nil
}

// Remove unlinks a binding. The CAS into StateExpired guarantees a
// single winner; only the winner unlinks and sees onEvict run.
func (t *Table) Remove(b *Binding) bool {
	won := false
	for {
		s := b.state.Load()
		if State(s) == StateExpired {
			break
		}
		if b.state.CompareAndSwap(s, int32(StateExpired)) {
			won = true
			break
		}
	}
	if !won {
		return false
	}

	fkey := tupleKey{b.Proto, b.Internal.Addr(), b.Internal.Port()}
	fs := &t.forward[fkey.shard()]
	fs.mu.Lock()
	if fs.m[fkey] == b {
		delete(fs.m, fkey)
	}
	fs.mu.Unlock()

	rkey := tupleKey{b.Proto, b.External.Addr(), b.External.Port()}
	rs := &t.reverse[rkey.shard()]
	rs.mu.Lock()
	if rs.m[rkey] == b {
		delete(rs.m, rkey)
	}
	rs.mu.Unlock()

	t.size.Add(-1)
	if t.onEvict != nil {
		t.onEvict(b)
	}
	return true
}

// Sweep removes every binding past its deadline and returns how many
// went away. Candidates are collected under read locks; removal runs
// lock-free against concurrent datapath traffic.
func (t *Table) Sweep(now time.Time) int {
	var expired []*Binding
	for i := range t.forward {
		s := &t.forward[i]
		s.mu.RLock()
		for _, b := range s.m {
			if b.expired(now) {
				expired = append(expired, b)
			}
		}
		s.mu.RUnlock()
	}

	removed := 0
	for _, b := range expired {
		if t.Remove(b) {
			removed++
		}
	}
	return removed
}

// ForEach visits every live binding. The callback must not mutate the
// table.
func (t *Table) ForEach(fn func(*Binding)) {
	for i := range t.forward {
		s := &t.forward[i]
		s.mu.RLock()
		for _, b := range s.m {
			if b.State() != StateExpired {
				fn(b)
			}
		}
		s.mu.RUnlock()
	}
}

// Flush removes every binding, returning how many were removed.
func (t *Table) Flush() int {
	var all []*Binding
	for i := range t.forward {
		s := &t.forward[i]
		s.mu.RLock()
		for _, b := range s.m {
			all = append(all, b)
		}
		s.mu.RUnlock()
	}
	removed := 0
	for _, b := range all {
		if t.Remove(b) {
			removed++
		}
	}
	return removed
}
