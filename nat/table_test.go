package nat

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ap(s string) netip.AddrPort { return netip.MustParseAddrPort(s) }

func staticAlloc(external netip.AddrPort) func() (netip.AddrPort, bool, error) {
	return func() (netip.AddrPort, bool, error) { return external, true, nil }
}

func TestTableCreateAndLookup(t *testing.T) {
	tbl := NewTable(nil)
	now := time.Now()

	b, created, err := tbl.GetOrCreate(ProtocolUDP, ap("192.168.1.10:40000"), now,
		staticAlloc(ap("203.0.113.7:20000")))
	require.NoError(t, err)
	assert.True(t, created)
	b.touch(now, time.Minute)

	fwd, ok := tbl.LookupForward(ProtocolUDP, ap("192.168.1.10:40000"), now)
	require.True(t, ok)
	assert.Same(t, b, fwd)

	rev, ok := tbl.LookupReverse(ProtocolUDP, ap("203.0.113.7:20000"), now)
	require.True(t, ok)
	assert.Same(t, b, rev)

	// Protocol is part of the key.
	_, ok = tbl.LookupForward(ProtocolTCP, ap("192.168.1.10:40000"), now)
	assert.False(t, ok)

	assert.Equal(t, 1, tbl.Len())
}

func TestTableGetOrCreateReturnsExisting(t *testing.T) {
	tbl := NewTable(nil)
	now := time.Now()

	b1, created, err := tbl.GetOrCreate(ProtocolTCP, ap("192.168.1.10:50000"), now,
		staticAlloc(ap("203.0.113.7:20000")))
	require.NoError(t, err)
	require.True(t, created)
	b1.touch(now, time.Minute)

	b2, created, err := tbl.GetOrCreate(ProtocolTCP, ap("192.168.1.10:50000"), now, func() (netip.AddrPort, bool, error) {
		t.Fatal("alloc must not run for an existing binding")
		return netip.AddrPort{}, false, nil
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, b1, b2)
}

func TestTableRemoveSingleWinner(t *testing.T) {
	var evictions atomic.Int32
	tbl := NewTable(func(*Binding) { evictions.Add(1) })
	now := time.Now()

	b, _, err := tbl.GetOrCreate(ProtocolUDP, ap("192.168.1.10:40000"), now,
		staticAlloc(ap("203.0.113.7:20000")))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tbl.Remove(b) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), evictions.Load())
	assert.Equal(t, 0, tbl.Len())
	_, ok := tbl.LookupForward(ProtocolUDP, ap("192.168.1.10:40000"), now)
	assert.False(t, ok)
}

func TestTableLazyExpiryOnLookup(t *testing.T) {
	evicted := make(chan *Binding, 1)
	tbl := NewTable(func(b *Binding) { evicted <- b })
	now := time.Now()

	b, _, err := tbl.GetOrCreate(ProtocolUDP, ap("192.168.1.10:40000"), now,
		staticAlloc(ap("203.0.113.7:20000")))
	require.NoError(t, err)
	b.touch(now, time.Second)

	_, ok := tbl.LookupForward(ProtocolUDP, ap("192.168.1.10:40000"), now)
	assert.True(t, ok)

	later := now.Add(2 * time.Second)
	_, ok = tbl.LookupForward(ProtocolUDP, ap("192.168.1.10:40000"), later)
	assert.False(t, ok)
	assert.Same(t, b, <-evicted)
	assert.Equal(t, 0, tbl.Len())
}

func TestTableSweep(t *testing.T) {
	tbl := NewTable(nil)
	now := time.Now()

	for i, lifetime := range []time.Duration{time.Second, time.Minute, time.Second} {
		b, _, err := tbl.GetOrCreate(ProtocolUDP,
			netip.AddrPortFrom(netip.MustParseAddr("192.168.1.10"), uint16(40000+i)), now,
			staticAlloc(netip.AddrPortFrom(netip.MustParseAddr("203.0.113.7"), uint16(20000+i))))
		require.NoError(t, err)
		b.touch(now, lifetime)
	}

	removed := tbl.Sweep(now.Add(10 * time.Second))
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, tbl.Len())
}

func TestTableConcurrentCreateConverges(t *testing.T) {
	tbl := NewTable(nil)
	now := time.Now()

	var next atomic.Uint32
	next.Store(20000)
	alloc := func() (netip.AddrPort, bool, error) {
		port := uint16(next.Add(1))
		return netip.AddrPortFrom(netip.MustParseAddr("203.0.113.7"), port), true, nil
	}

	const goroutines = 32
	results := make([]*Binding, goroutines)
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, _, err := tbl.GetOrCreate(ProtocolUDP, ap("192.168.1.10:40000"), now, alloc)
			require.NoError(t, err)
			b.touch(now, time.Minute)
			results[i] = b
		}(i)
	}
	wg.Wait()

	for _, b := range results[1:] {
		assert.Same(t, results[0], b, "all creators must converge on one binding")
	}
	assert.Equal(t, 1, tbl.Len())
}

func TestTableFlush(t *testing.T) {
	tbl := NewTable(nil)
	now := time.Now()

	for i := 0; i < 5; i++ {
		b, _, err := tbl.GetOrCreate(ProtocolTCP,
			netip.AddrPortFrom(netip.MustParseAddr("192.168.1.10"), uint16(50000+i)), now,
			staticAlloc(netip.AddrPortFrom(netip.MustParseAddr("203.0.113.7"), uint16(20000+i))))
		require.NoError(t, err)
		b.touch(now, time.Hour)
	}

	assert.Equal(t, 5, tbl.Flush())
	assert.Equal(t, 0, tbl.Len())
}
