package nat

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addrs(ss ...string) []netip.Addr {
	out := make([]netip.Addr, len(ss))
	for i, s := range ss {
		out[i] = netip.MustParseAddr(s)
	}
	return out
}

func TestSelectFirstEntryWins(t *testing.T) {
	p := resolveProfile(t, `
interfaces:
  - if_name: wan0
    nat44: true
    externals:
      - address: 203.0.113.7
      - address: 203.0.113.8
`)

	snap := selectExternals(p, nil)
	require.NotNil(t, snap.snat4)
	assert.Equal(t, netip.MustParseAddr("203.0.113.7"), snap.snat4.addr)

	// Both addresses are still recognized for inbound.
	assert.NotNil(t, snap.externalFor(netip.MustParseAddr("203.0.113.8")))
}

func TestSelectSkipsNoSNAT(t *testing.T) {
	p := resolveProfile(t, `
interfaces:
  - if_name: wan0
    nat44: true
    externals:
      - address: 203.0.113.7
        no_snat: true
      - address: 203.0.113.8
`)

	snap := selectExternals(p, nil)
	require.NotNil(t, snap.snat4)
	assert.Equal(t, netip.MustParseAddr("203.0.113.8"), snap.snat4.addr)
	assert.NotNil(t, snap.externalFor(netip.MustParseAddr("203.0.113.7")),
		"no_snat address is still an external address")
}

func TestSelectMatchCIDRUsesBoundOrder(t *testing.T) {
	p := resolveProfile(t, `
interfaces:
  - if_name: wan0
    nat44: true
    externals:
      - match: 203.0.113.0/24
`)

	snap := selectExternals(p, addrs("198.51.100.4", "203.0.113.20", "203.0.113.9"))
	require.NotNil(t, snap.snat4)
	assert.Equal(t, netip.MustParseAddr("203.0.113.20"), snap.snat4.addr)
	assert.Nil(t, snap.externalFor(netip.MustParseAddr("198.51.100.4")))
}

func TestSelectMatchAddressRange(t *testing.T) {
	p := resolveProfile(t, `
interfaces:
  - if_name: wan0
    nat44: true
    externals:
      - match: 203.0.113.10-203.0.113.20
`)

	snap := selectExternals(p, addrs("203.0.113.5", "203.0.113.15"))
	require.NotNil(t, snap.snat4)
	assert.Equal(t, netip.MustParseAddr("203.0.113.15"), snap.snat4.addr)
}

func TestSelectDefaultExternalsCatchAll(t *testing.T) {
	p := resolveProfile(t, `
interfaces:
  - if_name: wan0
    nat44: true
    nat66: true
    default_externals: true
`)

	snap := selectExternals(p, addrs("198.51.100.4", "2001:db8::1"))
	require.NotNil(t, snap.snat4)
	require.NotNil(t, snap.snat6)
	assert.Equal(t, netip.MustParseAddr("198.51.100.4"), snap.snat4.addr)
	assert.Equal(t, netip.MustParseAddr("2001:db8::1"), snap.snat6.addr)
}

func TestSelectPerFamilySNAT(t *testing.T) {
	p := resolveProfile(t, `
interfaces:
  - if_name: wan0
    nat44: true
    externals:
      - address: 203.0.113.7
      - address: 2001:db8::7
`)

	// NAT66 is off: the IPv6 entry yields no SNAT target.
	snap := selectExternals(p, nil)
	require.NotNil(t, snap.snat4)
	assert.Nil(t, snap.snat6)
}

func TestActiveExternalRanges(t *testing.T) {
	p := resolveProfile(t, `
interfaces:
  - if_name: wan0
    nat44: true
    externals:
      - address: 203.0.113.7
        udp_ranges: []
`)

	snap := selectExternals(p, nil)
	active := snap.externalFor(netip.MustParseAddr("203.0.113.7"))
	require.NotNil(t, active)

	_, tcpOK := active.ranges(ProtocolTCP)
	assert.True(t, tcpOK)
	_, udpOK := active.ranges(ProtocolUDP)
	assert.False(t, udpOK)

	icmpAlloc := active.allocRanges(ProtocolICMP)
	assert.False(t, icmpAlloc.Empty())
	assert.False(t, icmpAlloc.Contains(500), "outbound IDs come from the out subset")
	assert.True(t, icmpAlloc.Contains(2000))
}

func TestSnapshotHelpers(t *testing.T) {
	p := resolveProfile(t, `
interfaces:
  - if_name: wan0
    nat44: true
    externals:
      - address: 203.0.113.7
`)
	snap := selectExternals(p, nil)

	assert.True(t, snap.familyEnabled(netip.MustParseAddr("192.168.1.1")))
	assert.False(t, snap.familyEnabled(netip.MustParseAddr("fd00::1")))
	assert.Equal(t, &p.Hairpin4, snap.hairpinFor(netip.MustParseAddr("192.168.1.1")))
	assert.Equal(t, &p.Hairpin6, snap.hairpinFor(netip.MustParseAddr("fd00::1")))
}
