package nat

import (
	"net/netip"

	"github.com/edge-nat/edgenat/config"
)

// activeExternal is an external entry bound to a concrete address.
type activeExternal struct {
	addr netip.Addr
	spec *config.ResolvedExternal
}

// ranges returns the admission range list for a protocol on this
// external, and whether the protocol is enabled at all.
func (a *activeExternal) ranges(proto uint8) (config.RangeList, bool) {
	var l config.RangeList
	switch proto {
	case ProtocolTCP:
		l = a.spec.TCPRanges
	case ProtocolUDP:
		l = a.spec.UDPRanges
	case ProtocolICMP, ProtocolICMPv6:
		l = a.spec.ICMPRanges
	}
	return l, !l.Empty()
}

// allocRanges returns the range list new outbound mappings allocate
// from. For ICMP this is the outbound subset, not the full query ID
// space.
func (a *activeExternal) allocRanges(proto uint8) config.RangeList {
	switch proto {
	case ProtocolICMP, ProtocolICMPv6:
		return a.spec.ICMPOutRanges
	default:
		l, _ := a.ranges(proto)
		return l
	}
}

// snapshot is the immutable runtime view the datapath reads: the
// profile, the chosen SNAT target per family and the full set of
// recognized external addresses. Profile or address changes swap in a
// whole new snapshot.
type snapshot struct {
	profile *config.Profile

	snat4 *activeExternal
	snat6 *activeExternal

	// externals maps every active external address, including no_snat
	// ones, for inbound and hairpin recognition.
	externals map[netip.Addr]*activeExternal
}

// selectExternals resolves the profile's external entries against the
// addresses currently bound to the interface. Entry order is priority:
// the first entry that yields an address of a family becomes that
// family's SNAT target, skipping no_snat entries.
func selectExternals(profile *config.Profile, bound []netip.Addr) *snapshot {
	snap := &snapshot{
		profile:   profile,
		externals: make(map[netip.Addr]*activeExternal),
	}

	for i := range profile.Externals {
		spec := &profile.Externals[i]
		for _, addr := range candidates(spec, bound) {
			if _, seen := snap.externals[addr]; seen {
				continue
			}
			active := &activeExternal{addr: addr, spec: spec}
			snap.externals[addr] = active

			if spec.NoSNAT {
				continue
			}
			if addr.Is4() {
				if profile.NAT44 && snap.snat4 == nil {
					snap.snat4 = active
				}
			} else if profile.NAT66 && snap.snat6 == nil {
				snap.snat6 = active
			}
		}
	}
	return snap
}

// candidates yields the concrete addresses one external entry covers
// right now. Static entries always yield their literal address; match
// entries yield every bound address they cover, in bound order.
func candidates(spec *config.ResolvedExternal, bound []netip.Addr) []netip.Addr {
	if spec.Kind == config.KindStatic {
		return []netip.Addr{spec.Addr}
	}
	var out []netip.Addr
	for _, addr := range bound {
		if spec.Matches(addr) {
			out = append(out, addr)
		}
	}
	return out
}

// snatFor returns the SNAT target for an address family, or nil.
func (s *snapshot) snatFor(addr netip.Addr) *activeExternal {
	if addr.Is4() {
		return s.snat4
	}
	return s.snat6
}

// externalFor returns the active external owning addr, or nil.
func (s *snapshot) externalFor(addr netip.Addr) *activeExternal {
	return s.externals[addr]
}

// familyEnabled reports whether NAT is on for addr's family.
func (s *snapshot) familyEnabled(addr netip.Addr) bool {
	if addr.Is4() {
		return s.profile.NAT44
	}
	return s.profile.NAT66
}

// hairpinFor returns the hairpin profile for addr's family.
func (s *snapshot) hairpinFor(addr netip.Addr) *config.HairpinProfile {
	if addr.Is4() {
		return &s.profile.Hairpin4
	}
	return &s.profile.Hairpin6
}
