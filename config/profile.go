package config

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"
	"time"
)

// Protocol numbers used in hairpin protocol sets.
const (
	ProtoICMP   uint8 = 1
	ProtoTCP    uint8 = 6
	ProtoUDP    uint8 = 17
	ProtoICMPv6 uint8 = 58
)

// ConfigError reports a fatal problem with one interface's configuration.
// Other interfaces are unaffected.
type ConfigError struct {
	IfName string
	Err    error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("interface %q: %v", e.IfName, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// RangeList is a sorted, merged list of non-overlapping port ranges.
type RangeList []PortRange

// Contains reports whether port falls inside any range.
func (l RangeList) Contains(port uint16) bool {
	for _, r := range l {
		if port >= r.Start && port <= r.End {
			return true
		}
	}
	return false
}

// Count returns the total number of ports covered.
func (l RangeList) Count() int {
	n := 0
	for _, r := range l {
		n += int(r.End) - int(r.Start) + 1
	}
	return n
}

// Empty reports whether the list covers no ports at all.
func (l RangeList) Empty() bool { return len(l) == 0 }

// ContainsAll reports whether every port of other is covered by l.
// Both lists must already be sorted and merged.
func (l RangeList) ContainsAll(other RangeList) bool {
	i := 0
	for _, r := range other {
		for i < len(l) && l[i].End < r.Start {
			i++
		}
		if i >= len(l) || l[i].Start > r.Start || l[i].End < r.End {
			return false
		}
	}
	return true
}

func (l RangeList) String() string {
	parts := make([]string, len(l))
	for i, r := range l {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// sortAndMerge sorts ranges by start and coalesces overlapping or
// adjacent ranges.
func sortAndMerge(ranges []PortRange) RangeList {
	merged := make([]PortRange, 0, len(ranges))
	for _, r := range ranges {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Start < merged[j].Start })

	if len(merged) < 2 {
		return merged
	}

	res := merged[:1]
	for _, next := range merged[1:] {
		curr := &res[len(res)-1]
		if curr.End != 65535 && next.Start > curr.End+1 {
			res = append(res, next)
		} else if next.End > curr.End {
			curr.End = next.End
		}
	}
	return res
}

// parseRanges parses, sorts and merges a list of "start-end" strings.
// Zero ports are rejected unless allowZero (ICMP query IDs may be zero).
func parseRanges(specs []string, allowZero bool) (RangeList, error) {
	ranges := make([]PortRange, 0, len(specs))
	for _, s := range specs {
		r, err := ParsePortRange(s)
		if err != nil {
			return nil, err
		}
		if !allowZero && r.Start == 0 {
			return nil, fmt.Errorf("port range %q contains zero, which is not allowed in this type of port range", s)
		}
		ranges = append(ranges, r)
	}
	merged := sortAndMerge(ranges)
	if len(merged) > MaxPortRanges {
		return nil, fmt.Errorf("exceed limit of max %d ranges in port ranges list", MaxPortRanges)
	}
	return merged, nil
}

// ExternalKind discriminates how an external entry yields candidates.
type ExternalKind int

const (
	// KindStatic is a literal address.
	KindStatic ExternalKind = iota
	// KindMatchCIDR matches bound addresses against a prefix.
	KindMatchCIDR
	// KindMatchRange matches bound addresses against an inclusive
	// address range.
	KindMatchRange
)

// ResolvedExternal is one validated external address entry with its
// effective port ranges.
type ResolvedExternal struct {
	Kind       ExternalKind
	Addr       netip.Addr   // KindStatic
	Prefix     netip.Prefix // KindMatchCIDR
	RangeStart netip.Addr   // KindMatchRange
	RangeEnd   netip.Addr   // KindMatchRange

	NoSNAT    bool
	NoHairpin bool

	TCPRanges     RangeList
	UDPRanges     RangeList
	ICMPRanges    RangeList
	ICMPInRanges  RangeList
	ICMPOutRanges RangeList
}

// Is4 reports whether this entry can yield IPv4 candidates.
func (e *ResolvedExternal) Is4() bool {
	switch e.Kind {
	case KindStatic:
		return e.Addr.Is4()
	case KindMatchCIDR:
		return e.Prefix.Addr().Is4()
	default:
		return e.RangeStart.Is4()
	}
}

// Matches reports whether a bound interface address satisfies this
// entry's match specification. Static entries never match; their
// candidate is the literal address itself.
func (e *ResolvedExternal) Matches(addr netip.Addr) bool {
	switch e.Kind {
	case KindMatchCIDR:
		return e.Prefix.Contains(addr)
	case KindMatchRange:
		return addr.Compare(e.RangeStart) >= 0 && addr.Compare(e.RangeEnd) <= 0
	default:
		return false
	}
}

// TimeoutPolicy holds the binding lifetime durations.
type TimeoutPolicy struct {
	Fragment   time.Duration
	PktMin     time.Duration
	PktDefault time.Duration
	TCPTrans   time.Duration
	TCPEst     time.Duration
}

// HairpinProfile is the resolved hairpin routing configuration for one
// address family.
type HairpinProfile struct {
	Enable          bool
	InternalIfNames []string
	Protocols       []uint8
	RulePref        uint32
	LocalRulePref   uint32
	TableID         uint32
}

// AllowsProtocol reports whether proto participates in hairpinning.
func (h *HairpinProfile) AllowsProtocol(proto uint8) bool {
	for _, p := range h.Protocols {
		if p == proto {
			return true
		}
	}
	return false
}

// AllowsInterface reports whether ifName is a configured internal
// interface.
func (h *HairpinProfile) AllowsInterface(ifName string) bool {
	for _, name := range h.InternalIfNames {
		if name == ifName {
			return true
		}
	}
	return false
}

// Profile is the immutable resolved NAT configuration for one external
// interface. A configuration change produces a brand-new Profile.
type Profile struct {
	IfName  string
	IfIndex int

	NAT44 bool
	NAT66 bool

	Externals []ResolvedExternal

	NoSNATDests4 []netip.Prefix
	NoSNATDests6 []netip.Prefix

	AllowInboundICMPX bool

	Timeouts TimeoutPolicy

	Hairpin4 HairpinProfile
	Hairpin6 HairpinProfile

	LogLevel int
}

// MatchesNoSNATDest reports whether addr falls in a destination network
// excluded from translation.
func (p *Profile) MatchesNoSNATDest(addr netip.Addr) bool {
	dests := p.NoSNATDests4
	if addr.Is6() && !addr.Is4In6() {
		dests = p.NoSNATDests6
	}
	for _, prefix := range dests {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// IfLookup resolves an interface name to its index. Overridable in tests.
type IfLookup func(name string) (int, error)

func systemIfLookup(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, err
	}
	return iface.Index, nil
}

// Resolve builds one immutable Profile per configured interface. A
// ConfigError is fatal only for its own interface; valid interfaces
// still resolve.
func (c *Config) Resolve(lookup IfLookup) ([]*Profile, []error) {
	if lookup == nil {
		lookup = systemIfLookup
	}

	var (
		profiles []*Profile
		errs     []error
	)
	for i := range c.Interfaces {
		profile, err := resolveInterface(&c.Interfaces[i], &c.Defaults, lookup)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		profiles = append(profiles, profile)
	}
	return profiles, errs
}

func resolveInterface(ic *Interface, d *Defaults, lookup IfLookup) (*Profile, error) {
	name := ic.IfName
	if name == "" {
		name = fmt.Sprintf("ifindex %d", ic.IfIndex)
	}
	fail := func(err error) (*Profile, error) {
		return nil, &ConfigError{IfName: name, Err: err}
	}

	ifIndex := ic.IfIndex
	if ic.IfName != "" {
		idx, err := lookup(ic.IfName)
		if err != nil {
			return fail(fmt.Errorf("cannot resolve interface: %w", err))
		}
		if ic.IfIndex != 0 && ic.IfIndex != idx {
			return fail(fmt.Errorf("if_index %d does not match interface %q (index %d)", ic.IfIndex, ic.IfName, idx))
		}
		ifIndex = idx
	}
	if ifIndex == 0 {
		return fail(fmt.Errorf("neither if_name nor if_index specified"))
	}

	if !ic.NAT44 && !ic.NAT66 {
		return fail(fmt.Errorf("neither nat44 nor nat66 enabled"))
	}

	externals := make([]External, 0, len(ic.Externals)+2)
	externals = append(externals, ic.Externals...)
	if ic.DefaultExternals {
		if ic.NAT44 {
			externals = append(externals, External{Match: "0.0.0.0/0"})
		}
		if ic.NAT66 {
			externals = append(externals, External{Match: "::/0"})
		}
	}

	resolved := make([]ResolvedExternal, 0, len(externals))
	for i := range externals {
		ext, err := resolveExternal(&externals[i], d)
		if err != nil {
			return fail(fmt.Errorf("external %d: %w", i, err))
		}
		resolved = append(resolved, *ext)
	}

	var dests4, dests6 []netip.Prefix
	for _, s := range ic.NoSNATDests {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return fail(fmt.Errorf("invalid no_snat_dests entry %q: %w", s, err))
		}
		if prefix.Addr().Is4() {
			dests4 = append(dests4, prefix)
		} else {
			dests6 = append(dests6, prefix)
		}
	}

	timeouts := TimeoutPolicy{
		Fragment:   durationOr(ic.TimeoutFragment, d.TimeoutFragment),
		PktMin:     durationOr(ic.TimeoutPktMin, d.TimeoutPktMin),
		PktDefault: durationOr(ic.TimeoutPktDefault, d.TimeoutPktDefault),
		TCPTrans:   durationOr(ic.TimeoutTCPTrans, d.TimeoutTCPTrans),
		TCPEst:     durationOr(ic.TimeoutTCPEst, d.TimeoutTCPEst),
	}

	hairpin4, err := resolveHairpin(&ic.HairpinIPv4, d, d.HairpinTableIPv4, false)
	if err != nil {
		return fail(fmt.Errorf("hairpin_ipv4: %w", err))
	}
	hairpin6, err := resolveHairpin(&ic.HairpinIPv6, d, d.HairpinTableIPv6, true)
	if err != nil {
		return fail(fmt.Errorf("hairpin_ipv6: %w", err))
	}

	logLevel := 0
	if ic.LogLevel != nil {
		logLevel = *ic.LogLevel
		if logLevel < 0 || logLevel > 5 {
			return fail(fmt.Errorf("log_level %d out of range 0-5", logLevel))
		}
	}

	allowInboundICMPX := true
	if ic.AllowInboundICMPX != nil {
		allowInboundICMPX = *ic.AllowInboundICMPX
	}

	return &Profile{
		IfName:            ic.IfName,
		IfIndex:           ifIndex,
		NAT44:             ic.NAT44,
		NAT66:             ic.NAT66,
		Externals:         resolved,
		NoSNATDests4:      dests4,
		NoSNATDests6:      dests6,
		AllowInboundICMPX: allowInboundICMPX,
		Timeouts:          timeouts,
		Hairpin4:          *hairpin4,
		Hairpin6:          *hairpin6,
		LogLevel:          logLevel,
	}, nil
}

func durationOr(override *Duration, fallback Duration) time.Duration {
	if override != nil {
		return time.Duration(*override)
	}
	return time.Duration(fallback)
}

func resolveExternal(ec *External, d *Defaults) (*ResolvedExternal, error) {
	ext := ResolvedExternal{
		NoSNAT:    ec.NoSNAT,
		NoHairpin: ec.NoHairpin,
	}

	switch {
	case ec.Address != "" && ec.Match != "":
		return nil, fmt.Errorf("both address and match specified")
	case ec.Address != "":
		addr, err := netip.ParseAddr(ec.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", ec.Address, err)
		}
		ext.Kind = KindStatic
		ext.Addr = addr
	case strings.Contains(ec.Match, "/"):
		prefix, err := netip.ParsePrefix(ec.Match)
		if err != nil {
			return nil, fmt.Errorf("invalid match prefix %q: %w", ec.Match, err)
		}
		ext.Kind = KindMatchCIDR
		ext.Prefix = prefix
	case strings.Contains(ec.Match, "-"):
		startStr, endStr, _ := strings.Cut(ec.Match, "-")
		start, err := netip.ParseAddr(strings.TrimSpace(startStr))
		if err != nil {
			return nil, fmt.Errorf("invalid match range %q: %w", ec.Match, err)
		}
		end, err := netip.ParseAddr(strings.TrimSpace(endStr))
		if err != nil {
			return nil, fmt.Errorf("invalid match range %q: %w", ec.Match, err)
		}
		if start.Is4() != end.Is4() || end.Compare(start) < 0 {
			return nil, fmt.Errorf("invalid match range %q", ec.Match)
		}
		ext.Kind = KindMatchRange
		ext.RangeStart = start
		ext.RangeEnd = end
	default:
		return nil, fmt.Errorf("external entry needs either address or match")
	}

	var err error
	if ext.TCPRanges, err = parseRanges(rangesOr(ec.TCPRanges, d.TCPRanges), false); err != nil {
		return nil, fmt.Errorf("tcp_ranges: %w", err)
	}
	if ext.UDPRanges, err = parseRanges(rangesOr(ec.UDPRanges, d.UDPRanges), false); err != nil {
		return nil, fmt.Errorf("udp_ranges: %w", err)
	}
	if ext.ICMPRanges, err = parseRanges(rangesOr(ec.ICMPRanges, d.ICMPRanges), true); err != nil {
		return nil, fmt.Errorf("icmp_ranges: %w", err)
	}

	// With ICMP disabled entirely, the directional subsets are forced
	// empty as well.
	if ext.ICMPRanges.Empty() {
		ext.ICMPInRanges = nil
		ext.ICMPOutRanges = nil
	} else {
		if ext.ICMPInRanges, err = parseRanges(rangesOr(ec.ICMPInRanges, d.ICMPInRanges), true); err != nil {
			return nil, fmt.Errorf("icmp_in_ranges: %w", err)
		}
		if ext.ICMPOutRanges, err = parseRanges(rangesOr(ec.ICMPOutRanges, d.ICMPOutRanges), true); err != nil {
			return nil, fmt.Errorf("icmp_out_ranges: %w", err)
		}
	}

	if !ext.ICMPRanges.ContainsAll(ext.ICMPInRanges) {
		return nil, fmt.Errorf("icmp_ranges %v does not fully include icmp_in_ranges %v", ext.ICMPRanges, ext.ICMPInRanges)
	}
	if !ext.ICMPRanges.ContainsAll(ext.ICMPOutRanges) {
		return nil, fmt.Errorf("icmp_ranges %v does not fully include icmp_out_ranges %v", ext.ICMPRanges, ext.ICMPOutRanges)
	}

	return &ext, nil
}

func rangesOr(override, fallback []string) []string {
	if override != nil {
		return override
	}
	return fallback
}

func resolveHairpin(hc *HairpinRoute, d *Defaults, tableID uint32, v6 bool) (*HairpinProfile, error) {
	// Enabled by default exactly when internal interfaces are named.
	enable := len(hc.InternalIfNames) > 0
	if hc.Enable != nil {
		enable = *hc.Enable
	}

	rulePref := d.HairpinRulePref
	if hc.IPRulePref != nil {
		rulePref = *hc.IPRulePref
	}
	if enable && rulePref >= d.LocalRulePref {
		return nil, fmt.Errorf("hairpin route rule priority %d is not less than local rule priority %d", rulePref, d.LocalRulePref)
	}

	if hc.TableID != nil {
		tableID = *hc.TableID
	}

	protoNames := hc.IPProtocols
	if len(protoNames) == 0 {
		protoNames = []string{"tcp", "udp"}
	}
	protocols := make([]uint8, 0, len(protoNames))
	for _, s := range protoNames {
		switch strings.ToLower(s) {
		case "tcp":
			protocols = append(protocols, ProtoTCP)
		case "udp":
			protocols = append(protocols, ProtoUDP)
		case "icmp":
			// Permitted, though query-ID symmetry makes hairpinned
			// ICMP echo back to the sender.
			if v6 {
				protocols = append(protocols, ProtoICMPv6)
			} else {
				protocols = append(protocols, ProtoICMP)
			}
		default:
			return nil, fmt.Errorf("unknown ip protocol %q", s)
		}
	}

	return &HairpinProfile{
		Enable:          enable,
		InternalIfNames: append([]string(nil), hc.InternalIfNames...),
		Protocols:       protocols,
		RulePref:        rulePref,
		LocalRulePref:   d.LocalRulePref,
		TableID:         tableID,
	}, nil
}
