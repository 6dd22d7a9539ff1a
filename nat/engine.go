package nat

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/edge-nat/edgenat/config"
)

const defaultSweepInterval = 30 * time.Second

// Engine is the translation engine for one external interface. The
// datapath calls Translate for every packet; configuration and address
// changes swap an immutable snapshot under the datapath without
// stopping it.
type Engine struct {
	log   zerolog.Logger
	now   func() time.Time
	snap  atomic.Pointer[snapshot]
	table *Table
	frags *fragTracker

	poolsMu sync.Mutex
	pools   map[poolKey]*portPool

	// cfgMu serializes snapshot rebuilds, not the datapath.
	cfgMu      sync.Mutex
	profile    *config.Profile
	boundAddrs []netip.Addr

	translated atomic.Uint64
	passed     atomic.Uint64
	bypassed   atomic.Uint64
	dropped    atomic.Uint64

	metrics       *Metrics
	metricsReg    prometheus.Registerer
	sweepInterval time.Duration
	sweep         *sweeper
}

type poolKey struct {
	addr  netip.Addr
	proto uint8
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithMetrics registers engine metrics with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.metricsReg = reg }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSweepInterval overrides the background sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) { e.sweepInterval = d }
}

// New creates an engine for the given profile. Call SetBoundAddresses
// before traffic flows so match-style externals can resolve.
func New(profile *config.Profile, opts ...Option) *Engine {
	e := &Engine{
		log:           zerolog.Nop(),
		now:           time.Now,
		frags:         newFragTracker(),
		pools:         make(map[poolKey]*portPool),
		profile:       profile,
		sweepInterval: defaultSweepInterval,
	}
	e.table = NewTable(e.releaseBinding)
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.With().Str("interface", profile.IfName).Logger()
	e.snap.Store(selectExternals(profile, nil))

	if e.metricsReg != nil {
		e.metrics = NewMetrics(e.metricsReg, profile.IfName, func() float64 {
			return float64(e.table.Len())
		})
	}
	return e
}

// Start launches the background sweeper.
func (e *Engine) Start() {
	e.sweep = newSweeper(e.table, e.sweepInterval, e.now, e.log, func(removed int) {
		if e.metrics != nil {
			e.metrics.SweepsTotal.Add(float64(removed))
		}
	})
	go e.sweep.run()
	go e.fragSweepLoop(e.sweep.stopChan)
}

// Stop halts background work. Bindings stay in the table.
func (e *Engine) Stop() {
	if e.sweep != nil {
		e.sweep.stop()
		e.sweep = nil
	}
}

func (e *Engine) fragSweepLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.frags.sweep(e.now())
		}
	}
}

// releaseBinding is the table's eviction hook: return the claimed
// external port to its pool. Identity bindings never claimed one.
func (e *Engine) releaseBinding(b *Binding) {
	if !b.ExternalOwned {
		return
	}
	e.poolsMu.Lock()
	pool := e.pools[poolKey{b.External.Addr(), b.Proto}]
	e.poolsMu.Unlock()
	if pool != nil {
		pool.release(b.External.Port())
	}
	if e.metrics != nil {
		e.metrics.PortsInUse.WithLabelValues(protocolName(b.Proto)).Dec()
	}
}

func (e *Engine) poolFor(addr netip.Addr, proto uint8, ranges config.RangeList) *portPool {
	key := poolKey{addr, proto}
	e.poolsMu.Lock()
	defer e.poolsMu.Unlock()
	pool := e.pools[key]
	if pool == nil {
		pool = newPortPool(ranges)
		e.pools[key] = pool
	}
	return pool
}

// SetProfile swaps in a new resolved profile. Existing bindings keep
// flowing; new ones follow the new profile.
func (e *Engine) SetProfile(profile *config.Profile) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.profile = profile
	e.snap.Store(selectExternals(profile, e.boundAddrs))
	e.log.Info().Int("externals", len(profile.Externals)).Msg("profile updated")
}

// SetBoundAddresses tells the engine which addresses are currently
// bound to the external interface, re-running external selection.
func (e *Engine) SetBoundAddresses(addrs []netip.Addr) {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	e.boundAddrs = addrs
	snap := selectExternals(e.profile, addrs)
	e.snap.Store(snap)

	ev := e.log.Debug().Int("bound", len(addrs))
	if snap.snat4 != nil {
		ev = ev.Stringer("snat4", snap.snat4.addr)
	}
	if snap.snat6 != nil {
		ev = ev.Stringer("snat6", snap.snat6.addr)
	}
	ev.Msg("external selection updated")
}

// Profile returns the current resolved profile.
func (e *Engine) Profile() *config.Profile {
	e.cfgMu.Lock()
	defer e.cfgMu.Unlock()
	return e.profile
}

// ExternalAddrs returns the currently recognized external addresses.
func (e *Engine) ExternalAddrs() []netip.Addr {
	snap := e.snap.Load()
	addrs := make([]netip.Addr, 0, len(snap.externals))
	for addr := range snap.externals {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Flush removes every binding, releasing the claimed ports.
func (e *Engine) Flush() int {
	n := e.table.Flush()
	if n > 0 {
		e.log.Info().Int("removed", n).Msg("session table flushed")
	}
	return n
}

// Translate decides one packet's fate and maintains the session table.
// The caller applies the returned rewrite to the packet.
func (e *Engine) Translate(dir Direction, meta *PacketMeta) Decision {
	var d Decision
	if dir == DirectionOutbound {
		d = e.outbound(meta)
	} else {
		d = e.inbound(meta)
	}

	switch d.Action {
	case ActionTranslate:
		e.translated.Add(1)
	case ActionPass:
		e.passed.Add(1)
	case ActionBypass:
		e.bypassed.Add(1)
	case ActionDrop:
		e.dropped.Add(1)
		e.log.Debug().
			Str("direction", dir.String()).
			Str("reason", d.Reason).
			Uint8("proto", meta.Protocol).
			Stringer("src", meta.Src).
			Stringer("dst", meta.Dst).
			Msg("packet dropped")
	}
	e.metrics.observe(dir, d)
	return d
}

// DropMalformed records a packet too mangled to parse. The datapath
// discards it; only the direction is known.
func (e *Engine) DropMalformed(dir Direction) Decision {
	d := drop(ReasonMalformed)
	e.dropped.Add(1)
	e.log.Debug().Str("direction", dir.String()).Msg("malformed packet dropped")
	e.metrics.observe(dir, d)
	return d
}

func (e *Engine) outbound(meta *PacketMeta) Decision {
	snap := e.snap.Load()
	now := e.now()

	if !snap.familyEnabled(meta.Src.Addr()) {
		return bypass(ReasonFamilyDisabled)
	}
	if snap.profile.MatchesNoSNATDest(meta.Dst.Addr()) {
		return bypass(ReasonNoSNATDest)
	}

	if meta.Fragment && !meta.FirstFragment {
		return e.translateLaterFragment(snap, meta, DirectionOutbound, now)
	}

	if isICMP(meta.Protocol) && !meta.ICMPQuery {
		return pass(ReasonUnsupported)
	}

	// An internal host addressing an external address is hairpin
	// traffic: rewrite both ends so each side sees only external
	// addresses.
	if target := snap.externalFor(meta.Dst.Addr()); target != nil {
		return e.outboundHairpin(snap, meta, target, now)
	}

	ext := snap.snatFor(meta.Src.Addr())
	if ext == nil {
		return bypass(ReasonNoExternalAddress)
	}

	d, _ := e.snatForward(snap, meta, ext, now)
	return d
}

// snatForward finds or creates the forward mapping for the packet's
// internal source and returns the source rewrite.
func (e *Engine) snatForward(snap *snapshot, meta *PacketMeta, ext *activeExternal, now time.Time) (Decision, *Binding) {
	admit, enabled := ext.ranges(meta.Protocol)
	if !enabled {
		return bypass(ReasonProtoDisabled), nil
	}
	// Flows whose original port falls outside the configured ranges are
	// handed back so the kernel's own masquerading can cover them.
	if !admit.Contains(meta.Src.Port()) {
		return bypass(ReasonPortOutOfRange), nil
	}
	allocRanges := ext.allocRanges(meta.Protocol)
	if allocRanges.Empty() {
		return bypass(ReasonProtoDisabled), nil
	}

	b, created, err := e.table.GetOrCreate(meta.Protocol, meta.Src, now, func() (netip.AddrPort, bool, error) {
		pool := e.poolFor(ext.addr, meta.Protocol, allocRanges)
		port, err := pool.claim(meta.Src.Port())
		if err != nil {
			return netip.AddrPort{}, false, err
		}
		return netip.AddrPortFrom(ext.addr, port), true, nil
	})
	if err != nil {
		e.log.Warn().
			Uint8("proto", meta.Protocol).
			Stringer("external", ext.addr).
			Err(err).
			Msg("mapping allocation failed")
		return drop(ReasonPortExhausted), nil
	}

	policy := &snap.profile.Timeouts
	refresh(b, policy, DirectionOutbound, meta.TCP, now, meta.Length)

	if created {
		if e.metrics != nil {
			e.metrics.PortsInUse.WithLabelValues(protocolName(meta.Protocol)).Inc()
		}
		e.log.Debug().
			Uint8("proto", meta.Protocol).
			Stringer("internal", b.Internal).
			Stringer("external", b.External).
			Msg("binding created")
	}
	if meta.FirstFragment {
		key := fragKey{meta.Protocol, meta.Src.Addr(), meta.Dst.Addr(), meta.FragmentID}
		e.frags.remember(key, b, now, policy.Fragment)
	}

	return Decision{
		Action:     ActionTranslate,
		RewriteSrc: true,
		NewSrc:     b.External,
	}, b
}

func (e *Engine) outboundHairpin(snap *snapshot, meta *PacketMeta, target *activeExternal, now time.Time) Decision {
	hp := snap.hairpinFor(meta.Dst.Addr())
	if !hp.Enable || !hp.AllowsProtocol(meta.Protocol) || target.spec.NoHairpin {
		return pass(ReasonHairpinDisabled)
	}
	// An unidentifiable ingress interface is never a member.
	if !hp.AllowsInterface(meta.InIfName) {
		return pass(ReasonHairpinDisabled)
	}

	// Without a mapping behind the targeted port this is traffic for
	// the router itself.
	rb, ok := e.table.LookupReverse(meta.Protocol, meta.Dst, now)
	if !ok {
		return pass(ReasonNoBinding)
	}

	ext := snap.snatFor(meta.Src.Addr())
	if ext == nil {
		return bypass(ReasonNoExternalAddress)
	}

	d, fb := e.snatForward(snap, meta, ext, now)
	if d.Action != ActionTranslate || fb == nil {
		return d
	}

	policy := &snap.profile.Timeouts
	refresh(rb, policy, DirectionInbound, meta.TCP, now, meta.Length)

	d.RewriteDst = true
	d.NewDst = rb.Internal
	return d
}

func (e *Engine) inbound(meta *PacketMeta) Decision {
	snap := e.snap.Load()
	now := e.now()

	if !snap.familyEnabled(meta.Dst.Addr()) {
		return bypass(ReasonFamilyDisabled)
	}
	active := snap.externalFor(meta.Dst.Addr())
	if active == nil {
		return bypass(ReasonNotExternalAddr)
	}

	if meta.Fragment && !meta.FirstFragment {
		return e.translateLaterFragment(snap, meta, DirectionInbound, now)
	}

	if isICMP(meta.Protocol) && !meta.ICMPQuery {
		return pass(ReasonUnsupported)
	}

	if _, enabled := active.ranges(meta.Protocol); !enabled {
		return bypass(ReasonProtoDisabled)
	}

	policy := &snap.profile.Timeouts
	if b, ok := e.table.LookupReverse(meta.Protocol, meta.Dst, now); ok {
		refresh(b, policy, DirectionInbound, meta.TCP, now, meta.Length)
		if meta.FirstFragment {
			key := fragKey{meta.Protocol, meta.Src.Addr(), meta.Dst.Addr(), meta.FragmentID}
			e.frags.remember(key, b, now, policy.Fragment)
		}
		return Decision{
			Action:     ActionTranslate,
			RewriteDst: true,
			NewDst:     b.Internal,
		}
	}

	if isICMP(meta.Protocol) {
		return e.inboundICMPNoBinding(snap, meta, active, now)
	}

	// No mapping: hand the packet back unmodified so routing or local
	// delivery decides.
	return pass(ReasonNoBinding)
}

// inboundICMPNoBinding handles an inbound query with no reverse
// mapping. Admissible IDs get an identity binding so the local reply
// flows back out untouched; the packet itself is delivered unmodified.
func (e *Engine) inboundICMPNoBinding(snap *snapshot, meta *PacketMeta, active *activeExternal, now time.Time) Decision {
	if !snap.profile.AllowInboundICMPX {
		return drop(ReasonInboundICMPDenied)
	}
	// Only echo requests seed an identity binding; a stray reply with
	// no mapping is just delivered.
	if !meta.EchoRequest || !active.spec.ICMPInRanges.Contains(meta.Dst.Port()) {
		return pass(ReasonNoBinding)
	}

	// When the ID also sits in the outbound allocation range, reserve it
	// there so a later outbound mapping cannot end up sharing the
	// external tuple.
	allocRanges := active.allocRanges(meta.Protocol)
	var pool *portPool
	owned := false
	if allocRanges.Contains(meta.Dst.Port()) {
		pool = e.poolFor(active.addr, meta.Protocol, allocRanges)
		if !pool.tryClaim(meta.Dst.Port()) {
			return pass(ReasonNoBinding)
		}
		owned = true
	}

	b, created, err := e.table.GetOrCreate(meta.Protocol, meta.Dst, now, func() (netip.AddrPort, bool, error) {
		return meta.Dst, owned, nil
	})
	if err != nil {
		if owned {
			pool.release(meta.Dst.Port())
		}
		return drop(ReasonPortExhausted)
	}
	if !created && owned {
		// Lost the creation race; the surviving binding holds its own
		// reservation.
		pool.release(meta.Dst.Port())
	}
	if created && owned && e.metrics != nil {
		e.metrics.PortsInUse.WithLabelValues(protocolName(meta.Protocol)).Inc()
	}
	policy := &snap.profile.Timeouts
	refresh(b, policy, DirectionInbound, meta.TCP, now, meta.Length)
	return pass(ReasonNoBinding)
}

// translateLaterFragment maps a non-first fragment through the binding
// its first fragment established. Only the address is rewritten; later
// fragments carry no transport header.
func (e *Engine) translateLaterFragment(snap *snapshot, meta *PacketMeta, dir Direction, now time.Time) Decision {
	key := fragKey{meta.Protocol, meta.Src.Addr(), meta.Dst.Addr(), meta.FragmentID}
	b, ok := e.frags.lookup(key, now)
	if !ok {
		return drop(ReasonFragmentUnknown)
	}
	b.account(dir, meta.Length)

	if dir == DirectionOutbound {
		return Decision{
			Action:     ActionTranslate,
			RewriteSrc: true,
			NewSrc:     netip.AddrPortFrom(b.External.Addr(), 0),
		}
	}
	return Decision{
		Action:     ActionTranslate,
		RewriteDst: true,
		NewDst:     netip.AddrPortFrom(b.Internal.Addr(), 0),
	}
}

func isICMP(proto uint8) bool {
	return proto == ProtocolICMP || proto == ProtocolICMPv6
}

// Stats is a point-in-time engine summary.
type Stats struct {
	Sessions    int    `json:"sessions"`
	Translated  uint64 `json:"translated"`
	Passed      uint64 `json:"passed"`
	Bypassed    uint64 `json:"bypassed"`
	Dropped     uint64 `json:"dropped"`
	FragTracked int    `json:"frag_tracked"`
}

// Stats returns engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Sessions:    e.table.Len(),
		Translated:  e.translated.Load(),
		Passed:      e.passed.Load(),
		Bypassed:    e.bypassed.Load(),
		Dropped:     e.dropped.Load(),
		FragTracked: e.frags.len(),
	}
}

// SessionInfo describes one live binding for introspection.
type SessionInfo struct {
	Protocol  string    `json:"protocol"`
	Internal  string    `json:"internal"`
	External  string    `json:"external"`
	State     string    `json:"state"`
	PktsOut   uint64    `json:"pkts_out"`
	PktsIn    uint64    `json:"pkts_in"`
	BytesOut  uint64    `json:"bytes_out"`
	BytesIn   uint64    `json:"bytes_in"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Sessions snapshots every live binding.
func (e *Engine) Sessions() []SessionInfo {
	out := make([]SessionInfo, 0, e.table.Len())
	e.table.ForEach(func(b *Binding) {
		po, pi, bo, bi := b.Counters()
		out = append(out, SessionInfo{
			Protocol:  protocolName(b.Proto),
			Internal:  b.Internal.String(),
			External:  b.External.String(),
			State:     b.State().String(),
			PktsOut:   po,
			PktsIn:    pi,
			BytesOut:  bo,
			BytesIn:   bi,
			CreatedAt: b.CreatedAt,
			LastSeen:  b.LastSeen(),
			ExpiresAt: b.ExpiresAt(),
		})
	})
	return out
}

func protocolName(proto uint8) string {
	switch proto {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolICMP:
		return "icmp"
	case ProtocolICMPv6:
		return "icmpv6"
	default:
		return "other"
	}
}
