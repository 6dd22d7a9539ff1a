// Package nat implements the session table and translation engine:
// endpoint-independent mappings, port allocation, timeouts and hairpin
// evaluation.
package nat

import (
	"errors"
	"net/netip"
)

// Protocol numbers handled by the engine.
const (
	ProtocolICMP   uint8 = 1
	ProtocolTCP    uint8 = 6
	ProtocolUDP    uint8 = 17
	ProtocolICMPv6 uint8 = 58
)

// Direction of a packet relative to the external interface.
type Direction int

const (
	// DirectionOutbound is internal to external.
	DirectionOutbound Direction = iota
	// DirectionInbound is external to internal.
	DirectionInbound
)

func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// TCPFlags carries the NAT-relevant TCP flag bits.
type TCPFlags struct {
	SYN bool
	ACK bool
	FIN bool
	RST bool
}

// PacketMeta is the transport metadata the engine needs to decide a
// packet's fate. For ICMP queries the query ID stands in for both
// ports.
type PacketMeta struct {
	Protocol uint8
	Src      netip.AddrPort
	Dst      netip.AddrPort

	TCP TCPFlags

	// ICMPQuery is true for echo request/reply; other ICMP messages
	// are not translated.
	ICMPQuery   bool
	EchoRequest bool

	// Fragment metadata. A non-first fragment has no transport header;
	// its ports are zero.
	Fragment      bool
	FirstFragment bool
	FragmentID    uint32

	// IfName of the interface the packet arrived on, for hairpin
	// admission of outbound packets.
	InIfName string

	// Length of the full packet, for per-binding accounting.
	Length int
}

// Action is what the datapath should do with a packet.
type Action int

const (
	// ActionTranslate rewrites the packet per the decision's new
	// endpoints.
	ActionTranslate Action = iota
	// ActionPass accepts the packet unmodified; routing or local
	// delivery takes over.
	ActionPass
	// ActionBypass accepts the packet unmodified because NAT does not
	// apply to it at all.
	ActionBypass
	// ActionDrop discards the packet.
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionTranslate:
		return "translate"
	case ActionPass:
		return "pass"
	case ActionBypass:
		return "bypass"
	default:
		return "drop"
	}
}

// Decision is the engine's verdict for one packet.
type Decision struct {
	Action Action

	// RewriteSrc/RewriteDst indicate which endpoints to rewrite when
	// translating. Hairpin forwarding rewrites both.
	RewriteSrc bool
	RewriteDst bool
	NewSrc     netip.AddrPort
	NewDst     netip.AddrPort

	// Reason classifies non-translate outcomes, for logs and metrics.
	Reason string
}

// Decision reasons.
const (
	ReasonFamilyDisabled    = "family_disabled"
	ReasonNoSNATDest        = "no_snat_dest"
	ReasonNoExternalAddress = "no_external_address"
	ReasonProtoDisabled     = "protocol_disabled"
	ReasonPortOutOfRange    = "port_out_of_range"
	ReasonUnsupported       = "unsupported"
	ReasonMalformed         = "malformed"
	ReasonPortExhausted     = "port_exhausted"
	ReasonFragmentUnknown   = "fragment_unknown"
	ReasonNoBinding         = "no_binding"
	ReasonNotExternalAddr   = "not_external_address"
	ReasonInboundICMPDenied = "inbound_icmp_denied"
	ReasonHairpinDisabled   = "hairpin_disabled"
)

// ErrPortExhausted means no free port or query ID was available in the
// configured ranges.
var ErrPortExhausted = errors.New("port range exhausted")

func pass(reason string) Decision   { return Decision{Action: ActionPass, Reason: reason} }
func bypass(reason string) Decision { return Decision{Action: ActionBypass, Reason: reason} }
func drop(reason string) Decision   { return Decision{Action: ActionDrop, Reason: reason} }
