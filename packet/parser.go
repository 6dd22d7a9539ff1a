// Package packet provides packet parsing and in-place modification for
// the NAT datapath.
package packet

import (
	"encoding/binary"
	"errors"
	"net/netip"
)

// Common errors
var (
	ErrPacketTooShort   = errors.New("packet too short")
	ErrInvalidIPVersion = errors.New("invalid IP version")
	ErrUnsupportedProto = errors.New("unsupported protocol")
)

// Protocol constants
const (
	ProtocolICMP   uint8 = 1
	ProtocolTCP    uint8 = 6
	ProtocolUDP    uint8 = 17
	ProtocolICMPv6 uint8 = 58
)

// TCP flags
const (
	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagPSH = 0x08
	TCPFlagACK = 0x10
	TCPFlagURG = 0x20
)

// ICMP types handled as query exchanges.
const (
	ICMPv4EchoReply   uint8 = 0
	ICMPv4EchoRequest uint8 = 8
	ICMPv6EchoRequest uint8 = 128
	ICMPv6EchoReply   uint8 = 129
)

// IPv4Header represents the fixed part of an IPv4 header.
type IPv4Header struct {
	IHL            uint8 // header length in 32-bit words
	TotalLength    uint16
	Identification uint16
	MoreFragments  bool
	FragmentOffset uint16 // in 8-byte units
	TTL            uint8
	Protocol       uint8
	SrcIP          netip.Addr
	DstIP          netip.Addr
}

// HeaderLength returns the header length in bytes.
func (h *IPv4Header) HeaderLength() int {
	return int(h.IHL) * 4
}

// IPv6Header represents an IPv6 fixed header plus the resolved upper
// layer protocol after any extension headers.
type IPv6Header struct {
	PayloadLength  uint16
	NextHeader     uint8 // upper-layer protocol after extension headers
	HopLimit       uint8
	SrcIP          netip.Addr
	DstIP          netip.Addr
	FragmentID     uint32
	MoreFragments  bool
	FragmentOffset uint16 // in 8-byte units
}

// TCPHeader represents the NAT-relevant part of a TCP header.
type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	Flags   uint8
}

// HasFlag reports whether the given flag bit is set.
func (h *TCPHeader) HasFlag(flag uint8) bool { return h.Flags&flag != 0 }

func (h *TCPHeader) IsSYN() bool { return h.Flags&TCPFlagSYN != 0 && h.Flags&TCPFlagACK == 0 }
func (h *TCPHeader) IsSYNACK() bool {
	return h.Flags&TCPFlagSYN != 0 && h.Flags&TCPFlagACK != 0
}
func (h *TCPHeader) IsFIN() bool { return h.Flags&TCPFlagFIN != 0 }
func (h *TCPHeader) IsRST() bool { return h.Flags&TCPFlagRST != 0 }

// UDPHeader represents a UDP header.
type UDPHeader struct {
	SrcPort uint16
	DstPort uint16
	Length  uint16
}

// ICMPHeader represents an ICMP or ICMPv6 query header.
type ICMPHeader struct {
	Type       uint8
	Code       uint8
	Identifier uint16 // query ID of echo request/reply
}

// IsEchoRequest reports whether this is an echo request (v4 or v6).
func (h *ICMPHeader) IsEchoRequest() bool {
	return h.Type == ICMPv4EchoRequest || h.Type == ICMPv6EchoRequest
}

// IsEchoReply reports whether this is an echo reply (v4 or v6).
func (h *ICMPHeader) IsEchoReply() bool {
	return h.Type == ICMPv4EchoReply || h.Type == ICMPv6EchoReply
}

// IsQuery reports whether the header belongs to a query exchange the
// NAT tracks; error messages are not queries.
func (h *ICMPHeader) IsQuery() bool {
	return h.IsEchoRequest() || h.IsEchoReply()
}

// ParsedPacket is a decoded view over a raw packet buffer. Modifier
// methods mutate Raw in place.
type ParsedPacket struct {
	Raw  []byte
	IPv4 *IPv4Header
	IPv6 *IPv6Header
	TCP  *TCPHeader
	UDP  *UDPHeader
	ICMP *ICMPHeader

	l4Offset int
}

// Protocol returns the upper layer protocol number.
func (p *ParsedPacket) Protocol() uint8 {
	if p.IPv4 != nil {
		return p.IPv4.Protocol
	}
	return p.IPv6.NextHeader
}

// SrcAddr returns the source address.
func (p *ParsedPacket) SrcAddr() netip.Addr {
	if p.IPv4 != nil {
		return p.IPv4.SrcIP
	}
	return p.IPv6.SrcIP
}

// DstAddr returns the destination address.
func (p *ParsedPacket) DstAddr() netip.Addr {
	if p.IPv4 != nil {
		return p.IPv4.DstIP
	}
	return p.IPv6.DstIP
}

// SrcPort returns the transport source port, or the ICMP query ID.
func (p *ParsedPacket) SrcPort() uint16 {
	switch {
	case p.TCP != nil:
		return p.TCP.SrcPort
	case p.UDP != nil:
		return p.UDP.SrcPort
	case p.ICMP != nil:
		return p.ICMP.Identifier
	}
	return 0
}

// DstPort returns the transport destination port, or the ICMP query ID.
func (p *ParsedPacket) DstPort() uint16 {
	switch {
	case p.TCP != nil:
		return p.TCP.DstPort
	case p.UDP != nil:
		return p.UDP.DstPort
	case p.ICMP != nil:
		return p.ICMP.Identifier
	}
	return 0
}

// IsFragment reports whether this packet is any fragment of a larger
// datagram.
func (p *ParsedPacket) IsFragment() bool {
	if p.IPv4 != nil {
		return p.IPv4.MoreFragments || p.IPv4.FragmentOffset != 0
	}
	return p.IPv6.MoreFragments || p.IPv6.FragmentOffset != 0
}

// IsFirstFragment reports whether this is the first fragment (offset
// zero) of a fragmented datagram.
func (p *ParsedPacket) IsFirstFragment() bool {
	if p.IPv4 != nil {
		return p.IPv4.MoreFragments && p.IPv4.FragmentOffset == 0
	}
	return p.IPv6.MoreFragments && p.IPv6.FragmentOffset == 0
}

// FragmentID returns the datagram identification field.
func (p *ParsedPacket) FragmentID() uint32 {
	if p.IPv4 != nil {
		return uint32(p.IPv4.Identification)
	}
	return p.IPv6.FragmentID
}

// Parse decodes an IPv4 or IPv6 packet. Transport headers are decoded
// for TCP, UDP and ICMP query types; other protocols leave the
// transport pointers nil.
func Parse(data []byte) (*ParsedPacket, error) {
	if len(data) < 1 {
		return nil, ErrPacketTooShort
	}
	switch data[0] >> 4 {
	case 4:
		return parseIPv4(data)
	case 6:
		return parseIPv6(data)
	default:
		return nil, ErrInvalidIPVersion
	}
}

func parseIPv4(data []byte) (*ParsedPacket, error) {
	if len(data) < 20 {
		return nil, ErrPacketTooShort
	}

	hdr := &IPv4Header{
		IHL:            data[0] & 0x0F,
		TotalLength:    binary.BigEndian.Uint16(data[2:4]),
		Identification: binary.BigEndian.Uint16(data[4:6]),
		TTL:            data[8],
		Protocol:       data[9],
	}
	flagsFrag := binary.BigEndian.Uint16(data[6:8])
	hdr.MoreFragments = flagsFrag&0x2000 != 0
	hdr.FragmentOffset = flagsFrag & 0x1FFF

	if hdr.IHL < 5 || len(data) < hdr.HeaderLength() {
		return nil, ErrPacketTooShort
	}

	src, _ := netip.AddrFromSlice(data[12:16])
	dst, _ := netip.AddrFromSlice(data[16:20])
	hdr.SrcIP = src
	hdr.DstIP = dst

	p := &ParsedPacket{
		Raw:      data,
		IPv4:     hdr,
		l4Offset: hdr.HeaderLength(),
	}

	// Transport headers live only in the first fragment.
	if hdr.FragmentOffset != 0 {
		return p, nil
	}
	return p, p.parseTransport(hdr.Protocol)
}

func parseIPv6(data []byte) (*ParsedPacket, error) {
	if len(data) < 40 {
		return nil, ErrPacketTooShort
	}

	src, _ := netip.AddrFromSlice(data[8:24])
	dst, _ := netip.AddrFromSlice(data[24:40])
	hdr := &IPv6Header{
		PayloadLength: binary.BigEndian.Uint16(data[4:6]),
		NextHeader:    data[6],
		HopLimit:      data[7],
		SrcIP:         src,
		DstIP:         dst,
	}

	// Walk extension headers to the upper layer.
	next := hdr.NextHeader
	offset := 40
	for {
		switch next {
		case 0, 43, 60: // hop-by-hop, routing, destination options
			if len(data) < offset+8 {
				return nil, ErrPacketTooShort
			}
			next = data[offset]
			offset += (int(data[offset+1]) + 1) * 8
		case 44: // fragment header
			if len(data) < offset+8 {
				return nil, ErrPacketTooShort
			}
			next = data[offset]
			fragField := binary.BigEndian.Uint16(data[offset+2 : offset+4])
			hdr.FragmentOffset = fragField >> 3
			hdr.MoreFragments = fragField&0x1 != 0
			hdr.FragmentID = binary.BigEndian.Uint32(data[offset+4 : offset+8])
			offset += 8
		default:
			hdr.NextHeader = next
			p := &ParsedPacket{
				Raw:      data,
				IPv6:     hdr,
				l4Offset: offset,
			}
			if hdr.FragmentOffset != 0 {
				return p, nil
			}
			return p, p.parseTransport(next)
		}
		if offset > len(data) {
			return nil, ErrPacketTooShort
		}
	}
}

func (p *ParsedPacket) parseTransport(proto uint8) error {
	data := p.Raw
	offset := p.l4Offset

	switch proto {
	case ProtocolTCP:
		if len(data) < offset+20 {
			return ErrPacketTooShort
		}
		p.TCP = &TCPHeader{
			SrcPort: binary.BigEndian.Uint16(data[offset : offset+2]),
			DstPort: binary.BigEndian.Uint16(data[offset+2 : offset+4]),
			Flags:   data[offset+13],
		}
	case ProtocolUDP:
		if len(data) < offset+8 {
			return ErrPacketTooShort
		}
		p.UDP = &UDPHeader{
			SrcPort: binary.BigEndian.Uint16(data[offset : offset+2]),
			DstPort: binary.BigEndian.Uint16(data[offset+2 : offset+4]),
			Length:  binary.BigEndian.Uint16(data[offset+4 : offset+6]),
		}
	case ProtocolICMP, ProtocolICMPv6:
		if len(data) < offset+8 {
			return ErrPacketTooShort
		}
		icmp := &ICMPHeader{
			Type: data[offset],
			Code: data[offset+1],
		}
		if icmp.IsQuery() {
			icmp.Identifier = binary.BigEndian.Uint16(data[offset+4 : offset+6])
		}
		p.ICMP = icmp
	default:
		return ErrUnsupportedProto
	}
	return nil
}
