package packet

import (
	"encoding/binary"
	"net/netip"
)

// SetSource rewrites the source address and source port (or ICMP query
// ID) in place and recomputes the affected checksums.
func (p *ParsedPacket) SetSource(addr netip.Addr, port uint16) {
	if p.IPv4 != nil {
		copy(p.Raw[12:16], addr.AsSlice())
		p.IPv4.SrcIP = addr
	} else {
		copy(p.Raw[8:24], addr.AsSlice())
		p.IPv6.SrcIP = addr
	}
	p.setPort(port, true)
	p.updateChecksums()
}

// SetDestination rewrites the destination address and destination port
// (or ICMP query ID) in place and recomputes the affected checksums.
func (p *ParsedPacket) SetDestination(addr netip.Addr, port uint16) {
	if p.IPv4 != nil {
		copy(p.Raw[16:20], addr.AsSlice())
		p.IPv4.DstIP = addr
	} else {
		copy(p.Raw[24:40], addr.AsSlice())
		p.IPv6.DstIP = addr
	}
	p.setPort(port, false)
	p.updateChecksums()
}

func (p *ParsedPacket) setPort(port uint16, source bool) {
	off := p.l4Offset
	switch {
	case p.TCP != nil:
		if source {
			binary.BigEndian.PutUint16(p.Raw[off:off+2], port)
			p.TCP.SrcPort = port
		} else {
			binary.BigEndian.PutUint16(p.Raw[off+2:off+4], port)
			p.TCP.DstPort = port
		}
	case p.UDP != nil:
		if source {
			binary.BigEndian.PutUint16(p.Raw[off:off+2], port)
			p.UDP.SrcPort = port
		} else {
			binary.BigEndian.PutUint16(p.Raw[off+2:off+4], port)
			p.UDP.DstPort = port
		}
	case p.ICMP != nil:
		// The query ID is the same field in both directions.
		if p.ICMP.IsQuery() {
			binary.BigEndian.PutUint16(p.Raw[off+4:off+6], port)
			p.ICMP.Identifier = port
		}
	}
}

func (p *ParsedPacket) updateChecksums() {
	if p.IPv4 != nil {
		p.updateIPv4Checksum()
	}
	// The transport checksum spans the whole datagram; with only a
	// fragment in hand it cannot be recomputed here.
	if p.IsFragment() {
		return
	}
	switch {
	case p.TCP != nil:
		p.updateTransportChecksum(ProtocolTCP, p.l4Offset+16)
	case p.UDP != nil:
		p.updateUDPChecksum()
	case p.ICMP != nil:
		p.updateICMPChecksum()
	}
}

func (p *ParsedPacket) updateIPv4Checksum() {
	hlen := p.IPv4.HeaderLength()
	p.Raw[10] = 0
	p.Raw[11] = 0
	sum := checksum(p.Raw[:hlen], 0)
	binary.BigEndian.PutUint16(p.Raw[10:12], sum)
}

func (p *ParsedPacket) updateTransportChecksum(proto uint8, csumOffset int) {
	payload := p.Raw[p.l4Offset:]
	p.Raw[csumOffset] = 0
	p.Raw[csumOffset+1] = 0
	sum := checksum(payload, p.pseudoHeaderSum(proto, len(payload)))
	binary.BigEndian.PutUint16(p.Raw[csumOffset:csumOffset+2], sum)
}

func (p *ParsedPacket) updateUDPChecksum() {
	csumOffset := p.l4Offset + 6
	// A zero UDP checksum over IPv4 means "not computed"; keep it that
	// way. Over IPv6 the checksum is mandatory.
	if p.IPv4 != nil && p.Raw[csumOffset] == 0 && p.Raw[csumOffset+1] == 0 {
		return
	}
	payload := p.Raw[p.l4Offset:]
	p.Raw[csumOffset] = 0
	p.Raw[csumOffset+1] = 0
	sum := checksum(payload, p.pseudoHeaderSum(ProtocolUDP, len(payload)))
	if sum == 0 {
		sum = 0xFFFF
	}
	binary.BigEndian.PutUint16(p.Raw[csumOffset:csumOffset+2], sum)
}

func (p *ParsedPacket) updateICMPChecksum() {
	csumOffset := p.l4Offset + 2
	payload := p.Raw[p.l4Offset:]
	p.Raw[csumOffset] = 0
	p.Raw[csumOffset+1] = 0

	// ICMPv6 includes a pseudo header in its checksum; ICMPv4 does not.
	var initial uint32
	if p.IPv6 != nil {
		initial = p.pseudoHeaderSum(ProtocolICMPv6, len(payload))
	}
	sum := checksum(payload, initial)
	binary.BigEndian.PutUint16(p.Raw[csumOffset:csumOffset+2], sum)
}

func (p *ParsedPacket) pseudoHeaderSum(proto uint8, l4len int) uint32 {
	var sum uint32
	if p.IPv4 != nil {
		sum += sumBytes(p.Raw[12:20]) // src + dst
	} else {
		sum += sumBytes(p.Raw[8:40]) // src + dst
	}
	sum += uint32(proto)
	sum += uint32(l4len)
	return sum
}

func sumBytes(b []byte) uint32 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	return sum
}

// checksum computes the ones-complement Internet checksum over data,
// seeded with initial (pseudo header sum).
func checksum(data []byte, initial uint32) uint16 {
	sum := initial + sumBytes(data)
	for sum > 0xFFFF {
		sum = (sum >> 16) + (sum & 0xFFFF)
	}
	return ^uint16(sum)
}
