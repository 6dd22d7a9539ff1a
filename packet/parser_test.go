package packet

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildIPv4(proto uint8, src, dst netip.Addr, payload []byte) []byte {
	pkt := make([]byte, 20+len(payload))
	pkt[0] = 0x45
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	pkt[8] = 64
	pkt[9] = proto
	copy(pkt[12:16], src.AsSlice())
	copy(pkt[16:20], dst.AsSlice())
	binary.BigEndian.PutUint16(pkt[10:12], checksum(pkt[:20], 0))
	copy(pkt[20:], payload)
	return pkt
}

func buildIPv6(proto uint8, src, dst netip.Addr, payload []byte) []byte {
	pkt := make([]byte, 40+len(payload))
	pkt[0] = 0x60
	binary.BigEndian.PutUint16(pkt[4:6], uint16(len(payload)))
	pkt[6] = proto
	pkt[7] = 64
	copy(pkt[8:24], src.AsSlice())
	copy(pkt[24:40], dst.AsSlice())
	copy(pkt[40:], payload)
	return pkt
}

func buildTCP(srcPort, dstPort uint16, flags uint8) []byte {
	seg := make([]byte, 20)
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	seg[12] = 0x50 // data offset 5
	seg[13] = flags
	return seg
}

func buildUDP(srcPort, dstPort uint16, data []byte) []byte {
	seg := make([]byte, 8+len(data))
	binary.BigEndian.PutUint16(seg[0:2], srcPort)
	binary.BigEndian.PutUint16(seg[2:4], dstPort)
	binary.BigEndian.PutUint16(seg[4:6], uint16(len(seg)))
	copy(seg[8:], data)
	return seg
}

func buildEcho(typ uint8, id, seq uint16) []byte {
	seg := make([]byte, 8)
	seg[0] = typ
	binary.BigEndian.PutUint16(seg[4:6], id)
	binary.BigEndian.PutUint16(seg[6:8], seq)
	return seg
}

func TestParseIPv4TCP(t *testing.T) {
	src := netip.MustParseAddr("192.168.1.10")
	dst := netip.MustParseAddr("8.8.8.8")
	pkt, err := Parse(buildIPv4(ProtocolTCP, src, dst, buildTCP(51000, 443, TCPFlagSYN)))
	require.NoError(t, err)

	require.NotNil(t, pkt.IPv4)
	require.NotNil(t, pkt.TCP)
	assert.Equal(t, src, pkt.SrcAddr())
	assert.Equal(t, dst, pkt.DstAddr())
	assert.Equal(t, uint16(51000), pkt.SrcPort())
	assert.Equal(t, uint16(443), pkt.DstPort())
	assert.True(t, pkt.TCP.IsSYN())
	assert.False(t, pkt.TCP.IsSYNACK())
	assert.False(t, pkt.TCP.IsFIN())
	assert.False(t, pkt.TCP.IsRST())
	assert.False(t, pkt.IsFragment())

	synack, err := Parse(buildIPv4(ProtocolTCP, dst, src, buildTCP(443, 51000, TCPFlagSYN|TCPFlagACK)))
	require.NoError(t, err)
	assert.False(t, synack.TCP.IsSYN())
	assert.True(t, synack.TCP.IsSYNACK())
}

func TestParseIPv6UDP(t *testing.T) {
	src := netip.MustParseAddr("fd00::10")
	dst := netip.MustParseAddr("2001:4860:4860::8888")
	pkt, err := Parse(buildIPv6(ProtocolUDP, src, dst, buildUDP(40000, 53, []byte("query"))))
	require.NoError(t, err)

	require.NotNil(t, pkt.IPv6)
	require.NotNil(t, pkt.UDP)
	assert.Equal(t, uint8(ProtocolUDP), pkt.Protocol())
	assert.Equal(t, src, pkt.SrcAddr())
	assert.Equal(t, uint16(40000), pkt.SrcPort())
	assert.Equal(t, uint16(53), pkt.DstPort())
}

func TestParseICMPEcho(t *testing.T) {
	src := netip.MustParseAddr("192.168.1.10")
	dst := netip.MustParseAddr("1.1.1.1")
	pkt, err := Parse(buildIPv4(ProtocolICMP, src, dst, buildEcho(ICMPv4EchoRequest, 1234, 1)))
	require.NoError(t, err)

	require.NotNil(t, pkt.ICMP)
	assert.True(t, pkt.ICMP.IsEchoRequest())
	assert.Equal(t, uint16(1234), pkt.SrcPort())
	assert.Equal(t, uint16(1234), pkt.DstPort())
}

func TestParseIPv4Fragment(t *testing.T) {
	src := netip.MustParseAddr("192.168.1.10")
	dst := netip.MustParseAddr("8.8.8.8")

	raw := buildIPv4(ProtocolUDP, src, dst, buildUDP(40000, 53, nil))
	binary.BigEndian.PutUint16(raw[6:8], 0x2000) // MF set, offset 0
	binary.BigEndian.PutUint16(raw[4:6], 777)
	first, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, first.IsFragment())
	assert.True(t, first.IsFirstFragment())
	assert.Equal(t, uint32(777), first.FragmentID())
	require.NotNil(t, first.UDP)

	raw = buildIPv4(ProtocolUDP, src, dst, make([]byte, 16))
	binary.BigEndian.PutUint16(raw[6:8], 0x0010) // offset 16*8, MF clear
	binary.BigEndian.PutUint16(raw[4:6], 777)
	rest, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, rest.IsFragment())
	assert.False(t, rest.IsFirstFragment())
	assert.Nil(t, rest.UDP, "non-first fragments carry no transport header")
}

func TestParseIPv6FragmentHeader(t *testing.T) {
	src := netip.MustParseAddr("fd00::10")
	dst := netip.MustParseAddr("2001:db8::1")

	frag := make([]byte, 8)
	frag[0] = ProtocolUDP
	binary.BigEndian.PutUint16(frag[2:4], 0x0001) // offset 0, M set
	binary.BigEndian.PutUint32(frag[4:8], 0xDEAD)
	payload := append(frag, buildUDP(40000, 53, nil)...)

	pkt, err := Parse(buildIPv6(44, src, dst, payload))
	require.NoError(t, err)
	assert.True(t, pkt.IsFragment())
	assert.True(t, pkt.IsFirstFragment())
	assert.Equal(t, uint32(0xDEAD), pkt.FragmentID())
	assert.Equal(t, uint8(ProtocolUDP), pkt.Protocol())
	require.NotNil(t, pkt.UDP)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse(nil)
	assert.ErrorIs(t, err, ErrPacketTooShort)

	_, err = Parse([]byte{0x30, 0, 0, 0})
	assert.ErrorIs(t, err, ErrInvalidIPVersion)

	_, err = Parse(make([]byte, 10))
	assert.ErrorIs(t, err, ErrPacketTooShort)

	src := netip.MustParseAddr("10.0.0.1")
	dst := netip.MustParseAddr("10.0.0.2")
	_, err = Parse(buildIPv4(47, src, dst, make([]byte, 8))) // GRE
	assert.ErrorIs(t, err, ErrUnsupportedProto)
}

func TestSetSourceRewritesTCP(t *testing.T) {
	src := netip.MustParseAddr("192.168.1.10")
	dst := netip.MustParseAddr("8.8.8.8")
	ext := netip.MustParseAddr("203.0.113.7")

	pkt, err := Parse(buildIPv4(ProtocolTCP, src, dst, buildTCP(51000, 443, TCPFlagSYN)))
	require.NoError(t, err)
	pkt.SetSource(ext, 20001)

	assert.Equal(t, ext, pkt.SrcAddr())
	assert.Equal(t, uint16(20001), pkt.SrcPort())
	assert.Equal(t, dst, pkt.DstAddr())

	// Checksumming a region with a valid checksum in place folds to zero.
	assert.Equal(t, uint16(0), checksum(pkt.Raw[:20], 0))
	tcpSum := checksum(pkt.Raw[20:], pkt.pseudoHeaderSum(ProtocolTCP, len(pkt.Raw)-20))
	assert.Equal(t, uint16(0), tcpSum)
}

func TestSetDestinationRewritesUDPv6(t *testing.T) {
	src := netip.MustParseAddr("2001:db8::beef")
	dst := netip.MustParseAddr("fd00::1")
	internal := netip.MustParseAddr("fd00::10")

	raw := buildIPv6(ProtocolUDP, src, dst, buildUDP(53, 20005, []byte("answer")))
	// Seed a valid mandatory checksum before the rewrite.
	pkt, err := Parse(raw)
	require.NoError(t, err)
	pkt.updateUDPChecksum()

	pkt.SetDestination(internal, 40000)
	assert.Equal(t, internal, pkt.DstAddr())
	assert.Equal(t, uint16(40000), pkt.DstPort())

	udpSum := checksum(pkt.Raw[40:], pkt.pseudoHeaderSum(ProtocolUDP, len(pkt.Raw)-40))
	assert.Equal(t, uint16(0), udpSum)
}

func TestSetSourceRewritesICMPID(t *testing.T) {
	src := netip.MustParseAddr("192.168.1.10")
	dst := netip.MustParseAddr("1.1.1.1")
	ext := netip.MustParseAddr("203.0.113.7")

	pkt, err := Parse(buildIPv4(ProtocolICMP, src, dst, buildEcho(ICMPv4EchoRequest, 1234, 1)))
	require.NoError(t, err)
	pkt.SetSource(ext, 2001)

	assert.Equal(t, uint16(2001), pkt.ICMP.Identifier)
	assert.Equal(t, uint16(2001), binary.BigEndian.Uint16(pkt.Raw[24:26]))
	icmpSum := checksum(pkt.Raw[20:], 0)
	assert.Equal(t, uint16(0), icmpSum)
}

func TestZeroUDPChecksumPreservedOnIPv4(t *testing.T) {
	src := netip.MustParseAddr("192.168.1.10")
	dst := netip.MustParseAddr("8.8.8.8")

	pkt, err := Parse(buildIPv4(ProtocolUDP, src, dst, buildUDP(40000, 53, nil)))
	require.NoError(t, err)
	pkt.SetSource(netip.MustParseAddr("203.0.113.7"), 20001)

	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(pkt.Raw[26:28]))
}
