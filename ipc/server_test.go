package ipc

import (
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edge-nat/edgenat/config"
	"github.com/edge-nat/edgenat/nat"
)

func testEngine(t *testing.T) *nat.Engine {
	t.Helper()
	cfg, err := config.Parse([]byte(`
interfaces:
  - if_name: wan0
    nat44: true
    externals:
      - address: 203.0.113.7
`))
	require.NoError(t, err)
	profiles, errs := cfg.Resolve(func(string) (int, error) { return 2, nil })
	require.Empty(t, errs)
	return nat.New(profiles[0])
}

func startServer(t *testing.T, engines ...*nat.Engine) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edgenat.sock")
	srv := NewServer(path, func() []*nat.Engine { return engines }, zerolog.Nop())
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return path
}

func TestStatusRequest(t *testing.T) {
	e := testEngine(t)
	e.Translate(nat.DirectionOutbound, &nat.PacketMeta{
		Protocol: nat.ProtocolUDP,
		Src:      netip.MustParseAddrPort("192.168.1.10:24000"),
		Dst:      netip.MustParseAddrPort("1.2.3.4:53"),
	})
	path := startServer(t, e)

	resp, err := Query(path, Request{Command: CommandStatus})
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Len(t, resp.Interfaces, 1)
	assert.Equal(t, "wan0", resp.Interfaces[0].IfName)
	assert.Contains(t, resp.Interfaces[0].Externals, "203.0.113.7")
	assert.Equal(t, 1, resp.Interfaces[0].Stats.Sessions)
	assert.Equal(t, uint64(1), resp.Interfaces[0].Stats.Translated)
}

func TestSessionsRequest(t *testing.T) {
	e := testEngine(t)
	e.Translate(nat.DirectionOutbound, &nat.PacketMeta{
		Protocol: nat.ProtocolUDP,
		Src:      netip.MustParseAddrPort("192.168.1.10:24000"),
		Dst:      netip.MustParseAddrPort("1.2.3.4:53"),
	})
	path := startServer(t, e)

	resp, err := Query(path, Request{Command: CommandSessions})
	require.NoError(t, err)
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, "udp", resp.Sessions[0].Protocol)
	assert.Equal(t, "192.168.1.10:24000", resp.Sessions[0].Internal)

	// Filtering by an unknown interface yields nothing.
	resp, err = Query(path, Request{Command: CommandSessions, IfName: "wan1"})
	require.NoError(t, err)
	assert.Empty(t, resp.Sessions)
}

func TestFlushRequest(t *testing.T) {
	e := testEngine(t)
	e.Translate(nat.DirectionOutbound, &nat.PacketMeta{
		Protocol: nat.ProtocolUDP,
		Src:      netip.MustParseAddrPort("192.168.1.10:24000"),
		Dst:      netip.MustParseAddrPort("1.2.3.4:53"),
	})
	path := startServer(t, e)

	resp, err := Query(path, Request{Command: CommandFlush})
	require.NoError(t, err)
	assert.Equal(t, 1, resp.Flushed)
	assert.Equal(t, 0, e.Stats().Sessions)
}

func TestUnknownCommand(t *testing.T) {
	path := startServer(t, testEngine(t))

	_, err := Query(path, Request{Command: "bogus"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}
