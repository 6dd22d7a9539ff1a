package nat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edge-nat/edgenat/config"
)

func ranges(t *testing.T, specs ...string) config.RangeList {
	t.Helper()
	out := make([]config.PortRange, 0, len(specs))
	for _, s := range specs {
		r, err := config.ParsePortRange(s)
		require.NoError(t, err)
		out = append(out, r)
	}
	return config.RangeList(out)
}

func TestPoolPortPreservation(t *testing.T) {
	p := newPortPool(ranges(t, "20000-20009"))

	port, err := p.claim(20005)
	require.NoError(t, err)
	assert.Equal(t, uint16(20005), port)

	// Preferred port already taken: a different one comes back.
	port, err = p.claim(20005)
	require.NoError(t, err)
	assert.NotEqual(t, uint16(20005), port)
	assert.True(t, p.ranges.Contains(port))
}

func TestPoolPreferredOutsideRanges(t *testing.T) {
	p := newPortPool(ranges(t, "20000-20009"))

	port, err := p.claim(443)
	require.NoError(t, err)
	assert.True(t, p.ranges.Contains(port))
}

func TestPoolCursorSpreadsAllocations(t *testing.T) {
	p := newPortPool(ranges(t, "20000-20003"))

	seen := make(map[uint16]bool)
	for i := 0; i < 4; i++ {
		port, err := p.claim(0)
		require.NoError(t, err)
		assert.False(t, seen[port], "port %d handed out twice", port)
		seen[port] = true
	}
	assert.Len(t, seen, 4)
}

func TestPoolExhaustionAndRelease(t *testing.T) {
	p := newPortPool(ranges(t, "30000-30001"))

	a, err := p.claim(0)
	require.NoError(t, err)
	_, err = p.claim(0)
	require.NoError(t, err)

	_, err = p.claim(0)
	assert.ErrorIs(t, err, ErrPortExhausted)

	p.release(a)
	got, err := p.claim(0)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestPoolMultipleRanges(t *testing.T) {
	p := newPortPool(ranges(t, "100-101", "200-201"))

	var got []uint16
	for i := 0; i < 4; i++ {
		port, err := p.claim(0)
		require.NoError(t, err)
		got = append(got, port)
	}
	assert.ElementsMatch(t, []uint16{100, 101, 200, 201}, got)

	_, err := p.claim(0)
	assert.ErrorIs(t, err, ErrPortExhausted)
}

func TestPoolDoubleReleaseHarmless(t *testing.T) {
	p := newPortPool(ranges(t, "100-101"))
	port, err := p.claim(0)
	require.NoError(t, err)

	p.release(port)
	p.release(port)
	assert.Equal(t, 0, p.inUse())
}
