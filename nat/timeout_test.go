package nat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/edge-nat/edgenat/config"
)

var testPolicy = config.TimeoutPolicy{
	Fragment:   2 * time.Second,
	PktMin:     60 * time.Second,
	PktDefault: 300 * time.Second,
	TCPTrans:   240 * time.Second,
	TCPEst:     7440 * time.Second,
}

func TestLifetimeClasses(t *testing.T) {
	assert.Equal(t, testPolicy.TCPTrans, lifetime(&testPolicy, ProtocolTCP, StatePending))
	assert.Equal(t, testPolicy.TCPTrans, lifetime(&testPolicy, ProtocolTCP, StateClosing))
	assert.Equal(t, testPolicy.TCPEst, lifetime(&testPolicy, ProtocolTCP, StateEstablished))
	assert.Equal(t, testPolicy.PktDefault, lifetime(&testPolicy, ProtocolUDP, StateActive))
	assert.Equal(t, testPolicy.PktDefault, lifetime(&testPolicy, ProtocolICMP, StateActive))
}

func TestLifetimeFloorsAtPktMin(t *testing.T) {
	policy := testPolicy
	policy.PktDefault = 10 * time.Second
	assert.Equal(t, policy.PktMin, lifetime(&policy, ProtocolUDP, StateActive))
}

func newTCPBinding() *Binding {
	b := &Binding{Proto: ProtocolTCP}
	b.state.Store(int32(StatePending))
	return b
}

func TestAdvanceTCPState(t *testing.T) {
	b := newTCPBinding()

	// Outbound retransmitted SYN changes nothing.
	assert.Equal(t, StatePending, advanceTCPState(b, DirectionOutbound, TCPFlags{SYN: true}))

	// Inbound SYN-ACK completes the handshake.
	assert.Equal(t, StateEstablished, advanceTCPState(b, DirectionInbound, TCPFlags{SYN: true, ACK: true}))

	// Plain data keeps it established.
	assert.Equal(t, StateEstablished, advanceTCPState(b, DirectionOutbound, TCPFlags{ACK: true}))

	// FIN demotes either direction.
	assert.Equal(t, StateClosing, advanceTCPState(b, DirectionOutbound, TCPFlags{FIN: true, ACK: true}))
}

func TestAdvanceTCPStateRST(t *testing.T) {
	b := newTCPBinding()
	assert.Equal(t, StateClosing, advanceTCPState(b, DirectionInbound, TCPFlags{RST: true}))
}

func TestAdvanceTCPStateInboundDataPromotes(t *testing.T) {
	// A pending binding seeing inbound data means the handshake
	// happened while we were not looking.
	b := newTCPBinding()
	assert.Equal(t, StateEstablished, advanceTCPState(b, DirectionInbound, TCPFlags{ACK: true}))
}

func TestAdvanceTCPStateExpiredStays(t *testing.T) {
	b := newTCPBinding()
	b.state.Store(int32(StateExpired))
	assert.Equal(t, StateExpired, advanceTCPState(b, DirectionInbound, TCPFlags{SYN: true, ACK: true}))
}
