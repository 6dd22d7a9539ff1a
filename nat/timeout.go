package nat

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/edge-nat/edgenat/config"
)

// lifetime returns the refresh deadline class for a binding in its
// current state.
func lifetime(policy *config.TimeoutPolicy, proto uint8, state State) time.Duration {
	if proto == ProtocolTCP {
		switch state {
		case StateEstablished:
			return policy.TCPEst
		default:
			// Pending and closing share the transitory class.
			return policy.TCPTrans
		}
	}
	d := policy.PktDefault
	if policy.PktMin > d {
		d = policy.PktMin
	}
	return d
}

// advanceTCPState applies one packet's flags to a TCP binding and
// returns the state the lifetime should be classed on.
//
// Outbound SYN keeps the binding pending; the inbound SYN-ACK promotes
// it to established. FIN or RST from either side demotes to closing so
// the mapping drains on the short transitory timeout.
func advanceTCPState(b *Binding, dir Direction, flags TCPFlags) State {
	cur := b.State()
	if cur == StateExpired {
		return cur
	}

	switch {
	case flags.RST, flags.FIN:
		b.state.CompareAndSwap(int32(cur), int32(StateClosing))
	case flags.SYN && flags.ACK && dir == DirectionInbound:
		if cur == StatePending {
			b.state.CompareAndSwap(int32(StatePending), int32(StateEstablished))
		}
	case flags.ACK && !flags.SYN:
		// Data on a pending binding means the handshake completed out
		// of our sight (e.g. after a reload); promote it.
		if cur == StatePending && dir == DirectionInbound {
			b.state.CompareAndSwap(int32(StatePending), int32(StateEstablished))
		}
	}
	return b.State()
}

// refresh advances TCP state if applicable, restarts the expiry clock
// with the right class and accounts the packet.
func refresh(b *Binding, policy *config.TimeoutPolicy, dir Direction, flags TCPFlags, now time.Time, bytes int) {
	state := b.State()
	if b.Proto == ProtocolTCP {
		state = advanceTCPState(b, dir, flags)
	}
	b.touch(now, lifetime(policy, b.Proto, state))
	b.account(dir, bytes)
}

// sweeper expires idle bindings in the background, complementing the
// lazy removal done on lookup.
type sweeper struct {
	table    *Table
	interval time.Duration
	now      func() time.Time
	log      zerolog.Logger
	onSwept  func(removed int)
	stopChan chan struct{}
}

func newSweeper(table *Table, interval time.Duration, now func() time.Time, log zerolog.Logger, onSwept func(int)) *sweeper {
	return &sweeper{
		table:    table,
		interval: interval,
		now:      now,
		log:      log,
		onSwept:  onSwept,
		stopChan: make(chan struct{}),
	}
}

func (s *sweeper) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if n := s.table.Sweep(s.now()); n > 0 {
				if s.onSwept != nil {
					s.onSwept(n)
				}
				s.log.Debug().Int("removed", n).Int("remaining", s.table.Len()).Msg("swept expired bindings")
			}
		}
	}
}

func (s *sweeper) stop() { close(s.stopChan) }
