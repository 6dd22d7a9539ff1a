package route

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"
)

const defaultDebounce = 500 * time.Millisecond

// AddrMonitor watches the addresses bound to one interface and reports
// the full set whenever it changes. Bursts of kernel updates (DHCP
// renew, RA churn) are debounced into a single report.
type AddrMonitor struct {
	log      zerolog.Logger
	ifIndex  int
	debounce time.Duration
	onChange func([]netip.Addr)

	updates  chan netlink.AddrUpdate
	doneChan chan struct{}
}

// NewAddrMonitor creates a monitor for ifIndex. onChange receives the
// complete current address set, already filtered of loopback and
// link-local addresses.
func NewAddrMonitor(ifIndex int, log zerolog.Logger, onChange func([]netip.Addr)) *AddrMonitor {
	return &AddrMonitor{
		log:      log.With().Int("ifindex", ifIndex).Logger(),
		ifIndex:  ifIndex,
		debounce: defaultDebounce,
		onChange: onChange,
		updates:  make(chan netlink.AddrUpdate, 64),
		doneChan: make(chan struct{}),
	}
}

// Start subscribes to kernel address updates and emits the initial set.
func (m *AddrMonitor) Start() error {
	if err := netlink.AddrSubscribe(m.updates, m.doneChan); err != nil {
		return fmt.Errorf("subscribing to address updates: %w", err)
	}

	addrs, err := m.list()
	if err != nil {
		return err
	}
	m.onChange(addrs)

	go m.loop()
	return nil
}

// Stop cancels the subscription.
func (m *AddrMonitor) Stop() { close(m.doneChan) }

func (m *AddrMonitor) loop() {
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-m.doneChan:
			if timer != nil {
				timer.Stop()
			}
			return
		case update, ok := <-m.updates:
			if !ok {
				return
			}
			if update.LinkIndex != m.ifIndex {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(m.debounce)
				fire = timer.C
			} else {
				if !timer.Stop() {
					<-fire
				}
				timer.Reset(m.debounce)
			}
		case <-fire:
			timer = nil
			fire = nil
			addrs, err := m.list()
			if err != nil {
				m.log.Warn().Err(err).Msg("listing interface addresses failed")
				continue
			}
			m.log.Debug().Int("addrs", len(addrs)).Msg("interface addresses changed")
			m.onChange(addrs)
		}
	}
}

func (m *AddrMonitor) list() ([]netip.Addr, error) {
	link, err := netlink.LinkByIndex(m.ifIndex)
	if err != nil {
		return nil, fmt.Errorf("finding interface %d: %w", m.ifIndex, err)
	}
	nlAddrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
	if err != nil {
		return nil, fmt.Errorf("listing addresses: %w", err)
	}

	addrs := make([]netip.Addr, 0, len(nlAddrs))
	for _, a := range nlAddrs {
		addr, ok := netip.AddrFromSlice(a.IP)
		if !ok {
			continue
		}
		addr = addr.Unmap()
		if addr.IsLoopback() || addr.IsLinkLocalUnicast() {
			continue
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}
