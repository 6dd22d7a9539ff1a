// Package hook attaches the translation engine to the kernel via
// NFQUEUE: one queue for egress, one for ingress. Iptables (or
// nftables) directs the interface's traffic into the queues; the hook
// parses each packet, asks the engine for a verdict and reinjects.
package hook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/florianl/go-nfqueue"
	"github.com/rs/zerolog"

	"github.com/edge-nat/edgenat/nat"
	"github.com/edge-nat/edgenat/packet"
)

// Config selects the queue numbers the hook binds to.
type Config struct {
	QueueOutbound uint16
	QueueInbound  uint16
	MaxQueueLen   uint32
}

// DefaultConfig returns the default queue numbers.
func DefaultConfig() Config {
	return Config{
		QueueOutbound: 210,
		QueueInbound:  211,
		MaxQueueLen:   1024,
	}
}

// Hook binds an engine to a pair of NFQUEUE queues.
type Hook struct {
	cfg    Config
	engine *nat.Engine
	log    zerolog.Logger

	ifNameMu    sync.Mutex
	ifNameCache map[uint32]string
}

// New creates a hook for one engine.
func New(engine *nat.Engine, cfg Config, log zerolog.Logger) *Hook {
	return &Hook{
		cfg:         cfg,
		engine:      engine,
		log:         log,
		ifNameCache: make(map[uint32]string),
	}
}

// Run opens both queues and processes packets until ctx is cancelled.
func (h *Hook) Run(ctx context.Context) error {
	out, err := h.open(ctx, h.cfg.QueueOutbound, nat.DirectionOutbound)
	if err != nil {
		return err
	}
	defer out.Close()

	in, err := h.open(ctx, h.cfg.QueueInbound, nat.DirectionInbound)
	if err != nil {
		return err
	}
	defer in.Close()

	h.log.Info().
		Uint16("queue_out", h.cfg.QueueOutbound).
		Uint16("queue_in", h.cfg.QueueInbound).
		Msg("packet hook attached")

	<-ctx.Done()
	return ctx.Err()
}

func (h *Hook) open(ctx context.Context, queue uint16, dir nat.Direction) (*nfqueue.Nfqueue, error) {
	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      queue,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  h.cfg.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("opening nfqueue %d: %w", queue, err)
	}

	fn := func(a nfqueue.Attribute) int {
		h.handle(nf, a, dir)
		return 0
	}
	errFn := func(err error) int {
		h.log.Warn().Err(err).Uint16("queue", queue).Msg("nfqueue error")
		return 0
	}
	if err := nf.RegisterWithErrorFunc(ctx, fn, errFn); err != nil {
		nf.Close()
		return nil, fmt.Errorf("registering on nfqueue %d: %w", queue, err)
	}
	return nf, nil
}

func (h *Hook) handle(nf *nfqueue.Nfqueue, a nfqueue.Attribute, dir nat.Direction) {
	if a.PacketID == nil || a.Payload == nil {
		return
	}
	id := *a.PacketID

	pkt, err := packet.Parse(*a.Payload)
	if err != nil {
		if errors.Is(err, packet.ErrUnsupportedProto) {
			// Not something we translate; let the kernel route it.
			nf.SetVerdict(id, nfqueue.NfAccept)
			return
		}
		// Truncated or unparseable headers are never forwarded.
		h.engine.DropMalformed(dir)
		nf.SetVerdict(id, nfqueue.NfDrop)
		return
	}

	meta := h.buildMeta(pkt, a)
	decision := h.engine.Translate(dir, meta)

	switch decision.Action {
	case nat.ActionTranslate:
		if decision.RewriteSrc {
			srcPort := pkt.SrcPort()
			if decision.NewSrc.Port() != 0 {
				srcPort = decision.NewSrc.Port()
			}
			pkt.SetSource(decision.NewSrc.Addr(), srcPort)
		}
		if decision.RewriteDst {
			dstPort := pkt.DstPort()
			if decision.NewDst.Port() != 0 {
				dstPort = decision.NewDst.Port()
			}
			pkt.SetDestination(decision.NewDst.Addr(), dstPort)
		}
		nf.SetVerdictModPacket(id, nfqueue.NfAccept, pkt.Raw)
	case nat.ActionPass, nat.ActionBypass:
		nf.SetVerdict(id, nfqueue.NfAccept)
	case nat.ActionDrop:
		nf.SetVerdict(id, nfqueue.NfDrop)
	}
}

func (h *Hook) buildMeta(pkt *packet.ParsedPacket, a nfqueue.Attribute) *nat.PacketMeta {
	meta := &nat.PacketMeta{
		Protocol:      pkt.Protocol(),
		Src:           addrPort(pkt.SrcAddr(), pkt.SrcPort()),
		Dst:           addrPort(pkt.DstAddr(), pkt.DstPort()),
		Fragment:      pkt.IsFragment(),
		FirstFragment: pkt.IsFirstFragment(),
		FragmentID:    pkt.FragmentID(),
		Length:        len(pkt.Raw),
	}
	if pkt.TCP != nil {
		meta.TCP = nat.TCPFlags{
			SYN: pkt.TCP.HasFlag(packet.TCPFlagSYN),
			ACK: pkt.TCP.HasFlag(packet.TCPFlagACK),
			FIN: pkt.TCP.HasFlag(packet.TCPFlagFIN),
			RST: pkt.TCP.HasFlag(packet.TCPFlagRST),
		}
	}
	if pkt.ICMP != nil {
		meta.ICMPQuery = pkt.ICMP.IsQuery()
		meta.EchoRequest = pkt.ICMP.IsEchoRequest()
	}
	if a.InDev != nil {
		meta.InIfName = h.ifName(*a.InDev)
	}
	return meta
}

func addrPort(addr netip.Addr, port uint16) netip.AddrPort {
	return netip.AddrPortFrom(addr.Unmap(), port)
}

// ifName resolves an interface index to its name, cached; hairpin
// admission checks the ingress interface on every packet.
func (h *Hook) ifName(index uint32) string {
	h.ifNameMu.Lock()
	defer h.ifNameMu.Unlock()
	if name, ok := h.ifNameCache[index]; ok {
		return name
	}
	iface, err := net.InterfaceByIndex(int(index))
	if err != nil {
		return ""
	}
	h.ifNameCache[index] = iface.Name
	return iface.Name
}
