// Package service wires configuration, engines, packet hooks, policy
// routing and introspection into a runnable daemon, optionally managed
// as a system service.
package service

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"

	"github.com/edge-nat/edgenat/config"
	"github.com/edge-nat/edgenat/hook"
	"github.com/edge-nat/edgenat/ipc"
	"github.com/edge-nat/edgenat/nat"
	"github.com/edge-nat/edgenat/route"
)

// Options configures a daemon run.
type Options struct {
	// ConfigPath is the YAML configuration file; empty means Profiles
	// carries a CLI-built configuration instead.
	ConfigPath string
	// Profiles overrides file loading (single-interface CLI mode).
	Profiles []*config.Profile

	SocketPath    string
	MetricsAddr   string
	WatchInterval time.Duration
	QueueBase     uint16

	Logger zerolog.Logger
}

// instance is the per-interface bundle of moving parts.
type instance struct {
	engine   *nat.Engine
	hook     *hook.Hook
	monitor  *route.AddrMonitor
	hairpin4 *route.HairpinConfigurator
	hairpin6 *route.HairpinConfigurator
}

// Daemon runs NAT for every configured interface.
type Daemon struct {
	opts Options
	log  zerolog.Logger

	mu        sync.Mutex
	instances map[int]*instance // by ifindex
	watcher   *config.Watcher
	ipcServer *ipc.Server
	metrics   *http.Server
	registry  *prometheus.Registry
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewDaemon creates a daemon; Start brings it up.
func NewDaemon(opts Options) *Daemon {
	if opts.QueueBase == 0 {
		opts.QueueBase = hook.DefaultConfig().QueueOutbound
	}
	if opts.WatchInterval == 0 {
		opts.WatchInterval = 5 * time.Second
	}
	return &Daemon{
		opts:      opts,
		log:       opts.Logger,
		instances: make(map[int]*instance),
	}
}

// Start resolves the configuration and brings up every interface.
func (d *Daemon) Start() error {
	profiles := d.opts.Profiles
	if d.opts.ConfigPath != "" {
		cfg, err := config.Load(d.opts.ConfigPath)
		if err != nil {
			return err
		}
		var errs []error
		profiles, errs = cfg.Resolve(nil)
		for _, err := range errs {
			d.log.Error().Err(err).Msg("interface configuration rejected")
		}
	}
	if len(profiles) == 0 {
		return fmt.Errorf("no usable interface configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	d.registry = prometheus.NewRegistry()
	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	for i, profile := range profiles {
		inst, err := d.startInstance(ctx, profile, uint16(i*2))
		if err != nil {
			d.Stop()
			return fmt.Errorf("interface %s: %w", profile.IfName, err)
		}
		d.mu.Lock()
		d.instances[profile.IfIndex] = inst
		d.mu.Unlock()
	}

	d.ipcServer = ipc.NewServer(d.opts.SocketPath, d.engines, d.log)
	if err := d.ipcServer.Start(); err != nil {
		d.Stop()
		return err
	}

	if d.opts.MetricsAddr != "" {
		d.startMetrics()
	}

	if d.opts.ConfigPath != "" {
		d.watcher = config.NewWatcher(d.opts.ConfigPath, d.opts.WatchInterval, nil, d.applyProfiles)
		if err := d.watcher.Start(); err != nil {
			d.log.Warn().Err(err).Msg("config watcher disabled")
			d.watcher = nil
		}
	}

	d.log.Info().Int("interfaces", len(profiles)).Msg("daemon started")
	return nil
}

func (d *Daemon) startInstance(ctx context.Context, profile *config.Profile, queueOffset uint16) (*instance, error) {
	engine := nat.New(profile,
		nat.WithLogger(d.log),
		nat.WithMetrics(d.registry),
	)
	engine.Start()

	inst := &instance{engine: engine}
	if profile.NAT44 && profile.Hairpin4.Enable {
		inst.hairpin4 = route.NewHairpinConfigurator(profile.Hairpin4, netlink.FAMILY_V4, d.log)
	}
	if profile.NAT66 && profile.Hairpin6.Enable {
		inst.hairpin6 = route.NewHairpinConfigurator(profile.Hairpin6, netlink.FAMILY_V6, d.log)
	}

	inst.monitor = route.NewAddrMonitor(profile.IfIndex, d.log, func(addrs []netip.Addr) {
		engine.SetBoundAddresses(addrs)
		d.reapplyHairpin(inst)
	})
	if err := inst.monitor.Start(); err != nil {
		engine.Stop()
		return nil, err
	}

	hookCfg := hook.DefaultConfig()
	hookCfg.QueueOutbound = d.opts.QueueBase + queueOffset
	hookCfg.QueueInbound = d.opts.QueueBase + queueOffset + 1
	inst.hook = hook.New(engine, hookCfg, d.log)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := inst.hook.Run(ctx); err != nil && ctx.Err() == nil {
			d.log.Error().Err(err).Str("interface", profile.IfName).Msg("packet hook stopped")
		}
	}()

	return inst, nil
}

func (d *Daemon) reapplyHairpin(inst *instance) {
	externals := inst.engine.ExternalAddrs()
	if inst.hairpin4 != nil {
		if err := inst.hairpin4.Apply(externals); err != nil {
			d.log.Error().Err(err).Msg("applying IPv4 hairpin routing failed")
		}
	}
	if inst.hairpin6 != nil {
		if err := inst.hairpin6.Apply(externals); err != nil {
			d.log.Error().Err(err).Msg("applying IPv6 hairpin routing failed")
		}
	}
}

// applyProfiles is the watcher callback: swap profiles into running
// engines. Interfaces added or removed by the reload need a restart.
func (d *Daemon) applyProfiles(profiles []*config.Profile) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[int]bool)
	for _, profile := range profiles {
		seen[profile.IfIndex] = true
		inst, ok := d.instances[profile.IfIndex]
		if !ok {
			d.log.Warn().Str("interface", profile.IfName).Msg("new interface in config needs a restart")
			continue
		}
		inst.engine.SetProfile(profile)
		d.reapplyHairpin(inst)
	}
	for ifIndex := range d.instances {
		if !seen[ifIndex] {
			d.log.Warn().Int("ifindex", ifIndex).Msg("interface removed from config needs a restart")
		}
	}
	return nil
}

func (d *Daemon) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
	d.metrics = &http.Server{Addr: d.opts.MetricsAddr, Handler: mux}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	d.log.Info().Str("addr", d.opts.MetricsAddr).Msg("metrics server listening")
}

func (d *Daemon) engines() []*nat.Engine {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*nat.Engine, 0, len(d.instances))
	for _, inst := range d.instances {
		out = append(out, inst.engine)
	}
	return out
}

// Stop tears everything down in reverse order.
func (d *Daemon) Stop() {
	if d.watcher != nil {
		d.watcher.Stop()
		d.watcher = nil
	}
	if d.ipcServer != nil {
		d.ipcServer.Stop()
		d.ipcServer = nil
	}
	if d.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		d.metrics.Shutdown(ctx)
		cancel()
		d.metrics = nil
	}
	if d.cancel != nil {
		d.cancel()
	}

	d.mu.Lock()
	for _, inst := range d.instances {
		inst.monitor.Stop()
		if inst.hairpin4 != nil {
			inst.hairpin4.Remove()
		}
		if inst.hairpin6 != nil {
			inst.hairpin6.Remove()
		}
		inst.engine.Stop()
	}
	d.instances = make(map[int]*instance)
	d.mu.Unlock()

	d.wg.Wait()
	d.log.Info().Msg("daemon stopped")
}
