package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/edge-nat/edgenat/config"
	"github.com/edge-nat/edgenat/ipc"
	"github.com/edge-nat/edgenat/service"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "edgenat",
		Usage:   "userspace NAT44/NAT66 gateway with endpoint-independent mapping",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML configuration `FILE`",
			},
			&cli.StringFlag{
				Name:    "ifname",
				Aliases: []string{"i"},
				Usage:   "external interface `NAME` (single-interface mode)",
			},
			&cli.IntFlag{
				Name:  "ifindex",
				Usage: "external interface index (single-interface mode)",
			},
			&cli.BoolFlag{
				Name:  "nat44",
				Usage: "enable IPv4 NAT",
			},
			&cli.BoolFlag{
				Name:  "nat66",
				Usage: "enable IPv6 NAT",
			},
			&cli.StringFlag{
				Name:  "ports",
				Usage: "TCP/UDP port `RANGE` for mappings, e.g. 20000-29999",
			},
			&cli.StringSliceFlag{
				Name:  "hairpin-if",
				Usage: "internal interface `NAME` to hairpin (repeatable)",
			},
			&cli.StringFlag{
				Name:  "socket",
				Value: ipc.DefaultSocketPath,
				Usage: "introspection socket `PATH`",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Prometheus listen `ADDR`, e.g. 127.0.0.1:9343",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "trace, debug, info, warn or error",
			},
		},
		Action: runDaemon,
		Commands: []*cli.Command{
			{
				Name:  "status",
				Usage: "show per-interface NAT status",
				Action: func(c *cli.Context) error {
					return showStatus(c.String("socket"))
				},
			},
			{
				Name:  "sessions",
				Usage: "list live NAT sessions",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "interface", Usage: "limit to one interface"},
				},
				Action: func(c *cli.Context) error {
					return showSessions(c.String("socket"), c.String("interface"))
				},
			},
			{
				Name:  "flush",
				Usage: "drop all NAT sessions",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "interface", Usage: "limit to one interface"},
				},
				Action: func(c *cli.Context) error {
					resp, err := ipc.Query(c.String("socket"), ipc.Request{
						Command: ipc.CommandFlush,
						IfName:  c.String("interface"),
					})
					if err != nil {
						return err
					}
					fmt.Printf("flushed %d sessions\n", resp.Flushed)
					return nil
				},
			},
			{
				Name:  "service",
				Usage: "manage the system service",
				Subcommands: []*cli.Command{
					serviceCommand("install"),
					serviceCommand("uninstall"),
					serviceCommand("start"),
					serviceCommand("stop"),
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("edgenat failed")
	}
}

func serviceCommand(action string) *cli.Command {
	return &cli.Command{
		Name:  action,
		Usage: action + " the edgenat service",
		Action: func(*cli.Context) error {
			return service.Control(action)
		},
	}
}

func runDaemon(c *cli.Context) error {
	level, err := zerolog.ParseLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("invalid log level %q", c.String("log-level"))
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
	log.Logger = logger

	opts := service.Options{
		SocketPath:  c.String("socket"),
		MetricsAddr: c.String("metrics-addr"),
		Logger:      logger,
	}

	cliMode := c.IsSet("ifname") || c.IsSet("ifindex") ||
		c.IsSet("nat44") || c.IsSet("nat66") || c.IsSet("ports") || c.IsSet("hairpin-if")

	switch {
	case c.IsSet("config") && cliMode:
		return fmt.Errorf("a config file and interface flags cannot be combined")
	case c.IsSet("config"):
		opts.ConfigPath = c.String("config")
	case cliMode:
		profiles, err := profilesFromFlags(c)
		if err != nil {
			return err
		}
		opts.Profiles = profiles
	default:
		return fmt.Errorf("either --config or --ifname/--ifindex is required")
	}

	return service.Run(opts)
}

// profilesFromFlags builds a single-interface configuration equivalent
// to a minimal config file with default externals.
func profilesFromFlags(c *cli.Context) ([]*config.Profile, error) {
	cfg := config.DefaultConfig()

	if ports := c.String("ports"); ports != "" {
		cfg.Defaults.TCPRanges = []string{ports}
		cfg.Defaults.UDPRanges = []string{ports}
	}

	iface := config.Interface{
		IfName:           c.String("ifname"),
		IfIndex:          c.Int("ifindex"),
		NAT44:            c.Bool("nat44"),
		NAT66:            c.Bool("nat66"),
		DefaultExternals: true,
	}
	if !iface.NAT44 && !iface.NAT66 {
		iface.NAT44 = true
	}
	if hairpinIfs := c.StringSlice("hairpin-if"); len(hairpinIfs) > 0 {
		iface.HairpinIPv4.InternalIfNames = hairpinIfs
		iface.HairpinIPv6.InternalIfNames = hairpinIfs
	}
	cfg.Interfaces = []config.Interface{iface}

	profiles, errs := cfg.Resolve(nil)
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return profiles, nil
}

func showStatus(socket string) error {
	resp, err := ipc.Query(socket, ipc.Request{Command: ipc.CommandStatus})
	if err != nil {
		return err
	}
	for _, iface := range resp.Interfaces {
		fmt.Printf("%s:\n", iface.IfName)
		fmt.Printf("  externals:  %v\n", iface.Externals)
		fmt.Printf("  sessions:   %d\n", iface.Stats.Sessions)
		fmt.Printf("  translated: %d\n", iface.Stats.Translated)
		fmt.Printf("  passed:     %d\n", iface.Stats.Passed)
		fmt.Printf("  bypassed:   %d\n", iface.Stats.Bypassed)
		fmt.Printf("  dropped:    %d\n", iface.Stats.Dropped)
	}
	return nil
}

func showSessions(socket, ifName string) error {
	resp, err := ipc.Query(socket, ipc.Request{
		Command: ipc.CommandSessions,
		IfName:  ifName,
	})
	if err != nil {
		return err
	}
	if len(resp.Sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}
	fmt.Printf("%-6s %-28s %-28s %-12s %10s %10s\n",
		"PROTO", "INTERNAL", "EXTERNAL", "STATE", "PKTS OUT", "PKTS IN")
	for _, s := range resp.Sessions {
		fmt.Printf("%-6s %-28s %-28s %-12s %10d %10d\n",
			s.Protocol, s.Internal, s.External, s.State, s.PktsOut, s.PktsIn)
	}
	return nil
}
