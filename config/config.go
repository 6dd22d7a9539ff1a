// Package config handles parsing, validation and resolution of edgenat
// configuration into immutable per-interface NAT profiles.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxPortRanges is the maximum number of ranges in a merged port range list.
const MaxPortRanges = 4

// Duration wraps time.Duration for YAML parsing ("2s", "124m", ...).
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// PortRange is an inclusive port (or ICMP query ID) range.
type PortRange struct {
	Start uint16
	End   uint16
}

// ParsePortRange parses "start-end" or a single port "n".
func ParsePortRange(s string) (PortRange, error) {
	s = strings.TrimSpace(s)
	if start, end, ok := strings.Cut(s, "-"); ok {
		lo, err := strconv.ParseUint(strings.TrimSpace(start), 10, 16)
		if err != nil {
			return PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
		}
		hi, err := strconv.ParseUint(strings.TrimSpace(end), 10, 16)
		if err != nil {
			return PortRange{}, fmt.Errorf("invalid port range %q: %w", s, err)
		}
		if hi < lo {
			return PortRange{}, fmt.Errorf("invalid port range %q: end before start", s)
		}
		return PortRange{Start: uint16(lo), End: uint16(hi)}, nil
	}
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port %q: %w", s, err)
	}
	return PortRange{Start: uint16(port), End: uint16(port)}, nil
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// HairpinRoute configures hairpin policy routing for one address family.
type HairpinRoute struct {
	Enable          *bool    `yaml:"enable"`
	InternalIfNames []string `yaml:"internal_if_names"`
	IPProtocols     []string `yaml:"ip_protocols"`
	IPRulePref      *uint32  `yaml:"ip_rule_pref"`
	TableID         *uint32  `yaml:"table_id"`
}

// External declares one candidate external address, either static
// ("address") or matched against addresses bound to the interface
// ("match": CIDR or "start-end" address range). Declaration order is
// selection priority.
type External struct {
	Address   string `yaml:"address,omitempty"`
	Match     string `yaml:"match,omitempty"`
	NoSNAT    bool   `yaml:"no_snat"`
	NoHairpin bool   `yaml:"no_hairpin"`

	// Per-address overrides of the default port ranges. Nil means
	// "use defaults"; an explicit empty list disables NAT for that
	// protocol on this address.
	TCPRanges     []string `yaml:"tcp_ranges"`
	UDPRanges     []string `yaml:"udp_ranges"`
	ICMPRanges    []string `yaml:"icmp_ranges"`
	ICMPInRanges  []string `yaml:"icmp_in_ranges"`
	ICMPOutRanges []string `yaml:"icmp_out_ranges"`
}

// Interface configures NAT on one external network interface.
type Interface struct {
	IfName  string `yaml:"if_name"`
	IfIndex int    `yaml:"if_index"`

	NAT44 bool `yaml:"nat44"`
	NAT66 bool `yaml:"nat66"`

	// DefaultExternals appends an implicit match-any external per
	// enabled family after the explicit entries.
	DefaultExternals bool `yaml:"default_externals"`

	Externals   []External `yaml:"externals"`
	NoSNATDests []string   `yaml:"no_snat_dests"`

	AllowInboundICMPX *bool `yaml:"allow_inbound_icmpx"`

	TimeoutFragment   *Duration `yaml:"timeout_fragment"`
	TimeoutPktMin     *Duration `yaml:"timeout_pkt_min"`
	TimeoutPktDefault *Duration `yaml:"timeout_pkt_default"`
	TimeoutTCPTrans   *Duration `yaml:"timeout_tcp_trans"`
	TimeoutTCPEst     *Duration `yaml:"timeout_tcp_est"`

	HairpinIPv4 HairpinRoute `yaml:"hairpin_ipv4"`
	HairpinIPv6 HairpinRoute `yaml:"hairpin_ipv6"`

	LogLevel *int `yaml:"log_level"`
}

// Defaults holds fallback values merged into every interface.
type Defaults struct {
	TCPRanges     []string `yaml:"tcp_ranges"`
	UDPRanges     []string `yaml:"udp_ranges"`
	ICMPRanges    []string `yaml:"icmp_ranges"`
	ICMPInRanges  []string `yaml:"icmp_in_ranges"`
	ICMPOutRanges []string `yaml:"icmp_out_ranges"`

	TimeoutFragment   Duration `yaml:"timeout_fragment"`
	TimeoutPktMin     Duration `yaml:"timeout_pkt_min"`
	TimeoutPktDefault Duration `yaml:"timeout_pkt_default"`
	TimeoutTCPTrans   Duration `yaml:"timeout_tcp_trans"`
	TimeoutTCPEst     Duration `yaml:"timeout_tcp_est"`

	HairpinRulePref  uint32 `yaml:"hairpin_rule_pref"`
	LocalRulePref    uint32 `yaml:"local_rule_pref"`
	HairpinTableIPv4 uint32 `yaml:"hairpin_table_ipv4"`
	HairpinTableIPv6 uint32 `yaml:"hairpin_table_ipv6"`
}

// Config is the complete configuration document.
type Config struct {
	Defaults   Defaults    `yaml:"defaults"`
	Interfaces []Interface `yaml:"interfaces"`
}

// DefaultConfig returns a Config carrying only the built-in defaults.
func DefaultConfig() *Config {
	return &Config{Defaults: builtinDefaults()}
}

func builtinDefaults() Defaults {
	return Defaults{
		TCPRanges:     []string{"20000-29999"},
		UDPRanges:     []string{"20000-29999"},
		ICMPRanges:    []string{"0-65535"},
		ICMPInRanges:  []string{"0-9999"},
		ICMPOutRanges: []string{"1000-65535"},

		TimeoutFragment:   Duration(2 * time.Second),
		TimeoutPktMin:     Duration(60 * time.Second),
		TimeoutPktDefault: Duration(300 * time.Second),
		TimeoutTCPTrans:   Duration(240 * time.Second),
		TimeoutTCPEst:     Duration(7440 * time.Second),

		HairpinRulePref:  100,
		LocalRulePref:    200,
		HairpinTableIPv4: 4787,
		HairpinTableIPv6: 4786,
	}
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML data and fills in built-in
// defaults for any unset defaults fields.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	b := builtinDefaults()
	d := &cfg.Defaults
	if d.TCPRanges == nil {
		d.TCPRanges = b.TCPRanges
	}
	if d.UDPRanges == nil {
		d.UDPRanges = b.UDPRanges
	}
	if d.ICMPRanges == nil {
		d.ICMPRanges = b.ICMPRanges
	}
	if d.ICMPInRanges == nil {
		d.ICMPInRanges = b.ICMPInRanges
	}
	if d.ICMPOutRanges == nil {
		d.ICMPOutRanges = b.ICMPOutRanges
	}
	if d.TimeoutFragment == 0 {
		d.TimeoutFragment = b.TimeoutFragment
	}
	if d.TimeoutPktMin == 0 {
		d.TimeoutPktMin = b.TimeoutPktMin
	}
	if d.TimeoutPktDefault == 0 {
		d.TimeoutPktDefault = b.TimeoutPktDefault
	}
	if d.TimeoutTCPTrans == 0 {
		d.TimeoutTCPTrans = b.TimeoutTCPTrans
	}
	if d.TimeoutTCPEst == 0 {
		d.TimeoutTCPEst = b.TimeoutTCPEst
	}
	if d.HairpinRulePref == 0 {
		d.HairpinRulePref = b.HairpinRulePref
	}
	if d.LocalRulePref == 0 {
		d.LocalRulePref = b.LocalRulePref
	}
	if d.HairpinTableIPv4 == 0 {
		d.HairpinTableIPv4 = b.HairpinTableIPv4
	}
	if d.HairpinTableIPv6 == 0 {
		d.HairpinTableIPv6 = b.HairpinTableIPv6
	}

	return cfg, nil
}
