// Package route manages the policy routing state the NAT needs on the
// host: hairpin ip rules and local routes, and monitoring of external
// interface addresses.
package route

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/edge-nat/edgenat/config"
)

// HairpinConfigurator installs the ip rules and local routes that steer
// LAN traffic addressed to external addresses back into the NAT path.
// One configurator handles one address family of one profile.
type HairpinConfigurator struct {
	log    zerolog.Logger
	hp     config.HairpinProfile
	family int
	rules  []*netlink.Rule
	routes []*netlink.Route
}

// NewHairpinConfigurator creates a configurator for one family.
// family is netlink.FAMILY_V4 or netlink.FAMILY_V6.
func NewHairpinConfigurator(hp config.HairpinProfile, family int, log zerolog.Logger) *HairpinConfigurator {
	return &HairpinConfigurator{
		log:    log.With().Int("family", family).Logger(),
		hp:     hp,
		family: family,
	}
}

// Apply installs rules for each internal interface and protocol, and a
// local route per external address. Reapplying first tears down the
// previous state, so address changes are a plain Apply with the new
// set.
func (c *HairpinConfigurator) Apply(externals []netip.Addr) error {
	if !c.hp.Enable {
		return nil
	}
	if err := c.Remove(); err != nil {
		return err
	}

	for _, ifName := range c.hp.InternalIfNames {
		for _, proto := range c.hp.Protocols {
			rule := netlink.NewRule()
			rule.Family = c.family
			rule.IifName = ifName
			rule.IPProto = int(proto)
			rule.Priority = int(c.hp.RulePref)
			rule.Table = int(c.hp.TableID)

			if err := netlink.RuleAdd(rule); err != nil {
				return fmt.Errorf("adding hairpin rule (iif %s, proto %d): %w", ifName, proto, err)
			}
			c.rules = append(c.rules, rule)
		}
	}

	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return fmt.Errorf("finding loopback: %w", err)
	}

	for _, addr := range externals {
		if (c.family == netlink.FAMILY_V4) != addr.Is4() {
			continue
		}
		route := &netlink.Route{
			LinkIndex: lo.Attrs().Index,
			Dst:       hostIPNet(addr),
			Table:     int(c.hp.TableID),
			Type:      unix.RTN_LOCAL,
			Scope:     netlink.SCOPE_HOST,
		}
		if err := netlink.RouteAdd(route); err != nil {
			return fmt.Errorf("adding hairpin route for %s: %w", addr, err)
		}
		c.routes = append(c.routes, route)
	}

	c.log.Info().
		Int("rules", len(c.rules)).
		Int("routes", len(c.routes)).
		Uint32("table", c.hp.TableID).
		Msg("hairpin routing configured")
	return nil
}

// Remove tears down everything this configurator installed. Safe to
// call when nothing is installed.
func (c *HairpinConfigurator) Remove() error {
	var firstErr error
	for _, route := range c.routes {
		if err := netlink.RouteDel(route); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("deleting hairpin route: %w", err)
		}
	}
	for _, rule := range c.rules {
		if err := netlink.RuleDel(rule); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("deleting hairpin rule: %w", err)
		}
	}
	c.routes = nil
	c.rules = nil
	return firstErr
}

func hostIPNet(addr netip.Addr) *net.IPNet {
	bits := 32
	if addr.Is6() {
		bits = 128
	}
	return &net.IPNet{
		IP:   addr.AsSlice(),
		Mask: net.CIDRMask(bits, bits),
	}
}
