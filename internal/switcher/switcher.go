package switcher

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/vishvananda/netlink"
)

// routeOps is the slice of netlink the switcher needs.
type routeOps interface {
	RouteList(link netlink.Link, family int) ([]netlink.Route, error)
	RouteReplace(route *netlink.Route) error
	RouteDel(route *netlink.Route) error
}

type netlinkOps struct{}

func (netlinkOps) RouteList(link netlink.Link, family int) ([]netlink.Route, error) {
	return netlink.RouteList(link, family)
}
func (netlinkOps) RouteReplace(r *netlink.Route) error { return netlink.RouteReplace(r) }
func (netlinkOps) RouteDel(r *netlink.Route) error     { return netlink.RouteDel(r) }

// Switcher manages the manual host routes that steer experiment traffic
// through the configured relays.
type Switcher struct {
	Subnet *net.IPNet
	ops    routeOps
}

func NewSwitcher(subnet string) (*Switcher, error) {
	return newSwitcher(subnet, netlinkOps{})
}

func newSwitcher(subnet string, ops routeOps) (*Switcher, error) {
	_, ipnet, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid experiment subnet %q", subnet)
	}
	return &Switcher{Subnet: ipnet, ops: ops}, nil
}

// HostRoute is a gateway route for one address inside the experiment subnet.
type HostRoute struct {
	Dst net.IP
	Gw  net.IP
}

func (h HostRoute) String() string {
	return fmt.Sprintf("%s via %s", h.Dst, h.Gw)
}

func (s *Switcher) manual(r netlink.Route) bool {
	return r.Dst != nil && r.Gw != nil && s.Subnet.Contains(r.Dst.IP)
}

// HostRoutes lists the gatewayed routes into the experiment subnet.
func (s *Switcher) HostRoutes() ([]HostRoute, error) {
	routes, err := s.ops.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, errors.Wrap(err, "list routes")
	}
	var out []HostRoute
	for _, r := range routes {
		if s.manual(r) {
			out = append(out, HostRoute{Dst: r.Dst.IP, Gw: r.Gw})
		}
	}
	return out, nil
}

// Flush removes every gatewayed route into the experiment subnet and
// returns how many were removed. It keeps going past individual failures.
func (s *Switcher) Flush() (int, error) {
	routes, err := s.ops.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return 0, errors.Wrap(err, "list routes")
	}

	removed := 0
	var firstErr error
	for i := range routes {
		r := routes[i]
		if !s.manual(r) {
			continue
		}
		if err := s.ops.RouteDel(&r); err != nil {
			log.Warn().Err(err).Str("dst", r.Dst.String()).Str("gw", r.Gw.String()).Msg("failed removing route")
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "delete route %s via %s", r.Dst, r.Gw)
			}
			continue
		}
		removed++
		log.Debug().Str("dst", r.Dst.String()).Str("gw", r.Gw.String()).Msg("flushed route")
	}
	return removed, firstErr
}

// AddHostRoute routes dst through gw. Installing the same route twice is not
// an error.
func (s *Switcher) AddHostRoute(dst, gw string) error {
	dstIP := net.ParseIP(dst).To4()
	gwIP := net.ParseIP(gw).To4()
	if dstIP == nil || gwIP == nil {
		return errors.Errorf("invalid host route %s via %s", dst, gw)
	}

	route := netlink.Route{
		Dst: &net.IPNet{IP: dstIP, Mask: net.CIDRMask(32, 32)},
		Gw:  gwIP,
	}
	if err := s.ops.RouteReplace(&route); err != nil {
		log.Error().Err(err).Str("dst", dst).Str("gw", gw).Msg("failed adding host route")
		return errors.Wrapf(err, "add route %s via %s", dst, gw)
	}

	log.Info().Str("dst", dst).Str("gw", gw).Msg("host route installed")
	return nil
}

// IsRoutedVia reports whether dst currently has a host route through gw.
func (s *Switcher) IsRoutedVia(dst, gw string) bool {
	routes, err := s.HostRoutes()
	if err != nil {
		return false
	}
	d, g := net.ParseIP(dst), net.ParseIP(gw)
	for _, r := range routes {
		if r.Dst.Equal(d) && r.Gw.Equal(g) {
			return true
		}
	}
	return false
}
