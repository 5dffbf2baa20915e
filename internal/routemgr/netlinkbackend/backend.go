// Package netlinkbackend implements routemgr.Backend directly against the
// kernel routing table via github.com/vishvananda/netlink, grounded on the
// teacher's internal/network.Netlinker seam (route construction and
// idempotence handling follow the same shape as its ApplyStaticRoutes).
package netlinkbackend

import (
	"fmt"
	"net"
	"strings"

	"github.com/vishvananda/netlink"

	"grimm.is/leshy/internal/errs"
	"grimm.is/leshy/internal/routemgr"
)

// Backend installs and withdraws routes using netlink route-table calls.
// Table selects the routing table id (0 = main).
type Backend struct {
	Table int
}

// New creates a Backend targeting the main routing table.
func New() *Backend {
	return &Backend{}
}

func (b *Backend) buildRoute(prefix *net.IPNet, hop routemgr.NextHop) (*netlink.Route, error) {
	route := &netlink.Route{Dst: prefix, Table: b.Table}

	switch hop.Kind {
	case routemgr.GatewayHop:
		route.Gw = hop.Gateway
	case routemgr.DeviceHop:
		link, err := netlink.LinkByName(hop.Device)
		if err != nil {
			return nil, fmt.Errorf("resolving device %s: %w", hop.Device, err)
		}
		route.LinkIndex = link.Attrs().Index
	default:
		return nil, &errs.Internal{Reason: "next hop has no kind"}
	}
	return route, nil
}

// Install adds prefix to the kernel routing table, towards hop.
func (b *Backend) Install(prefix *net.IPNet, hop routemgr.NextHop) error {
	route, err := b.buildRoute(prefix, hop)
	if err != nil {
		return err
	}
	if err := netlink.RouteAdd(route); err != nil {
		if isFileExists(err) {
			return &errs.BackendAlreadyExists{Prefix: prefix.String()}
		}
		return &errs.BackendTransient{Op: "route add " + prefix.String(), Err: err}
	}
	return nil
}

// Withdraw removes prefix from the kernel routing table.
func (b *Backend) Withdraw(prefix *net.IPNet, hop routemgr.NextHop) error {
	route, err := b.buildRoute(prefix, hop)
	if err != nil {
		return err
	}
	if err := netlink.RouteDel(route); err != nil {
		if isNoSuchProcess(err) {
			return &errs.BackendNotFound{Prefix: prefix.String()}
		}
		return &errs.BackendTransient{Op: "route del " + prefix.String(), Err: err}
	}
	return nil
}

func isFileExists(err error) bool {
	return strings.Contains(err.Error(), "file exists")
}

func isNoSuchProcess(err error) bool {
	return strings.Contains(err.Error(), "no such process") || strings.Contains(err.Error(), "no such file or directory")
}
