package routemgr

import "net"

// NextHopKind selects whether a NextHop resolves to a local device or a
// gateway IP, per spec.md §3/§4.4.
type NextHopKind int

const (
	DeviceHop NextHopKind = iota
	GatewayHop
)

// NextHop is the resolved target a prefix is installed towards. For
// device targets it carries the interface name read from the zone's
// device file; for gateway targets it carries the parsed gateway IP.
type NextHop struct {
	Kind    NextHopKind
	Device  string
	Gateway net.IP
}

// Backend is the OS-facing seam from spec.md §4.4: two operations,
// implemented either via netlink or via shell commands. Implementations
// must treat an install of an already-present route and a withdraw of an
// absent route as success (idempotence), surfacing that via
// errs.BackendAlreadyExists / errs.BackendNotFound rather than a generic
// error, so the Manager can apply the state-machine transitions in
// spec.md §4.4 without string-sniffing error text.
type Backend interface {
	Install(prefix *net.IPNet, hop NextHop) error
	Withdraw(prefix *net.IPNet, hop NextHop) error
}
