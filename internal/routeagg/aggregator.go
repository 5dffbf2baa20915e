// Package routeagg implements the cross-zone CIDR route aggregator from
// spec.md §4.3: it compresses observed host addresses into the widest
// prefix that does not collide with another zone's installed routes,
// splitting either side when a collision occurs.
package routeagg

import (
	"net"
	"sync"
)

// ActionKind distinguishes the two RouteAction variants from spec.md §4.3.
type ActionKind int

const (
	Add ActionKind = iota
	Remove
)

// Action is one instruction the aggregator emits for the Route Manager to
// apply to the backend.
type Action struct {
	Kind   ActionKind
	ZoneID string
	Prefix *net.IPNet
}

// prefixEntry is one installed prefix: the zone that owns it and the set
// of observed IPs currently justifying its existence.
type prefixEntry struct {
	zoneID       string
	network      *net.IPNet
	contributors map[string]struct{}
}

func (e *prefixEntry) coversIP(ip net.IP) bool {
	return e.network.Contains(ip)
}

// Aggregator holds the per-zone set of installed prefixes. Every exported
// method takes Aggregator.mu, so direct concurrent use (e.g. from tests) is
// safe; in the daemon all access is already serialized behind the single
// actor loop of spec.md §5, which is the primary concurrency mechanism.
type Aggregator struct {
	mu      sync.Mutex
	byZone  map[string][]*prefixEntry
}

// New creates an empty Aggregator.
func New() *Aggregator {
	return &Aggregator{byZone: make(map[string][]*prefixEntry)}
}

// Observe records a resolved address for zoneID at aggregation length
// prefixLen (32/128 meaning "no aggregation", i.e. host routes), returning
// the sequence of backend actions required. Repeated observation of the
// same (zone, ip) is idempotent: after the first successful Add, further
// calls return no actions (spec.md §4.3 invariant 3).
func (a *Aggregator) Observe(zoneID string, ip net.IP, prefixLen int) []Action {
	a.mu.Lock()
	defer a.mu.Unlock()

	ip = canonicalIP(ip)
	bits := len(ip) * 8
	if prefixLen <= 0 || prefixLen > bits {
		prefixLen = bits
	}

	c := canonicalPrefix(ip, prefixLen)

	if e := a.findCovering(zoneID, ip); e != nil {
		e.contributors[ip.String()] = struct{}{}
		return nil
	}

	var actions []Action

	// Find other-zone prefixes overlapping C. CIDR blocks never partially
	// overlap: any overlapping other-zone prefix either contains C (super
	// case) or is strictly contained by C (sub case); there is at most
	// one super, but possibly several disjoint subs.
	var super *prefixEntry
	var subs []*prefixEntry
	for zid, entries := range a.byZone {
		if zid == zoneID {
			continue
		}
		for _, e := range entries {
			if !overlaps(e.network, c) {
				continue
			}
			oLen, _ := e.network.Mask.Size()
			if oLen <= prefixLen {
				super = e
			} else {
				subs = append(subs, e)
			}
		}
	}

	switch {
	case super != nil:
		actions = append(actions, a.splitSuper(zoneID, super, c, ip)...)
	case len(subs) > 0:
		actions = append(actions, a.tileAroundSubs(zoneID, c, subs, ip)...)
	default:
		a.install(zoneID, c, []net.IP{ip})
		actions = append(actions, Action{Kind: Add, ZoneID: zoneID, Prefix: c})
	}

	return actions
}

// findCovering returns the installed prefix in zoneID that already covers
// ip, if any.
func (a *Aggregator) findCovering(zoneID string, ip net.IP) *prefixEntry {
	for _, e := range a.byZone[zoneID] {
		if e.coversIP(ip) {
			return e
		}
	}
	return nil
}

// splitSuper handles the "other-zone prefix equals or is a super-prefix of
// C" case (spec.md §4.3 step 3, first bullet): the super prefix is
// withdrawn, its remaining territory (super minus C) is retiled as the
// minimal set of buddy blocks (one per prefix length from super+1 down to
// C's length, see subtractCIDR) and reinstalled under the super's original
// zone, and C is
// installed for zoneID, the zone that just observed the contested address.
func (a *Aggregator) splitSuper(zoneID string, super *prefixEntry, c *net.IPNet, contested net.IP) []Action {
	var actions []Action
	actions = append(actions, Action{Kind: Remove, ZoneID: super.zoneID, Prefix: super.network})
	a.remove(super)

	pieces := subtractCIDR(super.network, c)
	for _, piece := range pieces {
		ips := redistribute(super.contributors, piece, contested)
		a.install(super.zoneID, piece, ips)
		actions = append(actions, Action{Kind: Add, ZoneID: super.zoneID, Prefix: piece})
	}

	a.install(zoneID, c, []net.IP{contested})
	actions = append(actions, Action{Kind: Add, ZoneID: zoneID, Prefix: c})
	return actions
}

// tileAroundSubs handles the "other-zone prefix is a strict sub-prefix of
// C" case (spec.md §4.3 step 3, second bullet), generalized to any number
// of disjoint other-zone sub-prefixes nested inside C: the new zone
// installs the minimal tiling of C with every existing sub carved out. The
// observed ip is recorded as a contributor of the piece that covers it.
func (a *Aggregator) tileAroundSubs(zoneID string, c *net.IPNet, subs []*prefixEntry, ip net.IP) []Action {
	candidates := []*net.IPNet{c}
	for _, sub := range subs {
		var next []*net.IPNet
		for _, cand := range candidates {
			if containsNet(cand, sub.network) {
				next = append(next, subtractCIDR(cand, sub.network)...)
			} else {
				next = append(next, cand)
			}
		}
		candidates = next
	}

	var actions []Action
	for _, piece := range candidates {
		var ips []net.IP
		if piece.Contains(ip) {
			ips = []net.IP{ip}
		}
		a.install(zoneID, piece, ips)
		actions = append(actions, Action{Kind: Add, ZoneID: zoneID, Prefix: piece})
	}
	return actions
}

func (a *Aggregator) install(zoneID string, network *net.IPNet, ips []net.IP) {
	contributors := make(map[string]struct{}, len(ips))
	for _, ip := range ips {
		contributors[ip.String()] = struct{}{}
	}
	a.byZone[zoneID] = append(a.byZone[zoneID], &prefixEntry{
		zoneID:       zoneID,
		network:      network,
		contributors: contributors,
	})
}

func (a *Aggregator) remove(target *prefixEntry) {
	list := a.byZone[target.zoneID]
	for i, e := range list {
		if e == target {
			a.byZone[target.zoneID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// redistribute partitions a set of contributor IP strings into the subset
// that falls inside piece, dropping the contested IP (it now belongs to
// the zone that just observed it) and any contributor that belonged to
// the ceded C block.
func redistribute(contributors map[string]struct{}, piece *net.IPNet, contested net.IP) []net.IP {
	var out []net.IP
	for s := range contributors {
		if s == contested.String() {
			continue
		}
		ip := net.ParseIP(s)
		if ip == nil {
			continue
		}
		if piece.Contains(canonicalIP(ip)) {
			out = append(out, ip)
		}
	}
	return out
}

// RemoveZone evicts every dynamic (non-static) prefix owned by zoneID, as
// happens on full zone teardown (reload-removed or modified-then-removed;
// spec.md §4.5). It returns the Remove actions required.
func (a *Aggregator) RemoveZone(zoneID string) []Action {
	a.mu.Lock()
	defer a.mu.Unlock()

	var actions []Action
	for _, e := range a.byZone[zoneID] {
		actions = append(actions, Action{Kind: Remove, ZoneID: zoneID, Prefix: e.network})
	}
	delete(a.byZone, zoneID)
	return actions
}

// Forget removes a single contributor IP from whatever prefix covers it in
// zoneID. If the prefix's contributor set becomes empty as a result, it is
// withdrawn (spec.md §4.3 step 4). Static routes are never passed through
// Forget; callers track those separately.
func (a *Aggregator) Forget(zoneID string, ip net.IP) []Action {
	a.mu.Lock()
	defer a.mu.Unlock()

	ip = canonicalIP(ip)
	e := a.findCovering(zoneID, ip)
	if e == nil {
		return nil
	}
	delete(e.contributors, ip.String())
	if len(e.contributors) > 0 {
		return nil
	}
	a.remove(e)
	return []Action{{Kind: Remove, ZoneID: zoneID, Prefix: e.network}}
}

// Prefixes returns the currently installed prefixes for zoneID, for
// diagnostics and tests.
func (a *Aggregator) Prefixes(zoneID string) []*net.IPNet {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*net.IPNet, 0, len(a.byZone[zoneID]))
	for _, e := range a.byZone[zoneID] {
		out = append(out, e.network)
	}
	return out
}
