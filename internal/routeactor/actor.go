// Package routeactor serializes all aggregator and route-manager mutation
// behind a single goroutine, per spec.md §5 ("Aggregator + route manager
// shadow: serialized behind a single actor loop"). The cross-zone split
// algorithm in internal/routeagg reads and mutates multiple zones'
// prefix sets atomically; one task avoids partial-state races during
// splits (spec.md §9).
package routeactor

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"grimm.is/leshy/internal/config"
	"grimm.is/leshy/internal/logging"
	"grimm.is/leshy/internal/routeagg"
	"grimm.is/leshy/internal/routemgr"
)

// workItem is a closure executed on the actor goroutine; both query-driven
// observations and reload-driven deltas are expressed this way so every
// aggregator/manager call happens on one goroutine without further
// locking.
type workItem func(agg *routeagg.Aggregator, mgr *routemgr.Manager, zones map[string]*config.Zone)

// queueDepth bounds the observation backlog. Once full, further
// observations are dropped (spec.md §5: "backpressure-by-dropping ...
// at worst a route is installed slightly later").
const queueDepth = 4096

// Actor owns the Aggregator and the Manager and is the only goroutine
// that touches either.
type Actor struct {
	agg   *routeagg.Aggregator
	mgr   *routemgr.Manager
	zones atomic.Pointer[map[string]*config.Zone]
	work  chan workItem
	log   *logging.Logger
}

// New creates an Actor. Call SetZones with the initial configuration and
// again on every reload; it may be called before or after Run starts.
func New(agg *routeagg.Aggregator, mgr *routemgr.Manager, log *logging.Logger) *Actor {
	if log == nil {
		log = logging.Default()
	}
	a := &Actor{
		agg:  agg,
		mgr:  mgr,
		work: make(chan workItem, queueDepth),
		log:  log,
	}
	empty := map[string]*config.Zone{}
	a.zones.Store(&empty)
	return a
}

// SetZones replaces the zone lookup table the actor uses to resolve route
// targets. It is safe to call concurrently with Run.
func (a *Actor) SetZones(zones map[string]*config.Zone) {
	a.zones.Store(&zones)
}

// Run processes work items until ctx is canceled.
func (a *Actor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-a.work:
			zones := *a.zones.Load()
			item(a.agg, a.mgr, zones)
		}
	}
}

// Observe posts a resolved-address observation (spec.md §4.2's "route
// extraction" step). It never blocks: under extreme backpressure the
// observation is dropped and logged, per spec.md §5.
func (a *Actor) Observe(zoneID string, ip net.IP, prefixLen int) {
	item := func(agg *routeagg.Aggregator, mgr *routemgr.Manager, zones map[string]*config.Zone) {
		actions := agg.Observe(zoneID, ip, prefixLen)
		if len(actions) > 0 {
			mgr.Apply(actions, zones)
		}
	}
	select {
	case a.work <- item:
	default:
		a.log.Warn("route actor queue full, dropping observation", "zone", zoneID, "ip", ip.String())
	}
}

// ActivateZone installs a freshly (re)activated zone's static routes. It
// blocks until processed, since startup and reload both need the result
// to be visible before they proceed.
func (a *Actor) ActivateZone(ctx context.Context, zone *config.Zone) {
	done := make(chan struct{})
	a.work <- func(agg *routeagg.Aggregator, mgr *routemgr.Manager, zones map[string]*config.Zone) {
		mgr.InstallStatic(zone)
		close(done)
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// DeactivateZone tears down a zone's dynamic and static routes (full
// removal, spec.md §4.5).
func (a *Actor) DeactivateZone(ctx context.Context, zone *config.Zone) {
	done := make(chan struct{})
	a.work <- func(agg *routeagg.Aggregator, mgr *routemgr.Manager, zones map[string]*config.Zone) {
		actions := agg.RemoveZone(zone.Name)
		mgr.Apply(actions, zones)
		mgr.WithdrawStatic(zone)
		close(done)
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Drain runs a final withdraw-everything pass for graceful shutdown
// (spec.md §5), waiting up to timeout.
func (a *Actor) Drain(timeout time.Duration) {
	done := make(chan struct{})
	a.work <- func(agg *routeagg.Aggregator, mgr *routemgr.Manager, zones map[string]*config.Zone) {
		mgr.WithdrawAll()
		close(done)
	}
	select {
	case <-done:
	case <-time.After(timeout):
		a.log.Warn("route actor drain timed out")
	}
}
