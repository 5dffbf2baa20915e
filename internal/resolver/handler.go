// Package resolver implements the DNS request handler: the component that
// ties the zone matcher, the per-zone cache, the upstream forwarder and the
// route actor into one dns.Handler, grounded on the teacher's
// internal/services/dns ServeDNS/forwardTo shape (spec.md §4.2).
package resolver

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"grimm.is/leshy/internal/clock"
	"grimm.is/leshy/internal/config"
	"grimm.is/leshy/internal/dnscache"
	"grimm.is/leshy/internal/errs"
	"grimm.is/leshy/internal/forwarder"
	"grimm.is/leshy/internal/logging"
	"grimm.is/leshy/internal/routeactor"
	"grimm.is/leshy/internal/routemgr"
	"grimm.is/leshy/internal/zonematch"
)

// snapshot bundles everything a query needs to read without further
// synchronization: one atomic load gives the handler a consistent view
// even if a reload races it (spec.md §5 "readers acquire a snapshot once
// per query").
type snapshot struct {
	cfg     *config.Config
	matcher *zonematch.Matcher
	zones   map[string]*config.Zone
}

// Handler answers DNS queries. It implements dns.Handler.
type Handler struct {
	current atomic.Pointer[snapshot]

	cacheMu sync.Mutex
	caches  map[string]*dnscache.Cache

	fwd   *forwarder.Forwarder
	actor *routeactor.Actor
	clock clock.Clock
	log   *logging.Logger
}

// New creates a Handler. Call SetConfig once with the initial
// configuration before serving queries.
func New(fwd *forwarder.Forwarder, actor *routeactor.Actor, c clock.Clock, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Default()
	}
	if c == nil {
		c = &clock.RealClock{}
	}
	return &Handler{
		caches: make(map[string]*dnscache.Cache),
		fwd:    fwd,
		actor:  actor,
		clock:  c,
		log:    log,
	}
}

// SetConfig installs a new configuration snapshot with the given Matcher,
// building a fresh zone map and reusing caches for zones that are unchanged by identity
// of name (the Reload Coordinator is responsible for evicting caches of
// zones it determines are Modified or Removed via DropCache).
func (h *Handler) SetConfig(cfg *config.Config, matcher *zonematch.Matcher) {
	zones := make(map[string]*config.Zone, len(cfg.Zones))
	for i := range cfg.Zones {
		z := &cfg.Zones[i]
		zones[z.Name] = z
	}
	h.current.Store(&snapshot{cfg: cfg, matcher: matcher, zones: zones})
	h.actor.SetZones(zones)
}

// DropCache discards the cache for a zone id (the empty string selects the
// default zone), used by the Reload Coordinator for Modified/Removed
// zones so stale answers are never served under a changed policy.
func (h *Handler) DropCache(zoneID string) {
	h.cacheMu.Lock()
	delete(h.caches, zoneID)
	h.cacheMu.Unlock()
}

func (h *Handler) cacheFor(zoneID string, size int, floor, ceil time.Duration) *dnscache.Cache {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	if c, ok := h.caches[zoneID]; ok {
		return c
	}
	c, err := dnscache.New(size, floor, ceil, h.clock)
	if err != nil {
		h.log.Error("failed to create cache, falling back to default size", "zone", zoneID, "error", err)
		c, _ = dnscache.New(1024, floor, ceil, h.clock)
	}
	h.caches[zoneID] = c
	return c
}

// ServeDNS implements dns.Handler.
func (h *Handler) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	snap := h.current.Load()
	if snap == nil || len(req.Question) == 0 {
		h.writeServfail(w, req)
		return
	}
	q := req.Question[0]

	zoneID, routeRelevant := snap.matcher.Classify(q.Name)
	zone := snap.zones[zoneID]

	upstreams := h.effectiveUpstreams(snap.cfg, zone)
	if len(upstreams) == 0 {
		h.writeServfail(w, req)
		return
	}

	cache := h.cacheFor(zoneID, snap.cfg.Server.CacheSize, snap.cfg.Server.CacheMinTTL, snap.cfg.Server.CacheMaxTTL)

	if resp, ok := cache.Get(q); ok {
		resp.Id = req.Id
		h.writeAndExtract(w, resp, zoneID, zone, routeRelevant, snap.cfg)
		return
	}

	resp, err := h.fwd.Forward(req, upstreams)
	if err != nil {
		h.log.Warn("all upstreams failed", "zone", zoneID, "name", q.Name, "error", err)
		h.writeServfail(w, req)
		return
	}

	if ttl, ok := dnscache.MinTTL(resp); ok {
		cache.Put(q, resp, cache.ClampTTL(ttl))
	}

	if routeRelevant && zone != nil && zone.RouteType == config.TargetDevice &&
		snap.cfg.Server.RouteFailureMode == config.FailureServfail {
		if _, err := routemgr.ResolveTarget(zone); err != nil {
			var devErr *errs.DeviceUnavailable
			if errors.As(err, &devErr) {
				h.log.Warn("route target unavailable under servfail policy", "zone", zoneID, "error", err)
				h.writeServfail(w, req)
				return
			}
		}
	}

	h.writeAndExtract(w, resp, zoneID, zone, routeRelevant, snap.cfg)
}

// writeAndExtract puts resp on the wire, then — only afterward, per
// spec.md §4.2's "this happens after the response is put on the wire, not
// before" — feeds every A/AAAA record to the route actor.
func (h *Handler) writeAndExtract(w dns.ResponseWriter, resp *dns.Msg, zoneID string, zone *config.Zone, routeRelevant bool, cfg *config.Config) {
	_ = w.WriteMsg(resp)

	if !routeRelevant || zone == nil {
		return
	}
	for _, rr := range resp.Answer {
		var ip net.IP
		var prefixLen int
		switch rec := rr.(type) {
		case *dns.A:
			ip = rec.A
			prefixLen = cfg.EffectivePrefix(zone, true)
		case *dns.AAAA:
			ip = rec.AAAA
			prefixLen = cfg.EffectivePrefix(zone, false)
		default:
			continue
		}
		h.actor.Observe(zoneID, ip, prefixLen)
	}
}

func (h *Handler) writeServfail(w dns.ResponseWriter, req *dns.Msg) {
	resp := new(dns.Msg)
	if req != nil {
		resp.SetRcode(req, dns.RcodeServerFailure)
	} else {
		resp.Rcode = dns.RcodeServerFailure
	}
	_ = w.WriteMsg(resp)
}

// effectiveUpstreams picks the zone's own DNS servers if it declares any,
// otherwise the global default list (spec.md §4.2).
func (h *Handler) effectiveUpstreams(cfg *config.Config, zone *config.Zone) []string {
	if zone != nil && len(zone.DNSServers) > 0 {
		addrs := make([]string, len(zone.DNSServers))
		for i, ep := range zone.DNSServers {
			addrs[i] = ep.Address
		}
		return addrs
	}
	return cfg.Server.DefaultUpstream
}
