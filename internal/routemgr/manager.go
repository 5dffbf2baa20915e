// Package routemgr owns the shadow routing table and drives the Route
// Backend, per spec.md §4.4.
package routemgr

import (
	"errors"
	"net"
	"os"
	"strings"
	"sync"

	"grimm.is/leshy/internal/config"
	"grimm.is/leshy/internal/errs"
	"grimm.is/leshy/internal/logging"
	"grimm.is/leshy/internal/routeagg"
)

type shadowKey struct {
	prefix string
	zoneID string
}

type shadowEntry struct {
	prefix *net.IPNet
	hop    NextHop
	zoneID string
}

// Manager serializes all Backend calls and keeps the shadow state that
// exactly mirrors what has been pushed to the kernel (spec.md §3).
type Manager struct {
	mu      sync.Mutex
	backend Backend
	shadow  map[shadowKey]shadowEntry
	log     *logging.Logger
}

// New creates a Manager bound to backend.
func New(backend Backend, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.Default()
	}
	return &Manager{
		backend: backend,
		shadow:  make(map[shadowKey]shadowEntry),
		log:     log,
	}
}

// Apply translates a batch of aggregator actions into Backend calls,
// looking up each action's zone in zones to resolve its route target. It
// is meant to be called only from the single actor-loop goroutine that
// owns the aggregator and the backend (spec.md §5).
func (m *Manager) Apply(actions []routeagg.Action, zones map[string]*config.Zone) {
	for _, act := range actions {
		switch act.Kind {
		case routeagg.Add:
			m.applyAdd(act, zones[act.ZoneID])
		case routeagg.Remove:
			m.applyRemove(act)
		}
	}
}

func (m *Manager) applyAdd(act routeagg.Action, zone *config.Zone) {
	key := shadowKey{prefix: act.Prefix.String(), zoneID: act.ZoneID}

	m.mu.Lock()
	_, exists := m.shadow[key]
	m.mu.Unlock()
	if exists {
		// Duplicate Add: shadow state already has this entry, drop.
		return
	}

	if zone == nil {
		m.log.Error("route action for unknown zone", "zone", act.ZoneID)
		return
	}

	hop, err := ResolveTarget(zone)
	if err != nil {
		var devErr *errs.DeviceUnavailable
		if errors.As(err, &devErr) {
			// fallback mode: drop the action silently, shadow stays clean
			// so a later observation retries (spec.md §4.4).
			m.log.Warn("route target unavailable, dropping install", "zone", act.ZoneID, "prefix", act.Prefix, "error", err)
			return
		}
		m.log.Error("failed to resolve route target", "zone", act.ZoneID, "error", err)
		return
	}

	if err := m.backend.Install(act.Prefix, hop); err != nil {
		var exists *errs.BackendAlreadyExists
		if errors.As(err, &exists) {
			m.recordShadow(key, act.Prefix, hop, act.ZoneID)
			return
		}
		m.log.Warn("backend install failed, will retry on next observation",
			"zone", act.ZoneID, "prefix", act.Prefix, "error", err)
		return
	}

	m.recordShadow(key, act.Prefix, hop, act.ZoneID)
}

func (m *Manager) applyRemove(act routeagg.Action) {
	key := shadowKey{prefix: act.Prefix.String(), zoneID: act.ZoneID}

	m.mu.Lock()
	entry, exists := m.shadow[key]
	m.mu.Unlock()
	if !exists {
		// Orphan remove: nothing to do.
		return
	}

	if err := m.backend.Withdraw(entry.prefix, entry.hop); err != nil {
		var notFound *errs.BackendNotFound
		if !errors.As(err, &notFound) {
			m.log.Warn("backend withdraw failed", "zone", act.ZoneID, "prefix", act.Prefix, "error", err)
		}
	}

	// Withdraw always transitions to desired-absent/installed-absent
	// regardless of backend error (spec.md §4.4).
	m.mu.Lock()
	delete(m.shadow, key)
	m.mu.Unlock()
}

func (m *Manager) recordShadow(key shadowKey, prefix *net.IPNet, hop NextHop, zoneID string) {
	m.mu.Lock()
	m.shadow[key] = shadowEntry{prefix: prefix, hop: hop, zoneID: zoneID}
	m.mu.Unlock()
}

// InstallStatic installs every static CIDR declared on zone, called when
// the zone is activated (on startup or on reload-add). Failure to install
// a static route is logged but does not prevent startup.
func (m *Manager) InstallStatic(zone *config.Zone) {
	hop, err := ResolveTarget(zone)
	if err != nil {
		m.log.Warn("static routes skipped: route target unavailable", "zone", zone.Name, "error", err)
		return
	}
	for _, cidr := range zone.StaticRoutes {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			m.log.Error("invalid static route", "zone", zone.Name, "cidr", cidr, "error", err)
			continue
		}
		key := shadowKey{prefix: network.String(), zoneID: zone.Name}
		if err := m.backend.Install(network, hop); err != nil {
			var exists *errs.BackendAlreadyExists
			if !errors.As(err, &exists) {
				m.log.Warn("failed to install static route", "zone", zone.Name, "cidr", cidr, "error", err)
				continue
			}
		}
		m.recordShadow(key, network, hop, zone.Name)
	}
}

// WithdrawStatic tears down a zone's static routes, called on zone
// deactivation.
func (m *Manager) WithdrawStatic(zone *config.Zone) {
	for _, cidr := range zone.StaticRoutes {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		m.applyRemove(routeagg.Action{Kind: routeagg.Remove, ZoneID: zone.Name, Prefix: network})
	}
}

// WithdrawAll withdraws every shadow entry, called on graceful shutdown
// (spec.md §5).
func (m *Manager) WithdrawAll() {
	m.mu.Lock()
	entries := make([]shadowEntry, 0, len(m.shadow))
	for _, e := range m.shadow {
		entries = append(entries, e)
	}
	m.mu.Unlock()

	for _, e := range entries {
		if err := m.backend.Withdraw(e.prefix, e.hop); err != nil {
			m.log.Warn("withdraw on shutdown failed", "zone", e.zoneID, "prefix", e.prefix, "error", err)
		}
	}

	m.mu.Lock()
	m.shadow = make(map[shadowKey]shadowEntry)
	m.mu.Unlock()
}

// ShadowLen reports the number of live shadow entries, for diagnostics
// and tests.
func (m *Manager) ShadowLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.shadow)
}

// ResolveTarget resolves a zone's route target to a NextHop. For a
// gateway-targeted zone the IP was already validated at config load. For
// a device-targeted zone, the device file is read fresh on every call
// (spec.md §9: "re-read per query rather than via inotify").
func ResolveTarget(zone *config.Zone) (NextHop, error) {
	switch zone.RouteType {
	case config.TargetGateway:
		gw := net.ParseIP(zone.RouteTarget)
		if gw == nil {
			return NextHop{}, &errs.Internal{Reason: "zone " + zone.Name + " has invalid gateway target"}
		}
		return NextHop{Kind: GatewayHop, Gateway: gw}, nil
	case config.TargetDevice:
		device, err := readDeviceFile(zone.RouteTarget)
		if err != nil {
			return NextHop{}, &errs.DeviceUnavailable{Path: zone.RouteTarget, Err: err}
		}
		return NextHop{Kind: DeviceHop, Device: device}, nil
	default:
		return NextHop{}, &errs.Internal{Reason: "zone " + zone.Name + " has no route target"}
	}
}

// readDeviceFile reads the first non-blank line of a device file, per
// spec.md §6 ("plain text; first line (after strip) is the device
// name"). Absence is a normal condition, not an error by itself — it
// surfaces as errs.DeviceUnavailable to the caller, who decides policy.
func readDeviceFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			return line, nil
		}
	}
	return "", os.ErrNotExist
}
