// Package config defines leshy's configuration data model and loads it
// from TOML.
package config

import (
	"fmt"
	"net"
	"time"
)

// MatchMode is a zone's match polarity.
type MatchMode string

const (
	ModeInclusive MatchMode = "inclusive"
	ModeExclusive MatchMode = "exclusive"
)

// TargetType is a zone's route target kind.
type TargetType string

const (
	TargetDevice  TargetType = "dev"
	TargetGateway TargetType = "via"
)

// PatternKind selects how a zone's Patterns are matched.
type PatternKind string

const (
	PatternSubstring PatternKind = "substring"
	PatternRegex     PatternKind = "regex"
)

// RouteFailureMode governs what happens when a device-targeted route
// cannot be resolved at observation time.
type RouteFailureMode string

const (
	FailureFallback RouteFailureMode = "fallback"
	FailureServfail RouteFailureMode = "servfail"
)

// UpstreamEndpoint is one DNS server in a zone's (or the default's)
// upstream list. CacheMinTTL/CacheMaxTTL are decoded and compared on reload,
// but the resolver does not apply them: its caches are clamped by the
// server-level cache_min_ttl/cache_max_ttl only.
type UpstreamEndpoint struct {
	Address     string         `toml:"address"`
	CacheMinTTL *time.Duration `toml:"cache_min_ttl,omitempty"`
	CacheMaxTTL *time.Duration `toml:"cache_max_ttl,omitempty"`
}

// Zone is a named policy bundle: matcher rules, upstream DNS, route
// target. See spec.md §3.
type Zone struct {
	Name                string             `toml:"name"`
	DNSServers          []UpstreamEndpoint `toml:"dns_servers"`
	Mode                MatchMode          `toml:"mode"`
	RouteType           TargetType         `toml:"route_type"`
	RouteTarget         string             `toml:"route_target"`
	Domains             []string           `toml:"domains"`
	Patterns            []string           `toml:"patterns"`
	PatternKind         PatternKind        `toml:"pattern_kind"`
	StaticRoutes        []string           `toml:"static_routes"`
	AggregationPrefix   *int               `toml:"route_aggregation_prefix,omitempty"`
}

// Server holds the process-wide settings.
type Server struct {
	ListenAddress          string           `toml:"listen_address"`
	DefaultUpstream        []string         `toml:"default_upstream"`
	RouteFailureMode       RouteFailureMode `toml:"route_failure_mode"`
	AutoReload             bool             `toml:"auto_reload"`
	CacheSize              int              `toml:"cache_size"`
	CacheMinTTL            time.Duration    `toml:"cache_min_ttl"`
	CacheMaxTTL            time.Duration    `toml:"cache_max_ttl"`
	RouteAggregationPrefix int              `toml:"route_aggregation_prefix"`
}

// SyslogConfig controls optional remote syslog output, layered on top of
// the default stderr logger (internal/logging.SyslogWriter).
type SyslogConfig struct {
	Enabled  bool   `toml:"enabled"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Protocol string `toml:"protocol"`
	Tag      string `toml:"tag"`
	Facility int    `toml:"facility"`
}

// Config is the top-level, immutable-once-loaded configuration snapshot.
// The Reload Coordinator swaps whole *Config values atomically; nothing
// mutates a Config in place after Load returns it.
type Config struct {
	Server Server       `toml:"server"`
	Zones  []Zone       `toml:"zone"`
	Syslog SyslogConfig `toml:"syslog"`
}

// DefaultServer returns the server-section defaults applied when a key is
// absent from every merged file.
func DefaultServer() Server {
	return Server{
		ListenAddress:          "0.0.0.0:53",
		RouteFailureMode:       FailureFallback,
		AutoReload:             true,
		CacheSize:              1024,
		CacheMinTTL:            0,
		CacheMaxTTL:            0,
		RouteAggregationPrefix: 0,
	}
}

// Validate checks the invariants from spec.md §3: a listen address, a known
// route_failure_mode, non-empty unique zone names, known modes and route
// types, a non-empty device path or a parseable gateway IP as target,
// parseable static CIDRs and an aggregation prefix in 0..128. It fills in
// defaults for empty failure mode, cache size, zone mode and pattern kind.
// The default upstream list is not checked; it may be empty.
func (c *Config) Validate() error {
	if c.Server.ListenAddress == "" {
		return fmt.Errorf("server.listen_address is required")
	}
	if c.Server.RouteFailureMode == "" {
		c.Server.RouteFailureMode = FailureFallback
	}
	if c.Server.RouteFailureMode != FailureFallback && c.Server.RouteFailureMode != FailureServfail {
		return fmt.Errorf("server.route_failure_mode must be %q or %q, got %q",
			FailureFallback, FailureServfail, c.Server.RouteFailureMode)
	}
	if c.Server.CacheSize <= 0 {
		c.Server.CacheSize = 1024
	}

	seen := make(map[string]struct{}, len(c.Zones))
	for i := range c.Zones {
		z := &c.Zones[i]
		if z.Name == "" {
			return fmt.Errorf("zone[%d]: name is required", i)
		}
		if _, dup := seen[z.Name]; dup {
			return fmt.Errorf("zone %q: duplicate zone name", z.Name)
		}
		seen[z.Name] = struct{}{}

		if z.Mode == "" {
			z.Mode = ModeInclusive
		}
		if z.Mode != ModeInclusive && z.Mode != ModeExclusive {
			return fmt.Errorf("zone %q: mode must be %q or %q, got %q", z.Name, ModeInclusive, ModeExclusive, z.Mode)
		}
		if z.PatternKind == "" {
			z.PatternKind = PatternSubstring
		}

		if z.RouteType != "" {
			switch z.RouteType {
			case TargetDevice:
				if z.RouteTarget == "" {
					return fmt.Errorf("zone %q: route_target is required when route_type=dev", z.Name)
				}
			case TargetGateway:
				if net.ParseIP(z.RouteTarget) == nil {
					return fmt.Errorf("zone %q: route_target %q is not a valid gateway IP", z.Name, z.RouteTarget)
				}
			default:
				return fmt.Errorf("zone %q: route_type must be %q or %q, got %q", z.Name, TargetDevice, TargetGateway, z.RouteType)
			}
		}

		for _, cidr := range z.StaticRoutes {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("zone %q: invalid static_routes entry %q: %w", z.Name, cidr, err)
			}
		}

		if z.AggregationPrefix != nil && (*z.AggregationPrefix < 0 || *z.AggregationPrefix > 128) {
			return fmt.Errorf("zone %q: route_aggregation_prefix out of range", z.Name)
		}
	}

	return nil
}

// EffectivePrefix returns the aggregation prefix length to use for a zone
// observing an IP of the given address family (32 for v4, 128 for v6),
// falling back to the server default, falling back to the full host length
// (no aggregation).
func (c *Config) EffectivePrefix(z *Zone, isV4 bool) int {
	hostLen := 128
	if isV4 {
		hostLen = 32
	}
	if z.AggregationPrefix != nil {
		p := *z.AggregationPrefix
		if isV4 && p <= 32 {
			return p
		}
		if !isV4 {
			return p
		}
	}
	if c.Server.RouteAggregationPrefix > 0 {
		p := c.Server.RouteAggregationPrefix
		if isV4 && p <= 32 {
			return p
		}
		if !isV4 {
			return p
		}
	}
	return hostLen
}
