// Package zonematch classifies a queried DNS name into a zone, per
// spec.md §4.1. It is stateless given the current zone set: build a new
// Matcher whenever the Reload Coordinator swaps in a new configuration.
package zonematch

import (
	"regexp"
	"strings"

	"grimm.is/leshy/internal/config"
)

// DefaultZoneID is the classification result for names that match no
// configured zone (or that exclusive-mode short-circuits to the default).
const DefaultZoneID = ""

type compiledZone struct {
	name        string
	mode        config.MatchMode
	domains     []string
	patterns    []*regexp.Regexp // nil when substring is set; rawPatterns are matched instead
	rawPatterns []string
	substring   bool
}

// Matcher classifies names against a fixed, ordered list of zones.
type Matcher struct {
	zones []compiledZone
}

// New compiles a Matcher from the zones in declared order. Invalid regex
// patterns are reported so the caller can reject the configuration rather
// than silently degrading to a non-match.
func New(zones []config.Zone) (*Matcher, error) {
	m := &Matcher{zones: make([]compiledZone, 0, len(zones))}
	for _, z := range zones {
		cz := compiledZone{
			name:        z.Name,
			mode:        z.Mode,
			domains:     normalizeDomains(z.Domains),
			rawPatterns: z.Patterns,
			substring:   z.PatternKind != config.PatternRegex,
		}
		if !cz.substring {
			cz.patterns = make([]*regexp.Regexp, len(z.Patterns))
			for i, p := range z.Patterns {
				re, err := regexp.Compile(p)
				if err != nil {
					return nil, err
				}
				cz.patterns[i] = re
			}
		}
		m.zones = append(m.zones, cz)
	}
	return m, nil
}

func normalizeDomains(domains []string) []string {
	out := make([]string, len(domains))
	for i, d := range domains {
		out[i] = strings.TrimSuffix(strings.ToLower(d), ".")
	}
	return out
}

// Classify returns the zone a name belongs to for upstream-selection
// purposes, and whether that zone is route-relevant (i.e. whether a
// resolved address should be fed to the aggregator under this zone's
// identity). The empty string means the default zone/upstream.
func (m *Matcher) Classify(name string) (zoneID string, routeRelevant bool) {
	name = normalizeName(name)
	if name == "" || name == "." {
		return DefaultZoneID, false
	}
	if len(name) > 253 {
		return DefaultZoneID, false
	}

	for _, z := range m.zones {
		matched := z.matches(name)
		if z.mode == config.ModeExclusive {
			if matched {
				// Positive match in exclusive mode excludes the name from
				// this zone; exclusivity short-circuits, no other zone is
				// consulted.
				return DefaultZoneID, false
			}
			// A non-match against an exclusive zone means the name IS
			// routed through it.
			return z.name, true
		}
		if matched {
			return z.name, true
		}
	}
	return DefaultZoneID, false
}

func (z *compiledZone) matches(name string) bool {
	for _, d := range z.domains {
		if name == d || strings.HasSuffix(name, "."+d) {
			return true
		}
	}
	if z.substring {
		for _, p := range z.rawPatterns {
			if strings.Contains(name, p) {
				return true
			}
		}
		return false
	}
	for _, re := range z.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

func normalizeName(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".")
}
