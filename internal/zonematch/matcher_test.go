package zonematch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/leshy/internal/config"
)

func TestClassify_DomainSuffixMatch(t *testing.T) {
	m, err := New([]config.Zone{
		{Name: "corp", Domains: []string{"corp.example"}},
	})
	require.NoError(t, err)

	zone, relevant := m.Classify("jira.corp.example.")
	assert.Equal(t, "corp", zone)
	assert.True(t, relevant)
}

func TestClassify_ExactDomainMatch(t *testing.T) {
	m, err := New([]config.Zone{{Name: "corp", Domains: []string{"corp.example"}}})
	require.NoError(t, err)

	zone, relevant := m.Classify("corp.example")
	assert.Equal(t, "corp", zone)
	assert.True(t, relevant)
}

func TestClassify_NoMatchFallsBackToDefault(t *testing.T) {
	m, err := New([]config.Zone{{Name: "corp", Domains: []string{"corp.example"}}})
	require.NoError(t, err)

	zone, relevant := m.Classify("example.com")
	assert.Equal(t, DefaultZoneID, zone)
	assert.False(t, relevant)
}

func TestClassify_ExclusiveModeInverts(t *testing.T) {
	m, err := New([]config.Zone{
		{Name: "tunnel", Mode: config.ModeExclusive, Domains: []string{"local.example"}},
	})
	require.NoError(t, err)

	// A match against an exclusive zone excludes it from routing.
	zone, relevant := m.Classify("foo.local.example")
	assert.Equal(t, DefaultZoneID, zone)
	assert.False(t, relevant)

	// A non-match means the name IS routed through the exclusive zone.
	zone, relevant = m.Classify("anything.else")
	assert.Equal(t, "tunnel", zone)
	assert.True(t, relevant)
}

func TestClassify_DeclaredOrderTieBreak(t *testing.T) {
	m, err := New([]config.Zone{
		{Name: "first", Domains: []string{"example.com"}},
		{Name: "second", Domains: []string{"example.com"}},
	})
	require.NoError(t, err)

	zone, _ := m.Classify("example.com")
	assert.Equal(t, "first", zone)
}

func TestClassify_PatternSubstring(t *testing.T) {
	m, err := New([]config.Zone{
		{Name: "ads", Patterns: []string{"doubleclick"}, PatternKind: config.PatternSubstring},
	})
	require.NoError(t, err)

	zone, relevant := m.Classify("stats.doubleclick.net")
	assert.Equal(t, "ads", zone)
	assert.True(t, relevant)
}

func TestClassify_PatternRegex(t *testing.T) {
	m, err := New([]config.Zone{
		{Name: "cdn", Patterns: []string{`^cdn\d+\.example\.com$`}, PatternKind: config.PatternRegex},
	})
	require.NoError(t, err)

	zone, _ := m.Classify("cdn42.example.com")
	assert.Equal(t, "cdn", zone)

	zone, _ = m.Classify("cdnxx.example.com")
	assert.Equal(t, DefaultZoneID, zone)
}

func TestClassify_EmptyNameIsDefault(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	zone, relevant := m.Classify("")
	assert.Equal(t, DefaultZoneID, zone)
	assert.False(t, relevant)

	zone, relevant = m.Classify(".")
	assert.Equal(t, DefaultZoneID, zone)
	assert.False(t, relevant)
}

func TestClassify_OversizedNameIsDefault(t *testing.T) {
	m, err := New([]config.Zone{{Name: "corp", Domains: []string{"corp.example"}}})
	require.NoError(t, err)

	longName := strings.Repeat("a", 254) + ".corp.example"
	zone, relevant := m.Classify(longName)
	assert.Equal(t, DefaultZoneID, zone)
	assert.False(t, relevant)
}

func TestClassify_IsPureFunctionOfNameAndZones(t *testing.T) {
	zones := []config.Zone{
		{Name: "corp", Domains: []string{"corp.example"}},
		{Name: "tunnel", Mode: config.ModeExclusive, Domains: []string{"local.example"}},
	}
	m1, err := New(zones)
	require.NoError(t, err)
	m2, err := New(zones)
	require.NoError(t, err)

	for _, name := range []string{"jira.corp.example", "foo.local.example", "anything.else", ""} {
		z1, r1 := m1.Classify(name)
		z2, r2 := m2.Classify(name)
		assert.Equal(t, z1, z2, "name=%s", name)
		assert.Equal(t, r1, r2, "name=%s", name)
	}
}

func TestNew_InvalidRegexReturnsError(t *testing.T) {
	_, err := New([]config.Zone{
		{Name: "bad", Patterns: []string{"("}, PatternKind: config.PatternRegex},
	})
	assert.Error(t, err)
}
