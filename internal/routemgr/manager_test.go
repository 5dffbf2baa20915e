package routemgr

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/leshy/internal/config"
	"grimm.is/leshy/internal/errs"
	"grimm.is/leshy/internal/routeagg"
)

func TestApply_InstallsViaGateway(t *testing.T) {
	backend := newMockBackend()
	m := New(backend, nil)

	zones := map[string]*config.Zone{
		"corp": {Name: "corp", RouteType: config.TargetGateway, RouteTarget: "10.0.0.1"},
	}

	agg := routeagg.New()
	actions := agg.Observe("corp", parseIP(t, "10.1.2.3"), 32)

	m.Apply(actions, zones)

	assert.True(t, backend.has("10.1.2.3/32"))
	assert.Equal(t, 1, m.ShadowLen())
}

func TestApply_DeviceTarget_ReadsFileEachTime(t *testing.T) {
	dir := t.TempDir()
	devFile := filepath.Join(dir, "corp.dev")
	require.NoError(t, os.WriteFile(devFile, []byte("tun0\n"), 0o644))

	backend := newMockBackend()
	m := New(backend, nil)
	zones := map[string]*config.Zone{
		"corp": {Name: "corp", RouteType: config.TargetDevice, RouteTarget: devFile},
	}

	agg := routeagg.New()
	actions := agg.Observe("corp", parseIP(t, "10.1.2.3"), 32)
	m.Apply(actions, zones)

	assert.True(t, backend.has("10.1.2.3/32"))
	assert.Equal(t, "tun0", backend.installed["10.1.2.3/32"].Device)

	// The device file changes; the next install must pick up the new name.
	require.NoError(t, os.WriteFile(devFile, []byte("tun1\n"), 0o644))
	m.Apply(agg.Forget("corp", parseIP(t, "10.1.2.3")), zones)
	m.Apply(agg.Observe("corp", parseIP(t, "10.1.2.3"), 32), zones)

	assert.Equal(t, "tun1", backend.installed["10.1.2.3/32"].Device)
}

func TestApply_DeviceMissing_FallbackDropsActionSilently(t *testing.T) {
	backend := newMockBackend()
	m := New(backend, nil)
	zones := map[string]*config.Zone{
		"corp": {Name: "corp", RouteType: config.TargetDevice, RouteTarget: "/nonexistent/corp.dev"},
	}

	agg := routeagg.New()
	actions := agg.Observe("corp", parseIP(t, "10.1.2.3"), 32)
	m.Apply(actions, zones)

	assert.Equal(t, 0, backend.installCalls)
	assert.Equal(t, 0, m.ShadowLen())
}

func TestApply_DuplicateAddIsDropped(t *testing.T) {
	backend := newMockBackend()
	m := New(backend, nil)
	zones := map[string]*config.Zone{
		"corp": {Name: "corp", RouteType: config.TargetGateway, RouteTarget: "10.0.0.1"},
	}

	agg := routeagg.New()
	actions1 := agg.Observe("corp", parseIP(t, "10.1.2.3"), 32)
	m.Apply(actions1, zones)

	// Observing the same address again yields no aggregator action, so
	// Apply is never even asked to install twice; exercise the manager's
	// own duplicate guard directly by replaying the original action.
	m.Apply(actions1, zones)
	assert.Equal(t, 1, backend.installCalls)
}

func TestApply_RemoveWithdrawsAndClearsShadow(t *testing.T) {
	backend := newMockBackend()
	m := New(backend, nil)
	zones := map[string]*config.Zone{
		"corp": {Name: "corp", RouteType: config.TargetGateway, RouteTarget: "10.0.0.1"},
	}

	agg := routeagg.New()
	m.Apply(agg.Observe("corp", parseIP(t, "10.1.2.3"), 32), zones)
	require.Equal(t, 1, m.ShadowLen())

	m.Apply(agg.Forget("corp", parseIP(t, "10.1.2.3")), zones)
	assert.Equal(t, 0, m.ShadowLen())
	assert.False(t, backend.has("10.1.2.3/32"))
}

func TestApply_OrphanRemoveIsBenign(t *testing.T) {
	backend := newMockBackend()
	m := New(backend, nil)
	zones := map[string]*config.Zone{"corp": {Name: "corp", RouteType: config.TargetGateway, RouteTarget: "10.0.0.1"}}

	_, network, err := net.ParseCIDR("10.9.9.0/24")
	require.NoError(t, err)
	m.Apply([]routeagg.Action{{Kind: routeagg.Remove, ZoneID: "corp", Prefix: network}}, zones)

	assert.Equal(t, 0, backend.withdrawCalls)
}

func TestApply_BackendAlreadyExistsIsTreatedAsSuccess(t *testing.T) {
	backend := newMockBackend()
	backend.installErr = &errs.BackendAlreadyExists{Prefix: "10.1.2.3/32"}
	m := New(backend, nil)
	zones := map[string]*config.Zone{"corp": {Name: "corp", RouteType: config.TargetGateway, RouteTarget: "10.0.0.1"}}

	agg := routeagg.New()
	m.Apply(agg.Observe("corp", parseIP(t, "10.1.2.3"), 32), zones)

	assert.Equal(t, 1, m.ShadowLen())
}

func TestApply_BackendTransientErrorLeavesShadowClean(t *testing.T) {
	backend := newMockBackend()
	backend.installErr = assertErr{}
	m := New(backend, nil)
	zones := map[string]*config.Zone{"corp": {Name: "corp", RouteType: config.TargetGateway, RouteTarget: "10.0.0.1"}}

	agg := routeagg.New()
	m.Apply(agg.Observe("corp", parseIP(t, "10.1.2.3"), 32), zones)

	assert.Equal(t, 0, m.ShadowLen(), "failed install must not be recorded, so a retry can occur")
}

func TestInstallStatic_AndWithdrawStatic(t *testing.T) {
	backend := newMockBackend()
	m := New(backend, nil)
	zone := &config.Zone{
		Name:         "corp",
		RouteType:    config.TargetGateway,
		RouteTarget:  "10.0.0.1",
		StaticRoutes: []string{"192.168.100.0/24"},
	}

	m.InstallStatic(zone)
	assert.True(t, backend.has("192.168.100.0/24"))

	m.WithdrawStatic(zone)
	assert.False(t, backend.has("192.168.100.0/24"))
}

type assertErr struct{}

func (assertErr) Error() string { return "transient backend failure" }

func parseIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	require.NotNil(t, ip)
	return ip
}
