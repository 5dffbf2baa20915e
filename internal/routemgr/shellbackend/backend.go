// Package shellbackend implements routemgr.Backend by shelling out to the
// `ip route` command, for platforms or deployments that prefer not to
// link netlink directly — the shell-command-style implementation spec.md
// §2 calls for alongside the netlink-style one.
package shellbackend

import (
	"fmt"
	"net"
	"os/exec"
	"strings"

	"grimm.is/leshy/internal/errs"
	"grimm.is/leshy/internal/routemgr"
)

// Backend runs `ip route add|del` via os/exec.
type Backend struct {
	// Run executes name with args and returns combined stdout+stderr. It
	// is a field (not a free function call) so tests can substitute a
	// fake without touching the real shell, grounded on the teacher's
	// CommandExecutor/DryRunExecutor seam in internal/network.
	Run func(name string, args ...string) (string, error)
}

// New creates a Backend that runs the real `ip` binary.
func New() *Backend {
	return &Backend{Run: runCommand}
}

func runCommand(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	return string(out), err
}

func (b *Backend) args(op string, prefix *net.IPNet, hop routemgr.NextHop) []string {
	args := []string{"route", op, prefix.String()}
	switch hop.Kind {
	case routemgr.GatewayHop:
		args = append(args, "via", hop.Gateway.String())
	case routemgr.DeviceHop:
		args = append(args, "dev", hop.Device)
	}
	return args
}

// Install runs `ip route add <prefix> via|dev <target>`.
func (b *Backend) Install(prefix *net.IPNet, hop routemgr.NextHop) error {
	out, err := b.Run("ip", b.args("add", prefix, hop)...)
	if err != nil {
		if strings.Contains(out, "File exists") {
			return &errs.BackendAlreadyExists{Prefix: prefix.String()}
		}
		return &errs.BackendTransient{Op: "ip route add " + prefix.String(), Err: fmt.Errorf("%w: %s", err, out)}
	}
	return nil
}

// Withdraw runs `ip route del <prefix> via|dev <target>`.
func (b *Backend) Withdraw(prefix *net.IPNet, hop routemgr.NextHop) error {
	out, err := b.Run("ip", b.args("del", prefix, hop)...)
	if err != nil {
		if strings.Contains(out, "No such process") || strings.Contains(out, "Cannot find device") {
			return &errs.BackendNotFound{Prefix: prefix.String()}
		}
		return &errs.BackendTransient{Op: "ip route del " + prefix.String(), Err: fmt.Errorf("%w: %s", err, out)}
	}
	return nil
}
