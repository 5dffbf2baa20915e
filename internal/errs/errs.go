// Package errs holds the concrete error types that cross component
// boundaries in leshy's resolution-to-route pipeline.
package errs

import "fmt"

// ConfigInvalid means the configuration failed validation. Fatal at
// startup; at reload the old configuration remains active.
type ConfigInvalid struct {
	Reason string
}

func (e *ConfigInvalid) Error() string {
	return fmt.Sprintf("config invalid: %s", e.Reason)
}

// UpstreamUnavailable means a single upstream attempt failed (timeout or
// transport error). The forwarder moves on to the next upstream; it is
// only surfaced as SERVFAIL once all upstreams are exhausted.
type UpstreamUnavailable struct {
	Upstream string
	Err      error
}

func (e *UpstreamUnavailable) Error() string {
	return fmt.Sprintf("upstream %s unavailable: %v", e.Upstream, e.Err)
}

func (e *UpstreamUnavailable) Unwrap() error { return e.Err }

// DeviceUnavailable means a device target file was missing or empty.
// Governed by the zone's route_failure_mode.
type DeviceUnavailable struct {
	Path string
	Err  error
}

func (e *DeviceUnavailable) Error() string {
	return fmt.Sprintf("device file %s unavailable: %v", e.Path, e.Err)
}

func (e *DeviceUnavailable) Unwrap() error { return e.Err }

// BackendTransient is a route backend call that failed for a reason other
// than already-exists/not-found. Logged; the shadow state is not updated
// so a later observation retries.
type BackendTransient struct {
	Op  string
	Err error
}

func (e *BackendTransient) Error() string {
	return fmt.Sprintf("backend %s failed: %v", e.Op, e.Err)
}

func (e *BackendTransient) Unwrap() error { return e.Err }

// BackendAlreadyExists is returned by a Backend.Install call when the
// prefix is already installed outside leshy's shadow state (e.g. after a
// process restart). Treated as success by the route manager.
type BackendAlreadyExists struct {
	Prefix string
}

func (e *BackendAlreadyExists) Error() string {
	return fmt.Sprintf("route %s already exists", e.Prefix)
}

// BackendNotFound is returned by a Backend.Withdraw call when the prefix is
// not present. Treated as success by the route manager.
type BackendNotFound struct {
	Prefix string
}

func (e *BackendNotFound) Error() string {
	return fmt.Sprintf("route %s not found", e.Prefix)
}

// Internal marks an invariant violation. Logged at error level; the
// handler returns SERVFAIL for the query in progress.
type Internal struct {
	Reason string
}

func (e *Internal) Error() string {
	return fmt.Sprintf("internal error: %s", e.Reason)
}
