// Package reload implements the Reload Coordinator: it loads and
// validates configuration, computes the delta against the live config and
// drives the resolver and route actor through that delta, and optionally
// watches the config file and config.d/ directory for changes (spec.md
// §4.5). File-watch grounded on the debounced fsnotify.Watcher pattern
// used across the example pack's cache watchers.
package reload

import (
	"context"
	"math"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"

	"grimm.is/leshy/internal/config"
	"grimm.is/leshy/internal/logging"
	"grimm.is/leshy/internal/routeactor"
	"grimm.is/leshy/internal/zonematch"
)

// Handler is the subset of *resolver.Handler the coordinator drives. It is
// an interface so the coordinator can be tested without a real forwarder
// or listener.
type Handler interface {
	SetConfig(cfg *config.Config, matcher *zonematch.Matcher)
	DropCache(zoneID string)
}

// debounce is how long the watcher waits after the last filesystem event
// before reloading, coalescing the rename-then-create sequence editors
// produce into a single reload.
const debounce = 100 * time.Millisecond

// Coordinator owns the live configuration and the components that must
// learn about changes to it.
type Coordinator struct {
	path    string
	opts    config.LoadOptions
	handler Handler
	actor   *routeactor.Actor
	log     *logging.Logger

	current *config.Config
}

// New creates a Coordinator for the config file at path.
func New(path string, opts config.LoadOptions, handler Handler, actor *routeactor.Actor, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.Default()
	}
	return &Coordinator{path: path, opts: opts, handler: handler, actor: actor, log: log}
}

// Load parses and validates the configuration at startup, activates every
// zone (installing static routes) and hands the snapshot to the handler.
func (c *Coordinator) Load(ctx context.Context) (*config.Config, error) {
	cfg, err := config.LoadWithOptions(c.path, c.opts)
	if err != nil {
		return nil, err
	}
	matcher, err := zonematch.New(cfg.Zones)
	if err != nil {
		return nil, err
	}

	c.handler.SetConfig(cfg, matcher)
	for i := range cfg.Zones {
		c.actor.ActivateZone(ctx, &cfg.Zones[i])
	}
	c.current = cfg
	return cfg, nil
}

// Reload re-reads the configuration. On validation failure the previous
// configuration remains active and the error is returned for logging; no
// partial application ever occurs (spec.md §4.5).
func (c *Coordinator) Reload(ctx context.Context) error {
	next, err := config.LoadWithOptions(c.path, c.opts)
	if err != nil {
		c.log.Error("reload failed, keeping previous configuration", "error", err)
		return err
	}
	matcher, err := zonematch.New(next.Zones)
	if err != nil {
		c.log.Error("reload failed building matcher, keeping previous configuration", "error", err)
		return err
	}

	prev := c.current
	prevZones := zonesByName(prev)
	nextZones := zonesByName(next)

	for name, oldZone := range prevZones {
		if _, stillPresent := nextZones[name]; !stillPresent {
			c.log.Info("zone removed on reload", "zone", name)
			c.actor.DeactivateZone(ctx, oldZone)
			c.handler.DropCache(name)
		}
	}

	for name, newZone := range nextZones {
		oldZone, existed := prevZones[name]
		switch {
		case !existed:
			c.log.Info("zone added on reload", "zone", name)
			c.actor.ActivateZone(ctx, newZone)
		case !zonesEqual(oldZone, newZone):
			c.log.Info("zone modified on reload, reinitializing", "zone", name)
			c.actor.DeactivateZone(ctx, oldZone)
			c.handler.DropCache(name)
			c.actor.ActivateZone(ctx, newZone)
		default:
			// Unchanged: cache, aggregator and shadow entries stay intact.
		}
	}

	c.handler.SetConfig(next, matcher)
	c.current = next
	return nil
}

func zonesByName(cfg *config.Config) map[string]*config.Zone {
	out := make(map[string]*config.Zone)
	if cfg == nil {
		return out
	}
	for i := range cfg.Zones {
		out[cfg.Zones[i].Name] = &cfg.Zones[i]
	}
	return out
}

// zonesEqual compares every policy field spec.md §4.5 names ("name and
// all policy fields"); a Zone has no fields outside that set, so a
// structural comparison is exact.
func zonesEqual(a, b *config.Zone) bool {
	return reflect.DeepEqual(a, b)
}

// Watch watches the config file and, if present, its config.d/ directory,
// debouncing bursts of filesystem events into a single Reload call, until
// ctx is canceled.
func (c *Coordinator) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(c.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	overlayDir := filepath.Join(dir, "config.d")
	_ = watcher.Add(overlayDir) // best-effort: the directory may not exist

	timer := time.AfterFunc(time.Duration(math.MaxInt64), func() {
		if err := c.Reload(ctx); err != nil {
			c.log.Warn("automatic reload failed", "error", err)
		}
	})
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.log.Warn("config watcher error", "error", err)
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				timer.Reset(debounce)
			}
		}
	}
}
