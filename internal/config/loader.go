package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"grimm.is/leshy/internal/logging"
)

// LoadOptions controls how a configuration tree is loaded.
type LoadOptions struct {
	// AllowUnknownFields ignores unrecognized TOML keys instead of
	// rejecting them. Off by default per spec.md §6.
	AllowUnknownFields bool
}

// DefaultLoadOptions returns the strict defaults spec.md calls for.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{AllowUnknownFields: false}
}

// Load reads the main config file at path, merges any config.d/ directory
// sitting beside it, validates the result, and returns an immutable
// snapshot ready to hand to the Reload Coordinator.
func Load(path string) (*Config, error) {
	return LoadWithOptions(path, DefaultLoadOptions())
}

// LoadWithOptions is Load with explicit strictness control.
func LoadWithOptions(path string, opts LoadOptions) (*Config, error) {
	cfg := &Config{Server: DefaultServer()}

	if err := decodeInto(cfg, path, opts); err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}

	dir := filepath.Join(filepath.Dir(path), "config.d")
	entries, err := os.ReadDir(dir)
	if err == nil {
		var files []string
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
				continue
			}
			files = append(files, filepath.Join(dir, e.Name()))
		}
		sort.Strings(files)

		for _, f := range files {
			overlay := &Config{}
			if err := decodeInto(overlay, f, opts); err != nil {
				return nil, fmt.Errorf("loading %s: %w", f, err)
			}
			mergeOverlay(cfg, overlay, f)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config.d: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func decodeInto(cfg *Config, path string, opts LoadOptions) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	dec := toml.NewDecoder(bytes.NewReader(data))
	if !opts.AllowUnknownFields {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("parsing toml: %w", err)
	}
	return nil
}

// mergeOverlay merges a config.d file into the accumulating config.
// Server-section keys are last-file-wins (non-zero values overwrite);
// zones accumulate in file order. Only listen_address is checked for
// conflicts: an overlay that sets it to a value different from the one
// merged so far logs a warning. Overrides of other server keys are applied
// without a warning.
func mergeOverlay(base, overlay *Config, source string) {
	mergeServer(&base.Server, overlay.Server, source)
	base.Zones = append(base.Zones, overlay.Zones...)
	if overlay.Syslog.Enabled {
		base.Syslog = overlay.Syslog
	}
}

func mergeServer(base *Server, overlay Server, source string) {
	if overlay.ListenAddress != "" {
		if base.ListenAddress != "" && base.ListenAddress != overlay.ListenAddress {
			logging.Warn("config.d overlay overrides listen_address", "file", source)
		}
		base.ListenAddress = overlay.ListenAddress
	}
	if len(overlay.DefaultUpstream) > 0 {
		base.DefaultUpstream = overlay.DefaultUpstream
	}
	if overlay.RouteFailureMode != "" {
		base.RouteFailureMode = overlay.RouteFailureMode
	}
	if overlay.CacheSize > 0 {
		base.CacheSize = overlay.CacheSize
	}
	if overlay.CacheMinTTL > 0 {
		base.CacheMinTTL = overlay.CacheMinTTL
	}
	if overlay.CacheMaxTTL > 0 {
		base.CacheMaxTTL = overlay.CacheMaxTTL
	}
	if overlay.RouteAggregationPrefix > 0 {
		base.RouteAggregationPrefix = overlay.RouteAggregationPrefix
	}
	// AutoReload has no "unset" sentinel distinct from false, so the merged
	// value is true when the main file or any overlay sets it to true. An
	// overlay can turn auto_reload on but cannot turn it off.
	base.AutoReload = overlay.AutoReload || base.AutoReload
}
