package router

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HostConfig is the host daemon's optional YAML configuration file.
// None of its fields has a CLI flag counterpart in cmd/cdevd.
type HostConfig struct {
	// DBDir, if set, enables persistence of device state (tags, env
	// overlay) across router restarts; cmd/cdevd passes it as the
	// device registry's Config.DBDir.
	DBDir string `yaml:"db_dir,omitempty"`

	// Containers maps container names to cgroup controller names.
	// cmd/cdevd registers the Docker-backed manager under every listed
	// controller name; which controllers an event updates is still
	// chosen by the ruleset's Cgroups selection.
	Containers map[string][]string `yaml:"containers,omitempty"`
}

// LoadHostConfig loads a HostConfig from a YAML file. Unlike
// spec §6's CLI flags (socket path, rules dir, kernel-events, systemd),
// which this config file does not override, this covers the settings
// the CLI surface has no flag for: persistence and static
// container-to-controller bindings.
func LoadHostConfig(path string) (*HostConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("router: read config %s: %w", path, err)
	}
	var cfg HostConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("router: parse config %s: %w", path, err)
	}
	return &cfg, nil
}
