// Package daemonconfig loads the broker's optional on-disk config,
// overlaying it onto compiled-in defaults the way the rest of the
// codebase layers user settings over defaults.
package daemonconfig

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full set of daemon-tunable settings. Every field has a
// usable zero-config default; the YAML file on disk is optional and
// only overrides what it mentions.
//
// AdminGroup does double duty, matching the original broker's single
// "zfshelper" group: the socket is chowned to it, and callers must
// belong to it to pass validation.
type Config struct {
	SocketPath    string `yaml:"socket_path"`
	SocketBacklog int    `yaml:"socket_backlog"`
	AdminGroup    string `yaml:"admin_group"`
	PolicyRoot    string `yaml:"policy_root"`
	ZFSBin        string `yaml:"zfs_bin"`
	LogLevel      string `yaml:"log_level"`
}

// Default returns the compiled-in configuration matching the original
// broker's hardcoded constants.
func Default() Config {
	return Config{
		SocketPath:    "/run/zfs-helper.sock",
		SocketBacklog: 16,
		AdminGroup:    "zfshelper",
		PolicyRoot:    "/etc/zfs-helper/policy.d",
		ZFSBin:        "/usr/sbin/zfs",
		LogLevel:      "info",
	}
}

// Load reads path (when it exists) and overlays any fields it sets
// onto the compiled defaults. A missing file is not an error — the
// daemon is expected to run with zero configuration present.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return cfg, err
	}
	mergeInto(&cfg, overlay)
	return cfg, nil
}

func mergeInto(base *Config, overlay Config) {
	if overlay.SocketPath != "" {
		base.SocketPath = overlay.SocketPath
	}
	if overlay.SocketBacklog != 0 {
		base.SocketBacklog = overlay.SocketBacklog
	}
	if overlay.AdminGroup != "" {
		base.AdminGroup = overlay.AdminGroup
	}
	if overlay.PolicyRoot != "" {
		base.PolicyRoot = overlay.PolicyRoot
	}
	if overlay.ZFSBin != "" {
		base.ZFSBin = overlay.ZFSBin
	}
	if overlay.LogLevel != "" {
		base.LogLevel = overlay.LogLevel
	}
}
