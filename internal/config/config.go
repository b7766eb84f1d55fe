// Package config loads the optional diskbeam configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the optional configuration file. Unset keys are nil so
// command-line defaults stay in charge.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
	Network  NetworkConfig  `toml:"network"`
	SSH      SSHConfig      `toml:"ssh"`
	Theme    ThemeConfig    `toml:"theme"`
}

// DefaultsConfig holds persistent flag defaults.
type DefaultsConfig struct {
	ChunkSize      *string `toml:"chunk_size"`
	UpdateQuotient *int    `toml:"update_quotient"`
	Nodes          *int    `toml:"nodes"`
	ChainLength    *int    `toml:"chain_length"`
	BWLimit        *string `toml:"bwlimit"`
	Checksum       *bool   `toml:"checksum"`
	TUI            *bool   `toml:"tui"`
}

// NetworkConfig holds discovery and data connection settings.
type NetworkConfig struct {
	DiscoveryGroup   *string   `toml:"discovery_group"`
	DiscoveryPort    *int      `toml:"discovery_port"`
	DataPort         *int      `toml:"data_port"`
	DiscoveryTimeout *Duration `toml:"discovery_timeout"`
	DialWait         *Duration `toml:"dial_wait"`
}

// SSHConfig holds defaults for remote image locations.
type SSHConfig struct {
	Port    *int    `toml:"port"`
	KeyFile *string `toml:"key_file"`
}

// ThemeConfig holds optional color overrides for the full-screen view.
type ThemeConfig struct {
	Green  *string `toml:"green"`
	Blue   *string `toml:"blue"`
	Yellow *string `toml:"yellow"`
	Red    *string `toml:"red"`
	Muted  *string `toml:"muted"`
	Bright *string `toml:"bright"`
}

// Duration is a time.Duration written as a string such as "3s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "diskbeam", "config.toml")
}

// Load reads the config file from the XDG path. A missing file yields a
// zero Config and no error.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	cfg, err := LoadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, nil
	}
	return cfg, err
}

// LoadFile reads the config file at path. Unknown keys are an error so a
// misspelt setting does not pass silently.
func LoadFile(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%s: unknown key %s", path, undecoded[0])
	}
	return cfg, nil
}
