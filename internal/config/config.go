// Package config loads kakuri's typed settings record from TOML, the
// way tchow-twistedxcom-agent-deck's internal/session/userconfig.go
// loads its own config.toml: decode into a struct with sensible
// zero-value defaults already populated, and treat a missing file as
// "use the defaults" rather than an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/unfaded/kakuri/internal/kerr"
)

// Storage mirrors the [storage] table.
type Storage struct {
	ContainersDir string `toml:"containers_dir"`
}

// Defaults mirrors the [defaults] table.
type Defaults struct {
	AllowNetwork bool `toml:"allow_network"`
}

// Config is kakuri's full typed settings record (spec ch.6).
type Config struct {
	Storage      Storage             `toml:"storage"`
	Defaults     Defaults            `toml:"defaults"`
	BindProfiles map[string][]string `toml:"bind_profiles"`
}

// DefaultPath is ~/.config/container/config.toml, per spec ch.6.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("%w: %v", kerr.ErrConfig, err)
	}
	return filepath.Join(home, ".config", "container", "config.toml"), nil
}

func defaults() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Storage: Storage{
			ContainersDir: filepath.Join(home, ".local", "kakuri", "containers"),
		},
		BindProfiles: map[string][]string{},
	}, nil
}

// Load reads path (or DefaultPath when path is empty). A missing file
// yields the zero-touched defaults; any other read or parse failure is
// ErrConfig.
func Load(path string) (*Config, error) {
	cfg, err := defaults()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", kerr.ErrConfig, err)
	}

	if path == "" {
		path, err = DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", kerr.ErrConfig, err)
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &cfg, nil
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", kerr.ErrConfig, path, err)
	}

	return &cfg, nil
}

// ExpandHome expands a leading ~ or ~/ the way spec 4.A requires for
// bind sources; it performs no other normalization.
func ExpandHome(p string) (string, error) {
	if p == "" || p[0] != '~' {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if p == "~" {
		return home, nil
	}
	if len(p) > 1 && p[1] == '/' {
		return filepath.Join(home, p[2:]), nil
	}
	return p, nil
}
