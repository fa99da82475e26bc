// Package config loads a registries.conf-style TOML document describing
// mirrors and insecure registries. A nil/absent Config means "no mirrors,
// no insecure registries".
package config

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/defenseunicorns/koci-sub000/errdef"
)

// Registry describes one entry's mirror list and TLS posture.
type Registry struct {
	Location string   `toml:"location"`
	Insecure bool     `toml:"insecure"`
	Blocked  bool     `toml:"blocked"`
	Mirrors  []Mirror `toml:"mirror"`
}

// Mirror is one candidate endpoint to try before the registry's origin.
type Mirror struct {
	Location string `toml:"location"`
	Insecure bool   `toml:"insecure"`
}

// Config is the parsed document: a list of per-registry sections, each
// keyed by the registry host it applies to.
type Config struct {
	Registry []Registry `toml:"registry"`
}

// Load parses the TOML document at path. A missing file is not an error:
// it returns an empty Config, matching "no mirrors, no insecure registries".
func Load(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, errdef.IOError("reading registries config", err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, errdef.Wrap(errdef.KindInvalidLayout, "decoding registries config", err)
	}
	return &cfg, nil
}

// Endpoints returns the ordered list of hosts to try for host: its mirrors
// first, then host itself.
func (c *Config) Endpoints(host string) []string {
	if c == nil {
		return []string{host}
	}
	for _, reg := range c.Registry {
		if reg.Location != host {
			continue
		}
		endpoints := make([]string, 0, len(reg.Mirrors)+1)
		for _, m := range reg.Mirrors {
			endpoints = append(endpoints, m.Location)
		}
		endpoints = append(endpoints, host)
		return endpoints
	}
	return []string{host}
}

// IsInsecure reports whether host is configured to be reached over plain
// HTTP or with TLS verification disabled.
func (c *Config) IsInsecure(host string) bool {
	if c == nil {
		return false
	}
	for _, reg := range c.Registry {
		if reg.Location == host {
			return reg.Insecure
		}
		for _, m := range reg.Mirrors {
			if m.Location == host {
				return m.Insecure
			}
		}
	}
	return false
}

// IsBlocked reports whether host is configured as blocked.
func (c *Config) IsBlocked(host string) bool {
	if c == nil {
		return false
	}
	for _, reg := range c.Registry {
		if reg.Location == host {
			return reg.Blocked
		}
	}
	return false
}
