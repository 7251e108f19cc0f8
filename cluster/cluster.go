// Package cluster describes the static membership of a
// training job.
package cluster

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/unixpickle/essentials"
	"github.com/unixpickle/gradsync/collcomm"
)

// Config is the membership of a training job.
//
// The order of Workers defines the ring: a worker's rank
// is its index, and it sends to the next worker.
type Config struct {
	Workers []string `json:"workers"`

	// ParameterServer is only needed for centralized
	// synchronization.
	ParameterServer string `json:"ps,omitempty"`
}

// Load reads a JSON config file and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, essentials.AddCtx("load cluster config", err)
	}
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, collcomm.ConfigError("parse %s: %v", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Parse creates a config from a comma-separated list of
// worker addresses and validates it.
func Parse(workers, ps string) (*Config, error) {
	c := &Config{ParameterServer: strings.TrimSpace(ps)}
	if strings.TrimSpace(workers) != "" {
		for _, addr := range strings.Split(workers, ",") {
			c.Workers = append(c.Workers, strings.TrimSpace(addr))
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate makes sure the membership list is usable.
func (c *Config) Validate() error {
	if len(c.Workers) == 0 {
		return collcomm.ConfigError("no workers")
	}
	seen := map[string]bool{}
	for i, addr := range c.Workers {
		if addr == "" {
			return collcomm.ConfigError("worker %d has no address", i)
		}
		if seen[addr] {
			return collcomm.ConfigError("duplicate worker address %s", addr)
		}
		seen[addr] = true
	}
	return nil
}

// Size gets the number of workers.
func (c *Config) Size() int {
	return len(c.Workers)
}

// Rank gets the rank of the worker with an address.
func (c *Config) Rank(addr string) (int, error) {
	for i, a := range c.Workers {
		if a == addr {
			return i, nil
		}
	}
	return 0, collcomm.ConfigError("%s is not a cluster member", addr)
}

// Successor gets the address that a rank sends to.
func (c *Config) Successor(rank int) string {
	return c.Workers[collcomm.Successor(rank, c.Size())]
}

// Predecessor gets the address that a rank receives from.
func (c *Config) Predecessor(rank int) string {
	return c.Workers[collcomm.Predecessor(rank, c.Size())]
}
