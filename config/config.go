// Package config holds the engine-wide constants and the tool
// configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// MaxTreeDepth bounds supported tree depths: a depth-30 tree already
	// holds a billion leaves.
	MaxTreeDepth = 30

	// DefaultTreeDepth is the depth used by the tools when none is
	// configured.
	DefaultTreeDepth = 30

	// DefaultDensePrefixDepth is the default dense prefix depth of the tool
	// configuration; it applies to lazy trees only.
	DefaultDensePrefixDepth = 20
)

// Tool is the treetool configuration, loadable from YAML.
type Tool struct {
	// Depth is the global tree depth.
	Depth int `yaml:"depth"`

	// DensePrefixDepth applies to lazy trees only.
	DensePrefixDepth int `yaml:"dense_prefix_depth"`

	// TreePath is the mmap file backing the tree.
	TreePath string `yaml:"tree_path"`

	// Hasher selects the node hasher: "poseidon2" or "keccak256".
	Hasher string `yaml:"hasher"`

	// Verbose enables debug logging.
	Verbose bool `yaml:"verbose"`
}

// DefaultTool returns the tool configuration used when no file is given.
func DefaultTool() Tool {
	return Tool{
		Depth:            DefaultTreeDepth,
		DensePrefixDepth: DefaultDensePrefixDepth,
		TreePath:         "tree.mmap",
		Hasher:           "poseidon2",
	}
}

// LoadTool reads a tool configuration from a YAML file, filling unset fields
// from the defaults.
func LoadTool(path string) (Tool, error) {
	cfg := DefaultTool()

	data, err := os.ReadFile(path)
	if err != nil {
		return Tool{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Tool{}, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Depth <= 0 || cfg.Depth > MaxTreeDepth {
		return Tool{}, fmt.Errorf("config: depth %d out of range (1..%d)", cfg.Depth, MaxTreeDepth)
	}
	// An unset dense prefix depth takes the default, capped at the
	// configured tree depth.
	var explicit struct {
		DensePrefixDepth *int `yaml:"dense_prefix_depth"`
	}
	if err := yaml.Unmarshal(data, &explicit); err != nil {
		return Tool{}, fmt.Errorf("parse config: %w", err)
	}
	if explicit.DensePrefixDepth == nil && cfg.DensePrefixDepth > cfg.Depth {
		cfg.DensePrefixDepth = cfg.Depth
	}
	if cfg.DensePrefixDepth < 0 || cfg.DensePrefixDepth > cfg.Depth {
		return Tool{}, fmt.Errorf("config: dense prefix depth %d out of range (0..%d)", cfg.DensePrefixDepth, cfg.Depth)
	}
	return cfg, nil
}
