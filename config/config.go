// Package config handles graphgc.toml collector configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// FileName is the configuration file the loader looks for.
const FileName = "graphgc.toml"

// Duration wraps time.Duration so intervals can be written as "30s" or
// "5m" in TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents a graphgc.toml file.
type Config struct {
	Collector   Collector   `toml:"collector"`
	Diagnostics Diagnostics `toml:"diagnostics"`

	// Dir is the directory containing the graphgc.toml file (set at load time).
	Dir string `toml:"-"`
}

// Collector tunes the graph and the background collector.
type Collector struct {
	// ReserveHandles and ReserveRanges size the registries and per-pass
	// scratch vectors.
	ReserveHandles int `toml:"reserve-handles"`
	ReserveRanges  int `toml:"reserve-ranges"`

	// Auto records whether a background collector is wanted; Interval is its
	// pass period. The loader only stores them; gcstress takes its collector
	// choice and period from its -auto and -interval flags instead.
	Auto     bool     `toml:"auto"`
	Interval Duration `toml:"interval"`
}

// Diagnostics configures the advisory output surface.
type Diagnostics struct {
	// Verbosity is passed to the log backend (0 = quiet).
	Verbosity int `toml:"verbosity"`

	// SnapshotPath, when set, is where tools write registry snapshots.
	SnapshotPath string `toml:"snapshot-path"`
}

// Default returns the configuration used when no graphgc.toml exists.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.Collector.ReserveHandles <= 0 {
		c.Collector.ReserveHandles = 100_000
	}
	if c.Collector.ReserveRanges <= 0 {
		c.Collector.ReserveRanges = 100_000
	}
	if c.Collector.Interval <= 0 {
		c.Collector.Interval = Duration(30 * time.Second)
	}
}

// Load parses a graphgc.toml file from the given directory.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}

	c.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}

	c.applyDefaults()
	return &c, nil
}

// FindAndLoad walks up from startDir to find a graphgc.toml file, then
// loads and returns it. Returns nil if no configuration file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}
