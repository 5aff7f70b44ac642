package ionvm

/*
	Runtime configuration: the two knobs the scheduler reads every pass,
	timeslice and debug. Programmatic construction is the primary path
	(DefaultConfig + functional options, the way the rest of this module is
	constructed); LoadConfigFile is for embedders that keep a small TOML
	file around.
*/

import (
	"github.com/BurntSushi/toml"
)

// DefaultTimeslice is the default reduction budget granted per scheduler
// pass. Tests commonly lower this (e.g. to 3) to assert fairness within a
// small number of passes.
const DefaultTimeslice = 2000

// Config holds the scheduler's runtime knobs.
type Config struct {
	Timeslice uint32 `toml:"timeslice"`
	Debug     bool   `toml:"debug"`
}

// DefaultConfig returns the standard defaults: timeslice=2000, debug=false.
func DefaultConfig() Config {
	return Config{Timeslice: DefaultTimeslice, Debug: false}
}

// Option mutates a Config during VM/Scheduler construction.
type Option func(*Config)

// WithTimeslice overrides the default reduction budget per pass.
func WithTimeslice(n uint32) Option {
	return func(c *Config) { c.Timeslice = n }
}

// WithDebug turns on the scheduler's debug log (see logging.go).
func WithDebug(debug bool) Option {
	return func(c *Config) { c.Debug = debug }
}

// LoadConfigFile reads a Config from a TOML file, starting from
// DefaultConfig and overwriting only the keys present in the file.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolveConfig(opts []Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
