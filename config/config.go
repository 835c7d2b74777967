// Package config parses the settings of one ringtrain
// process.
//
// Settings come from defaults, then an optional TOML
// file, then command-line flags.
// Every problem found along the way is reported at once
// in a single *ConfigurationError.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/unixpickle/ringtrain/collcomm"
	"github.com/unixpickle/ringtrain/collcomm/ringpass"
	"github.com/unixpickle/ringtrain/logging"
	"github.com/unixpickle/ringtrain/procgroup"
)

const (
	DefaultBackend                = procgroup.BackendTCP
	DefaultMasterAddr             = "127.0.0.1"
	DefaultMasterPort             = 5000
	DefaultIterations             = 1000
	DefaultAnnouncePort           = 5001
	DefaultCommunicationFrequency = 15
	DefaultFeatures               = 10000
	DefaultHidden                 = 10000
	DefaultSeed                   = 1
)

// Config is the full configuration of one process.
type Config struct {
	Rank       int
	WorldSize  int
	Backend    procgroup.Backend
	MasterAddr string
	MasterPort int
	Iterations int

	// AnnouncePort and CommunicationFrequency are
	// accepted and validated but not used by the ring.
	AnnouncePort           int
	CommunicationFrequency int

	ListenAddr     string
	AdvertiseAddr  string
	HopTimeout     time.Duration
	ConnectTimeout time.Duration

	MetricsAddr string
	LogLevel    string
	LogJSON     bool

	// Features and Hidden size the model template.
	Features int
	Hidden   int
	Seed     int64

	// ConfigFile is the TOML file the settings were
	// loaded from, if any.
	ConfigFile string

	// defined records which required settings were
	// given explicitly.
	defined map[string]bool
}

// Default creates a Config holding only defaults.
// Rank and WorldSize have no default.
func Default() *Config {
	return &Config{
		Backend:                DefaultBackend,
		MasterAddr:             DefaultMasterAddr,
		MasterPort:             DefaultMasterPort,
		Iterations:             DefaultIterations,
		AnnouncePort:           DefaultAnnouncePort,
		CommunicationFrequency: DefaultCommunicationFrequency,
		LogLevel:               "info",
		Features:               DefaultFeatures,
		Hidden:                 DefaultHidden,
		Seed:                   DefaultSeed,
		defined:                map[string]bool{},
	}
}

// ConfigurationError lists everything wrong with a
// configuration.
type ConfigurationError struct {
	Problems []string
}

func (c *ConfigurationError) Error() string {
	return "config: invalid configuration: " + strings.Join(c.Problems, "; ")
}

// Validate checks every setting and reports all the
// problems together.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}
	if !c.defined["rank"] {
		add("missing required setting rank")
	}
	if !c.defined["world_size"] {
		add("missing required setting world_size")
	}
	if c.defined["world_size"] && c.WorldSize < 1 {
		add("world_size must be at least 1, got %d", c.WorldSize)
	}
	if c.defined["rank"] && c.Rank < 0 {
		add("rank must not be negative, got %d", c.Rank)
	} else if c.defined["rank"] && c.WorldSize >= 1 && c.Rank >= c.WorldSize {
		add("rank %d out of range for world_size %d", c.Rank, c.WorldSize)
	}
	if !c.Backend.Known() {
		add("unknown backend %q", c.Backend)
	}
	if c.MasterAddr == "" {
		add("master address must not be empty")
	}
	checkPort := func(name string, port int) {
		if port < 1 || port > 65535 {
			add("%s must be in [1, 65535], got %d", name, port)
		}
	}
	checkPort("master_port", c.MasterPort)
	checkPort("announce_port", c.AnnouncePort)
	if c.Iterations < 1 {
		add("iterations must be at least 1, got %d", c.Iterations)
	}
	if c.CommunicationFrequency < 1 {
		add("communication_frequency must be at least 1, got %d", c.CommunicationFrequency)
	}
	if c.HopTimeout < 0 {
		add("hop_timeout must not be negative")
	}
	if c.ConnectTimeout < 0 {
		add("connect_timeout must not be negative")
	}
	if c.Features < 1 || c.Hidden < 1 {
		add("model size must be positive, got features=%d hidden=%d", c.Features, c.Hidden)
	}
	if _, ok := logging.ParseLevel(c.LogLevel); !ok {
		add("unknown log level %q", c.LogLevel)
	}
	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}

// GroupOptions derives the bootstrap options.
func (c *Config) GroupOptions() procgroup.Options {
	return procgroup.Options{
		Rank:           c.Rank,
		WorldSize:      c.WorldSize,
		Backend:        c.Backend,
		MasterAddr:     c.MasterAddr,
		MasterPort:     c.MasterPort,
		ListenAddr:     c.ListenAddr,
		AdvertiseAddr:  c.AdvertiseAddr,
		ConnectTimeout: c.ConnectTimeout,
	}
}

// Runner creates a ring runner with the configured number
// of iterations and hop timeout.
func (c *Config) Runner(update collcomm.UpdateFn, logger zerolog.Logger) *ringpass.Runner {
	return &ringpass.Runner{
		Iterations: c.Iterations,
		Update:     update,
		HopTimeout: c.HopTimeout,
		Logger:     logger,
	}
}

// LoggingConfig derives the logger settings, with
// environment overrides applied.
func (c *Config) LoggingConfig() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level, _ = logging.ParseLevel(c.LogLevel)
	cfg.JSON = c.LogJSON
	logging.ApplyEnv(&cfg)
	return cfg
}
