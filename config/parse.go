package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/unixpickle/ringtrain/procgroup"
)

// ErrHelp is returned by Parse when help was requested.
var ErrHelp = flag.ErrHelp

// Parse builds a Config from command-line arguments
// (without the program name).
//
// Conversion problems do not stop parsing, so the
// returned *ConfigurationError describes every bad
// argument, not just the first.
func Parse(args []string) (*Config, error) {
	p := &parser{fs: flag.NewFlagSet("ringtrain", flag.ContinueOnError)}
	p.fs.SetOutput(io.Discard)
	p.fs.Usage = func() {}
	p.register()

	if err := p.fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, ErrHelp
		}
		p.problems = append(p.problems, err.Error())
	}
	for _, arg := range p.fs.Args() {
		p.problems = append(p.problems, fmt.Sprintf("unexpected argument %q", arg))
	}

	cfg := Default()
	if p.configFile != "" {
		if err := cfg.LoadFile(p.configFile); err != nil {
			var confErr *ConfigurationError
			if errors.As(err, &confErr) {
				p.problems = append(p.problems, confErr.Problems...)
			} else {
				p.problems = append(p.problems, err.Error())
			}
		}
	}
	for _, apply := range p.apply {
		apply(cfg)
	}

	var problems []string
	problems = append(problems, p.problems...)
	if err := cfg.Validate(); err != nil {
		problems = append(problems, err.(*ConfigurationError).Problems...)
	}
	if len(problems) > 0 {
		return nil, &ConfigurationError{Problems: dedupe(problems)}
	}
	return cfg, nil
}

// A parser records flag values as deferred assignments,
// so that flags override the config file no matter where
// --config appears.
type parser struct {
	fs         *flag.FlagSet
	problems   []string
	apply      []func(c *Config)
	configFile string
}

func (p *parser) register() {
	p.intFlag("rank", func(c *Config, x int) {
		c.Rank = x
		c.defined["rank"] = true
	})
	p.intFlag("world-size", func(c *Config, x int) {
		c.WorldSize = x
		c.defined["world_size"] = true
	})
	p.stringFlag("backend", func(c *Config, s string) { c.Backend = procgroup.Backend(s) })
	p.stringFlag("master", func(c *Config, s string) { c.MasterAddr = s })
	p.intFlag("master-port", func(c *Config, x int) { c.MasterPort = x })
	p.intFlag("iterations", func(c *Config, x int) { c.Iterations = x })
	for _, name := range []string{"announce-port", "annouce-port"} {
		p.intFlag(name, func(c *Config, x int) { c.AnnouncePort = x })
	}
	p.intFlag("communication-frequency", func(c *Config, x int) { c.CommunicationFrequency = x })
	p.stringFlag("listen", func(c *Config, s string) { c.ListenAddr = s })
	p.stringFlag("advertise", func(c *Config, s string) { c.AdvertiseAddr = s })
	p.durationFlag("hop-timeout", func(c *Config, d time.Duration) { c.HopTimeout = d })
	p.durationFlag("connect-timeout", func(c *Config, d time.Duration) { c.ConnectTimeout = d })
	p.stringFlag("metrics-addr", func(c *Config, s string) { c.MetricsAddr = s })
	p.stringFlag("log-level", func(c *Config, s string) { c.LogLevel = s })
	p.fs.BoolFunc("log-json", "", func(s string) error {
		v, err := strconv.ParseBool(s)
		if err != nil {
			p.problems = append(p.problems, fmt.Sprintf("--log-json: invalid boolean %q", s))
			return nil
		}
		p.apply = append(p.apply, func(c *Config) { c.LogJSON = v })
		return nil
	})
	p.intFlag("features", func(c *Config, x int) { c.Features = x })
	p.intFlag("hidden", func(c *Config, x int) { c.Hidden = x })
	p.intFlag("seed", func(c *Config, x int) { c.Seed = int64(x) })
	p.fs.Func("config", "", func(s string) error {
		p.configFile = s
		return nil
	})
}

func (p *parser) intFlag(name string, f func(c *Config, x int)) {
	p.fs.Func(name, "", func(s string) error {
		x, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			p.problems = append(p.problems, fmt.Sprintf("--%s: invalid integer %q", name, s))
			return nil
		}
		p.apply = append(p.apply, func(c *Config) { f(c, x) })
		return nil
	})
}

func (p *parser) stringFlag(name string, f func(c *Config, s string)) {
	p.fs.Func(name, "", func(s string) error {
		s = strings.TrimSpace(s)
		p.apply = append(p.apply, func(c *Config) { f(c, s) })
		return nil
	})
}

func (p *parser) durationFlag(name string, f func(c *Config, d time.Duration)) {
	p.fs.Func(name, "", func(s string) error {
		d, err := time.ParseDuration(strings.TrimSpace(s))
		if err != nil {
			p.problems = append(p.problems, fmt.Sprintf("--%s: invalid duration %q", name, s))
			return nil
		}
		p.apply = append(p.apply, func(c *Config) { f(c, d) })
		return nil
	})
}

// dedupe drops repeated problems, such as the same bad
// value passed to a flag twice.
func dedupe(problems []string) []string {
	seen := map[string]bool{}
	var res []string
	for _, p := range problems {
		if !seen[p] {
			seen[p] = true
			res = append(res, p)
		}
	}
	return res
}
