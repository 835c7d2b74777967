package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/ringtrain/procgroup"
)

type fileConfig struct {
	Rank                   int    `toml:"rank"`
	WorldSize              int    `toml:"world_size"`
	Backend                string `toml:"backend"`
	Master                 string `toml:"master"`
	MasterPort             int    `toml:"master_port"`
	Iterations             int    `toml:"iterations"`
	AnnouncePort           int    `toml:"announce_port"`
	CommunicationFrequency int    `toml:"communication_frequency"`
	Listen                 string `toml:"listen"`
	Advertise              string `toml:"advertise"`
	HopTimeout             string `toml:"hop_timeout"`
	ConnectTimeout         string `toml:"connect_timeout"`
	MetricsAddr            string `toml:"metrics_addr"`
	LogLevel               string `toml:"log_level"`
	LogJSON                bool   `toml:"log_json"`
	Features               int    `toml:"features"`
	Hidden                 int    `toml:"hidden"`
	Seed                   int64  `toml:"seed"`
}

// LoadFile applies the settings in a TOML file to c.
// Keys missing from the file leave c unchanged.
//
// Unreadable files are returned as a plain error, while
// bad values are collected into a *ConfigurationError.
func (c *Config) LoadFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return essentials.AddCtx("load config "+path, err)
	}
	c.ConfigFile = path

	var problems []string
	if meta.IsDefined("rank") {
		c.Rank = raw.Rank
		c.defined["rank"] = true
	}
	if meta.IsDefined("world_size") {
		c.WorldSize = raw.WorldSize
		c.defined["world_size"] = true
	}
	if meta.IsDefined("backend") {
		c.Backend = procgroup.Backend(strings.TrimSpace(raw.Backend))
	}
	if meta.IsDefined("master") {
		c.MasterAddr = strings.TrimSpace(raw.Master)
	}
	if meta.IsDefined("master_port") {
		c.MasterPort = raw.MasterPort
	}
	if meta.IsDefined("iterations") {
		c.Iterations = raw.Iterations
	}
	if meta.IsDefined("announce_port") {
		c.AnnouncePort = raw.AnnouncePort
	}
	if meta.IsDefined("communication_frequency") {
		c.CommunicationFrequency = raw.CommunicationFrequency
	}
	if meta.IsDefined("listen") {
		c.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("advertise") {
		c.AdvertiseAddr = strings.TrimSpace(raw.Advertise)
	}
	if meta.IsDefined("hop_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HopTimeout))
		if err != nil {
			problems = append(problems, fmt.Sprintf("parse hop_timeout: %v", err))
		}
		c.HopTimeout = d
	}
	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			problems = append(problems, fmt.Sprintf("parse connect_timeout: %v", err))
		}
		c.ConnectTimeout = d
	}
	if meta.IsDefined("metrics_addr") {
		c.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		c.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_json") {
		c.LogJSON = raw.LogJSON
	}
	if meta.IsDefined("features") {
		c.Features = raw.Features
	}
	if meta.IsDefined("hidden") {
		c.Hidden = raw.Hidden
	}
	if meta.IsDefined("seed") {
		c.Seed = raw.Seed
	}
	for _, key := range meta.Undecoded() {
		problems = append(problems, fmt.Sprintf("unknown key %q in %s", key.String(), path))
	}
	if len(problems) > 0 {
		return &ConfigurationError{Problems: problems}
	}
	return nil
}
