package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/ringtrain/procgroup"
)

func writeConfigFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "ringtrain.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func requireProblems(t *testing.T, err error) []string {
	var confErr *ConfigurationError
	require.True(t, errors.As(err, &confErr), "unexpected error: %v", err)
	return confErr.Problems
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]string{"--rank", "1", "--world-size", "3"})
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Rank)
	assert.Equal(t, 3, cfg.WorldSize)
	assert.Equal(t, procgroup.BackendTCP, cfg.Backend)
	assert.Equal(t, "127.0.0.1", cfg.MasterAddr)
	assert.Equal(t, 5000, cfg.MasterPort)
	assert.Equal(t, 1000, cfg.Iterations)
	assert.Equal(t, 5001, cfg.AnnouncePort)
	assert.Equal(t, 15, cfg.CommunicationFrequency)
	assert.Zero(t, cfg.HopTimeout)
}

func TestParseAll(t *testing.T) {
	cfg, err := Parse([]string{
		"--rank=0", "--world-size=2", "--backend", "grpc", "--master", "10.0.0.1",
		"--master-port", "6000", "--iterations", "7", "--annouce-port", "7001",
		"--communication-frequency", "3", "--hop-timeout", "2s", "--connect-timeout", "1m",
		"--listen", "0.0.0.0:7100", "--advertise", "10.0.0.2:7100", "--log-json", "--log-level", "debug",
	})
	require.NoError(t, err)
	assert.Equal(t, procgroup.BackendGRPC, cfg.Backend)
	assert.Equal(t, 7001, cfg.AnnouncePort)
	assert.Equal(t, 2*time.Second, cfg.HopTimeout)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, zerolog.DebugLevel, cfg.LoggingConfig().Level)

	opts := cfg.GroupOptions()
	assert.Equal(t, "10.0.0.1", opts.MasterAddr)
	assert.Equal(t, 6000, opts.MasterPort)
	assert.Equal(t, "10.0.0.2:7100", opts.AdvertiseAddr)
	assert.Equal(t, time.Minute, opts.ConnectTimeout)

	runner := cfg.Runner(nil, zerolog.Nop())
	assert.Equal(t, 7, runner.Iterations)
	assert.Equal(t, 2*time.Second, runner.HopTimeout)
}

func TestParseMissingRank(t *testing.T) {
	_, err := Parse([]string{"--world-size", "2"})
	problems := requireProblems(t, err)
	assert.Equal(t, []string{"missing required setting rank"}, problems)
}

func TestParseAggregatesProblems(t *testing.T) {
	_, err := Parse([]string{"--rank", "abc", "--master-port", "x", "--iterations", "0", "--backend", "udp"})
	problems := requireProblems(t, err)
	joined := strings.Join(problems, "\n")
	for _, expected := range []string{
		`--rank: invalid integer "abc"`,
		`--master-port: invalid integer "x"`,
		"missing required setting world_size",
		"iterations must be at least 1, got 0",
		`unknown backend "udp"`,
	} {
		assert.Contains(t, joined, expected)
	}
}

func TestParseRankRange(t *testing.T) {
	_, err := Parse([]string{"--rank", "3", "--world-size", "3"})
	assert.Equal(t, []string{"rank 3 out of range for world_size 3"}, requireProblems(t, err))

	_, err = Parse([]string{"--rank", "0", "--world-size", "0"})
	assert.Equal(t, []string{"world_size must be at least 1, got 0"}, requireProblems(t, err))
}

func TestParseUnexpected(t *testing.T) {
	_, err := Parse([]string{"--rank", "0", "--world-size", "1", "--bogus"})
	problems := requireProblems(t, err)
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "bogus")

	_, err = Parse([]string{"--rank", "0", "--world-size", "1", "extra"})
	assert.Equal(t, []string{`unexpected argument "extra"`}, requireProblems(t, err))
}

func TestParseHelp(t *testing.T) {
	_, err := Parse([]string{"--help"})
	assert.ErrorIs(t, err, ErrHelp)
}

func TestConfigFile(t *testing.T) {
	path := writeConfigFile(t, `
rank = 2
world_size = 4
backend = "grpc"
master = "192.168.1.5"
iterations = 12
hop_timeout = "500ms"
`)
	cfg, err := Parse([]string{"--iterations", "20", "--config", path})
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Rank)
	assert.Equal(t, 4, cfg.WorldSize)
	assert.Equal(t, procgroup.BackendGRPC, cfg.Backend)
	assert.Equal(t, "192.168.1.5", cfg.MasterAddr)
	assert.Equal(t, 20, cfg.Iterations, "flags override the file")
	assert.Equal(t, 500*time.Millisecond, cfg.HopTimeout)
	assert.Equal(t, 5000, cfg.MasterPort)
	assert.Equal(t, path, cfg.ConfigFile)
}

func TestConfigFileProblems(t *testing.T) {
	path := writeConfigFile(t, `
rank = 0
world_size = 1
hop_timeout = "soon"
colour = "blue"
`)
	_, err := Parse([]string{"--config", path})
	problems := requireProblems(t, err)
	assert.Len(t, problems, 2)
	assert.Contains(t, problems[0], "hop_timeout")
	assert.Contains(t, problems[1], "colour")

	_, err = Parse([]string{"--config", filepath.Join(t.TempDir(), "missing.toml")})
	problems = requireProblems(t, err)
	assert.Contains(t, problems[0], "load config")
}

func TestUsage(t *testing.T) {
	var buf strings.Builder
	Usage(&buf)
	assert.Contains(t, buf.String(), "--world-size [int]")
	assert.Contains(t, buf.String(), "Default 5000.")
}
