// Command ringtrain runs one process of a ring that passes
// model parameters from rank to rank.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/unixpickle/ringtrain/collcomm"
	"github.com/unixpickle/ringtrain/config"
	"github.com/unixpickle/ringtrain/logging"
	"github.com/unixpickle/ringtrain/monitor"
	"github.com/unixpickle/ringtrain/procgroup"
	"github.com/unixpickle/ringtrain/ring"
	"github.com/unixpickle/ringtrain/tensor"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Parse(args)
	if err != nil {
		if errors.Is(err, config.ErrHelp) {
			config.Usage(stdout)
			return exitOK
		}
		fmt.Fprintln(stderr, err)
		fmt.Fprintln(stderr)
		config.Usage(stderr)
		return exitUsage
	}

	logCfg := cfg.LoggingConfig()
	logCfg.Out = stderr
	logger := logging.New(logCfg, cfg.Rank)
	role := ring.RoleOf(cfg.Rank)
	tracker := monitor.NewTracker(cfg.Rank, role.String(), cfg.Iterations)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	monitorDone := make(chan struct{})
	if cfg.MetricsAddr != "" {
		go func() {
			defer close(monitorDone)
			router := monitor.NewRouter(tracker, logger)
			if err := monitor.Serve(ctx, cfg.MetricsAddr, router, logger); err != nil {
				logger.Error().Err(err).Msg("monitor failed")
			}
		}()
	} else {
		close(monitorDone)
	}
	defer func() {
		cancel()
		<-monitorDone
	}()

	group, err := procgroup.Init(ctx, cfg.GroupOptions(), logger)
	if err != nil {
		logger.Error().Err(err).Msg("could not join process group")
		return exitFailed
	}
	logger = group.Logger()
	tracker.SetRunID(group.RunID())

	payload := tensor.NewMLP(cfg.Features, cfg.Hidden)
	if role == ring.Master {
		tensor.InitUniform(payload, rand.New(rand.NewSource(cfg.Seed)))
	}

	runner := cfg.Runner(collcomm.Noop, logger)
	runner.Observer = tracker.Observe
	result, err := runner.Run(ctx, collcomm.NewComms(group, logger), payload)
	if closeErr := group.Close(err); closeErr != nil {
		logger.Warn().Err(closeErr).Msg("closing process group")
	}
	if err != nil {
		return exitFailed
	}
	logger.Info().
		Str("role", result.Role.String()).
		Int("cycles", result.Cycles).
		Int("sends", result.Sends).
		Int("receives", result.Receives).
		Dur("elapsed", result.Elapsed).
		Msg("run summary")
	return exitOK
}
