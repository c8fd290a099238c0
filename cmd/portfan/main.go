// Command portfan is a TCP load-balancing proxy with optional SSH
// jump-host forwarding to each upstream.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/portfan/portfan/internal/buildinfo"
	"github.com/portfan/portfan/internal/config"
	"github.com/portfan/portfan/internal/jumphost"
	"github.com/portfan/portfan/internal/loadbalancer"
	applog "github.com/portfan/portfan/internal/telemetry/log"
	"github.com/portfan/portfan/internal/telemetry/metrics"
	"github.com/portfan/portfan/internal/proxy"
	"github.com/portfan/portfan/internal/relay"
	"github.com/portfan/portfan/internal/statusserver"
	"github.com/portfan/portfan/internal/upstream"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	result, fs, err := config.Parse(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, fs.FlagUsages())
		return 1
	}
	if result.PrintHelp {
		fmt.Print(fs.FlagUsages())
		return 0
	}
	if result.PrintVersion {
		fmt.Println(buildinfo.String())
		return 0
	}

	logger := applog.New(result.Cfg.Verbose, os.Stderr)
	reg := metrics.NewRegistry()

	upstreams, err := buildUpstreams(result, reg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build upstream set")
		return 1
	}

	balancer := loadbalancer.New(result.Balancer, upstreams)

	listenAddr := fmt.Sprintf(":%d", result.Cfg.Port)
	p, err := proxy.New(listenAddr, upstreams, balancer, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to bind listener")
		return 1
	}

	statusAddr := fmt.Sprintf(":%d", result.Cfg.StatusPort)
	status := statusserver.New(statusAddr, p.Upstreams(), reg, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	statusDone := make(chan error, 1)
	go func() { statusDone <- status.Run(ctx) }()

	logger.Info().Str("addr", listenAddr).Msg("portfan listening")
	p.Run(ctx)

	if err := <-statusDone; err != nil {
		logger.Error().Err(err).Msg("status server exited with error")
	}
	return 0
}

// buildUpstreams constructs one upstream.Upstream per resolved endpoint,
// wiring reg for metrics export and, when a jump host is configured, a
// distinct jumphost.Supervisor per upstream forwarding its own local port
// to the shared target.
func buildUpstreams(result *config.ParseResult, reg *metrics.Registry, logger zerolog.Logger) ([]*upstream.Upstream, error) {
	launcher := relay.NewLauncher(logger)

	ups := make([]*upstream.Upstream, 0, len(result.Upstreams.Endpoints))
	for i, ep := range result.Upstreams.Endpoints {
		var sup *jumphost.Supervisor
		if result.Upstreams.Jumphost != nil {
			localPort := ep.Port
			if len(result.Upstreams.LocalPorts) > i {
				localPort = result.Upstreams.LocalPorts[i]
			}
			sup = jumphost.New(*result.Upstreams.Jumphost, localPort, logger)
		}

		up := upstream.New(ep, sup, launcher, logger).WithMetrics(reg)
		ups = append(ups, up)
	}

	if len(ups) == 0 {
		return nil, fmt.Errorf("no upstreams configured")
	}
	return ups, nil
}
