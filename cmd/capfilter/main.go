// capfilter builds capture adapter rulesets from YAML descriptions, checks
// them against captured traffic and manages them on a device.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"
	"go.aporeto.io/capfilter/controller/constants"
	"go.aporeto.io/capfilter/controller/pkg/counters"
	"go.aporeto.io/capfilter/controller/pkg/metrics"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const usage = `capture adapter filter tool

capfilter loads rulesets from YAML descriptions. It reports how a ruleset is
laid out on a device, replays pcap captures against it, and downloads,
activates and removes it on an attached adapter. The emulate command serves an
emulated adapter on a unix socket for testing.`

func main() {

	app := cli.NewApp()
	app.Name = "capfilter"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
		cli.StringFlag{
			Name:  "device, d",
			Value: "/dev/capfilter0",
			Usage: "adapter control node, or unix:<path> for a socket served by emulate",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: constants.RequestTimeout(),
			Usage: "base time to wait for a completion",
		},
		cli.IntFlag{
			Name:  "max-ranges",
			Value: constants.MaxRangeFilters(),
			Usage: "range filters per direction a device rule can hold",
		},
		cli.StringFlag{
			Name:  "metrics",
			Usage: "serve prometheus metrics on this address while the command runs",
		},
	}
	app.Commands = []cli.Command{
		checkCommand,
		replayCommand,
		downloadCommand,
		clearCommand,
		purgeCommand,
		emulateCommand,
	}
	app.Before = func(context *cli.Context) error {
		return setupLogging(context.GlobalBool("debug"))
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "capfilter: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(debug bool) error {

	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	zap.ReplaceGlobals(logger)

	return nil
}

// serveMetrics exposes the session counters of a device when --metrics is
// set. The returned collector is nil otherwise.
func serveMetrics(context *cli.Context, ctrs *counters.Counters) *metrics.Collector {

	addr := context.GlobalString("metrics")
	if addr == "" {
		return nil
	}

	collector := metrics.NewCollector(context.GlobalString("device"), ctrs)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zap.L().Error("Metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()

	return collector
}
