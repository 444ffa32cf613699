// The worker binary runs the dispatcher loop on its own, with a private
// metrics listener. It shares the store and config with the API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/k2pweb/internal/app"
	"github.com/ternarybob/k2pweb/internal/common"
)

type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	sleepFlag    = flag.String("sleep", "", "Loop sleep interval (overrides config, e.g. 500ms)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("k2pweb-worker version %s\n", common.GetVersion())
		os.Exit(0)
	}

	if len(configFiles) == 0 {
		if _, err := os.Stat("k2pweb.toml"); err == nil {
			configFiles = append(configFiles, "k2pweb.toml")
		} else if _, err := os.Stat("deployments/local/k2pweb.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/k2pweb.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Err(err).Msg("Failed to load configuration")
		os.Exit(1)
	}
	if *sleepFlag != "" {
		config.Worker.Sleep = *sleepFlag
		if err := common.Validate(config); err != nil {
			arbor.NewLogger().Fatal().Err(err).Msg("Invalid sleep interval")
			os.Exit(1)
		}
	}

	logger := common.InitLogger(config)
	common.PrintBanner(common.GetVersion())

	application, err := app.New(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize application")
	}

	// Worker metrics listener.
	metricsAddr := fmt.Sprintf("%s:%d", config.Worker.MetricsHost, config.Worker.MetricsPort)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(application.Metrics.Registry, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: metricsMux}
	go func() {
		logger.Info().Str("address", metricsAddr).Msg("Worker metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("Interrupt signal received, stopping worker")
		cancel()
	}()

	runErr := application.Dispatcher.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Metrics server shutdown failed")
	}
	if err := application.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Application shutdown failed")
	}

	if runErr != nil {
		logger.Error().Err(runErr).Msg("Worker exited with error")
		os.Exit(1)
	}
	logger.Info().Msg("Worker stopped")
}
