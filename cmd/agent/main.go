package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SteelMorgan/log-shipper/internal/config"
	"github.com/SteelMorgan/log-shipper/internal/httpapi"
	"github.com/SteelMorgan/log-shipper/internal/observability"
	"github.com/SteelMorgan/log-shipper/internal/pipeline"
	"github.com/SteelMorgan/log-shipper/internal/sink"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("log-shipper", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", os.Getenv("LOGSHIPPER_CONFIG"), "path to the YAML configuration file")
	logLevel := flags.String("log-level", "", "log level (debug, info, warn, error)")
	logFile := flags.String("log-file", "", "additional file receiving JSON log lines")
	httpAddr := flags.String("http-addr", "", "listen address for ingress, health and metrics (empty string disables)")
	tracing := flags.Bool("tracing", false, "export traces over OTLP")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 2
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if flags.Changed("log-file") {
		cfg.Log.File = *logFile
	}
	if flags.Changed("http-addr") {
		cfg.HTTP.Addr = *httpAddr
	}
	if flags.Changed("tracing") {
		cfg.Tracing.Enabled = *tracing
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	// Initialize logger
	logCloser := observability.InitLogger(observability.LoggerConfig{
		Level:  cfg.Log.Level,
		File:   cfg.Log.File,
		Format: cfg.Log.Format,
	})
	defer logCloser.Close()

	log.Info().
		Str("version", version).
		Str("root", cfg.Watcher.Root).
		Str("sink", cfg.Sink.Type).
		Msg("Starting log shipper")

	// Initialize tracer (if enabled)
	shutdownTracer, err := observability.InitTracer(observability.TracerConfig{
		ServiceName:    "log-shipper",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		Protocol:       cfg.Tracing.Protocol,
		Enabled:        cfg.Tracing.Enabled,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize tracer")
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracer(ctx); err != nil {
				log.Warn().Err(err).Msg("Failed to flush traces")
			}
		}()
	}

	// Setup graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	snk, err := sink.New(cfg.Sink, cfg.Shipper.ResponseTimeout)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create sink")
		return 1
	}

	p, err := pipeline.New(ctx, cfg, afero.NewOsFs(), snk)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create pipeline")
		return 1
	}

	errChan := make(chan error, 2)

	var server *http.Server
	if cfg.HTTP.Addr != "" {
		server = httpapi.NewServer(cfg.HTTP.Addr, p, cfg.HTTP.MaxBodyBytes)
		go func() {
			log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	runDone := make(chan error, 1)
	go func() {
		runDone <- p.Run(runCtx)
	}()

	log.Info().Msg("Log shipper started successfully")

	// Wait for shutdown signal or error
	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Received shutdown signal")
		runErr = <-runDone
	case err := <-errChan:
		log.Error().Err(err).Msg("HTTP server error")
		cancelRun()
		runErr = errors.Join(err, <-runDone)
	case runErr = <-runDone:
	}

	// Graceful shutdown
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown")
		}
		cancel()
	}

	if runErr != nil {
		log.Error().Err(runErr).Msg("Log shipper stopped with error")
		return 1
	}

	log.Info().Msg("Log shipper stopped")
	return 0
}
