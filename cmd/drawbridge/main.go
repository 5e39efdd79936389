// Package main provides the entry point for Drawbridge.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/moatless/drawbridge/internal/bridge"
	"github.com/moatless/drawbridge/internal/challenge"
	"github.com/moatless/drawbridge/internal/config"
	"github.com/moatless/drawbridge/internal/driver"
	"github.com/moatless/drawbridge/internal/handlers"
	"github.com/moatless/drawbridge/internal/metrics"
	"github.com/moatless/drawbridge/internal/middleware"
	"github.com/moatless/drawbridge/internal/navigator"
	"github.com/moatless/drawbridge/internal/scrappey"
	"github.com/moatless/drawbridge/internal/stats"
	"github.com/moatless/drawbridge/pkg/version"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logging first so validation warnings are visible
	setupLogging(cfg.LogLevel, cfg.LogPretty)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Print banner
	printBanner()

	// Load challenge signatures (embedded defaults plus optional overrides)
	registry, err := challenge.NewRegistry(cfg.SignaturesPath, cfg.SignaturesHotReload)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load challenge signatures")
	}
	detector := challenge.NewDetector(registry)

	// Start the proxy bridge. The browser routes through it, so it must
	// be bound before the driver is built: ClientAddr is only known once
	// the listener exists.
	br := bridge.New(cfg)
	if err := br.Bind(cfg.BridgeAddr); err != nil {
		log.Fatal().Err(err).Msg("Failed to bind proxy bridge")
	}
	go func() {
		if err := br.Serve(context.Background()); err != nil {
			log.Error().Err(err).Msg("Proxy bridge failed")
		}
	}()

	drv := driver.New(cfg, br.ClientAddr())
	solver := scrappey.New(scrappey.Config{APIKey: cfg.ScrappeyAPIKey})
	statsMgr := stats.NewManager()

	nav := navigator.New(cfg, navigator.DriverFactory{Driver: drv}, solver, detector, statsMgr)

	// Create handler
	handler := handlers.New(cfg, nav, solver, statsMgr)

	// Build middleware chain
	var finalHandler http.Handler = handler

	// Apply middleware (in reverse order - last applied runs first)
	// 1. Recovery (outermost - catches panics from everything)
	// 2. Logging (logs all requests)
	// 3. Timeout (cuts off handlers that outlive the request budget)
	// 4. Rate limiting (if enabled)

	var rateLimiter *middleware.RateLimiterMiddleware
	if cfg.RateLimit > 0 {
		log.Info().
			Int("requests_per_minute", cfg.RateLimit).
			Bool("trust_proxy", cfg.TrustProxy).
			Msg("Rate limiting enabled")
		rateLimiter = middleware.NewRateLimitMiddleware(cfg.RateLimit, cfg.TrustProxy)
		finalHandler = rateLimiter.Handler()(finalHandler)
	}

	finalHandler = middleware.Timeout(cfg.RequestTimeout)(finalHandler)
	finalHandler = middleware.Logging(finalHandler)
	finalHandler = middleware.Recovery(finalHandler)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      finalHandler,
		ReadTimeout:  cfg.RequestTimeout + 10*time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Channel to signal shutdown to background tasks
	stopCh := make(chan struct{})

	// Start metrics server if enabled
	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		metrics.SetBuildInfo(version.Full(), version.GoVersion())

		// Start memory collector
		go metrics.StartMemoryCollector(10*time.Second, stopCh)

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metrics.Handler())

		metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler:      metricsMux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		go func() {
			log.Info().
				Int("port", cfg.MetricsPort).
				Msg("Prometheus metrics server started")

			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	// Start main server in goroutine
	go func() {
		log.Info().
			Str("address", addr).
			Str("bridge", br.ClientAddr()).
			Bool("solver_configured", cfg.HasSolver()).
			Bool("metrics_enabled", cfg.MetricsEnabled).
			Msg("Drawbridge is ready to accept requests")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// Signal background tasks to stop
	close(stopCh)

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown main server
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	// Shutdown metrics server if running
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}

	// Close the bridge listener; in-flight tunnels drain on their own
	if err := br.Close(); err != nil {
		log.Error().Err(err).Msg("Bridge close error")
	}

	// Stop the signature watcher
	if err := registry.Close(); err != nil {
		log.Error().Err(err).Msg("Signature registry close error")
	}

	if rateLimiter != nil {
		rateLimiter.Close()
	}

	statsMgr.Close()

	log.Info().Msg("Shutdown complete")
}

// setupLogging configures zerolog based on the log level. Pretty output
// uses the console writer; otherwise structured JSON goes to stdout.
func setupLogging(level string, pretty bool) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// printBanner prints the startup banner.
func printBanner() {
	banner := `
 ____                     _          _     _
|  _ \ _ __ __ ___      _| |__  _ __(_) __| | __ _  ___
| | | | '__/ _' \ \ /\ / / '_ \| '__| |/ _' |/ _' |/ _ \
| |_| | | | (_| |\ V  V /| |_) | |  | | (_| | (_| |  __/
|____/|_|  \__,_| \_/\_/ |_.__/|_|  |_|\__,_|\__, |\___|
                                             |___/
`
	fmt.Println(banner)
	log.Info().
		Str("version", version.Full()).
		Str("go_version", version.GoVersion()).
		Msg("Starting Drawbridge")
}
