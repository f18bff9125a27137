package cmd

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jesuscorral/beer-competition-saas-sub001/internal/auth"
	"github.com/jesuscorral/beer-competition-saas-sub001/internal/exchange"
	"github.com/jesuscorral/beer-competition-saas-sub001/internal/proxy"
	"github.com/jesuscorral/beer-competition-saas-sub001/internal/resilience"
	"github.com/jesuscorral/beer-competition-saas-sub001/internal/routes"
	"github.com/jesuscorral/beer-competition-saas-sub001/internal/server"
	"github.com/jesuscorral/beer-competition-saas-sub001/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the edge gateway",
	Long: `Starts the HTTP server that authenticates inbound requests, performs
audience-scoped token exchange, and forwards traffic to internal services.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver, err := routes.Load(cfg.RoutesFile)
		if err != nil {
			return fmt.Errorf("failed to load route table: %w", err)
		}
		log.Printf("Loaded %d routes from %s", len(resolver.Routes()), cfg.RoutesFile)

		metrics, err := telemetry.NewGatewayMetrics()
		if err != nil {
			return fmt.Errorf("configure metrics: %w", err)
		}

		cache, err := exchange.NewCache(cfg.Cache.MaxEntries, cfg.Cache.RefreshBuffer)
		if err != nil {
			return fmt.Errorf("configure exchange cache: %w", err)
		}

		exchangeClient := exchange.NewClient(cfg.Exchange, nil, metrics)
		exchangePolicy := resilience.NewPolicy[*exchange.Grant](resilience.Options{
			Name:                 "token-exchange",
			Timeout:              cfg.Resilience.ExchangeTimeout,
			MaxRetries:           cfg.Resilience.ExchangeMaxRetries,
			RetryInitialInterval: cfg.Resilience.RetryInitialInterval,
			Retryable:            resilience.ExchangeRetryable,
			BreakerFailureRatio:  cfg.Resilience.BreakerFailureRatio,
			BreakerMinRequests:   cfg.Resilience.BreakerMinRequests,
			BreakerInterval:      cfg.Resilience.BreakerInterval,
			BreakerCooldown:      cfg.Resilience.BreakerCooldown,
			Metrics:              metrics,
		})
		tokenSource := exchange.NewTokenSource(
			cache,
			resilience.WrapExchanger(exchangeClient, exchangePolicy),
			metrics,
		)

		authenticator, err := auth.NewAuthenticator(cfg)
		if err != nil {
			return fmt.Errorf("configure authenticator: %w", err)
		}

		// Each destination gets its own breaker: the proxied call and the
		// exchange call have different failure domains, and destinations
		// have different failure domains from each other. Proxied calls are
		// never retried here; retry semantics for business calls belong to
		// the destination or the caller.
		forwardPolicy := func(destination string) *resilience.Policy[*http.Response] {
			return resilience.NewPolicy[*http.Response](resilience.Options{
				Name:                "forward-" + destination,
				BreakerFailureRatio: cfg.Resilience.BreakerFailureRatio,
				BreakerMinRequests:  cfg.Resilience.BreakerMinRequests,
				BreakerInterval:     cfg.Resilience.BreakerInterval,
				BreakerCooldown:     cfg.Resilience.BreakerCooldown,
				Metrics:             metrics,
			})
		}
		proxyHandler := proxy.NewHandler(resolver, tokenSource, nil,
			cfg.Resilience.ForwardTimeout, forwardPolicy, metrics)

		healthHandler := func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok","routes":%d}`, len(resolver.Routes()))
		}

		handler := server.NewH2CHandler(server.RouterOptions{
			Authenticator: authenticator,
			Proxy:         proxyHandler,
			HealthHandler: healthHandler,
		})

		// Optional cache sweep for memory hygiene under high identity x
		// audience cardinality. Lookup-time eviction already guarantees
		// freshness; this only caps memory.
		sweepCtx, cancelSweep := context.WithCancel(cmd.Context())
		defer cancelSweep()
		if cfg.Cache.SweepInterval > 0 {
			go func() {
				ticker := time.NewTicker(cfg.Cache.SweepInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if evicted := cache.Sweep(); evicted > 0 {
							log.Printf("Exchange cache sweep evicted %d entries (%d remain)", evicted, cache.Len())
						}
					case <-sweepCtx.Done():
						return
					}
				}
			}()
		}

		srv := &http.Server{
			Addr:         cfg.ServerAddr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: cfg.Resilience.ForwardTimeout + 15*time.Second,
			IdleTimeout:  60 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			log.Printf("Starting gateway on %s", cfg.ServerAddr)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)

		case sig := <-shutdown:
			log.Printf("Received signal %v, shutting down gracefully", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				srv.Close()
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}

			log.Printf("Gateway stopped")
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
