// Package main is the entry point of the Aptos position aggregation service: an HTTP API
// serving valued DeFi positions per protocol and a one-shot lookup command.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/yourorg/aptos-positions/internal/api"
	"github.com/yourorg/aptos-positions/internal/aptos"
	"github.com/yourorg/aptos-positions/internal/cache"
	"github.com/yourorg/aptos-positions/internal/circuitbreaker"
	"github.com/yourorg/aptos-positions/internal/config"
	"github.com/yourorg/aptos-positions/internal/degrade"
	"github.com/yourorg/aptos-positions/internal/fetch"
	"github.com/yourorg/aptos-positions/internal/metrics"
	"github.com/yourorg/aptos-positions/internal/otel"
	"github.com/yourorg/aptos-positions/internal/pipeline"
	"github.com/yourorg/aptos-positions/internal/pools"
	"github.com/yourorg/aptos-positions/internal/pricing"
	"github.com/yourorg/aptos-positions/internal/protocols/thala"
	"github.com/yourorg/aptos-positions/internal/tokenlist"
	"github.com/yourorg/aptos-positions/internal/tokens"
	"github.com/yourorg/aptos-positions/internal/validation"
)

func main() {
	setupLogging()

	app := &cli.App{
		Name:  "aptos-positions",
		Usage: "aggregate and value Aptos DeFi positions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "optional TOML file with protocol settings",
				EnvVars: []string{"CONFIG_FILE"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API",
				Action: serve,
			},
			{
				Name:  "lookup",
				Usage: "Print the valued positions of one address as JSON",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "protocol", Value: thala.Name, Usage: "protocol to query"},
					&cli.StringFlag{Name: "address", Required: true, Usage: "account address"},
				},
				Action: lookup,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

// loadConfig reads the environment and overlays the optional config file
func loadConfig(c *cli.Context) (config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.LoadWithFile(path)
	}
	return config.Load(), nil
}

// services holds everything a position lookup needs.
type services struct {
	registry *pipeline.Registry
	pipeline *pipeline.Pipeline
	breakers *circuitbreaker.Set
	tokens   *tokenlist.List
}

// buildServices wires the data sources, resolvers and protocol adapters. With selfTokenList
// the token list fallback goes through this service's own /api/tokens endpoint, otherwise
// the embedded list is read directly.
func buildServices(cfg config.Config, m *metrics.Metrics, selfTokenList bool) (*services, error) {
	list, err := tokenlist.Default()
	if err != nil {
		return nil, err
	}

	breakers := circuitbreaker.NewSet(circuitbreaker.Options{
		FailureThreshold: cfg.BreakerFailures,
		ResetDelay:       cfg.BreakerCooldown,
		OnTrip: func(source, reason string) {
			logrus.WithFields(logrus.Fields{"source": source, "reason": reason}).Warn("Circuit breaker tripped")
		},
	})

	opts := fetch.DefaultOptions()
	opts.Timeout = cfg.CallTimeout
	opts.RetryMax = cfg.RetryMax
	opts.RPS = cfg.OutboundRPS
	opts.Breakers = breakers
	opts.Observe = m.ObserveSource
	client := fetch.NewClient(opts)

	panora := fetch.NewPanoraClient(client, cfg.PanoraURL, cfg.PanoraAPIKey, config.AptosChainID)
	markets := fetch.NewMarketsClient(client, cfg.MarketsAPIURL)

	fallback := embeddedTokenSource(list)
	if selfTokenList {
		fallback = tokens.Source{Name: fetch.SourceTokenList, Lookup: fetch.NewTokenListClient(client, cfg.InternalBaseURL).Lookup}
	}
	tokenResolver := tokens.NewResolver(cfg.FanoutLimit,
		tokens.Source{Name: fetch.SourceMarkets, Lookup: markets.FindToken},
		tokens.Source{Name: fetch.SourcePanora, Lookup: panora.TokenMeta},
		fallback,
	)
	priceResolver := pricing.NewResolver(panora, fetch.SourcePanora)

	view := aptos.NewViewClient(client, cfg.FullnodeURL, cfg.AptosAPIKey)
	indexer := aptos.NewIndexerClient(client, cfg.IndexerURL, cfg.AptosAPIKey)

	registry := pipeline.NewRegistry(
		thala.New(view, indexer, pools.NewLoader(client, cfg.Thala.PoolsURL, thala.Name+"-pools"), cfg.Thala, cfg.FanoutLimit),
	)

	return &services{
		registry: registry,
		pipeline: pipeline.New(tokenResolver, priceResolver, cfg.FanoutLimit),
		breakers: breakers,
		tokens:   list,
	}, nil
}

// serve starts the HTTP server and blocks until SIGINT or SIGTERM
func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	shutdownTracer := otel.InitTracer(cfg)
	defer shutdownTracer()

	m := metrics.New(prometheus.DefaultRegisterer)
	svc, err := buildServices(cfg, m, true)
	if err != nil {
		return err
	}

	responseCache, err := cache.New(cfg.Redis)
	if err != nil {
		return err
	}
	defer responseCache.Close()

	handler := api.New(api.Options{
		Registry:       svc.registry,
		Pipeline:       svc.pipeline,
		Cache:          responseCache,
		Metrics:        m,
		Gatherer:       prometheus.DefaultGatherer,
		Breakers:       svc.breakers,
		Tokens:         svc.tokens,
		CacheMaxAge:    cfg.CacheMaxAge,
		CacheSWR:       cfg.CacheSWR,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		CORSOrigins:    cfg.CORSOrigins,
	}).Handler()

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logrus.WithFields(logrus.Fields{
		"port":      cfg.Port,
		"protocols": svc.registry.Names(),
		"redis":     cfg.Redis.Addr != "",
		"tracing":   cfg.OtelEndpoint != "",
	}).Info("Server initialized")

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("starting server: %w", err)
	case <-quit:
	}

	logrus.Info("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	logrus.Info("Server stopped")
	return nil
}

// lookup runs one aggregation and prints the response envelope
func lookup(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	svc, err := buildServices(cfg, nil, false)
	if err != nil {
		return err
	}

	adapter, ok := svc.registry.Get(c.String("protocol"))
	if !ok {
		return fmt.Errorf("unknown protocol %q, known: %v", c.String("protocol"), svc.registry.Names())
	}
	owner, err := validation.AccountAddress(c.String("address"))
	if err != nil {
		return err
	}

	log := logrus.WithFields(logrus.Fields{"protocol": adapter.Name(), "owner": owner})
	ctx := degrade.WithReport(c.Context, degrade.NewReport(log, nil))
	return writeJSON(os.Stdout, api.Collect(ctx, svc.pipeline, adapter, owner))
}
