package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"relayq/internal/broker"
	"relayq/internal/config"
	"relayq/internal/handlers/echo"
	"relayq/internal/handlers/httpreq"
	"relayq/internal/handlers/shell"
	"relayq/internal/permissions"
	"relayq/internal/routing"
	"relayq/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "relayq.yaml", "path to config file")
		slots   = flag.Int("slots", 0, "concurrent execution slots (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *slots > 0 {
		cfg.Worker.Slots = *slots
	}

	table, err := routing.New(cfg.Routing)
	if err != nil {
		log.Fatal().Err(err).Msg("build routing table")
	}

	b, err := broker.FromConfig(cfg.Broker)
	if err != nil {
		log.Fatal().Err(err).Msg("open broker")
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("broker not reachable yet, dequeues will retry until it is")
	} else {
		log.Info().Str("kind", cfg.Broker.Kind).Msg("connected to broker")
	}

	// Handler registry, populated once at startup. Handlers get their
	// external dependencies injected here, never looked up globally.
	perms := permissions.NewStore(cfg.Permissions)
	registry := worker.NewRegistry()
	registry.Register(echo.TaskType, echo.Handler())
	registry.Register(shell.TaskType, shell.Handler(perms))
	registry.Register(httpreq.TaskType, httpreq.Handler())

	for _, taskType := range registry.Types() {
		if !table.Known(taskType) {
			log.Warn().Str("task_type", taskType).Msg("handler registered but type has no route; it will never receive work")
		}
	}

	pool := worker.NewPool(b, registry, table.Channels(), worker.Config{
		Slots:          cfg.Worker.Slots,
		BlockTimeout:   cfg.Worker.BlockTimeout.Std(),
		ExecTimeout:    cfg.Worker.ExecTimeout.Std(),
		ResultTTL:      cfg.Broker.ResultTTL.Std(),
		HeartbeatEvery: cfg.Worker.HeartbeatInterval.Std(),
		RecoverEvery:   cfg.Worker.RecoverInterval.Std(),
	})

	// Prometheus metrics endpoint.
	if cfg.Worker.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: cfg.Worker.MetricsAddr, Handler: mux}
			go func() {
				log.Info().Str("addr", cfg.Worker.MetricsAddr).Msg("metrics server starting")
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error().Err(err).Msg("metrics server")
				}
			}()
			<-ctx.Done()
			shutCtx, cancelShut := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShut()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		sig := <-c
		log.Info().Str("signal", sig.String()).Msg("shutting down, draining in-flight tasks")
		cancel()
	}()

	if err := pool.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("worker pool")
	}
}
