package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"relayq/internal/api"
	"relayq/internal/broker"
	"relayq/internal/config"
	"relayq/internal/dispatch"
	"relayq/internal/routing"
	"relayq/internal/scheduler"
)

func main() {
	var (
		cfgPath = flag.String("config", "relayq.yaml", "path to config file")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
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
		log.Warn().Err(err).Msg("broker not reachable yet, submissions will fail until it is")
	} else {
		log.Info().Str("kind", cfg.Broker.Kind).Msg("connected to broker")
	}

	dispatcher := dispatch.New(b, table,
		dispatch.WithPollInterval(cfg.Dispatch.PollInterval.Std()),
		dispatch.WithResultTTL(cfg.Broker.ResultTTL.Std()),
	)

	var sched *scheduler.Service
	if len(cfg.Schedules) > 0 {
		sched, err = scheduler.NewService(dispatcher, cfg.Schedules, time.Second)
		if err != nil {
			log.Fatal().Err(err).Msg("build scheduler")
		}
		go sched.Start(ctx)
	}

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: api.NewServer(dispatcher, b, table, sched)}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("coordinator API starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
