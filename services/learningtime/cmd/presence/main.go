package main

import (
	"context"
	"errors"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/learning-platform/internal/platform/auth"
	"github.com/example/learning-platform/internal/platform/flushqueue"
	"github.com/example/learning-platform/internal/platform/httpserver"
	"github.com/example/learning-platform/internal/platform/logging"
	"github.com/example/learning-platform/internal/platform/natsconn"
	"github.com/example/learning-platform/internal/platform/run"
	"github.com/example/learning-platform/services/learningtime/internal/accumulator"
	"github.com/example/learning-platform/services/learningtime/internal/config"
	"github.com/example/learning-platform/services/learningtime/internal/gateway"
	"github.com/example/learning-platform/services/learningtime/internal/session"
)

func main() {
	cfg, err := config.LoadPresence()
	if err != nil {
		panic(err)
	}

	log, err := logging.New(cfg.App.ServiceName, cfg.App.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	store, err := session.NewStore(cfg.RedisURL, cfg.SessionTTL, cfg.App.IsProduction())
	if err != nil {
		log.Error("session store", zap.Error(err))
		run.Exit(1)
	}
	if rs, ok := store.(*session.RedisStore); ok {
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rs.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Error("redis ping", zap.Error(err))
			run.Exit(1)
		}
		defer func() { _ = rs.Close() }()
	} else {
		log.Warn("REDIS_URL not set, sessions are kept in memory")
	}

	nc, err := natsconn.Connect(natsconn.Options{URL: cfg.NATSURL, Name: cfg.App.ServiceName, Logger: log})
	if err != nil {
		log.Error("nats connect", zap.Error(err))
		run.Exit(1)
	}
	defer nc.Close()

	queue, err := flushqueue.NewJetStreamClient(nc, log)
	if err != nil {
		log.Error("jetstream", zap.Error(err))
		run.Exit(1)
	}
	ensureCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = queue.EnsureStream(ensureCtx)
	cancel()
	if err != nil {
		log.Error("ensure flush stream", zap.Error(err))
		run.Exit(1)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := accumulator.NewMetrics(reg)
	if err != nil {
		log.Error("metrics", zap.Error(err))
		run.Exit(1)
	}

	acc := accumulator.New(store, queue, log.Named("accumulator"), metrics, accumulator.Options{
		HeartbeatIntervalSeconds: int64(cfg.HeartbeatIntervalSeconds),
		EnqueueMaxRetries:        uint64(cfg.EnqueueMaxRetries),
		EnqueueInitialBackoff:    cfg.EnqueueInitialBackoff,
		FlushTimeout:             cfg.FlushTimeout,
	})

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		ReadyFunc: func() error {
			if !nc.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		},
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:  log.Named("http"),
	})
	gw := gateway.New(acc, auth.JWTVerifier{Secret: []byte(cfg.JWTSecret)}, log.Named("gateway"), cfg.HeartbeatInterval())
	limiter := httpserver.NewRateLimiter(cfg.App.HTTP.RateLimitRPS, cfg.App.HTTP.RateLimitBurst)
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		gw.Routes(r)
	})

	srv := httpserver.New(httpserver.Options{
		Addr:        cfg.App.HTTP.Addr,
		ServiceName: cfg.App.ServiceName,
		Logger:      log,
		Router:      r,
	})

	runner := run.New(log)
	code := runner.WithSignals(func(ctx context.Context) error {
		err := srv.Run(ctx)
		// Open sockets still hold sessions; close them so they flush.
		runner.Graceful(gw.Shutdown)
		return err
	})
	log.Info("presence stopped", zap.Int("open_connections", acc.OpenConnections()))
	run.Exit(code)
}
