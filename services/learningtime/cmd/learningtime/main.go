package main

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/example/learning-platform/internal/platform/analytics"
	"github.com/example/learning-platform/internal/platform/auth"
	"github.com/example/learning-platform/internal/platform/db"
	"github.com/example/learning-platform/internal/platform/flushqueue"
	"github.com/example/learning-platform/internal/platform/httpserver"
	"github.com/example/learning-platform/internal/platform/logging"
	"github.com/example/learning-platform/internal/platform/natsconn"
	"github.com/example/learning-platform/internal/platform/run"
	"github.com/example/learning-platform/services/learningtime/internal/config"
	"github.com/example/learning-platform/services/learningtime/internal/handlers"
	"github.com/example/learning-platform/services/learningtime/internal/stats"
	"github.com/example/learning-platform/services/learningtime/internal/store"
	"github.com/example/learning-platform/services/learningtime/internal/worker"
)

func main() {
	cfg, err := config.LoadLearningTime()
	if err != nil {
		panic(err)
	}

	log, err := logging.New(cfg.App.ServiceName, cfg.App.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	pool, err := db.Open(context.Background(), db.Options{DSN: cfg.DatabaseURL, MaxConns: int32(cfg.DBMaxConns)})
	if err != nil {
		log.Error("postgres", zap.Error(err))
		run.Exit(1)
	}
	defer pool.Close()
	repo := store.NewPostgresRepository(pool)

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
	workerMetrics, err := worker.NewMetrics(reg)
	if err != nil {
		log.Error("metrics", zap.Error(err))
		run.Exit(1)
	}

	w := worker.New(repo, queue, analytics.New(queue.JetStream(), log), workerMetrics, log.Named("worker"), worker.Config{
		BatchSize:     cfg.WorkerBatchSize,
		BatchInterval: cfg.WorkerBatchInterval,
		Concurrency:   cfg.WorkerConcurrency,
		MaxDeliver:    cfg.WorkerMaxDeliver,
	})

	ready := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := repo.Ping(ctx); err != nil {
			return err
		}
		if !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	}

	r := chi.NewRouter()
	httpserver.SetupRouter(r, httpserver.RouterConfig{
		ReadyFunc: ready,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Logger:    log.Named("http"),
	})
	limiter := httpserver.NewRateLimiter(cfg.App.HTTP.RateLimitRPS, cfg.App.HTTP.RateLimitBurst)
	r.Group(func(r chi.Router) {
		r.Use(limiter.Middleware)
		handlers.NewLearningTime(stats.NewService(repo), repo, log.Named("handlers")).
			Routes(r, auth.JWTVerifier{Secret: []byte(cfg.JWTSecret)})
	})

	srv := httpserver.New(httpserver.Options{
		Addr:        cfg.App.HTTP.Addr,
		ServiceName: cfg.App.ServiceName,
		Logger:      log,
		Router:      r,
	})

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Error("grpc listen", zap.Error(err))
		run.Exit(1)
	}
	grpcSrv := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	reflection.Register(grpcSrv)

	runner := run.New(log)
	code := runner.WithSignals(func(ctx context.Context) error {
		return runner.Group(ctx, map[string]func(context.Context) error{
			"http": srv.Run,
			"grpc": func(ctx context.Context) error {
				return serveGRPC(ctx, log, grpcSrv, lis)
			},
			"health": func(ctx context.Context) error {
				watchHealth(ctx, healthSrv, ready)
				return nil
			},
			"worker": func(ctx context.Context) error {
				return w.Run(ctx, queue.JetStream())
			},
		})
	})
	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}

func serveGRPC(ctx context.Context, log *zap.Logger, s *grpc.Server, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("grpc server starting", zap.String("addr", lis.Addr().String()))
		errCh <- s.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		stopped := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(10 * time.Second):
			s.Stop()
		}
		return nil
	}
}

// watchHealth mirrors the readiness check into the gRPC health service.
func watchHealth(ctx context.Context, h *health.Server, ready func() error) {
	set := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if err := ready(); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		h.SetServingStatus("", status)
	}
	set()
	t := time.NewTicker(10 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-t.C:
			set()
		}
	}
}
