package run

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Runner struct {
	Logger *zap.Logger
}

func New(log *zap.Logger) *Runner {
	return &Runner{Logger: log}
}

// WithSignals runs start until it returns or SIGINT/SIGTERM arrives and
// converts the outcome into a process exit code.
func (r *Runner) WithSignals(start func(ctx context.Context) error) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- start(ctx)
	}()

	select {
	case <-ctx.Done():
		r.Logger.Info("shutdown signal received")
		select {
		case err := <-errCh:
			if !isCleanExit(err) {
				r.Logger.Error("service exited with error", zap.Error(err))
				return 1
			}
		case <-time.After(15 * time.Second):
			r.Logger.Warn("shutdown timed out")
		}
		return 0
	case err := <-errCh:
		if isCleanExit(err) {
			return 0
		}
		r.Logger.Error("service exited with error", zap.Error(err))
		return 1
	}
}

// Graceful calls shutdown with a fresh 10s budget, detached from the
// (already cancelled) run context.
func (r *Runner) Graceful(shutdown func(context.Context) error) {
	c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdown(c); err != nil {
		r.Logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}

// Group runs every component until the first one fails or ctx ends.
// The shared context is cancelled as soon as any component returns.
func (r *Runner) Group(ctx context.Context, components map[string]func(ctx context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for name, fn := range components {
		g.Go(func() error {
			err := fn(gctx)
			if isCleanExit(err) {
				r.Logger.Info("component stopped", zap.String("component", name))
				// Stopping one component stops the rest.
				return errStopped
			}
			r.Logger.Error("component failed", zap.String("component", name), zap.Error(err))
			return err
		})
	}
	err := g.Wait()
	if errors.Is(err, errStopped) {
		return nil
	}
	return err
}

var errStopped = errors.New("component stopped")

func isCleanExit(err error) bool {
	return err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled)
}

func Exit(code int) {
	os.Exit(code)
}
