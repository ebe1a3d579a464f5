package run

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestGroup_FirstErrorCancelsOthers(t *testing.T) {
	r := New(zap.NewNop())
	boom := errors.New("boom")

	cancelled := make(chan struct{})
	err := r.Group(context.Background(), map[string]func(context.Context) error{
		"failing": func(context.Context) error { return boom },
		"waiting": func(ctx context.Context) error {
			<-ctx.Done()
			close(cancelled)
			return ctx.Err()
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("expected sibling component to be cancelled")
	}
}

func TestGroup_CleanStop(t *testing.T) {
	r := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Group(ctx, map[string]func(context.Context) error{
		"http": func(context.Context) error { return http.ErrServerClosed },
		"worker": func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("expected nil on clean stop, got %v", err)
	}
}

func TestGraceful_UsesFreshContext(t *testing.T) {
	r := New(zap.NewNop())
	var deadlineSet bool
	r.Graceful(func(ctx context.Context) error {
		_, deadlineSet = ctx.Deadline()
		return ctx.Err()
	})
	if !deadlineSet {
		t.Fatal("expected shutdown context with deadline")
	}
}
