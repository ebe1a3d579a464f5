// Command learntimectl inspects and repairs the learning-time flush pipeline.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(defaultBackends()).ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
