// Package natsconn provides a shared NATS connection factory with
// configurable reconnect behaviour and fail-fast semantics.
package natsconn

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/learning-platform/internal/platform/config"
)

// Options configures the NATS connection behaviour.
// Zero values fall back to env vars or built-in defaults.
type Options struct {
	URL           string
	Name          string        // client name reported to the server
	MaxReconnects int           // default from NATS_MAX_RECONNECTS or 5
	ReconnectWait time.Duration // default from NATS_RECONNECT_WAIT or 2s
	Logger        *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.URL == "" {
		o.URL = config.Env("NATS_URL", "nats://nats:4222")
	}
	if o.MaxReconnects == 0 {
		o.MaxReconnects = config.EnvInt("NATS_MAX_RECONNECTS", 5)
	}
	if o.ReconnectWait == 0 {
		o.ReconnectWait = config.EnvDuration("NATS_RECONNECT_WAIT", 2*time.Second)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Connect establishes a NATS connection with the configured retry policy.
// On failure after all retries it returns an error so the caller can fail-fast.
func Connect(opts Options) (*nats.Conn, error) {
	opts = opts.withDefaults()
	log := opts.Logger

	natsOpts := []nats.Option{
		nats.MaxReconnects(opts.MaxReconnects),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.RetryOnFailedConnect(false),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if opts.Name != "" {
		natsOpts = append(natsOpts, nats.Name(opts.Name))
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s (max_reconnects=%d, wait=%s): %w",
			opts.URL, opts.MaxReconnects, opts.ReconnectWait, err)
	}
	return nc, nil
}
