// Relay Publish — публикует один JSON-конверт и завершается.
//
// Использование:
//
//	relay-publish hello world
//
// Все аргументы — текст сообщения. Конверт {"time": ..., "message": ...}
// уходит persistent-сообщением в exchange (по умолчанию my_exchange).
// При обрыве соединения публикация повторяется через RELAY_PUBLISH_BACKOFF.
// Код возврата 1, если сообщение не отправлено.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/relay/internal/cli"
	"github.com/shaiso/relay/internal/config"
	"github.com/shaiso/relay/internal/mq"
	"github.com/shaiso/relay/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	logger := telemetry.SetupLogger("relay-publish")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	publisherFn := func() cli.Publisher {
		return mq.NewPublisher(mq.PublisherConfig{
			URL:  cfg.AMQPURL(),
			AMQP: cfg.AMQPConfig("relay-publish"),
			Topology: mq.Topology{
				Exchange:        mq.Exchange(cfg.Exchange),
				ExchangeKind:    cfg.ExchangeKind,
				Queue:           mq.Queue(cfg.Queue),
				DeclareExchange: cfg.DeclareExchange,
			},
			Backoff:     cfg.PublishBackoff,
			MaxAttempts: cfg.PublishMaxAttempts,
			Logger:      logger,
		})
	}

	cmd := cli.NewPublishCmd(publisherFn, logger)
	cmd.Version = version

	if err := cmd.ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}
