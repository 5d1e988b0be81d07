// Relay Consume — долгоживущий consumer очереди.
//
// Consumer:
//   - Объявляет durable очередь и привязывает её к exchange
//   - Получает сообщения с prefetch (RELAY_PREFETCH, по умолчанию 5)
//   - Логирует и подтверждает каждое сообщение
//   - Переподключается через RELAY_RECONNECT_DELAY после обрыва
//   - По SIGINT/SIGTERM: cancel → close channel → close connection
//
// Если задан RELAY_DB_URL, конверты сохраняются в Postgres.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaiso/relay/internal/cli"
	"github.com/shaiso/relay/internal/config"
	"github.com/shaiso/relay/internal/mq"
	"github.com/shaiso/relay/internal/repo"
	"github.com/shaiso/relay/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger("relay-consume")
	logger.Info("starting relay-consume", "version", version)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("configuration loaded", "config", cfg.String())

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	opts := cli.ConsumeOptions{
		MetricsAddr: cfg.MetricsAddr,
		Gatherer:    prometheus.DefaultGatherer,
		Logger:      logger,
	}

	// Postgres (опционально)
	if cfg.DatabaseURL != "" {
		pool, err := repo.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		envelopes := repo.NewEnvelopeRepo(pool)
		if err := envelopes.EnsureSchema(ctx); err != nil {
			logger.Error("failed to prepare schema", "error", err)
			pool.Close()
			os.Exit(1)
		}
		logger.Info("database connected")
		opts.Store = envelopes
	}

	opts.ConsumerFn = func(handler mq.Handler) cli.Consumer {
		return mq.NewConsumer(mq.ConsumerConfig{
			URL:  cfg.AMQPURL(),
			AMQP: cfg.AMQPConfig("relay-consume"),
			Topology: mq.Topology{
				Exchange:        mq.Exchange(cfg.Exchange),
				ExchangeKind:    cfg.ExchangeKind,
				Queue:           mq.Queue(cfg.Queue),
				DeclareExchange: cfg.DeclareExchange,
			},
			Prefetch:       cfg.Prefetch,
			ReconnectDelay: cfg.ReconnectDelay,
			Handler:        handler,
			Logger:         logger,
			Metrics:        metrics,
		})
	}

	cmd := cli.NewConsumeCmd(opts)
	cmd.Version = version

	if err := cmd.ExecuteContext(ctx); err != nil {
		logger.Error("consumer failed", "error", err)
		cancel()
		os.Exit(1)
	}
	logger.Info("relay-consume stopped")
}
