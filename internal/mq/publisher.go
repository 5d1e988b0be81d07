package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/relay/internal/domain"
	"github.com/shaiso/relay/internal/telemetry"
)

// DefaultPublishBackoff — пауза перед повторной публикацией.
const DefaultPublishBackoff = 5 * time.Second

// Publisher публикует конверты в exchange.
//
// Синхронный и однопоточный: один Publish за раз.
// Соединение открывается лениво при первой публикации и заново —
// после транспортной ошибки.
type Publisher struct {
	url      string
	amqpCfg  amqp.Config
	topology Topology

	backoff     time.Duration
	maxAttempts int

	dial    Dialer
	sleep   Sleeper
	newID   func() string
	logger  *slog.Logger
	metrics *telemetry.Metrics

	conn    Connection
	channel Channel
}

// PublisherConfig — конфигурация Publisher.
type PublisherConfig struct {
	// URL — AMQP URL брокера.
	URL string

	// AMQP — параметры соединения (vhost, heartbeat, свойства клиента).
	AMQP amqp.Config

	// Topology — куда публиковать. Очередь publisher не объявляет.
	Topology Topology

	// Backoff — пауза перед повтором (default: 5s).
	Backoff time.Duration

	// MaxAttempts — лимит попыток; 0 — без ограничения.
	MaxAttempts int

	// Dialer (опционально; если nil — DialAMQP).
	Dialer Dialer

	// Sleeper (опционально; если nil — SleepContext).
	Sleeper Sleeper

	// MessageID генерирует AMQP message-id (опционально; если nil — uuid).
	MessageID func() string

	Logger *slog.Logger

	// Metrics (опционально; если nil — счётчики ведутся, но никуда не экспортируются).
	Metrics *telemetry.Metrics
}

// NewPublisher создаёт новый Publisher. Соединение не открывается.
func NewPublisher(cfg PublisherConfig) *Publisher {
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = DefaultPublishBackoff
	}

	dial := cfg.Dialer
	if dial == nil {
		dial = DialAMQP
	}

	sleep := cfg.Sleeper
	if sleep == nil {
		sleep = SleepContext
	}

	newID := cfg.MessageID
	if newID == nil {
		newID = func() string { return uuid.New().String() }
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}

	return &Publisher{
		url:         cfg.URL,
		amqpCfg:     cfg.AMQP,
		topology:    cfg.Topology.withDefaults(),
		backoff:     backoff,
		maxAttempts: cfg.MaxAttempts,
		dial:        dial,
		sleep:       sleep,
		newID:       newID,
		logger:      logger,
		metrics:     metrics,
	}
}

// Publish публикует конверт как persistent JSON сообщение.
//
// При транспортной ошибке (см. IsRetryable) ждёт backoff, переподключается
// и отправляет то же тело с тем же message-id заново. Остальные ошибки
// возвращаются сразу.
//
// Повтор после ошибки, пришедшей уже после того, как брокер сохранил
// сообщение, даёт дубликат: гарантия at-least-once.
func (p *Publisher) Publish(ctx context.Context, env domain.Envelope) error {
	log := telemetry.WithOp(p.logger, "publish")

	body, err := env.Marshal()
	if err != nil {
		p.metrics.PublishFailures.Inc()
		return err
	}
	msgID := p.newID()

	for attempt := 1; ; attempt++ {
		err := p.publishOnce(ctx, body, msgID)
		if err == nil {
			p.metrics.Published.Inc()
			log.Debug("published message",
				"exchange", p.topology.Exchange,
				"routing_key", p.topology.RoutingKey,
				"message_id", msgID,
				"attempt", attempt,
			)
			return nil
		}

		if !IsRetryable(err) {
			p.metrics.PublishFailures.Inc()
			return fmt.Errorf("publish to %s: %w", p.topology.Exchange, err)
		}

		if p.maxAttempts > 0 && attempt >= p.maxAttempts {
			p.metrics.PublishFailures.Inc()
			return fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
		}

		log.Info("reconnecting to broker",
			"delay", p.backoff,
			"attempt", attempt,
			"error", err,
		)
		p.metrics.PublishRetries.Inc()
		p.reset()

		if err := p.sleep(ctx, p.backoff); err != nil {
			p.metrics.PublishFailures.Inc()
			return fmt.Errorf("publish to %s: %w", p.topology.Exchange, err)
		}
	}
}

// publishOnce — одна попытка: соединение (если нужно) и отправка.
func (p *Publisher) publishOnce(ctx context.Context, body []byte, msgID string) error {
	if err := p.connect(); err != nil {
		return err
	}

	return p.channel.PublishWithContext(
		ctx,
		string(p.topology.Exchange),   // exchange
		string(p.topology.RoutingKey), // routing key
		false,                         // mandatory
		false,                         // immediate
		amqp.Publishing{
			ContentType:  domain.ContentType,
			DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт брокера
			MessageId:    msgID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

// connect открывает соединение и канал, если их нет или они закрыты.
func (p *Publisher) connect() error {
	if p.conn != nil && !p.conn.IsClosed() && p.channel != nil && !p.channel.IsClosed() {
		return nil
	}
	p.reset()

	log := telemetry.WithOp(p.logger, "connect")
	log.Info("connecting")

	conn, err := p.dial(p.url, p.amqpCfg)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := p.topology.DeclareExchangeOn(ch); err != nil {
		closeQuietly(ch, conn)
		return err
	}

	p.conn = conn
	p.channel = ch

	return nil
}

// reset отбрасывает текущее соединение.
func (p *Publisher) reset() {
	closeQuietly(p.channel, p.conn)
	p.channel = nil
	p.conn = nil
}

// Close закрывает соединение. Безопасно вызывать, если соединения не было.
func (p *Publisher) Close() error {
	telemetry.WithOp(p.logger, "close").Info("closing queue connection")

	var errs []error

	if p.channel != nil && !p.channel.IsClosed() {
		if err := p.channel.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}

	if p.conn != nil && !p.conn.IsClosed() {
		if err := p.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	p.channel = nil
	p.conn = nil

	return errors.Join(errs...)
}
