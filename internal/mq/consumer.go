package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/relay/internal/domain"
	"github.com/shaiso/relay/internal/telemetry"
)

// Default configuration values.
const (
	DefaultPrefetch       = 5
	DefaultReconnectDelay = 10 * time.Second
)

// Handler — внешняя обработка конверта.
// Возвращает error, если обработка не удалась (сообщение будет nack).
// Вызывается из цикла consumer: долгую работу нужно отдавать в отдельный worker.
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	// Envelope — распарсенный конверт.
	Envelope domain.Envelope

	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// MessageID возвращает AMQP message-id (пусто, если отправитель его не задал).
func (d *Delivery) MessageID() string {
	return d.Raw.MessageId
}

// Consumer — долгоживущий потребитель очереди с переподключением.
//
// Вся работа с брокером идёт в одной горутине — цикле Run: объявления,
// доставки, ack и teardown. Поэтому соединение и канал не требуют блокировок.
// Stop можно вызывать из любой горутины: он только просит цикл остановиться.
type Consumer struct {
	url            string
	amqpCfg        amqp.Config
	topology       Topology
	prefetch       int
	reconnectDelay time.Duration
	handler        Handler

	dial    Dialer
	sleep   Sleeper
	newTag  func() string
	logger  *slog.Logger
	metrics *telemetry.Metrics

	state atomic.Int32

	// closing — остановка запрошена оператором; после неё переподключений нет.
	// Читается и пишется только из Run.
	closing bool

	mu            sync.Mutex
	cancelFunc    context.CancelFunc
	stopRequested bool
}

// ConsumerConfig — конфигурация Consumer.
type ConsumerConfig struct {
	// URL — AMQP URL брокера.
	URL string

	// AMQP — параметры соединения.
	AMQP amqp.Config

	// Topology — exchange, очередь и привязка.
	Topology Topology

	// Prefetch — максимум неподтверждённых доставок (default: 5).
	Prefetch int

	// ReconnectDelay — пауза перед переподключением (default: 10s).
	ReconnectDelay time.Duration

	// Handler — обработчик (опционально; без него сообщения только логируются).
	Handler Handler

	// Dialer (опционально; если nil — DialAMQP).
	Dialer Dialer

	// Sleeper (опционально; если nil — SleepContext).
	Sleeper Sleeper

	// ConsumerTag генерирует consumer tag (опционально; если nil — uuid).
	ConsumerTag func() string

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// NewConsumer создаёт новый Consumer в состоянии DISCONNECTED.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}

	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}

	dial := cfg.Dialer
	if dial == nil {
		dial = DialAMQP
	}

	sleep := cfg.Sleeper
	if sleep == nil {
		sleep = SleepContext
	}

	newTag := cfg.ConsumerTag
	if newTag == nil {
		newTag = func() string { return "relay-" + uuid.New().String() }
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics(nil)
	}

	return &Consumer{
		url:            cfg.URL,
		amqpCfg:        cfg.AMQP,
		topology:       cfg.Topology.withDefaults(),
		prefetch:       prefetch,
		reconnectDelay: delay,
		handler:        cfg.Handler,
		dial:           dial,
		sleep:          sleep,
		newTag:         newTag,
		logger:         logger,
		metrics:        metrics,
	}
}

// State возвращает текущее состояние.
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	c.state.Store(int32(s))
	c.metrics.ConsumerState.Set(float64(s))
	c.logger.Debug("state changed", "state", s.String())
}

// Run — цикл consumer. Блокирует до Stop (или отмены ctx) и тогда
// возвращает nil. Ошибку возвращает только при неисправимой ошибке
// подключения (учётные данные, vhost).
func (c *Consumer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.stopRequested {
		c.mu.Unlock()
		return nil
	}
	c.cancelFunc = cancel
	c.mu.Unlock()

	log := telemetry.WithOp(c.logger, "run")
	log.Info("starting consumer",
		"topology", c.topology.Describe(),
		"prefetch", c.prefetch,
	)

	for {
		err := c.session(ctx)

		if c.closing || ctx.Err() != nil {
			c.closing = true
			c.setState(StateDisconnected)
			log.Info("stopped")
			return nil
		}

		if errors.Is(err, ErrUnrecoverable) {
			c.setState(StateDisconnected)
			log.Error("giving up", "error", err)
			return err
		}

		code, text := replyOf(err)
		telemetry.WithOp(c.logger, "on_connection_closed").Warn("connection closed, reopening",
			"delay", c.reconnectDelay,
			"reply_code", code,
			"reply_text", text,
		)
		c.setState(StateReconnecting)
		c.metrics.Reconnects.Inc()

		if err := c.sleep(ctx, c.reconnectDelay); err != nil {
			c.closing = true
			c.setState(StateDisconnected)
			log.Info("stopped")
			return nil
		}
	}
}

// Stop просит цикл остановиться: отменить consumer, закрыть канал,
// закрыть соединение — в этом порядке. Идемпотентен.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.stopRequested {
		c.logger.Info("stopping")
	}
	c.stopRequested = true

	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

// session — одно подключение: connect → channel → setup → consume.
// Возвращает причину, по которой подключение закончилось.
func (c *Consumer) session(ctx context.Context) error {
	if ctx.Err() != nil {
		return nil
	}

	c.setState(StateConnecting)
	log := telemetry.WithOp(c.logger, "connect")
	log.Info("connecting")

	conn, err := c.dial(c.url, c.amqpCfg)
	if err != nil {
		if IsFatal(err) {
			return fmt.Errorf("%w: dial amqp: %w", ErrUnrecoverable, err)
		}
		return fmt.Errorf("dial amqp: %w", err)
	}
	log.Info("connection opened")

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))

	log.Info("creating a new channel")
	ch, err := conn.Channel()
	if err != nil {
		closeQuietly(nil, conn)
		return fmt.Errorf("open channel: %w", err)
	}
	c.setState(StateChannelOpen)

	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancelled := ch.NotifyCancel(make(chan string, 1))

	tag, deliveries, err := c.setup(ch)
	if err != nil {
		// Объявления не повторяются отдельно: закрываем всё и идём
		// через переподключение с начала.
		telemetry.WithOp(c.logger, "setup_queue").Warn("setup failed", "error", err)
		closeQuietly(ch, conn)
		return err
	}

	return c.consume(ctx, conn, ch, tag, deliveries, connClosed, chClosed, cancelled)
}

// setup: qos → exchange → queue → bind → consume.
func (c *Consumer) setup(ch Channel) (string, <-chan amqp.Delivery, error) {
	log := telemetry.WithOp(c.logger, "setup_queue")
	log.Info("channel opened")

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return "", nil, fmt.Errorf("set qos: %w", err)
	}

	if err := c.topology.DeclareExchangeOn(ch); err != nil {
		return "", nil, err
	}

	if err := c.topology.DeclareQueueOn(ch); err != nil {
		return "", nil, err
	}
	c.setState(StateQueueReady)

	if err := c.topology.BindOn(ch); err != nil {
		return "", nil, err
	}
	c.setState(StateBound)
	log.Info("queue bound", "exchange", c.topology.Exchange, "queue", c.topology.Queue)

	tag := c.newTag()
	log.Info("issuing consumer related RPC commands", "consumer_tag", tag)

	deliveries, err := ch.Consume(
		string(c.topology.Queue), // queue
		tag,                      // consumer tag
		false,                    // auto-ack (ack вручную)
		false,                    // exclusive
		false,                    // no-local
		false,                    // no-wait
		nil,                      // args
	)
	if err != nil {
		return "", nil, fmt.Errorf("consume: %w", err)
	}
	c.setState(StateConsuming)

	return tag, deliveries, nil
}

// consume обрабатывает доставки до остановки или потери соединения.
func (c *Consumer) consume(
	ctx context.Context,
	conn Connection,
	ch Channel,
	tag string,
	deliveries <-chan amqp.Delivery,
	connClosed <-chan *amqp.Error,
	chClosed <-chan *amqp.Error,
	cancelled <-chan string,
) error {
	// Обработчик доводит текущее сообщение до конца даже во время Stop.
	handlerCtx := telemetry.WithLogger(context.WithoutCancel(ctx), c.logger)

	for {
		// Остановка важнее ожидающих доставок: select выбирает
		// готовый case случайно.
		select {
		case <-ctx.Done():
			c.closing = true
			c.shutdown(conn, ch, tag)
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			c.closing = true
			c.shutdown(conn, ch, tag)
			return nil

		case raw, ok := <-deliveries:
			if !ok {
				err := drainReason(connClosed, chClosed)
				closeQuietly(ch, conn)
				return err
			}
			if ctx.Err() != nil {
				// Без ack: брокер вернёт сообщение в очередь после закрытия канала.
				c.closing = true
				c.shutdown(conn, ch, tag)
				return nil
			}
			c.handleDelivery(handlerCtx, raw)

		case aerr := <-connClosed:
			closeQuietly(ch, conn)
			return closeReason("connection", aerr)

		case aerr := <-chClosed:
			code, text := replyOf(aerr)
			telemetry.WithOp(c.logger, "on_channel_closed").Warn("channel was closed",
				"reply_code", code,
				"reply_text", text,
			)
			c.setState(StateConnectionClosing)
			closeQuietly(nil, conn)
			return closeReason("channel", aerr)

		case remoteTag, ok := <-cancelled:
			if !ok {
				// канал закрыт вместе с AMQP каналом; причину дадут notify close
				cancelled = nil
				continue
			}
			telemetry.WithOp(c.logger, "on_consumer_cancelled").Info("consumer was cancelled remotely, shutting down",
				"consumer_tag", remoteTag,
			)
			c.setState(StateChannelClosing)
			closeQuietly(ch, conn)
			return fmt.Errorf("%w: %s", ErrConsumerCancelled, remoteTag)
		}
	}
}

// drainReason ищет причину закрытия, когда канал доставок закрылся.
func drainReason(connClosed, chClosed <-chan *amqp.Error) error {
	select {
	case aerr := <-connClosed:
		return closeReason("connection", aerr)
	default:
	}
	select {
	case aerr := <-chClosed:
		return closeReason("channel", aerr)
	default:
	}
	return ErrDeliveriesClosed
}

// shutdown — штатная остановка: cancel (ждём cancel-ok) → channel close → connection close.
func (c *Consumer) shutdown(conn Connection, ch Channel, tag string) {
	log := telemetry.WithOp(c.logger, "stop")

	c.setState(StateCancelling)
	log.Info("sending a Basic.Cancel RPC command to RabbitMQ", "consumer_tag", tag)
	// noWait=false: Cancel возвращается после cancel-ok от брокера
	if err := ch.Cancel(tag, false); err != nil {
		log.Warn("cancel consumer failed", "consumer_tag", tag, "error", err)
	} else {
		log.Info("RabbitMQ acknowledged the cancellation of the consumer")
	}

	c.setState(StateChannelClosing)
	log.Info("closing the channel")
	if !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			log.Warn("close channel failed", "error", err)
		}
	}

	c.setState(StateConnectionClosing)
	log.Info("closing connection")
	if !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			log.Warn("close connection failed", "error", err)
		}
	}

	c.setState(StateDisconnected)
}

// handleDelivery обрабатывает одно сообщение.
// Каждая доставка завершается ack, nack с возвратом в очередь или reject.
func (c *Consumer) handleDelivery(ctx context.Context, raw amqp.Delivery) {
	log := telemetry.WithOp(c.logger, "on_message")

	env, err := domain.DecodeEnvelope(raw.Body)
	if err != nil {
		log.Error("failed to decode message",
			"delivery_tag", raw.DeliveryTag,
			"error", err,
			"body", string(raw.Body),
		)
		// Некорректное сообщение — повтор не поможет
		c.settle(log, raw, telemetry.OutcomeReject)
		return
	}

	log.Info(" [x] Received",
		"time", env.Time,
		"message", env.Message,
		"delivery_tag", raw.DeliveryTag,
		"message_id", raw.MessageId,
		"redelivered", raw.Redelivered,
	)

	if c.handler != nil {
		delivery := &Delivery{Envelope: env, Raw: raw}
		if err := c.callHandler(ctx, delivery); err != nil {
			// Первая неудача — вернуть в очередь; повторная — отбросить,
			// чтобы сообщение не крутилось бесконечно.
			outcome := telemetry.OutcomeRequeue
			if raw.Redelivered {
				outcome = telemetry.OutcomeReject
			}
			log.Error("handler failed",
				"delivery_tag", raw.DeliveryTag,
				"message_id", raw.MessageId,
				"outcome", outcome,
				"error", err,
			)
			c.settle(log, raw, outcome)
			return
		}
	}

	c.settle(log, raw, telemetry.OutcomeAck)
}

func (c *Consumer) callHandler(ctx context.Context, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return c.handler(ctx, d)
}

// settle подтверждает или отклоняет доставку по delivery tag.
func (c *Consumer) settle(log *slog.Logger, raw amqp.Delivery, outcome string) {
	var err error
	switch outcome {
	case telemetry.OutcomeAck:
		err = raw.Ack(false)
	case telemetry.OutcomeRequeue:
		err = raw.Nack(false, true)
	default:
		err = raw.Nack(false, false)
	}

	if err != nil {
		log.Warn("settle delivery failed",
			"delivery_tag", raw.DeliveryTag,
			"outcome", outcome,
			"error", err,
		)
		return
	}
	c.metrics.Deliveries.WithLabelValues(outcome).Inc()
}
