package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrInvalidConfig — конфигурация не прошла проверку.
var ErrInvalidConfig = errors.New("invalid config")

// Значения по умолчанию.
const (
	DefaultHost           = "localhost"
	DefaultPort           = 5672
	DefaultVhost          = "/"
	DefaultUser           = "admin"
	DefaultPassword       = "admin"
	DefaultExchange       = "my_exchange"
	DefaultExchangeKind   = amqp.ExchangeDirect
	DefaultQueue          = "my_queue"
	DefaultPrefetch       = 5
	DefaultPublishBackoff = 5 * time.Second
	DefaultReconnectDelay = 10 * time.Second
	DefaultHeartbeat      = 10 * time.Second
	DefaultMetricsAddr    = ":9102"
)

// Config — настройки publisher и consumer.
//
// Все значения читаются из переменных окружения (см. Load).
type Config struct {
	// URL — полный AMQP URL; если задан, Host/Port/Vhost/User/Password игнорируются.
	URL string

	Host     string
	Port     int
	Vhost    string
	User     string
	Password string

	// Topology
	Exchange        string
	ExchangeKind    string
	DeclareExchange bool
	Queue           string

	// Consumer
	Prefetch       int
	ReconnectDelay time.Duration

	// Publisher
	PublishBackoff     time.Duration
	PublishMaxAttempts int // 0 — без ограничения

	Heartbeat time.Duration

	// MetricsAddr — адрес HTTP для /metrics и /healthz; пусто — выключено.
	MetricsAddr string

	// DatabaseURL — DSN Postgres для сохранения полученных конвертов; пусто — выключено.
	DatabaseURL string
}

// Default возвращает конфигурацию по умолчанию.
func Default() Config {
	return Config{
		Host:            DefaultHost,
		Port:            DefaultPort,
		Vhost:           DefaultVhost,
		User:            DefaultUser,
		Password:        DefaultPassword,
		Exchange:        DefaultExchange,
		ExchangeKind:    DefaultExchangeKind,
		DeclareExchange: false,
		Queue:           DefaultQueue,
		Prefetch:        DefaultPrefetch,
		ReconnectDelay:  DefaultReconnectDelay,
		PublishBackoff:  DefaultPublishBackoff,
		Heartbeat:       DefaultHeartbeat,
		MetricsAddr:     DefaultMetricsAddr,
	}
}

// Load читает конфигурацию из окружения поверх Default и проверяет её.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

func load(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	dur := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	flag := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}

	str("RABBITMQ_URL", &cfg.URL)
	str("RABBITMQ_HOST", &cfg.Host)
	num("RABBITMQ_PORT", &cfg.Port)
	str("RABBITMQ_VHOST", &cfg.Vhost)
	str("RABBITMQ_USER", &cfg.User)
	str("RABBITMQ_PASSWORD", &cfg.Password)

	str("RELAY_EXCHANGE", &cfg.Exchange)
	str("RELAY_EXCHANGE_KIND", &cfg.ExchangeKind)
	flag("RELAY_DECLARE_EXCHANGE", &cfg.DeclareExchange)
	str("RELAY_QUEUE", &cfg.Queue)

	num("RELAY_PREFETCH", &cfg.Prefetch)
	dur("RELAY_RECONNECT_DELAY", &cfg.ReconnectDelay)
	dur("RELAY_PUBLISH_BACKOFF", &cfg.PublishBackoff)
	num("RELAY_PUBLISH_MAX_ATTEMPTS", &cfg.PublishMaxAttempts)
	dur("RELAY_HEARTBEAT", &cfg.Heartbeat)

	str("RELAY_METRICS_ADDR", &cfg.MetricsAddr)
	str("RELAY_DB_URL", &cfg.DatabaseURL)

	if len(errs) > 0 {
		return cfg, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate проверяет значения конфигурации.
func (c Config) Validate() error {
	var errs []error

	if c.URL != "" {
		if _, err := amqp.ParseURI(c.URL); err != nil {
			errs = append(errs, fmt.Errorf("RABBITMQ_URL: %w", err))
		}
	} else {
		if c.Host == "" {
			errs = append(errs, errors.New("host is required"))
		}
		if c.Port <= 0 || c.Port > 65535 {
			errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
		}
	}

	if c.Exchange == "" {
		errs = append(errs, errors.New("exchange is required"))
	}
	if c.Queue == "" {
		errs = append(errs, errors.New("queue is required"))
	}
	switch c.ExchangeKind {
	case amqp.ExchangeDirect, amqp.ExchangeFanout, amqp.ExchangeTopic, amqp.ExchangeHeaders:
	default:
		errs = append(errs, fmt.Errorf("unknown exchange kind %q", c.ExchangeKind))
	}
	if c.Prefetch <= 0 {
		errs = append(errs, fmt.Errorf("prefetch must be positive, got %d", c.Prefetch))
	}
	if c.ReconnectDelay <= 0 {
		errs = append(errs, errors.New("reconnect delay must be positive"))
	}
	if c.PublishBackoff <= 0 {
		errs = append(errs, errors.New("publish backoff must be positive"))
	}
	if c.PublishMaxAttempts < 0 {
		errs = append(errs, errors.New("publish max attempts must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// AMQPURL возвращает URL подключения к брокеру.
func (c Config) AMQPURL() string {
	if c.URL != "" {
		return c.URL
	}

	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    c.Vhost,
	}
	return uri.String()
}

// RedactedURL возвращает URL без пароля для логов.
func (c Config) RedactedURL() string {
	uri, err := amqp.ParseURI(c.AMQPURL())
	if err != nil {
		return "<invalid url>"
	}
	if uri.Password != "" {
		uri.Password = "xxxxx"
	}
	return uri.String()
}

// AMQPConfig возвращает параметры соединения amqp091.
// name попадает в свойство connection_name (видно в management UI).
func (c Config) AMQPConfig(name string) amqp.Config {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(name)

	cfg := amqp.Config{
		Heartbeat:  c.Heartbeat,
		Locale:     "en_US",
		Properties: props,
	}

	// vhost из URL имеет приоритет, когда URL задан целиком
	if c.URL == "" {
		cfg.Vhost = c.Vhost
	}

	return cfg
}

// String возвращает краткое описание без секретов.
func (c Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "broker=%s exchange=%s(%s) queue=%s prefetch=%d",
		c.RedactedURL(), c.Exchange, c.ExchangeKind, c.Queue, c.Prefetch)
	return b.String()
}
