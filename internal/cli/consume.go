package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shaiso/relay/internal/domain"
	"github.com/shaiso/relay/internal/mq"
	"github.com/shaiso/relay/internal/repo"
	"github.com/shaiso/relay/internal/telemetry"
)

// Consumer — то, что команде consume нужно от mq.Consumer.
type Consumer interface {
	Run(ctx context.Context) error
	State() mq.State
}

// EnvelopeStore сохраняет полученные конверты (repo.EnvelopeRepo).
type EnvelopeStore interface {
	Save(ctx context.Context, messageID string, env domain.Envelope) error
}

// ConsumeOptions — зависимости команды consume.
type ConsumeOptions struct {
	// ConsumerFn создаёт consumer с заданным обработчиком (nil — только лог и ack).
	ConsumerFn func(handler mq.Handler) Consumer

	// Store (опционально) — куда сохранять конверты.
	Store EnvelopeStore

	// MetricsAddr — адрес для /healthz и /metrics; пусто — HTTP не поднимается.
	MetricsAddr string

	// Gatherer — источник метрик для /metrics (default: prometheus.DefaultGatherer).
	Gatherer prometheus.Gatherer

	Logger *slog.Logger
}

// NewConsumeCmd создаёт команду, которая потребляет очередь до SIGINT/SIGTERM.
// Контекст команды (cmd.Context) должен отменяться по сигналу.
func NewConsumeCmd(opts ConsumeOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "relay-consume",
		Short:         "Consume envelopes from the queue until interrupted",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := opts.Logger
			if logger == nil {
				logger = slog.Default()
			}

			var handler mq.Handler
			if opts.Store != nil {
				handler = StoreHandler(opts.Store)
			}
			c := opts.ConsumerFn(handler)

			if opts.MetricsAddr != "" {
				srv := newHTTPServer(opts.MetricsAddr, c.State, opts.Gatherer)
				go func() {
					logger.Info("listening", "addr", opts.MetricsAddr)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("http server error", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx) //nolint:errcheck
				}()
			}

			return c.Run(ctx)
		},
	}
}

// StoreHandler возвращает mq.Handler, который сохраняет конверт в store.
// Повторная доставка уже сохранённого сообщения логируется логгером
// из ctx и подтверждается.
func StoreHandler(store EnvelopeStore) mq.Handler {
	return func(ctx context.Context, msg *mq.Delivery) error {
		err := store.Save(ctx, msg.MessageID(), msg.Envelope)
		if errors.Is(err, repo.ErrAlreadyExists) {
			telemetry.FromContext(ctx).Info("duplicate envelope skipped", "message_id", msg.MessageID())
			return nil
		}
		return err
	}
}

// HealthHandler отвечает 200, пока consumer в состоянии CONSUMING, иначе 503.
func HealthHandler(state func() mq.State) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s := state()
		if s != mq.StateConsuming {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		w.Write([]byte(s.String())) //nolint:errcheck
	})
}

func newHTTPServer(addr string, state func() mq.State, gatherer prometheus.Gatherer) *http.Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", HealthHandler(state))
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
