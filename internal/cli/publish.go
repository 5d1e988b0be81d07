package cli

import (
	"context"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/shaiso/relay/internal/domain"
)

// Publisher — то, что команде publish нужно от mq.Publisher.
type Publisher interface {
	Publish(ctx context.Context, env domain.Envelope) error
	Close() error
}

// NewPublishCmd создаёт команду, которая публикует один конверт.
//
// Флаги не разбираются: все аргументы — текст сообщения. Ошибка публикации
// логируется и возвращается (процесс завершается с кодом 1); соединение
// закрывается в любом случае.
func NewPublishCmd(publisherFn func() Publisher, logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:                "relay-publish [message words...]",
		Short:              "Publish one JSON envelope to the exchange",
		DisableFlagParsing: true,
		SilenceUsage:       true,
		SilenceErrors:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := domain.NewEnvelopeFromArgs(time.Now(), args)
			p := publisherFn()

			defer func() {
				if err := p.Close(); err != nil {
					logger.Warn("close publisher failed", "error", err)
				}
			}()

			if err := p.Publish(cmd.Context(), env); err != nil {
				logger.Error(" [x] NOT Sent", "envelope", env.String(), "error", err)
				return err
			}

			logger.Info(" [x] Sent", "envelope", env.String())
			return nil
		},
	}
}
