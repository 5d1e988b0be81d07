package mq

import (
	"errors"
	"fmt"
	"io"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Ошибки пакета.
var (
	// ErrRetryExhausted — публикация не удалась за MaxAttempts попыток.
	ErrRetryExhausted = errors.New("publish retry attempts exhausted")

	// ErrDeliveriesClosed — библиотека закрыла канал доставок без причины.
	ErrDeliveriesClosed = errors.New("deliveries channel closed")

	// ErrConsumerCancelled — брокер отменил consumer (например, очередь удалена).
	ErrConsumerCancelled = errors.New("consumer cancelled by broker")

	// ErrUnrecoverable — переподключение не поможет (учётные данные, vhost, права).
	ErrUnrecoverable = errors.New("unrecoverable broker error")
)

// IsRetryable сообщает, стоит ли повторить публикацию после переподключения.
//
// Повторяются: соединение/канал уже закрыты, несовместимость протокола
// (битый фрейм, синтаксис, обрыв при рукопожатии), принудительное закрытие брокером.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, amqp.ErrClosed) ||
		errors.Is(err, amqp.ErrFrame) ||
		errors.Is(err, amqp.ErrSyntax) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var aerr *amqp.Error
	if errors.As(err, &aerr) {
		switch aerr.Code {
		case amqp.ConnectionForced, amqp.ChannelError, amqp.FrameError, amqp.SyntaxError:
			return true
		}
	}

	return false
}

// IsFatal сообщает, что ошибку нельзя исправить переподключением:
// неверные учётные данные, vhost или права доступа.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, amqp.ErrCredentials) ||
		errors.Is(err, amqp.ErrVhost) ||
		errors.Is(err, amqp.ErrSASL) {
		return true
	}

	var aerr *amqp.Error
	if errors.As(err, &aerr) {
		return aerr.Code == amqp.AccessRefused || aerr.Code == amqp.NotAllowed
	}

	return false
}

// replyOf возвращает код и текст причины закрытия для логов.
func replyOf(err error) (int, string) {
	var aerr *amqp.Error
	if errors.As(err, &aerr) {
		return aerr.Code, aerr.Reason
	}
	if err == nil {
		return 0, ""
	}
	return 0, err.Error()
}

// closeReason превращает значение из NotifyClose в ошибку.
// nil означает штатное закрытие без ошибки.
func closeReason(what string, aerr *amqp.Error) error {
	if aerr == nil {
		return fmt.Errorf("%s closed", what)
	}
	return fmt.Errorf("%s closed: %w", what, aerr)
}
