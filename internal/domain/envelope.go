package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ContentType — content type тела сообщения.
const ContentType = "application/json"

// ErrInvalidEnvelope — тело сообщения не является JSON-объектом конверта.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Envelope — конверт сообщения, который публикует publisher и читает consumer.
//
// Создаётся заново на каждую публикацию и больше не меняется.
// Time хранится строкой: конверты, созданные другими клиентами
// (например, без смещения зоны: "2024-01-01T00:00:00"), должны проходить
// через encode/decode без изменений.
type Envelope struct {
	// Time — момент создания в формате ISO-8601.
	Time string `json:"time"`

	// Message — произвольный текст.
	Message string `json:"message"`
}

// NewEnvelope создаёт конверт с временем now.
func NewEnvelope(now time.Time, message string) Envelope {
	return Envelope{
		Time:    now.Format(time.RFC3339Nano),
		Message: message,
	}
}

// NewEnvelopeFromArgs собирает текст из аргументов командной строки через пробел.
func NewEnvelopeFromArgs(now time.Time, args []string) Envelope {
	return NewEnvelope(now, strings.Join(args, " "))
}

// Marshal сериализует конверт в JSON.
func (e Envelope) Marshal() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return body, nil
}

// String возвращает JSON-представление для логов.
func (e Envelope) String() string {
	body, err := e.Marshal()
	if err != nil {
		return fmt.Sprintf("{time:%q message:%q}", e.Time, e.Message)
	}
	return string(body)
}

// DecodeEnvelope разбирает тело сообщения.
// Тело обязано быть JSON-объектом; неизвестные поля игнорируются.
func DecodeEnvelope(body []byte) (Envelope, error) {
	var env Envelope

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return env, fmt.Errorf("%w: body is not a JSON object", ErrInvalidEnvelope)
	}

	if err := json.Unmarshal(trimmed, &env); err != nil {
		return env, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	return env, nil
}
