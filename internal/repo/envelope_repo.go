package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/relay/internal/domain"
)

// StoredEnvelope — конверт, сохранённый consumer'ом.
type StoredEnvelope struct {
	MessageID  string
	Envelope   domain.Envelope
	ReceivedAt time.Time
}

// EnvelopeRepo — репозиторий полученных конвертов.
//
// message_id уникален: повторная доставка того же сообщения
// (at-least-once) не создаёт вторую запись.
type EnvelopeRepo struct {
	pool *pgxpool.Pool
}

// NewEnvelopeRepo создаёт новый EnvelopeRepo.
func NewEnvelopeRepo(pool *pgxpool.Pool) *EnvelopeRepo {
	return &EnvelopeRepo{pool: pool}
}

// EnsureSchema создаёт таблицу envelopes, если её нет.
func (r *EnvelopeRepo) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS envelopes (
			message_id  TEXT PRIMARY KEY,
			time        TEXT NOT NULL,
			message     TEXT NOT NULL,
			received_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create envelopes table: %w", err)
	}
	return nil
}

// Save сохраняет конверт.
// Пустой messageID (отправитель его не задал) заменяется на новый uuid.
// Возвращает ErrAlreadyExists, если конверт с таким messageID уже сохранён.
func (r *EnvelopeRepo) Save(ctx context.Context, messageID string, env domain.Envelope) error {
	if messageID == "" {
		messageID = uuid.New().String()
	}

	query := `
		INSERT INTO envelopes (message_id, time, message)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query, messageID, env.Time, env.Message)
	if err != nil {
		return fmt.Errorf("insert envelope: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("envelope %s: %w", messageID, ErrAlreadyExists)
	}
	return nil
}

// GetByMessageID возвращает сохранённый конверт.
func (r *EnvelopeRepo) GetByMessageID(ctx context.Context, messageID string) (*StoredEnvelope, error) {
	query := `
		SELECT message_id, time, message, received_at
		FROM envelopes
		WHERE message_id = $1
	`
	var s StoredEnvelope
	err := r.pool.QueryRow(ctx, query, messageID).Scan(
		&s.MessageID,
		&s.Envelope.Time,
		&s.Envelope.Message,
		&s.ReceivedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get envelope: %w", err)
	}
	return &s, nil
}

// Count возвращает число сохранённых конвертов.
func (r *EnvelopeRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `SELECT count(*) FROM envelopes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count envelopes: %w", err)
	}
	return n, nil
}
