package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradesim/internal/game"
	"tradesim/internal/store"
)

type Outbox struct {
	db *pgxpool.Pool
}

func NewOutbox(db *pgxpool.Pool) *Outbox {
	return &Outbox{db: db}
}

const outboxColumns = `id::text, event_type, payload, topic, status, retry_count, COALESCE(error_message, ''), processed_at, created_at`

func scanOutbox(row pgx.Row) (game.OutboxMessage, error) {
	var m game.OutboxMessage
	var payload []byte
	err := row.Scan(&m.ID, &m.EventType, &payload, &m.Topic, &m.Status, &m.RetryCount, &m.ErrorMessage, &m.ProcessedAt, &m.CreatedAt)
	m.Payload = payload
	return m, err
}

func insertOutbox(ctx context.Context, tx pgx.Tx, msgs ...game.OutboxMessage) error {
	for _, m := range msgs {
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO tradesim.outbox_messages (id, event_type, payload, topic, status, retry_count, created_at)
			VALUES ($1, $2, $3::jsonb, $4, 'PENDING', 0, $5)
		`, m.ID, m.EventType, string(m.Payload), m.Topic, createdAt); err != nil {
			return err
		}
	}
	return nil
}

func (o *Outbox) Append(ctx context.Context, msgs ...game.OutboxMessage) error {
	tx, err := o.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := insertOutbox(ctx, tx, msgs...); err != nil {
		if isUniqueViolation(err) {
			return store.ErrAlreadyExists
		}
		return err
	}
	return tx.Commit(ctx)
}

func (o *Outbox) query(ctx context.Context, sql string, args ...any) ([]game.OutboxMessage, error) {
	rows, err := o.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []game.OutboxMessage
	for rows.Next() {
		m, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (o *Outbox) FetchPending(ctx context.Context, limit int) ([]game.OutboxMessage, error) {
	return o.query(ctx, `
		SELECT `+outboxColumns+`
		FROM tradesim.outbox_messages
		WHERE status = 'PENDING'
		ORDER BY created_at, id
		LIMIT $1
	`, limit)
}

func (o *Outbox) FetchRetryable(ctx context.Context, maxRetries, limit int) ([]game.OutboxMessage, error) {
	return o.query(ctx, `
		SELECT `+outboxColumns+`
		FROM tradesim.outbox_messages
		WHERE status = 'FAILED' AND retry_count < $1
		ORDER BY created_at, id
		LIMIT $2
	`, maxRetries, limit)
}

func (o *Outbox) DeadLetters(ctx context.Context, maxRetries, limit int) ([]game.OutboxMessage, error) {
	return o.query(ctx, `
		SELECT `+outboxColumns+`
		FROM tradesim.outbox_messages
		WHERE status = 'FAILED' AND retry_count >= $1
		ORDER BY created_at, id
		LIMIT $2
	`, maxRetries, limit)
}

func (o *Outbox) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	return o.exec(ctx, `
		UPDATE tradesim.outbox_messages
		SET status = 'PROCESSED', processed_at = $2, error_message = NULL
		WHERE id = $1
	`, id, at)
}

func (o *Outbox) MarkFailed(ctx context.Context, id, errMsg string, incrementRetry bool) error {
	return o.exec(ctx, `
		UPDATE tradesim.outbox_messages
		SET status = 'FAILED',
		    error_message = $2,
		    retry_count = retry_count + CASE WHEN $3 THEN 1 ELSE 0 END
		WHERE id = $1
	`, id, errMsg, incrementRetry)
}

func (o *Outbox) Requeue(ctx context.Context, id string) error {
	return o.exec(ctx, `
		UPDATE tradesim.outbox_messages
		SET status = 'PENDING', retry_count = 0, error_message = NULL
		WHERE id = $1
	`, id)
}

func (o *Outbox) Get(ctx context.Context, id string) (game.OutboxMessage, error) {
	m, err := scanOutbox(o.db.QueryRow(ctx, `SELECT `+outboxColumns+` FROM tradesim.outbox_messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return m, store.ErrNotFound
	}
	return m, err
}

func (o *Outbox) exec(ctx context.Context, sql string, args ...any) error {
	cmd, err := o.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
