// Package pgstore implements the player store, the trade log and the outbox
// on Postgres. Player rows are JSONB documents; outbox rows are written in the
// same transaction as the player mutation that produced them.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"tradesim/internal/game"
	"tradesim/internal/store"
)

type Users struct {
	db *pgxpool.Pool
}

func NewUsers(db *pgxpool.Pool) *Users {
	return &Users{db: db}
}

func (s *Users) Get(ctx context.Context, stockID, userID string) (game.StockUser, error) {
	var raw []byte
	err := s.db.QueryRow(ctx, `
		SELECT data
		FROM tradesim.stock_users
		WHERE stock_id = $1 AND user_id = $2
	`, stockID, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return game.StockUser{}, store.ErrNotFound
	}
	if err != nil {
		return game.StockUser{}, err
	}
	var u game.StockUser
	err = json.Unmarshal(raw, &u)
	return u, err
}

func (s *Users) ListBySession(ctx context.Context, stockID string) ([]game.StockUser, error) {
	rows, err := s.db.Query(ctx, `
		SELECT data
		FROM tradesim.stock_users
		WHERE stock_id = $1
		ORDER BY user_id
	`, stockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []game.StockUser
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var u game.StockUser
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Users) Count(ctx context.Context, stockID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(1) FROM tradesim.stock_users WHERE stock_id = $1`, stockID).Scan(&n)
	return n, err
}

func (s *Users) Create(ctx context.Context, u game.StockUser) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO tradesim.stock_users (stock_id, user_id, data)
		VALUES ($1, $2, $3::jsonb)
	`, u.StockID, u.UserID, string(raw))
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	return err
}

func (s *Users) Update(ctx context.Context, stockID, userID string, fn func(*game.StockUser) error, events ...game.OutboxMessage) (game.StockUser, error) {
	var out game.StockUser
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return out, err
	}
	defer tx.Rollback(ctx)

	var raw []byte
	err = tx.QueryRow(ctx, `
		SELECT data
		FROM tradesim.stock_users
		WHERE stock_id = $1 AND user_id = $2
		FOR UPDATE
	`, stockID, userID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, store.ErrNotFound
	}
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	if err := fn(&out); err != nil {
		return out, err
	}
	next, err := json.Marshal(out)
	if err != nil {
		return out, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE tradesim.stock_users
		SET data = $3::jsonb, updated_at = now()
		WHERE stock_id = $1 AND user_id = $2
	`, stockID, userID, string(next)); err != nil {
		return out, err
	}
	if err := insertOutbox(ctx, tx, events...); err != nil {
		return out, err
	}
	return out, tx.Commit(ctx)
}

func (s *Users) Delete(ctx context.Context, stockID, userID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM tradesim.stock_users WHERE stock_id = $1 AND user_id = $2`, stockID, userID)
	return err
}

func (s *Users) DeleteBySession(ctx context.Context, stockID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM tradesim.stock_users WHERE stock_id = $1`, stockID)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
