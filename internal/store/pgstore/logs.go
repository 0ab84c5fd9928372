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

type TradeLog struct {
	db *pgxpool.Pool
}

func NewTradeLog(db *pgxpool.Pool) *TradeLog {
	return &TradeLog{db: db}
}

const tradeLogColumns = `queue_id, stock_id, user_id, round, action, company, price, quantity, date, status, COALESCE(failed_reason, '')`

func scanTradeLog(row pgx.Row) (game.TradeLogEntry, error) {
	var e game.TradeLogEntry
	err := row.Scan(&e.QueueID, &e.StockID, &e.UserID, &e.Round, &e.Action, &e.Company, &e.Price, &e.Quantity, &e.Date, &e.Status, &e.FailedReason)
	return e, err
}

func (l *TradeLog) Claim(ctx context.Context, e game.TradeLogEntry) (game.TradeLogEntry, bool, error) {
	cmd, err := l.db.Exec(ctx, `
		INSERT INTO tradesim.trade_logs (queue_id, stock_id, user_id, round, action, company, price, quantity, date, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'QUEUING')
		ON CONFLICT (queue_id) DO NOTHING
	`, e.QueueID, e.StockID, e.UserID, e.Round, e.Action, e.Company, e.Price, e.Quantity, e.Date)
	if err != nil {
		return e, false, err
	}
	if cmd.RowsAffected() == 1 {
		e.Status = game.TradeQueuing
		return e, true, nil
	}
	existing, err := l.Get(ctx, e.QueueID)
	return existing, false, err
}

func (l *TradeLog) Finish(ctx context.Context, queueID string, status game.TradeStatus, reason string) error {
	cmd, err := l.db.Exec(ctx, `
		UPDATE tradesim.trade_logs
		SET status = $2, failed_reason = NULLIF($3, '')
		WHERE queue_id = $1 AND status = 'QUEUING'
	`, queueID, status, reason)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 1 {
		return nil
	}
	if _, err := l.Get(ctx, queueID); err != nil {
		return err
	}
	return store.ErrNotClaimable
}

func (l *TradeLog) Release(ctx context.Context, queueID string) error {
	_, err := l.db.Exec(ctx, `DELETE FROM tradesim.trade_logs WHERE queue_id = $1 AND status = 'QUEUING'`, queueID)
	return err
}

func (l *TradeLog) Get(ctx context.Context, queueID string) (game.TradeLogEntry, error) {
	e, err := scanTradeLog(l.db.QueryRow(ctx, `SELECT `+tradeLogColumns+` FROM tradesim.trade_logs WHERE queue_id = $1`, queueID))
	if errors.Is(err, pgx.ErrNoRows) {
		return e, store.ErrNotFound
	}
	return e, err
}

func (l *TradeLog) ListBySession(ctx context.Context, stockID string) ([]game.TradeLogEntry, error) {
	rows, err := l.db.Query(ctx, `SELECT `+tradeLogColumns+` FROM tradesim.trade_logs WHERE stock_id = $1 ORDER BY date`, stockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []game.TradeLogEntry
	for rows.Next() {
		e, err := scanTradeLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *TradeLog) DeleteBySession(ctx context.Context, stockID string) error {
	_, err := l.db.Exec(ctx, `DELETE FROM tradesim.trade_logs WHERE stock_id = $1`, stockID)
	return err
}

func (l *TradeLog) Sweep(ctx context.Context, resolvedBefore, staleBefore time.Time) (int64, int64, error) {
	// delete first so rows cancelled in this pass survive until the next one
	deleted, err := l.db.Exec(ctx, `
		DELETE FROM tradesim.trade_logs
		WHERE status <> 'QUEUING' AND date < $1
	`, resolvedBefore)
	if err != nil {
		return 0, 0, err
	}
	cancelled, err := l.db.Exec(ctx, `
		UPDATE tradesim.trade_logs
		SET status = 'CANCEL', failed_reason = 'abandoned while queuing'
		WHERE status = 'QUEUING' AND date < $1
	`, staleBefore)
	if err != nil {
		return deleted.RowsAffected(), 0, err
	}
	return deleted.RowsAffected(), cancelled.RowsAffected(), nil
}
