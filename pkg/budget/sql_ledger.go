package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// SQLLedger implements Ledger on the repository database. It writes to the
// budget_usage table and bumps the spent columns of the goals table in one
// transaction; both tables are created by the store package schema.
// Placeholders use the $n form accepted by postgres and sqlite; timestamps
// are stored as RFC 3339 text.
type SQLLedger struct {
	db *sql.DB
}

func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

func (l *SQLLedger) Append(ctx context.Context, u Usage) (applied bool, err error) {
	if err := u.Validate(); err != nil {
		return false, err
	}

	at := u.RecordedAt.UTC().Format(time.RFC3339Nano)
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin usage tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO budget_usage (run_id, goal_id, tokens, time_seconds, cost_usd, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO NOTHING`,
		u.RunID, u.GoalID, u.Tokens, u.TimeSeconds, u.CostUSD, at)
	if err != nil {
		return false, fmt.Errorf("failed to insert usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		err = tx.Commit()
		return false, err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE goals SET spent_tokens = spent_tokens + $1, spent_time_seconds = spent_time_seconds + $2,
			spent_cost_usd = spent_cost_usd + $3, updated_at = $4
		WHERE id = $5`,
		u.Tokens, u.TimeSeconds, u.CostUSD, at, u.GoalID)
	if err != nil {
		return false, fmt.Errorf("failed to update goal spend: %w", err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return false, err
	}
	if n == 0 {
		err = fmt.Errorf("goal %s not found", u.GoalID)
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit usage: %w", err)
	}
	return true, nil
}
