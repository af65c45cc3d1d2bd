// Package audit persists every transfer review decision to postgres for
// compliance reporting. Recording is best-effort from the gateway's point of
// view; a failed insert never blocks a transfer decision.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const schema = `
CREATE TABLE IF NOT EXISTS transfer_reviews (
	id           UUID PRIMARY KEY,
	from_account TEXT NOT NULL,
	to_account   TEXT NOT NULL,
	spender      TEXT NOT NULL DEFAULT '',
	amount       NUMERIC NOT NULL,
	approved     BOOLEAN NOT NULL,
	reason       TEXT NOT NULL DEFAULT '',
	ledger_time  BIGINT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
)`

// Review is one persisted decision row.
type Review struct {
	ID          uuid.UUID
	FromAccount string
	ToAccount   string
	Spender     string
	Amount      string
	Approved    bool
	Reason      string
	LedgerTime  uint64
	CreatedAt   time.Time
}

// Recorder writes decisions to the transfer_reviews table.
type Recorder struct {
	db *sql.DB
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// EnsureSchema creates the reviews table if it does not exist.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create transfer_reviews table: %w", err)
	}
	return nil
}

// Record inserts one review decision.
func (r *Recorder) Record(ctx context.Context, rev Review) error {
	if rev.ID == uuid.Nil {
		rev.ID = uuid.New()
	}
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO transfer_reviews (id, from_account, to_account, spender, amount, approved, reason, ledger_time, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rev.ID, rev.FromAccount, rev.ToAccount, rev.Spender,
		rev.Amount, rev.Approved, rev.Reason, int64(rev.LedgerTime), rev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record review: %w", err)
	}
	return nil
}

// ListByAccount returns the most recent decisions touching an account, as
// sender or receiver.
func (r *Recorder) ListByAccount(ctx context.Context, account string, limit int) ([]Review, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, from_account, to_account, spender, amount, approved, reason, ledger_time, created_at
		 FROM transfer_reviews
		 WHERE from_account = $1 OR to_account = $1
		 ORDER BY created_at DESC LIMIT $2`,
		account, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query reviews: %w", err)
	}
	defer rows.Close()

	var reviews []Review
	for rows.Next() {
		var rev Review
		var ledgerTime int64
		err := rows.Scan(&rev.ID, &rev.FromAccount, &rev.ToAccount, &rev.Spender,
			&rev.Amount, &rev.Approved, &rev.Reason, &ledgerTime, &rev.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		rev.LedgerTime = uint64(ledgerTime)
		reviews = append(reviews, rev)
	}
	return reviews, rows.Err()
}
