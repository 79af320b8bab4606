package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	"github.com/gigmarket/orderflow/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, accountID string) (*Account, error) {
	acct := &Account{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, kind, pending_balance, available_balance, total_sales, updated_at
		FROM accounts WHERE id = $1
	`, accountID).Scan(&acct.ID, &acct.Kind, &acct.Pending, &acct.Available, &acct.TotalSales, &acct.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) Apply(ctx context.Context, postings ...Posting) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ApplyTx(ctx, tx, postings...); err != nil {
		return err
	}
	return tx.Commit()
}

// ApplyTx applies postings inside a caller-owned transaction so that balance
// changes commit or roll back together with the caller's own row update.
func ApplyTx(ctx context.Context, tx *sql.Tx, postings ...Posting) error {
	for _, p := range postings {
		if err := p.Validate(); err != nil {
			return err
		}
	}

	// Credits first, so a batch whose net effect is non-negative never trips
	// the per-statement guard.
	ordered := make([]Posting, len(postings))
	copy(ordered, postings)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Amount > ordered[j].Amount })

	for _, pst := range ordered {
		kind := pst.Kind
		if kind == "" {
			kind = KindSeller
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO accounts (id, kind) VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING
		`, pst.AccountID, string(kind)); err != nil {
			return fmt.Errorf("ensure account: %w", err)
		}

		column := "available_balance"
		if pst.Bucket == Pending {
			column = "pending_balance"
		}
		// #nosec G202 -- column is one of two constants above
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts SET `+column+` = `+column+` + $2, updated_at = NOW()
			WHERE id = $1 AND `+column+` + $2 >= 0
		`, pst.AccountID, pst.Amount)
		if err != nil {
			return fmt.Errorf("post %s: %w", pst.Bucket, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrInsufficientBalance
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, account_id, bucket, amount, reference, memo, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW())
		`, idgen.WithPrefix("le_"), pst.AccountID, string(pst.Bucket), pst.Amount, pst.Reference, nullString(pst.Memo)); err != nil {
			return fmt.Errorf("journal entry: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) IncrementSales(ctx context.Context, accountID string, delta int64) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, kind, total_sales) VALUES ($1, 'seller', $2)
		ON CONFLICT (id) DO UPDATE SET total_sales = accounts.total_sales + EXCLUDED.total_sales, updated_at = NOW()
	`, accountID, delta)
	return err
}

func (p *PostgresStore) ListEntries(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, bucket, amount, reference, COALESCE(memo, ''), created_at
		FROM ledger_entries WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Bucket, &e.Amount, &e.Reference, &e.Memo, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
