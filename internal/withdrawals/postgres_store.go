package withdrawals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/gigmarket/orderflow/internal/ledger"
	"github.com/gigmarket/orderflow/internal/pagination"
)

// PostgresStore persists withdrawals in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed withdrawal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectWithdrawals = `
	SELECT id, external_ref, account_id, account_kind, requested_by, amount, method, destination,
	       COALESCE(account_name, ''), status, COALESCE(provider_id, ''), COALESCE(failure_reason, ''),
	       created_at, updated_at, settled_at
	FROM withdrawals`

func (p *PostgresStore) Create(ctx context.Context, w *Withdrawal, postings []ledger.Posting) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO withdrawals (
			id, external_ref, account_id, account_kind, requested_by, amount, method, destination,
			account_name, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		w.ID, w.ExternalRef, w.AccountID, string(w.AccountKind), w.RequestedBy, w.Amount,
		w.Method, w.Destination, nullString(w.AccountName), string(w.Status), w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return fmt.Errorf("insert withdrawal: %w", err)
	}

	if err := ledger.ApplyTx(ctx, tx, postings...); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	return p.getOne(ctx, selectWithdrawals+` WHERE id = $1`, id)
}

func (p *PostgresStore) GetByRef(ctx context.Context, ref string) (*Withdrawal, error) {
	return p.getOne(ctx, selectWithdrawals+` WHERE external_ref = $1`, ref)
}

func (p *PostgresStore) getOne(ctx context.Context, query string, arg string) (*Withdrawal, error) {
	w, err := scanWithdrawal(p.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	return w, err
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Withdrawal, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, vals ...any) {
		for _, v := range vals {
			args = append(args, v)
			cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(args)), 1)
		}
		conds = append(conds, cond)
	}
	if f.AccountID != "" {
		add("account_id = ?", f.AccountID)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.Cursor != nil {
		add("(created_at, id) < (?, ?)", f.Cursor.CreatedAt, f.Cursor.ID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}

	q := selectWithdrawals
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Settle guards on status = 'pending' so only one settlement can apply its
// postings.
func (p *PostgresStore) Settle(ctx context.Context, id string, s Settlement) (*Withdrawal, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE withdrawals
		SET status = $2, failure_reason = $3, settled_at = $4, updated_at = $4
		WHERE id = $1 AND status = 'pending'`,
		id, string(s.To), nullString(s.Reason), s.At,
	)
	if err != nil {
		return nil, fmt.Errorf("settle withdrawal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM withdrawals WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrWithdrawalNotFound
		}
		return nil, ErrAlreadySettled
	}

	if err := ledger.ApplyTx(ctx, tx, s.Postings...); err != nil {
		return nil, err
	}

	w, err := scanWithdrawal(tx.QueryRowContext(ctx, selectWithdrawals+` WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) SetProviderID(ctx context.Context, id, providerID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE withdrawals SET provider_id = $2, updated_at = NOW() WHERE id = $1`, id, providerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrWithdrawalNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWithdrawal(row rowScanner) (*Withdrawal, error) {
	var (
		w         Withdrawal
		kind      string
		status    string
		settledAt sql.NullTime
	)
	err := row.Scan(
		&w.ID, &w.ExternalRef, &w.AccountID, &kind, &w.RequestedBy, &w.Amount, &w.Method, &w.Destination,
		&w.AccountName, &status, &w.ProviderID, &w.FailureReason,
		&w.CreatedAt, &w.UpdatedAt, &settledAt,
	)
	if err != nil {
		return nil, err
	}
	w.AccountKind = ledger.Kind(kind)
	w.Status = Status(status)
	if settledAt.Valid {
		t := settledAt.Time
		w.SettledAt = &t
	}
	return &w, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*PostgresStore)(nil)
