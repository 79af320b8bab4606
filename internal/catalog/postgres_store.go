package catalog

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore persists catalog items in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed catalog store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const itemColumns = `id, seller_id, title, price, delivery_days, revision_limit, sales, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, item *Item) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO catalog_items (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		item.ID, item.SellerID, item.Title, item.Price, item.DeliveryDays, item.RevisionLimit,
		item.Sales, item.CreatedAt, item.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Item, error) {
	item, err := scanItem(p.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM catalog_items WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

func (p *PostgresStore) ListBySeller(ctx context.Context, sellerID string, limit int) ([]*Item, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM catalog_items
		WHERE seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, sellerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

func (p *PostgresStore) IncrementSales(ctx context.Context, id string, delta int64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE catalog_items SET sales = sales + $2, updated_at = NOW() WHERE id = $1`, id, delta)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*Item, error) {
	var item Item
	err := row.Scan(&item.ID, &item.SellerID, &item.Title, &item.Price, &item.DeliveryDays,
		&item.RevisionLimit, &item.Sales, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

var _ Store = (*PostgresStore)(nil)
