package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gigmarket/orderflow/internal/ledger"
	"github.com/gigmarket/orderflow/internal/pagination"
)

// PostgresStore persists orders in PostgreSQL. Update runs the version
// check and the ledger postings in one transaction.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// orderColumns is the column order used by orderArgs and scanOrder.
// id is first and version last.
var orderColumns = []string{
	"id", "payment_intent_ref", "catalog_item_id", "title", "seller_id", "buyer_id", "buyer_email",
	"price", "admin_fee", "status", "escrow_status", "progress_status", "delivery_days", "extra_days",
	"seller_accepted", "accepted_at", "buyer_confirmed", "buyer_confirmed_at",
	"work_started_at", "work_completed_at", "refunded_at", "released_at",
	"is_balance_updated", "pending_seller_credit", "pending_admin_credit", "released",
	"is_withdrawn", "withdrawn_at", "extra_request", "paid_extra_ids",
	"revision_limit", "used_revisions", "revision_request",
	"dispute", "dispute_status", "dispute_reported_at", "dispute_responded",
	"failure_reason", "created_at", "updated_at", "version",
}

var (
	selectOrders = `SELECT ` + strings.Join(orderColumns, ", ") + ` FROM orders`
	insertOrder  = buildInsert()

	updateOrder, updateArgIndexes = buildUpdate()
)

func buildInsert() string {
	ph := make([]string, len(orderColumns))
	for i := range orderColumns {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return `INSERT INTO orders (` + strings.Join(orderColumns, ", ") + `) VALUES (` +
		strings.Join(ph, ", ") + `) ON CONFLICT (payment_intent_ref) DO NOTHING`
}

// buildUpdate sets every column but id, payment_intent_ref and created_at
// and bumps the version, guarded by the expected version. It also returns
// the orderArgs positions bound to $1..$n, since Postgres rejects a
// parameter the statement never references.
func buildUpdate() (string, []int) {
	var (
		sets    []string
		indexes = []int{0}
	)
	for i, col := range orderColumns {
		switch col {
		case "id", "payment_intent_ref", "created_at":
			continue
		case "version":
			sets = append(sets, "version = version + 1")
		default:
			indexes = append(indexes, i)
			sets = append(sets, fmt.Sprintf("%s = $%d", col, len(indexes)))
		}
	}
	indexes = append(indexes, len(orderColumns)-1)
	q := `UPDATE orders SET ` + strings.Join(sets, ", ") +
		fmt.Sprintf(` WHERE id = $1 AND version = $%d`, len(indexes))
	return q, indexes
}

// updateArgs picks the orderArgs values bound by updateOrder.
func updateArgs(o *Order) ([]any, error) {
	all, err := orderArgs(o)
	if err != nil {
		return nil, err
	}
	args := make([]any, len(updateArgIndexes))
	for i, idx := range updateArgIndexes {
		args[i] = all[idx]
	}
	return args, nil
}

func orderArgs(o *Order) ([]any, error) {
	extra, err := marshalNullable(o.ExtraRequest)
	if err != nil {
		return nil, err
	}
	revision, err := marshalNullable(o.RevisionRequest)
	if err != nil {
		return nil, err
	}
	paidExtras, err := json.Marshal(append([]string{}, o.PaidExtraIDs...))
	if err != nil {
		return nil, err
	}
	dispute, err := json.Marshal(o.Dispute)
	if err != nil {
		return nil, err
	}
	return []any{
		o.ID, o.PaymentIntentRef, o.CatalogItemID, o.Title, o.SellerID, nullString(o.BuyerID), nullString(o.BuyerEmail),
		o.Price, o.AdminFee, string(o.Status), string(o.EscrowStatus), string(o.ProgressStatus), o.DeliveryDays, o.ExtraDays,
		o.SellerAccepted, nullTime(o.AcceptedAt), o.BuyerConfirmed, nullTime(o.BuyerConfirmedAt),
		nullTime(o.WorkStartedAt), nullTime(o.WorkCompletedAt), nullTime(o.RefundedAt), nullTime(o.ReleasedAt),
		o.IsBalanceUpdated, o.PendingSellerCredit, o.PendingAdminCredit, o.Released,
		o.IsWithdrawn, nullTime(o.WithdrawnAt), extra, paidExtras,
		o.RevisionLimit, o.UsedRevisions, revision,
		dispute, string(o.Dispute.Status), nullTime(o.Dispute.ReportDate), o.Dispute.SellerResponse != "",
		nullString(o.FailureReason), o.CreatedAt, o.UpdatedAt, o.Version,
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*Order, error) {
	var (
		o                                      Order
		buyerID, buyerEmail, failureReason     sql.NullString
		status, escrow, progress, disputeState string
		acceptedAt, confirmedAt, startedAt     sql.NullTime
		completedAt, refundedAt, releasedAt    sql.NullTime
		withdrawnAt, reportedAt                sql.NullTime
		extra, paidExtras, revision, dispute   []byte
		responded                              bool
	)
	err := row.Scan(
		&o.ID, &o.PaymentIntentRef, &o.CatalogItemID, &o.Title, &o.SellerID, &buyerID, &buyerEmail,
		&o.Price, &o.AdminFee, &status, &escrow, &progress, &o.DeliveryDays, &o.ExtraDays,
		&o.SellerAccepted, &acceptedAt, &o.BuyerConfirmed, &confirmedAt,
		&startedAt, &completedAt, &refundedAt, &releasedAt,
		&o.IsBalanceUpdated, &o.PendingSellerCredit, &o.PendingAdminCredit, &o.Released,
		&o.IsWithdrawn, &withdrawnAt, &extra, &paidExtras,
		&o.RevisionLimit, &o.UsedRevisions, &revision,
		&dispute, &disputeState, &reportedAt, &responded,
		&failureReason, &o.CreatedAt, &o.UpdatedAt, &o.Version,
	)
	if err != nil {
		return nil, err
	}

	o.BuyerID = buyerID.String
	o.BuyerEmail = buyerEmail.String
	o.FailureReason = failureReason.String
	o.Status = Status(status)
	o.EscrowStatus = EscrowStatus(escrow)
	o.ProgressStatus = ProgressStatus(progress)
	o.AcceptedAt = timePtr(acceptedAt)
	o.BuyerConfirmedAt = timePtr(confirmedAt)
	o.WorkStartedAt = timePtr(startedAt)
	o.WorkCompletedAt = timePtr(completedAt)
	o.RefundedAt = timePtr(refundedAt)
	o.ReleasedAt = timePtr(releasedAt)
	o.WithdrawnAt = timePtr(withdrawnAt)

	if len(extra) > 0 {
		if err := json.Unmarshal(extra, &o.ExtraRequest); err != nil {
			return nil, fmt.Errorf("decode extra_request: %w", err)
		}
	}
	if len(revision) > 0 {
		if err := json.Unmarshal(revision, &o.RevisionRequest); err != nil {
			return nil, fmt.Errorf("decode revision_request: %w", err)
		}
	}
	if len(paidExtras) > 0 {
		if err := json.Unmarshal(paidExtras, &o.PaidExtraIDs); err != nil {
			return nil, fmt.Errorf("decode paid_extra_ids: %w", err)
		}
	}
	if err := json.Unmarshal(dispute, &o.Dispute); err != nil {
		return nil, fmt.Errorf("decode dispute: %w", err)
	}
	o.Dispute.Status = DisputeStatus(disputeState)
	return &o, nil
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	args, err := orderArgs(o)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, insertOrder, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicatePaymentRef
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx, selectOrders+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) GetByPaymentRef(ctx context.Context, ref string) (*Order, error) {
	o, err := scanOrder(p.db.QueryRowContext(ctx, selectOrders+` WHERE payment_intent_ref = $1`, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

func (p *PostgresStore) Update(ctx context.Context, o *Order, postings []ledger.Posting) error {
	args, err := updateArgs(o)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, updateOrder, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrOrderNotFound
		}
		return ErrVersionConflict
	}
	if err := ledger.ApplyTx(ctx, tx, postings...); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	o.Version++
	return nil
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Order, error) {
	cursor, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, err
	}
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
	if f.BuyerID != "" {
		add("buyer_id = ?", f.BuyerID)
	}
	if f.SellerID != "" {
		add("seller_id = ?", f.SellerID)
	}
	if f.Status != "" {
		add("status = ?", string(f.Status))
	}
	if f.DisputeActive {
		add("dispute_status IN ('disputed', 'under_review')")
	}
	if cursor != nil {
		add("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}

	q := selectOrders
	if len(conds) > 0 {
		q += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))
	return p.query(ctx, q, args...)
}

func (p *PostgresStore) HasActiveOrder(ctx context.Context, catalogItemID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM orders
			WHERE catalog_item_id = $1 AND status IN ('pending', 'in_progress')
		)`, catalogItemID).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListUnaccepted(ctx context.Context, createdBefore time.Time, limit int) ([]*Order, error) {
	return p.query(ctx, selectOrders+`
		WHERE NOT seller_accepted AND NOT buyer_confirmed
		  AND escrow_status = 'held' AND status = 'pending'
		  AND dispute_status NOT IN ('disputed', 'under_review')
		  AND created_at < $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, createdBefore, limit)
}

func (p *PostgresStore) ListUnconfirmed(ctx context.Context, acceptedBefore time.Time, limit int) ([]*Order, error) {
	return p.query(ctx, selectOrders+`
		WHERE seller_accepted AND NOT buyer_confirmed
		  AND escrow_status = 'held' AND status IN ('pending', 'in_progress')
		  AND dispute_status NOT IN ('disputed', 'under_review')
		  AND accepted_at < $1
		ORDER BY accepted_at ASC, id ASC
		LIMIT $2`, acceptedBefore, limit)
}

func (p *PostgresStore) ListUnansweredDisputes(ctx context.Context, reportedBefore time.Time, limit int) ([]*Order, error) {
	return p.query(ctx, selectOrders+`
		WHERE dispute_status = 'disputed' AND NOT dispute_responded
		  AND escrow_status = 'held'
		  AND dispute_reported_at < $1
		ORDER BY dispute_reported_at ASC, id ASC
		LIMIT $2`, reportedBefore, limit)
}

func (p *PostgresStore) MarkWithdrawn(ctx context.Context, sellerID string, at time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders
		SET is_withdrawn = TRUE, withdrawn_at = $2, updated_at = $2, version = version + 1
		WHERE seller_id = $1 AND released AND NOT is_withdrawn`, sellerID, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) Summary(ctx context.Context, since time.Time) (*Summary, error) {
	sum := &Summary{ByStatus: make(map[Status]int)}

	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM orders WHERE created_at >= $1 GROUP BY status`, since)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, err
		}
		sum.ByStatus[Status(status)] = n
		sum.TotalOrders += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(price) FILTER (WHERE status = 'completed'), 0),
			COALESCE(SUM(admin_fee) FILTER (WHERE status = 'completed'), 0),
			COALESCE(SUM(price) FILTER (WHERE escrow_status = 'held'), 0),
			COUNT(*) FILTER (WHERE dispute_status IN ('disputed', 'under_review'))
		FROM orders WHERE created_at >= $1`, since,
	).Scan(&sum.GrossRevenue, &sum.PlatformRevenue, &sum.HeldEscrow, &sum.OpenDisputes)
	if err != nil {
		return nil, err
	}

	rows, err = p.db.QueryContext(ctx, `
		SELECT to_char(date_trunc('month', COALESCE(released_at, created_at) AT TIME ZONE 'UTC'), 'YYYY-MM') AS month,
		       COUNT(*), SUM(price), SUM(admin_fee)
		FROM orders
		WHERE status = 'completed' AND created_at >= $1
		GROUP BY month
		ORDER BY month`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var mt MonthlyTotal
		if err := rows.Scan(&mt.Month, &mt.Orders, &mt.GrossRevenue, &mt.PlatformRevenue); err != nil {
			return nil, err
		}
		sum.Monthly = append(sum.Monthly, mt)
	}
	return sum, rows.Err()
}

func (p *PostgresStore) CreateCorrelation(ctx context.Context, c *Correlation) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_correlations (
			external_ref, kind, catalog_item_id, buyer_id, related_order_id, extra_request_id, amount, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (external_ref) DO NOTHING`,
		c.ExternalRef, string(c.Kind), nullString(c.CatalogItemID), nullString(c.BuyerID),
		nullString(c.RelatedOrderID), nullString(c.ExtraRequestID), c.Amount, c.CreatedAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateCorrelation
	}
	return nil
}

func (p *PostgresStore) GetCorrelation(ctx context.Context, ref string) (*Correlation, error) {
	var (
		c                                 Correlation
		kind                              string
		itemID, buyerID, orderID, extraID sql.NullString
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT external_ref, kind, catalog_item_id, buyer_id, related_order_id, extra_request_id, amount, created_at
		FROM payment_correlations WHERE external_ref = $1`, ref,
	).Scan(&c.ExternalRef, &kind, &itemID, &buyerID, &orderID, &extraID, &c.Amount, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCorrelationNotFound
	}
	if err != nil {
		return nil, err
	}
	c.Kind = CorrelationKind(kind)
	c.CatalogItemID = itemID.String
	c.BuyerID = buyerID.String
	c.RelatedOrderID = orderID.String
	c.ExtraRequestID = extraID.String
	return &c, nil
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*Order, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case *ExtraRequest:
		if t == nil {
			return nil, nil
		}
	case *RevisionRequest:
		if t == nil {
			return nil, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

var _ Store = (*PostgresStore)(nil)
