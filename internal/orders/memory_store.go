package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gigmarket/orderflow/internal/ledger"
	"github.com/gigmarket/orderflow/internal/pagination"
)

// MemoryStore is an in-memory order store for development and tests. The
// ledger postings of an update are applied while the store lock is held, so
// the version check and the balance batch commit together.
type MemoryStore struct {
	orders       map[string]*Order
	byRef        map[string]string
	correlations map[string]*Correlation
	poster       ledger.Poster
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store posting to poster.
func NewMemoryStore(poster ledger.Poster) *MemoryStore {
	return &MemoryStore{
		orders:       make(map[string]*Order),
		byRef:        make(map[string]string),
		correlations: make(map[string]*Correlation),
		poster:       poster,
	}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byRef[o.PaymentIntentRef]; ok {
		return ErrDuplicatePaymentRef
	}
	m.orders[o.ID] = o.Clone()
	m.byRef[o.PaymentIntentRef] = o.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (m *MemoryStore) GetByPaymentRef(ctx context.Context, ref string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[ref]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return m.orders[id].Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Order, postings []ledger.Posting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.orders[o.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if cur.Version != o.Version {
		return ErrVersionConflict
	}
	if len(postings) > 0 {
		if err := m.poster.Apply(ctx, postings...); err != nil {
			return err
		}
	}
	o.Version++
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemoryStore) List(ctx context.Context, f ListFilter) ([]*Order, error) {
	cursor, err := pagination.Decode(f.Cursor)
	if err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	return m.collect(func(o *Order) bool {
		if f.BuyerID != "" && o.BuyerID != f.BuyerID {
			return false
		}
		if f.SellerID != "" && o.SellerID != f.SellerID {
			return false
		}
		if f.Status != "" && o.Status != f.Status {
			return false
		}
		if f.DisputeActive && !o.Dispute.Status.IsActive() {
			return false
		}
		return cursor.After(o.CreatedAt, o.ID)
	}, newestFirst, limit), nil
}

func (m *MemoryStore) HasActiveOrder(ctx context.Context, catalogItemID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orders {
		if o.CatalogItemID == catalogItemID && !o.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListUnaccepted(ctx context.Context, createdBefore time.Time, limit int) ([]*Order, error) {
	return m.collect(func(o *Order) bool {
		return !o.SellerAccepted && !o.BuyerConfirmed && o.EscrowStatus == EscrowHeld &&
			o.Status == StatusPending && o.CreatedAt.Before(createdBefore) && !o.Dispute.Status.IsActive()
	}, oldestFirst, limit), nil
}

func (m *MemoryStore) ListUnconfirmed(ctx context.Context, acceptedBefore time.Time, limit int) ([]*Order, error) {
	return m.collect(func(o *Order) bool {
		return o.SellerAccepted && o.AcceptedAt != nil && o.AcceptedAt.Before(acceptedBefore) &&
			!o.BuyerConfirmed && o.EscrowStatus == EscrowHeld && !o.Dispute.Status.IsActive() &&
			(o.Status == StatusPending || o.Status == StatusInProgress)
	}, oldestFirst, limit), nil
}

func (m *MemoryStore) ListUnansweredDisputes(ctx context.Context, reportedBefore time.Time, limit int) ([]*Order, error) {
	return m.collect(func(o *Order) bool {
		d := o.Dispute
		return d.Status == DisputeOpen && d.SellerResponse == "" && d.ReportDate != nil &&
			d.ReportDate.Before(reportedBefore) && o.EscrowStatus == EscrowHeld
	}, oldestFirst, limit), nil
}

func (m *MemoryStore) MarkWithdrawn(ctx context.Context, sellerID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, o := range m.orders {
		if o.SellerID != sellerID || !o.Released || o.IsWithdrawn {
			continue
		}
		o.IsWithdrawn = true
		o.WithdrawnAt = &at
		o.UpdatedAt = at
		o.Version++
		n++
	}
	return n, nil
}

func (m *MemoryStore) Summary(ctx context.Context, since time.Time) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := &Summary{ByStatus: make(map[Status]int)}
	monthly := make(map[string]*MonthlyTotal)
	for _, o := range m.orders {
		if o.CreatedAt.Before(since) {
			continue
		}
		sum.TotalOrders++
		sum.ByStatus[o.Status]++
		if o.EscrowStatus == EscrowHeld {
			sum.HeldEscrow += o.Price
		}
		if o.Dispute.Status.IsActive() {
			sum.OpenDisputes++
		}
		if o.Status != StatusCompleted {
			continue
		}
		sum.GrossRevenue += o.Price
		sum.PlatformRevenue += o.AdminFee
		at := o.CreatedAt
		if o.ReleasedAt != nil {
			at = *o.ReleasedAt
		}
		key := at.UTC().Format("2006-01")
		mt, ok := monthly[key]
		if !ok {
			mt = &MonthlyTotal{Month: key}
			monthly[key] = mt
		}
		mt.Orders++
		mt.GrossRevenue += o.Price
		mt.PlatformRevenue += o.AdminFee
	}
	for _, mt := range monthly {
		sum.Monthly = append(sum.Monthly, *mt)
	}
	sort.Slice(sum.Monthly, func(i, j int) bool { return sum.Monthly[i].Month < sum.Monthly[j].Month })
	return sum, nil
}

func (m *MemoryStore) CreateCorrelation(ctx context.Context, c *Correlation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.correlations[c.ExternalRef]; ok {
		return ErrDuplicateCorrelation
	}
	cp := *c
	m.correlations[c.ExternalRef] = &cp
	return nil
}

func (m *MemoryStore) GetCorrelation(ctx context.Context, ref string) (*Correlation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.correlations[ref]
	if !ok {
		return nil, ErrCorrelationNotFound
	}
	cp := *c
	return &cp, nil
}

func newestFirst(a, b *Order) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func oldestFirst(a, b *Order) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (m *MemoryStore) collect(match func(*Order) bool, less func(a, b *Order) bool, limit int) []*Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Order
	for _, o := range m.orders {
		if match(o) {
			result = append(result, o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return less(result[i], result[j]) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

var _ Store = (*MemoryStore)(nil)
