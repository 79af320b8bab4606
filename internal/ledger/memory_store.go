package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gigmarket/orderflow/internal/idgen"
)

// MemoryStore is an in-memory ledger store for development and tests.
type MemoryStore struct {
	accounts map[string]*Account
	entries  []*Entry
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
	}
}

func (m *MemoryStore) Get(ctx context.Context, accountID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Apply(ctx context.Context, postings ...Posting) error {
	for _, p := range postings {
		if err := p.Validate(); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Check every resulting balance before touching any of them.
	for id, buckets := range netByBucket(postings) {
		var pending, available int64
		if acct, ok := m.accounts[id]; ok {
			pending, available = acct.Pending, acct.Available
		}
		if pending+buckets[Pending] < 0 || available+buckets[Available] < 0 {
			return ErrInsufficientBalance
		}
	}

	now := time.Now()
	for _, p := range postings {
		acct, ok := m.accounts[p.AccountID]
		if !ok {
			acct = &Account{ID: p.AccountID, Kind: p.Kind}
			m.accounts[p.AccountID] = acct
		}
		if p.Bucket == Pending {
			acct.Pending += p.Amount
		} else {
			acct.Available += p.Amount
		}
		acct.UpdatedAt = now
		m.entries = append(m.entries, &Entry{
			ID:        idgen.WithPrefix("le_"),
			AccountID: p.AccountID,
			Bucket:    p.Bucket,
			Amount:    p.Amount,
			Reference: p.Reference,
			Memo:      p.Memo,
			CreatedAt: now,
		})
	}
	return nil
}

func (m *MemoryStore) IncrementSales(ctx context.Context, accountID string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		acct = &Account{ID: accountID, Kind: KindSeller}
		m.accounts[accountID] = acct
	}
	acct.TotalSales += delta
	acct.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListEntries(ctx context.Context, accountID string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for _, e := range m.entries {
		if e.AccountID == accountID {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
