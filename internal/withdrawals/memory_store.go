package withdrawals

import (
	"context"
	"sort"
	"sync"

	"github.com/gigmarket/orderflow/internal/ledger"
)

// MemoryStore is an in-memory withdrawal store for development and tests.
// Ledger postings are applied under the store lock.
type MemoryStore struct {
	items  map[string]*Withdrawal
	byRef  map[string]string
	poster ledger.Poster
	mu     sync.RWMutex
}

// NewMemoryStore creates an in-memory store posting to poster.
func NewMemoryStore(poster ledger.Poster) *MemoryStore {
	return &MemoryStore{
		items:  make(map[string]*Withdrawal),
		byRef:  make(map[string]string),
		poster: poster,
	}
}

func clone(w *Withdrawal) *Withdrawal {
	cp := *w
	if w.SettledAt != nil {
		t := *w.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, w *Withdrawal, postings []ledger.Posting) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byRef[w.ExternalRef]; ok {
		return ErrDuplicateReference
	}
	if len(postings) > 0 {
		if err := m.poster.Apply(ctx, postings...); err != nil {
			return err
		}
	}
	m.items[w.ID] = clone(w)
	m.byRef[w.ExternalRef] = w.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.items[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return clone(w), nil
}

func (m *MemoryStore) GetByRef(ctx context.Context, ref string) (*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byRef[ref]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	return clone(m.items[id]), nil
}

func (m *MemoryStore) List(ctx context.Context, f ListFilter) ([]*Withdrawal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Withdrawal
	for _, w := range m.items {
		if f.AccountID != "" && w.AccountID != f.AccountID {
			continue
		}
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		if f.Cursor.After(w.CreatedAt, w.ID) {
			out = append(out, clone(w))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Settle(ctx context.Context, id string, s Settlement) (*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.items[id]
	if !ok {
		return nil, ErrWithdrawalNotFound
	}
	if w.Status != StatusPending {
		return nil, ErrAlreadySettled
	}
	if len(s.Postings) > 0 {
		if err := m.poster.Apply(ctx, s.Postings...); err != nil {
			return nil, err
		}
	}
	at := s.At
	w.Status = s.To
	w.FailureReason = s.Reason
	w.SettledAt = &at
	w.UpdatedAt = at
	return clone(w), nil
}

func (m *MemoryStore) SetProviderID(ctx context.Context, id, providerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.items[id]
	if !ok {
		return ErrWithdrawalNotFound
	}
	w.ProviderID = providerID
	return nil
}

var _ Store = (*MemoryStore)(nil)
