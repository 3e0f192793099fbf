// Package memstore provides in-memory implementations of the ledger stores,
// used in dev mode and by tests. All data is lost on process exit.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// MarketStore is a mutex-guarded map of markets keyed by ID.
type MarketStore struct {
	mu      sync.RWMutex
	markets map[uint64]domain.Market
}

var _ domain.MarketStore = (*MarketStore)(nil)

func NewMarketStore() *MarketStore {
	return &MarketStore{markets: make(map[uint64]domain.Market)}
}

func (s *MarketStore) Insert(ctx context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[m.ID] = cloneMarket(m)
	return nil
}

func (s *MarketStore) Update(ctx context.Context, m domain.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; !ok {
		return domain.ErrNotFound
	}
	s.markets[m.ID] = cloneMarket(m)
	return nil
}

func (s *MarketStore) Get(ctx context.Context, id uint64) (domain.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return cloneMarket(m), nil
}

func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	s.mu.RLock()
	all := make([]domain.Market, 0, len(s.markets))
	for _, m := range s.markets {
		all = append(all, cloneMarket(m))
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	if opts.Offset >= len(all) {
		return []domain.Market{}, nil
	}
	all = all[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(all) {
		all = all[:opts.Limit]
	}
	return all, nil
}

func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.markets)), nil
}

func (s *MarketStore) MaxID(ctx context.Context) (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var max uint64
	found := false
	for id := range s.markets {
		if !found || id > max {
			max = id
			found = true
		}
	}
	return max, found, nil
}

func (s *MarketStore) ListSettledBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Market, error) {
	s.mu.RLock()
	var out []domain.Market
	for _, m := range s.markets {
		if m.Resolved && m.ArchivedAt == nil && m.ResolvedAt != nil && m.ResolvedAt.Before(cutoff) {
			out = append(out, cloneMarket(m))
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MarketStore) MarkArchived(ctx context.Context, id uint64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return domain.ErrNotFound
	}
	m.ArchivedAt = &at
	s.markets[id] = m
	return nil
}

// cloneMarket deep-copies the bet slice and big-int fields so callers never
// alias store-owned state.
func cloneMarket(m domain.Market) domain.Market {
	out := m
	if m.TotalStaked != nil {
		out.TotalStaked = new(uint256.Int).Set(m.TotalStaked)
	}
	if m.Outcomes != nil {
		out.Outcomes = append([]string(nil), m.Outcomes...)
	}
	if m.Bets != nil {
		out.Bets = make([]domain.Bet, len(m.Bets))
		for i, b := range m.Bets {
			out.Bets[i] = b
			if b.Amount != nil {
				out.Bets[i].Amount = new(uint256.Int).Set(b.Amount)
			}
		}
	}
	return out
}

// AuditStore is an append-only in-memory audit log.
type AuditStore struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

var _ domain.AuditStore = (*AuditStore)(nil)

func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if opts.Offset >= len(s.entries) {
		return []domain.AuditEntry{}, nil
	}
	out := s.entries[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return append([]domain.AuditEntry(nil), out...), nil
}

// TransferOutboxStore is an in-memory payout outbox.
type TransferOutboxStore struct {
	mu     sync.Mutex
	instrs map[string]domain.TransferInstruction
	order  []string
}

var _ domain.TransferOutboxStore = (*TransferOutboxStore)(nil)

func NewTransferOutboxStore() *TransferOutboxStore {
	return &TransferOutboxStore{instrs: make(map[string]domain.TransferInstruction)}
}

func (s *TransferOutboxStore) Enqueue(ctx context.Context, instr domain.TransferInstruction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instrs[instr.ID]; !ok {
		s.order = append(s.order, instr.ID)
	}
	s.instrs[instr.ID] = instr
	return nil
}

func (s *TransferOutboxStore) ListPending(ctx context.Context, limit int) ([]domain.TransferInstruction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TransferInstruction
	for _, id := range s.order {
		instr := s.instrs[id]
		if instr.Status != domain.TransferPending {
			continue
		}
		out = append(out, instr)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *TransferOutboxStore) MarkSent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instr, ok := s.instrs[id]
	if !ok {
		return domain.ErrNotFound
	}
	instr.Status = domain.TransferSent
	instr.UpdatedAt = time.Now().UTC()
	s.instrs[id] = instr
	return nil
}

func (s *TransferOutboxStore) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	instr, ok := s.instrs[id]
	if !ok {
		return domain.ErrNotFound
	}
	instr.Attempts = attempts
	instr.LastError = lastError
	if attempts >= domain.MaxTransferAttempts {
		instr.Status = domain.TransferFailed
	}
	instr.UpdatedAt = time.Now().UTC()
	s.instrs[id] = instr
	return nil
}
