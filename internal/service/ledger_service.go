// Package service implements the ledger's state-transition operations on top
// of the storage, caching, and payout collaborators declared in domain.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/notify"
	"github.com/alanyoungcy/marketledger/internal/settlement"
)

// lockStripes is the size of the per-market mutex table. Market IDs are
// striped across it; two markets sharing a stripe serialize against each
// other, which is harmless.
const lockStripes = 64

// distributedLockTTL bounds how long a replica may hold a market lock.
const distributedLockTTL = 10 * time.Second

// LedgerService owns the full market lifecycle: create, bet, settle,
// withdraw, plus the read accessors. Mutations on the same market are
// serialized by a striped in-process mutex; when a LockManager is configured
// the serialization extends across replicas.
//
// cache, bus, audit, locks, and notifier may be nil, which disables the
// corresponding side channel. markets, transfers, and logger are required.
type LedgerService struct {
	markets   domain.MarketStore
	cache     domain.MarketCache
	bus       domain.SignalBus
	audit     domain.AuditStore
	locks     domain.LockManager
	transfers domain.TransferScheduler
	notifier  *notify.Notifier
	logger    *slog.Logger

	idMu   sync.Mutex
	nextID uint64
	seeded bool

	stripes [lockStripes]sync.Mutex
}

// NewLedgerService creates a LedgerService with all its collaborators.
func NewLedgerService(
	markets domain.MarketStore,
	cache domain.MarketCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	locks domain.LockManager,
	transfers domain.TransferScheduler,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *LedgerService {
	return &LedgerService{
		markets:   markets,
		cache:     cache,
		bus:       bus,
		audit:     audit,
		locks:     locks,
		transfers: transfers,
		notifier:  notifier,
		logger:    logger,
	}
}

// CreateMarket allocates the next sequential market ID (starting at 0) and
// stores a new open market owned by the caller. Outcome labels are stored as
// given: cardinality and duplicates are not validated, and bets are never
// checked against them.
func (s *LedgerService) CreateMarket(ctx context.Context, call domain.CallContext, description string, outcomes []string) (domain.Market, error) {
	// ID allocation and insert happen under one lock so IDs stay dense even
	// when creates race.
	s.idMu.Lock()
	defer s.idMu.Unlock()

	if !s.seeded {
		maxID, ok, err := s.markets.MaxID(ctx)
		if err != nil {
			return domain.Market{}, fmt.Errorf("ledger_service: seed id counter: %w", err)
		}
		if ok {
			s.nextID = maxID + 1
		}
		s.seeded = true
	}

	m := domain.Market{
		ID:          s.nextID,
		Description: description,
		Outcomes:    outcomes,
		Bets:        []domain.Bet{},
		TotalStaked: new(uint256.Int),
		Creator:     call.Caller,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.markets.Insert(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("ledger_service: insert market %d: %w", m.ID, err)
	}
	s.nextID++

	s.cacheSet(ctx, m)
	s.publish(ctx, domain.ChannelMarkets, domain.MarketCreatedEvent{
		Type:        "market_created",
		MarketID:    m.ID,
		Description: m.Description,
		Outcomes:    m.Outcomes,
		Creator:     m.Creator,
		CreatedAt:   m.CreatedAt,
	})
	s.auditLog(ctx, "market_created", map[string]any{
		"market_id": m.ID,
		"creator":   string(m.Creator),
	})
	s.notify(ctx, "market_created", "Market created",
		fmt.Sprintf("Market %d (%s) created by %s", m.ID, m.Description, m.Creator))

	s.logger.InfoContext(ctx, "ledger_service: market created",
		slog.Uint64("market_id", m.ID),
		slog.String("creator", string(m.Creator)),
		slog.Int("outcomes", len(m.Outcomes)),
	)

	return m, nil
}

// PlaceBet appends a bet for the caller's attached deposit on prediction.
// The deposit must be non-zero and within the 128-bit currency range; escrow
// of the attached value is the transport's concern. The prediction is free
// text and is not checked against the market's declared outcomes.
func (s *LedgerService) PlaceBet(ctx context.Context, call domain.CallContext, marketID uint64, prediction string) (domain.Market, error) {
	if call.Deposit == nil || call.Deposit.IsZero() {
		return domain.Market{}, domain.ErrAmountRequired
	}
	if call.Deposit.BitLen() > domain.MaxAmountBits {
		return domain.Market{}, domain.ErrAmountTooLarge
	}

	unlock, err := s.lockMarket(ctx, marketID)
	if err != nil {
		return domain.Market{}, err
	}
	defer unlock()

	m, err := s.markets.Get(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("ledger_service: get market %d: %w", marketID, err)
	}
	if m.Resolved {
		return domain.Market{}, domain.ErrAlreadyResolved
	}

	total := new(uint256.Int).Add(m.TotalStaked, call.Deposit)
	if total.BitLen() > domain.MaxAmountBits {
		return domain.Market{}, domain.ErrAmountTooLarge
	}

	bet := domain.Bet{
		Bettor:     call.Caller,
		Amount:     new(uint256.Int).Set(call.Deposit),
		Prediction: prediction,
		PlacedAt:   time.Now().UTC(),
	}
	m.Bets = append(m.Bets, bet)
	m.TotalStaked = total

	if err := s.markets.Update(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("ledger_service: update market %d: %w", marketID, err)
	}

	s.cacheSet(ctx, m)
	s.publish(ctx, domain.ChannelBets, domain.BetPlacedEvent{
		Type:        "bet_placed",
		MarketID:    m.ID,
		Bettor:      bet.Bettor,
		Amount:      bet.Amount.Dec(),
		Prediction:  bet.Prediction,
		TotalStaked: m.TotalStaked.Dec(),
	})
	s.auditLog(ctx, "bet_placed", map[string]any{
		"market_id":  m.ID,
		"bettor":     string(bet.Bettor),
		"amount":     bet.Amount.Dec(),
		"prediction": bet.Prediction,
	})

	s.logger.InfoContext(ctx, "ledger_service: bet placed",
		slog.Uint64("market_id", m.ID),
		slog.String("bettor", string(bet.Bettor)),
		slog.String("amount", bet.Amount.Dec()),
		slog.String("prediction", bet.Prediction),
	)

	return m, nil
}

// SettleMarket resolves an open market to winningOutcome exactly once,
// computes the proportional payouts, and schedules one transfer per winning
// bet. Resolution succeeds even when no bet matched the outcome; the payout
// loop is simply empty and the whole pool stays withdrawable. Transfers are
// fire-and-forget: a scheduling failure is logged and retried out of band,
// never rolled back or surfaced here.
//
// Any caller may settle; authorization is an oracle concern outside the
// ledger.
func (s *LedgerService) SettleMarket(ctx context.Context, call domain.CallContext, marketID uint64, winningOutcome string) (domain.Market, error) {
	unlock, err := s.lockMarket(ctx, marketID)
	if err != nil {
		return domain.Market{}, err
	}
	defer unlock()

	m, err := s.markets.Get(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("ledger_service: get market %d: %w", marketID, err)
	}
	if m.Resolved {
		return domain.Market{}, domain.ErrAlreadyResolved
	}

	pool := new(uint256.Int).Set(m.TotalStaked)
	winning := settlement.WinningStake(m.Bets, winningOutcome)
	payouts := settlement.ComputePayouts(m.Bets, winningOutcome, pool)

	now := time.Now().UTC()
	m.Resolved = true
	m.WinningOutcome = &winningOutcome
	m.ResolvedAt = &now
	// What the payout loop does not distribute stays in the market as the
	// creator-withdrawable residual.
	m.TotalStaked = settlement.Residual(pool, payouts)

	if err := s.markets.Update(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("ledger_service: update market %d: %w", marketID, err)
	}

	// State is final from here on; payouts are scheduled best-effort.
	for _, p := range payouts {
		if err := s.transfers.Transfer(ctx, p.Recipient, p.Amount); err != nil {
			s.logger.ErrorContext(ctx, "ledger_service: transfer scheduling failed",
				slog.Uint64("market_id", m.ID),
				slog.String("recipient", string(p.Recipient)),
				slog.String("amount", p.Amount.Dec()),
				slog.String("error", err.Error()),
			)
		}
	}

	s.cacheSet(ctx, m)
	event := domain.MarketSettledEvent{
		Type:           "market_settled",
		MarketID:       m.ID,
		WinningOutcome: winningOutcome,
		Pool:           pool.Dec(),
		WinningStake:   winning.Dec(),
		PayoutCount:    len(payouts),
		ResolvedAt:     now,
	}
	s.publish(ctx, domain.ChannelSettlements, event)
	s.streamAppend(ctx, domain.StreamSettlements, event)
	s.auditLog(ctx, "market_settled", map[string]any{
		"market_id":       m.ID,
		"winning_outcome": winningOutcome,
		"pool":            pool.Dec(),
		"payout_count":    len(payouts),
		"settled_by":      string(call.Caller),
	})
	s.notify(ctx, "market_settled", "Market settled",
		fmt.Sprintf("Market %d settled to %q: %d payouts from a pool of %s", m.ID, winningOutcome, len(payouts), pool.Dec()))

	s.logger.InfoContext(ctx, "ledger_service: market settled",
		slog.Uint64("market_id", m.ID),
		slog.String("winning_outcome", winningOutcome),
		slog.String("pool", pool.Dec()),
		slog.String("winning_stake", winning.Dec()),
		slog.Int("payouts", len(payouts)),
	)

	return m, nil
}

// WithdrawFunds sweeps whatever remains in the market's staked balance to its
// creator and zeroes the balance. Only the creator may withdraw, and only
// after resolution. A second withdrawal transfers zero and succeeds.
func (s *LedgerService) WithdrawFunds(ctx context.Context, call domain.CallContext, marketID uint64) (*uint256.Int, error) {
	unlock, err := s.lockMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := s.markets.Get(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: get market %d: %w", marketID, err)
	}
	if !m.Resolved {
		return nil, domain.ErrNotResolved
	}
	if call.Caller != m.Creator {
		return nil, domain.ErrUnauthorized
	}

	amount := new(uint256.Int).Set(m.TotalStaked)
	m.TotalStaked = new(uint256.Int)

	if err := s.markets.Update(ctx, m); err != nil {
		return nil, fmt.Errorf("ledger_service: update market %d: %w", marketID, err)
	}

	if !amount.IsZero() {
		if err := s.transfers.Transfer(ctx, m.Creator, amount); err != nil {
			s.logger.ErrorContext(ctx, "ledger_service: transfer scheduling failed",
				slog.Uint64("market_id", m.ID),
				slog.String("recipient", string(m.Creator)),
				slog.String("amount", amount.Dec()),
				slog.String("error", err.Error()),
			)
		}
	}

	s.cacheSet(ctx, m)
	s.publish(ctx, domain.ChannelWithdrawals, domain.FundsWithdrawnEvent{
		Type:     "funds_withdrawn",
		MarketID: m.ID,
		Creator:  m.Creator,
		Amount:   amount.Dec(),
	})
	s.auditLog(ctx, "funds_withdrawn", map[string]any{
		"market_id": m.ID,
		"creator":   string(m.Creator),
		"amount":    amount.Dec(),
	})
	s.notify(ctx, "funds_withdrawn", "Funds withdrawn",
		fmt.Sprintf("Creator %s withdrew %s from market %d", m.Creator, amount.Dec(), m.ID))

	s.logger.InfoContext(ctx, "ledger_service: funds withdrawn",
		slog.Uint64("market_id", m.ID),
		slog.String("creator", string(m.Creator)),
		slog.String("amount", amount.Dec()),
	)

	return amount, nil
}

// GetMarket retrieves a market by ID, checking the cache first and falling
// back to the persistent store on a miss.
func (s *LedgerService) GetMarket(ctx context.Context, id uint64) (domain.Market, error) {
	if s.cache != nil {
		if m, err := s.cache.Get(ctx, id); err == nil {
			return m, nil
		}
	}

	m, err := s.markets.Get(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("ledger_service: get market %d: %w", id, err)
	}

	s.cacheSet(ctx, m)
	return m, nil
}

// GetTotalStaked returns the market's current staked balance.
func (s *LedgerService) GetTotalStaked(ctx context.Context, id uint64) (*uint256.Int, error) {
	m, err := s.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.TotalStaked, nil
}

// GetMarkets returns a page of markets in ascending ID order. An offset past
// the end yields an empty page.
func (s *LedgerService) GetMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	markets, err := s.markets.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger_service: list markets: %w", err)
	}
	return markets, nil
}

// Count returns the total number of markets ever created.
func (s *LedgerService) Count(ctx context.Context) (int64, error) {
	n, err := s.markets.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger_service: count markets: %w", err)
	}
	return n, nil
}

// lockMarket serializes mutations on a market: always via the in-process
// stripe, and additionally via the distributed lock when one is configured.
func (s *LedgerService) lockMarket(ctx context.Context, id uint64) (func(), error) {
	stripe := &s.stripes[id%lockStripes]
	stripe.Lock()

	if s.locks == nil {
		return stripe.Unlock, nil
	}

	release, err := s.locks.Acquire(ctx, fmt.Sprintf("market:%d", id), distributedLockTTL)
	if err != nil {
		stripe.Unlock()
		return nil, fmt.Errorf("ledger_service: acquire lock for market %d: %w", id, err)
	}
	return func() {
		release()
		stripe.Unlock()
	}, nil
}

// cacheSet back-fills the cache; failures are logged, never fatal.
func (s *LedgerService) cacheSet(ctx context.Context, m domain.Market) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, m); err != nil {
		s.logger.WarnContext(ctx, "ledger_service: cache set failed",
			slog.Uint64("market_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
}

// publish emits a live event on the bus; failures are logged, never fatal.
func (s *LedgerService) publish(ctx context.Context, channel string, event any) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.WarnContext(ctx, "ledger_service: event marshal failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.logger.WarnContext(ctx, "ledger_service: event publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}

// streamAppend records an event on a durable stream; failures are logged.
func (s *LedgerService) streamAppend(ctx context.Context, stream string, event any) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := s.bus.StreamAppend(ctx, stream, payload); err != nil {
		s.logger.WarnContext(ctx, "ledger_service: stream append failed",
			slog.String("stream", stream),
			slog.String("error", err.Error()),
		)
	}
}

// auditLog appends to the audit trail; failures are logged, never fatal.
func (s *LedgerService) auditLog(ctx context.Context, event string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "ledger_service: audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// notify fans a message out to the configured notification channels.
func (s *LedgerService) notify(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "ledger_service: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
