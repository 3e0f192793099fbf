package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL. Markets live in
// the markets table; their bets live in the bets table keyed by
// (market_id, idx) so the append-only bet list round-trips in order.
type MarketStore struct {
	pool *pgxpool.Pool
}

var _ domain.MarketStore = (*MarketStore)(nil)

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

const marketCols = `id, description, outcomes, resolved, winning_outcome,
	total_staked::text, creator, created_at, resolved_at, archived_at`

// Insert stores a newly created market. New markets carry no bets.
func (s *MarketStore) Insert(ctx context.Context, m domain.Market) error {
	const query = `
		INSERT INTO markets (
			id, description, outcomes, resolved, winning_outcome,
			total_staked, creator, created_at, resolved_at, archived_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)`

	_, err := s.pool.Exec(ctx, query,
		int64(m.ID), m.Description, m.Outcomes, m.Resolved, m.WinningOutcome,
		decOrZero(m.TotalStaked), string(m.Creator), m.CreatedAt,
		m.ResolvedAt, m.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert market %d: %w", m.ID, err)
	}
	return nil
}

// Update rewrites the market row and appends any bets past the highest index
// already stored. Bets are append-only, so rows below that index never change.
func (s *MarketStore) Update(ctx context.Context, m domain.Market) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin update market %d: %w", m.ID, err)
	}
	defer tx.Rollback(ctx)

	const update = `
		UPDATE markets SET
			description     = $2,
			outcomes        = $3,
			resolved        = $4,
			winning_outcome = $5,
			total_staked    = $6::numeric,
			resolved_at     = $7,
			archived_at     = $8,
			updated_at      = NOW()
		WHERE id = $1`

	tag, err := tx.Exec(ctx, update,
		int64(m.ID), m.Description, m.Outcomes, m.Resolved, m.WinningOutcome,
		decOrZero(m.TotalStaked), m.ResolvedAt, m.ArchivedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update market %d: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}

	var stored int
	err = tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(idx) + 1, 0) FROM bets WHERE market_id = $1`,
		int64(m.ID),
	).Scan(&stored)
	if err != nil {
		return fmt.Errorf("postgres: count bets for market %d: %w", m.ID, err)
	}

	if stored < len(m.Bets) {
		batch := &pgx.Batch{}
		const insertBet = `
			INSERT INTO bets (market_id, idx, bettor, amount, prediction, placed_at)
			VALUES ($1, $2, $3, $4::numeric, $5, $6)`
		for idx := stored; idx < len(m.Bets); idx++ {
			b := m.Bets[idx]
			batch.Queue(insertBet,
				int64(m.ID), idx, string(b.Bettor), decOrZero(b.Amount),
				b.Prediction, b.PlacedAt,
			)
		}

		br := tx.SendBatch(ctx, batch)
		for idx := stored; idx < len(m.Bets); idx++ {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return fmt.Errorf("postgres: insert bet %d for market %d: %w", idx, m.ID, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("postgres: close bet batch for market %d: %w", m.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit update market %d: %w", m.ID, err)
	}
	return nil
}

// Get retrieves a market and its full bet list by ID.
func (s *MarketStore) Get(ctx context.Context, id uint64) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1`, int64(id))
	m, err := scanMarket(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %d: %w", id, err)
	}

	bets, err := s.loadBets(ctx, []uint64{id})
	if err != nil {
		return domain.Market{}, err
	}
	m.Bets = bets[id]
	if m.Bets == nil {
		m.Bets = []domain.Bet{}
	}
	return m, nil
}

// List returns markets in ascending ID order with their bets attached.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets ORDER BY id`
	args := []any{}
	argIdx := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	markets, err := collectMarkets(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachBets(ctx, markets); err != nil {
		return nil, err
	}
	return markets, nil
}

// Count returns the total number of markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM markets`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return n, nil
}

// MaxID returns the highest allocated market ID; ok is false on an empty
// table.
func (s *MarketStore) MaxID(ctx context.Context) (uint64, bool, error) {
	var max *int64
	if err := s.pool.QueryRow(ctx, `SELECT MAX(id) FROM markets`).Scan(&max); err != nil {
		return 0, false, fmt.Errorf("postgres: max market id: %w", err)
	}
	if max == nil {
		return 0, false, nil
	}
	return uint64(*max), true, nil
}

// ListSettledBefore returns resolved, unarchived markets settled before
// cutoff, oldest first, for the archival worker.
func (s *MarketStore) ListSettledBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Market, error) {
	query := `SELECT ` + marketCols + ` FROM markets
		WHERE resolved AND archived_at IS NULL AND resolved_at < $1
		ORDER BY resolved_at`
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settled markets: %w", err)
	}
	markets, err := collectMarkets(rows)
	if err != nil {
		return nil, err
	}
	if err := s.attachBets(ctx, markets); err != nil {
		return nil, err
	}
	return markets, nil
}

// MarkArchived records the archival timestamp for a settled market.
func (s *MarketStore) MarkArchived(ctx context.Context, id uint64, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET archived_at = $2, updated_at = NOW() WHERE id = $1`,
		int64(id), at,
	)
	if err != nil {
		return fmt.Errorf("postgres: mark market %d archived: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// scanMarket scans a single market row (without bets) into a domain.Market.
func scanMarket(row pgx.Row) (domain.Market, error) {
	var (
		m       domain.Market
		id      int64
		staked  string
		creator string
	)
	err := row.Scan(
		&id, &m.Description, &m.Outcomes, &m.Resolved, &m.WinningOutcome,
		&staked, &creator, &m.CreatedAt, &m.ResolvedAt, &m.ArchivedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.ID = uint64(id)
	m.Creator = domain.Account(creator)
	m.TotalStaked, err = uint256.FromDecimal(staked)
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: parse total_staked %q: %w", staked, err)
	}
	return m, nil
}

// collectMarkets drains rows into a slice, closing them when done.
func collectMarkets(rows pgx.Rows) ([]domain.Market, error) {
	defer rows.Close()

	markets := []domain.Market{}
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: market rows: %w", err)
	}
	return markets, nil
}

// attachBets loads the bet lists for every market in the slice.
func (s *MarketStore) attachBets(ctx context.Context, markets []domain.Market) error {
	if len(markets) == 0 {
		return nil
	}
	ids := make([]uint64, len(markets))
	for i, m := range markets {
		ids[i] = m.ID
	}
	bets, err := s.loadBets(ctx, ids)
	if err != nil {
		return err
	}
	for i := range markets {
		markets[i].Bets = bets[markets[i].ID]
		if markets[i].Bets == nil {
			markets[i].Bets = []domain.Bet{}
		}
	}
	return nil
}

// loadBets fetches bets for the given market IDs, in idx order per market.
func (s *MarketStore) loadBets(ctx context.Context, ids []uint64) (map[uint64][]domain.Bet, error) {
	args := make([]int64, len(ids))
	for i, id := range ids {
		args[i] = int64(id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT market_id, bettor, amount::text, prediction, placed_at
		 FROM bets WHERE market_id = ANY($1)
		 ORDER BY market_id, idx`, args)
	if err != nil {
		return nil, fmt.Errorf("postgres: load bets: %w", err)
	}
	defer rows.Close()

	out := make(map[uint64][]domain.Bet, len(ids))
	for rows.Next() {
		var (
			marketID int64
			bettor   string
			amount   string
			b        domain.Bet
		)
		if err := rows.Scan(&marketID, &bettor, &amount, &b.Prediction, &b.PlacedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan bet: %w", err)
		}
		b.Bettor = domain.Account(bettor)
		b.Amount, err = uint256.FromDecimal(amount)
		if err != nil {
			return nil, fmt.Errorf("postgres: parse bet amount %q: %w", amount, err)
		}
		out[uint64(marketID)] = append(out[uint64(marketID)], b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: bet rows: %w", err)
	}
	return out, nil
}

// decOrZero renders an amount as its decimal string, treating nil as zero.
func decOrZero(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
