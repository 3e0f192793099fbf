package postgres

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// TransferOutboxStore implements domain.TransferOutboxStore using PostgreSQL.
type TransferOutboxStore struct {
	pool *pgxpool.Pool
}

var _ domain.TransferOutboxStore = (*TransferOutboxStore)(nil)

// NewTransferOutboxStore creates a TransferOutboxStore backed by the given
// connection pool.
func NewTransferOutboxStore(pool *pgxpool.Pool) *TransferOutboxStore {
	return &TransferOutboxStore{pool: pool}
}

// Enqueue records a payout instruction for the dispatch worker. Re-enqueueing
// an existing ID is a no-op so retries are safe.
func (s *TransferOutboxStore) Enqueue(ctx context.Context, instr domain.TransferInstruction) error {
	const query = `
		INSERT INTO transfer_outbox (id, recipient, amount, status, attempts, last_error, created_at, updated_at)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (id) DO NOTHING`

	_, err := s.pool.Exec(ctx, query,
		instr.ID, string(instr.Recipient), decOrZero(instr.Amount),
		string(instr.Status), instr.Attempts, instr.LastError,
	)
	if err != nil {
		return fmt.Errorf("postgres: enqueue transfer %s: %w", instr.ID, err)
	}
	return nil
}

// ListPending returns pending instructions, oldest first.
func (s *TransferOutboxStore) ListPending(ctx context.Context, limit int) ([]domain.TransferInstruction, error) {
	query := `
		SELECT id, recipient, amount::text, status, attempts, last_error, created_at, updated_at
		FROM transfer_outbox
		WHERE status = 'pending'
		ORDER BY created_at`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending transfers: %w", err)
	}
	defer rows.Close()

	var instrs []domain.TransferInstruction
	for rows.Next() {
		var (
			instr     domain.TransferInstruction
			recipient string
			amount    string
			status    string
		)
		if err := rows.Scan(&instr.ID, &recipient, &amount, &status,
			&instr.Attempts, &instr.LastError, &instr.CreatedAt, &instr.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan transfer: %w", err)
		}
		instr.Recipient = domain.Account(recipient)
		instr.Status = domain.TransferStatus(status)
		instr.Amount, err = uint256.FromDecimal(amount)
		if err != nil {
			return nil, fmt.Errorf("postgres: parse transfer amount %q: %w", amount, err)
		}
		instrs = append(instrs, instr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: pending transfer rows: %w", err)
	}
	return instrs, nil
}

// MarkSent flags an instruction as delivered.
func (s *TransferOutboxStore) MarkSent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transfer_outbox SET status = 'sent', updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: mark transfer %s sent: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkFailed records a failed attempt; once attempts reaches the dispatch
// ceiling the instruction leaves the pending set for good.
func (s *TransferOutboxStore) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	const query = `
		UPDATE transfer_outbox SET
			attempts   = $2,
			last_error = $3,
			status     = CASE WHEN $2 >= $4 THEN 'failed' ELSE status END,
			updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, attempts, lastError, domain.MaxTransferAttempts)
	if err != nil {
		return fmt.Errorf("postgres: mark transfer %s failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
