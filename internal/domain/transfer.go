package domain

import (
	"context"
	"time"

	"github.com/holiman/uint256"
)

// TransferScheduler schedules a one-way payment of amount to recipient. From
// the ledger's point of view the call is fire-and-forget: once a transfer is
// scheduled the originating state transition is final, regardless of whether
// the payment later completes. Implementations may send directly (payout
// rail), record to an outbox for retried dispatch, or just log (dev mode).
type TransferScheduler interface {
	Transfer(ctx context.Context, recipient Account, amount *uint256.Int) error
}

// TransferStatus is the dispatch state of an outbox instruction.
type TransferStatus string

const (
	TransferPending TransferStatus = "pending"
	TransferSent    TransferStatus = "sent"
	TransferFailed  TransferStatus = "failed"
)

// MaxTransferAttempts is the number of dispatch attempts before an outbox
// instruction is marked failed.
const MaxTransferAttempts = 5

// TransferInstruction is a recorded payout awaiting dispatch.
type TransferInstruction struct {
	ID        string
	Recipient Account
	Amount    *uint256.Int
	Status    TransferStatus
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TransferOutboxStore persists payout instructions for the dispatch worker.
type TransferOutboxStore interface {
	Enqueue(ctx context.Context, instr TransferInstruction) error
	ListPending(ctx context.Context, limit int) ([]TransferInstruction, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error
}
