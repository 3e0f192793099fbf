// Package transfer provides the payout schedulers: a durable outbox that
// retries dispatch in the background, and a log-only scheduler for dev mode.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/notify"
)

// defaultDispatchInterval is how often the outbox scans for pending
// instructions.
const defaultDispatchInterval = 5 * time.Second

// dispatchBatchSize caps how many instructions one scan processes.
const dispatchBatchSize = 100

// Outbox implements domain.TransferScheduler by durably recording every
// payout instruction before handing it to the underlying rail. Scheduling
// succeeds as soon as the instruction is stored; a background dispatcher
// retries delivery until it succeeds or the attempt ceiling is reached.
type Outbox struct {
	store    domain.TransferOutboxStore
	rail     domain.TransferScheduler
	notifier *notify.Notifier
	logger   *slog.Logger
	interval time.Duration
}

var _ domain.TransferScheduler = (*Outbox)(nil)

// NewOutbox creates an Outbox dispatching to rail. notifier may be nil.
func NewOutbox(store domain.TransferOutboxStore, rail domain.TransferScheduler, notifier *notify.Notifier, logger *slog.Logger) *Outbox {
	return &Outbox{
		store:    store,
		rail:     rail,
		notifier: notifier,
		logger:   logger,
		interval: defaultDispatchInterval,
	}
}

// NewOutboxWithInterval is NewOutbox with a custom dispatch interval.
// Non-positive intervals fall back to the default.
func NewOutboxWithInterval(store domain.TransferOutboxStore, rail domain.TransferScheduler, notifier *notify.Notifier, logger *slog.Logger, interval time.Duration) *Outbox {
	o := NewOutbox(store, rail, notifier, logger)
	if interval > 0 {
		o.interval = interval
	}
	return o
}

// Transfer records the instruction; delivery happens asynchronously.
func (o *Outbox) Transfer(ctx context.Context, recipient domain.Account, amount *uint256.Int) error {
	instr := domain.TransferInstruction{
		ID:        uuid.New().String(),
		Recipient: recipient,
		Amount:    new(uint256.Int).Set(amount),
		Status:    domain.TransferPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := o.store.Enqueue(ctx, instr); err != nil {
		return fmt.Errorf("transfer: enqueue %s: %w", instr.ID, err)
	}

	o.logger.InfoContext(ctx, "transfer: instruction enqueued",
		slog.String("id", instr.ID),
		slog.String("recipient", string(recipient)),
		slog.String("amount", amount.Dec()),
	)
	return nil
}

// Run drives the dispatch loop until ctx is cancelled.
func (o *Outbox) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	o.logger.InfoContext(ctx, "transfer: dispatcher started",
		slog.Duration("interval", o.interval),
	)

	for {
		select {
		case <-ctx.Done():
			o.logger.InfoContext(ctx, "transfer: dispatcher stopped")
			return ctx.Err()
		case <-ticker.C:
			o.dispatchPending(ctx)
		}
	}
}

// dispatchPending delivers one batch of pending instructions.
func (o *Outbox) dispatchPending(ctx context.Context) {
	pending, err := o.store.ListPending(ctx, dispatchBatchSize)
	if err != nil {
		o.logger.ErrorContext(ctx, "transfer: list pending failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, instr := range pending {
		if err := o.rail.Transfer(ctx, instr.Recipient, instr.Amount); err != nil {
			o.recordFailure(ctx, instr, err)
			continue
		}

		if err := o.store.MarkSent(ctx, instr.ID); err != nil {
			o.logger.ErrorContext(ctx, "transfer: mark sent failed",
				slog.String("id", instr.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		o.logger.InfoContext(ctx, "transfer: delivered",
			slog.String("id", instr.ID),
			slog.String("recipient", string(instr.Recipient)),
			slog.String("amount", instr.Amount.Dec()),
		)
	}
}

func (o *Outbox) recordFailure(ctx context.Context, instr domain.TransferInstruction, cause error) {
	attempts := instr.Attempts + 1

	o.logger.WarnContext(ctx, "transfer: dispatch attempt failed",
		slog.String("id", instr.ID),
		slog.Int("attempt", attempts),
		slog.String("error", cause.Error()),
	)

	if err := o.store.MarkFailed(ctx, instr.ID, attempts, cause.Error()); err != nil {
		o.logger.ErrorContext(ctx, "transfer: mark failed failed",
			slog.String("id", instr.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	if attempts >= domain.MaxTransferAttempts && o.notifier != nil {
		msg := fmt.Sprintf("Transfer %s of %s to %s abandoned after %d attempts: %v",
			instr.ID, instr.Amount.Dec(), instr.Recipient, attempts, cause)
		if err := o.notifier.Notify(ctx, "transfer_failed", "Transfer failed", msg); err != nil {
			o.logger.WarnContext(ctx, "transfer: failure notification failed",
				slog.String("id", instr.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}
