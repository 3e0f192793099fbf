package transfer

import (
	"context"
	"log/slog"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// LogScheduler implements domain.TransferScheduler by logging the instruction
// and doing nothing else. Dev mode wires it in so the ledger runs without a
// payout rail.
type LogScheduler struct {
	logger *slog.Logger
}

var _ domain.TransferScheduler = (*LogScheduler)(nil)

// NewLogScheduler creates a LogScheduler.
func NewLogScheduler(logger *slog.Logger) *LogScheduler {
	return &LogScheduler{logger: logger}
}

func (l *LogScheduler) Transfer(ctx context.Context, recipient domain.Account, amount *uint256.Int) error {
	l.logger.InfoContext(ctx, "transfer: dry-run",
		slog.String("recipient", string(recipient)),
		slog.String("amount", amount.Dec()),
	)
	return nil
}
