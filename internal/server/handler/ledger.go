package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// LedgerService defines the mutating operations the ledger handler requires
// from the service layer.
type LedgerService interface {
	PlaceBet(ctx context.Context, call domain.CallContext, marketID uint64, prediction string) (domain.Market, error)
	SettleMarket(ctx context.Context, call domain.CallContext, marketID uint64, winningOutcome string) (domain.Market, error)
	WithdrawFunds(ctx context.Context, call domain.CallContext, marketID uint64) (*uint256.Int, error)
}

// LedgerHandler serves the bet, settlement, and withdrawal endpoints.
type LedgerHandler struct {
	ledger LedgerService
	logger *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler with the given service and logger.
func NewLedgerHandler(ledger LedgerService, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{
		ledger: ledger,
		logger: logger,
	}
}

// placeBetRequest is the body of POST /api/markets/{id}/bets. Amount is the
// attached deposit as a decimal string; the transport operator is trusted to
// have escrowed that value before the call reaches the ledger.
type placeBetRequest struct {
	Prediction string `json:"prediction"`
	Amount     string `json:"amount"`
}

// PlaceBet stakes the attached amount on a prediction.
// POST /api/markets/{id}/bets
func (h *LedgerHandler) PlaceBet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	caller := callerAccount(r)
	if caller == "" {
		writeError(w, http.StatusBadRequest, "missing "+accountHeader+" header")
		return
	}

	var req placeBetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	market, err := h.ledger.PlaceBet(r.Context(), domain.CallContext{Caller: caller, Deposit: amount}, id, req.Prediction)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: place bet failed",
			slog.Uint64("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to place bet")
		return
	}

	writeJSON(w, http.StatusCreated, market)
}

// settleMarketRequest is the body of POST /api/markets/{id}/settle.
type settleMarketRequest struct {
	WinningOutcome string `json:"winning_outcome"`
}

// SettleMarket resolves a market to its winning outcome.
// POST /api/markets/{id}/settle
func (h *LedgerHandler) SettleMarket(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	caller := callerAccount(r)
	if caller == "" {
		writeError(w, http.StatusBadRequest, "missing "+accountHeader+" header")
		return
	}

	var req settleMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	market, err := h.ledger.SettleMarket(r.Context(), domain.CallContext{Caller: caller}, id, req.WinningOutcome)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: settle market failed",
			slog.Uint64("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to settle market")
		return
	}

	writeJSON(w, http.StatusOK, market)
}

// WithdrawFunds sweeps the market's remaining balance to its creator.
// POST /api/markets/{id}/withdraw
func (h *LedgerHandler) WithdrawFunds(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	caller := callerAccount(r)
	if caller == "" {
		writeError(w, http.StatusBadRequest, "missing "+accountHeader+" header")
		return
	}

	amount, err := h.ledger.WithdrawFunds(r.Context(), domain.CallContext{Caller: caller}, id)
	if err != nil {
		if writeDomainError(w, err) {
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: withdraw funds failed",
			slog.Uint64("market_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to withdraw funds")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"amount":    amount.Dec(),
	})
}
