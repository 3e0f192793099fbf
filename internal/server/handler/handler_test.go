package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketledger/internal/domain"
	"github.com/alanyoungcy/marketledger/internal/service"
	"github.com/alanyoungcy/marketledger/internal/store/memstore"
)

type discardTransfers struct{}

func (discardTransfers) Transfer(ctx context.Context, recipient domain.Account, amount *uint256.Int) error {
	return nil
}

// newTestMux wires the handlers against a real service over the in-memory
// store, mirroring the server's route table.
func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewLedgerService(memstore.NewMarketStore(), nil, nil, nil, nil, discardTransfers{}, nil, logger)

	markets := NewMarketHandler(svc, logger)
	ledger := NewLedgerHandler(svc, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/markets", markets.CreateMarket)
	mux.HandleFunc("GET /api/markets", markets.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/staked", markets.GetTotalStaked)
	mux.HandleFunc("POST /api/markets/{id}/bets", ledger.PlaceBet)
	mux.HandleFunc("POST /api/markets/{id}/settle", ledger.SettleMarket)
	mux.HandleFunc("POST /api/markets/{id}/withdraw", ledger.WithdrawFunds)
	return mux
}

func doJSON(t *testing.T, mux *http.ServeMux, method, path, account, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if account != "" {
		req.Header.Set(accountHeader, account)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetMarket(t *testing.T) {
	mux := newTestMux(t)

	rec := doJSON(t, mux, http.MethodPost, "/api/markets", "creator",
		`{"description":"Will it rain?","outcomes":["yes","no"]}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created domain.Market
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, uint64(0), created.ID)
	assert.Equal(t, domain.Account("creator"), created.Creator)

	rec = doJSON(t, mux, http.MethodGet, "/api/markets/0", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got domain.Market
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Will it rain?", got.Description)
	assert.False(t, got.Resolved)
}

func TestCreateMarketRequiresAccount(t *testing.T) {
	mux := newTestMux(t)
	rec := doJSON(t, mux, http.MethodPost, "/api/markets", "", `{"description":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetMarketNotFound(t *testing.T) {
	mux := newTestMux(t)
	rec := doJSON(t, mux, http.MethodGet, "/api/markets/42", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/api/markets/notanumber", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPlaceBetUpdatesStaked(t *testing.T) {
	mux := newTestMux(t)
	doJSON(t, mux, http.MethodPost, "/api/markets", "creator",
		`{"description":"rain","outcomes":["yes","no"]}`)

	rec := doJSON(t, mux, http.MethodPost, "/api/markets/0/bets", "alice",
		`{"prediction":"yes","amount":"100"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, mux, http.MethodGet, "/api/markets/0/staked", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var staked map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &staked))
	assert.Equal(t, "100", staked["total_staked"])
}

func TestPlaceBetRejectsBadAmounts(t *testing.T) {
	mux := newTestMux(t)
	doJSON(t, mux, http.MethodPost, "/api/markets", "creator",
		`{"description":"rain","outcomes":["yes","no"]}`)

	for _, amount := range []string{"0", "-5", "abc", ""} {
		rec := doJSON(t, mux, http.MethodPost, "/api/markets/0/bets", "alice",
			`{"prediction":"yes","amount":"`+amount+`"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "amount %q", amount)
	}

	// 2^128 is one past the currency ceiling.
	rec := doJSON(t, mux, http.MethodPost, "/api/markets/0/bets", "alice",
		`{"prediction":"yes","amount":"340282366920938463463374607431768211456"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSettleConflictsAndWithdrawFlow(t *testing.T) {
	mux := newTestMux(t)
	doJSON(t, mux, http.MethodPost, "/api/markets", "creator",
		`{"description":"rain","outcomes":["yes","no"]}`)
	doJSON(t, mux, http.MethodPost, "/api/markets/0/bets", "alice",
		`{"prediction":"yes","amount":"100"}`)

	// Withdrawing before resolution conflicts.
	rec := doJSON(t, mux, http.MethodPost, "/api/markets/0/withdraw", "creator", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/markets/0/settle", "oracle",
		`{"winning_outcome":"no"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// A second settlement conflicts.
	rec = doJSON(t, mux, http.MethodPost, "/api/markets/0/settle", "oracle",
		`{"winning_outcome":"yes"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Betting on the resolved market conflicts.
	rec = doJSON(t, mux, http.MethodPost, "/api/markets/0/bets", "bob",
		`{"prediction":"yes","amount":"10"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Only the creator may withdraw.
	rec = doJSON(t, mux, http.MethodPost, "/api/markets/0/withdraw", "mallory", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/markets/0/withdraw", "creator", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "100", out["amount"])
}

func TestListMarketsPagination(t *testing.T) {
	mux := newTestMux(t)
	for i := 0; i < 3; i++ {
		doJSON(t, mux, http.MethodPost, "/api/markets", "creator",
			`{"description":"m","outcomes":["yes","no"]}`)
	}

	rec := doJSON(t, mux, http.MethodGet, "/api/markets?limit=2&offset=1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp listMarketsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 3, resp.Total)
	require.Len(t, resp.Markets, 2)
	assert.Equal(t, uint64(1), resp.Markets[0].ID)
}
