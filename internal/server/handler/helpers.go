// Package handler implements the HTTP endpoints of the ledger API.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// accountHeader carries the caller identity. Resolving the identity (and
// escrowing any attached value) is the transport operator's concern; the
// ledger treats the header value as an opaque principal.
const accountHeader = "X-Ledger-Account"

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the ledger error taxonomy onto HTTP status codes and
// reports whether err was recognised. Unrecognised errors are the caller's
// problem (typically a 500 plus a log line).
func writeDomainError(w http.ResponseWriter, err error) bool {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "market not found")
	case errors.Is(err, domain.ErrAlreadyResolved):
		writeError(w, http.StatusConflict, "market already resolved")
	case errors.Is(err, domain.ErrNotResolved):
		writeError(w, http.StatusConflict, "market not resolved")
	case errors.Is(err, domain.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "only the market creator may do this")
	case errors.Is(err, domain.ErrAmountRequired):
		writeError(w, http.StatusBadRequest, "a positive amount is required")
	case errors.Is(err, domain.ErrAmountTooLarge):
		writeError(w, http.StatusBadRequest, "amount exceeds the 128-bit currency range")
	case errors.Is(err, domain.ErrLockHeld):
		writeError(w, http.StatusConflict, "market is busy, retry")
	default:
		return false
	}
	return true
}

// callerAccount extracts the caller identity from the request headers.
func callerAccount(r *http.Request) domain.Account {
	return domain.Account(strings.TrimSpace(r.Header.Get(accountHeader)))
}

// parseAmount parses a decimal amount string into the 128-bit currency range.
func parseAmount(s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if v.BitLen() > domain.MaxAmountBits {
		return nil, domain.ErrAmountTooLarge
	}
	return v, nil
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathID extracts a numeric market ID path parameter using Go 1.22+ built-in
// routing (http.Request.PathValue).
func pathID(r *http.Request, name string) (uint64, error) {
	return strconv.ParseUint(r.PathValue(name), 10, 64)
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
