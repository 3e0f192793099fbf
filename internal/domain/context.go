package domain

import "github.com/holiman/uint256"

// CallContext carries the identity of the caller and the value attached to
// the current call. Both are resolved by the transport layer (HTTP handlers,
// test harnesses) and threaded explicitly into every mutating operation; the
// core never reads ambient caller state.
type CallContext struct {
	// Caller is the account initiating the operation.
	Caller Account

	// Deposit is the value attached to the call. Only PlaceBet consumes it;
	// escrow of the deposit is the transport's concern and is assumed to have
	// happened before the operation runs.
	Deposit *uint256.Int
}
