// Package eth sends ledger payouts as native-currency transactions through a
// JSON-RPC endpoint.
package eth

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/marketledger/internal/domain"
)

// transferGasLimit is the fixed gas cost of a plain value transfer.
const transferGasLimit = 21000

// Sender implements domain.TransferScheduler by submitting signed value
// transfers from a single funded account. The account nonce is tracked
// locally under a mutex, so a Sender must be the only user of its key.
type Sender struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	logger  *slog.Logger

	mu        sync.Mutex
	nonce     uint64
	nonceInit bool
}

var _ domain.TransferScheduler = (*Sender)(nil)

// NewSender dials the RPC endpoint and prepares a Sender signing with the
// given hex-encoded private key.
func NewSender(ctx context.Context, rpcURL, privateKeyHex string, logger *slog.Logger) (*Sender, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("eth: dial %s: %w", rpcURL, err)
	}

	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("eth: parse private key: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("eth: chain id: %w", err)
	}

	from := ethcrypto.PubkeyToAddress(key.PublicKey)
	logger.Info("eth: sender ready",
		slog.String("from", from.Hex()),
		slog.String("chain_id", chainID.String()),
	)

	return &Sender{
		client:  client,
		key:     key,
		from:    from,
		chainID: chainID,
		logger:  logger,
	}, nil
}

// Transfer signs and submits a value transfer of amount to recipient. The
// recipient account must be a hex address.
func (s *Sender) Transfer(ctx context.Context, recipient domain.Account, amount *uint256.Int) error {
	if !common.IsHexAddress(string(recipient)) {
		return fmt.Errorf("eth: recipient %q is not a hex address", recipient)
	}
	to := common.HexToAddress(string(recipient))

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.nonceInit {
		nonce, err := s.client.PendingNonceAt(ctx, s.from)
		if err != nil {
			return fmt.Errorf("eth: pending nonce: %w", err)
		}
		s.nonce = nonce
		s.nonceInit = true
	}

	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("eth: suggest gas price: %w", err)
	}

	tx := types.NewTransaction(s.nonce, to, amount.ToBig(), transferGasLimit, gasPrice, nil)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return fmt.Errorf("eth: sign tx: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		// Resync the nonce on the next attempt; the node may have rejected
		// this one as stale.
		s.nonceInit = false
		return fmt.Errorf("eth: send tx to %s: %w", to.Hex(), err)
	}
	s.nonce++

	s.logger.InfoContext(ctx, "eth: transfer submitted",
		slog.String("to", to.Hex()),
		slog.String("amount", amount.Dec()),
		slog.String("tx", signed.Hash().Hex()),
	)
	return nil
}

// Close releases the underlying RPC connection.
func (s *Sender) Close() {
	s.client.Close()
}
