package blockchain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

// ethBackend is the slice of *ethclient.Client the live submitter uses.
type ethBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type liveSubmitter struct {
	backend         ethBackend
	key             *ecdsa.PrivateKey
	from            common.Address
	expectedChainID int64
	gasMargin       uint64
	rpcTimeout      time.Duration
	confirmTimeout  time.Duration
	pollInterval    time.Duration
	logger          zerolog.Logger

	mu      sync.Mutex
	chainID *big.Int
}

func newLiveSubmitter(cfg Config, backend ethBackend, logger zerolog.Logger) (*liveSubmitter, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	_, expected := cfg.Endpoint()

	s := &liveSubmitter{
		backend:         backend,
		key:             key,
		from:            crypto.PubkeyToAddress(key.PublicKey),
		expectedChainID: expected,
		gasMargin:       uint64(max(cfg.GasMarginPercent, 0)),
		rpcTimeout:      cfg.RPCTimeout,
		confirmTimeout:  cfg.ConfirmTimeout,
		pollInterval:    2 * time.Second,
		logger:          logger,
	}
	if s.rpcTimeout <= 0 {
		s.rpcTimeout = 30 * time.Second
	}
	if s.confirmTimeout <= 0 {
		s.confirmTimeout = 2 * time.Minute
	}
	return s, nil
}

func (s *liveSubmitter) rpc(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.rpcTimeout)
}

// resolveChainID fetches the chain id once and checks it against the network
// the config asked for. A failed lookup is retried on the next submission.
func (s *liveSubmitter) resolveChainID(ctx context.Context) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chainID != nil {
		return s.chainID, nil
	}

	rctx, cancel := s.rpc(ctx)
	defer cancel()
	id, err := s.backend.ChainID(rctx)
	if err != nil {
		return nil, &SubmissionError{Op: OpChainID, Err: err}
	}
	if s.expectedChainID != 0 && id.Int64() != s.expectedChainID {
		return nil, &SubmissionError{
			Op:  OpChainID,
			Err: fmt.Errorf("%w: got %s, want %d", ErrChainMismatch, id, s.expectedChainID),
		}
	}
	s.chainID = id
	return id, nil
}

// withMargin adds margin percent to gas, rounding up.
func withMargin(gas, marginPercent uint64) uint64 {
	return gas + (gas*marginPercent+99)/100
}

func (s *liveSubmitter) submit(ctx context.Context, hash string) (string, error) {
	data, err := hex.DecodeString(strings.TrimPrefix(hash, "0x"))
	if err != nil {
		return "", &SubmissionError{Op: OpEncode, Err: err}
	}

	chainID, err := s.resolveChainID(ctx)
	if err != nil {
		return "", err
	}

	rctx, cancel := s.rpc(ctx)
	defer cancel()

	nonce, err := s.backend.PendingNonceAt(rctx, s.from)
	if err != nil {
		return "", &SubmissionError{Op: OpNonce, Err: err}
	}
	gasPrice, err := s.backend.SuggestGasPrice(rctx)
	if err != nil {
		return "", &SubmissionError{Op: OpGasPrice, Err: err}
	}

	to := s.from
	estimate, err := s.backend.EstimateGas(rctx, ethereum.CallMsg{
		From:  s.from,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		return "", &SubmissionError{Op: OpEstimate, Err: err}
	}
	gasLimit := withMargin(estimate, s.gasMargin)

	balance, err := s.backend.BalanceAt(rctx, s.from, nil)
	if err != nil {
		return "", &SubmissionError{Op: OpBalance, Err: err}
	}
	cost := new(big.Int).Mul(new(big.Int).SetUint64(gasLimit), gasPrice)
	if balance.Cmp(cost) < 0 {
		return "", &SubmissionError{
			Op:  OpBalance,
			Err: fmt.Errorf("%w: have %s wei, need %s wei", ErrInsufficientFunds, balance, cost),
		}
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return "", &SubmissionError{Op: OpSign, Err: err}
	}

	if err := s.backend.SendTransaction(rctx, signed); err != nil {
		return "", &SubmissionError{Op: OpSend, Err: err}
	}

	s.logger.Info().
		Str("tx_id", signed.Hash().Hex()).
		Uint64("nonce", nonce).
		Uint64("gas_limit", gasLimit).
		Str("gas_price", gasPrice.String()).
		Msg("transaction sent, awaiting receipt")

	if err := s.waitMined(ctx, signed.Hash()); err != nil {
		return "", err
	}
	return signed.Hash().Hex(), nil
}

func (s *liveSubmitter) waitMined(ctx context.Context, txHash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		rctx, rcancel := s.rpc(ctx)
		receipt, err := s.backend.TransactionReceipt(rctx, txHash)
		rcancel()

		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return &SubmissionError{Op: OpConfirm, Err: fmt.Errorf("%w: %s", ErrReverted, txHash.Hex())}
			}
			return nil
		case errors.Is(err, ethereum.NotFound):
		default:
			s.logger.Warn().Err(err).Str("tx_id", txHash.Hex()).Msg("receipt lookup failed, retrying")
		}

		select {
		case <-ctx.Done():
			return &SubmissionError{Op: OpConfirm, Err: fmt.Errorf("waiting for %s: %w", txHash.Hex(), ctx.Err())}
		case <-ticker.C:
		}
	}
}
