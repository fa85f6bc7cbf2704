package wallet

import (
	"context"
	"errors"
	"math/big"
)

var (
	// ErrInsufficientFunds is returned when the distributor cannot cover a transfer.
	ErrInsufficientFunds = errors.New("wallet: insufficient token balance")
	// ErrTimeout is returned when a transfer was not confirmed before the deadline.
	ErrTimeout = errors.New("wallet: transfer not confirmed before deadline")
	// ErrReverted is returned when a mined transfer failed on chain.
	ErrReverted = errors.New("wallet: transfer reverted")
)

// Status is the on-chain state of a previously submitted transfer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusNotFound  Status = "not_found"
)

// TokenWallet captures what referrald needs from the distributor hot wallet.
//
// Transfer must return the transaction hash whenever a transaction may have
// been broadcast, including alongside an error, so the caller can reconcile
// the outcome later instead of sending again.
type TokenWallet interface {
	Transfer(ctx context.Context, destination string, amount *big.Int) (string, error)
	TransferStatus(ctx context.Context, txHash string) (Status, error)
	Balance(ctx context.Context) (*big.Int, error)
}

// FuncWallet adapts callback functions to the TokenWallet interface.
type FuncWallet struct {
	TransferFunc func(ctx context.Context, destination string, amount *big.Int) (string, error)
	StatusFunc   func(ctx context.Context, txHash string) (Status, error)
	BalanceFunc  func(ctx context.Context) (*big.Int, error)
}

// Transfer delegates to the configured callback.
func (w FuncWallet) Transfer(ctx context.Context, destination string, amount *big.Int) (string, error) {
	if w.TransferFunc == nil {
		return "", nil
	}
	return w.TransferFunc(ctx, destination, amount)
}

// TransferStatus delegates to the configured callback.
func (w FuncWallet) TransferStatus(ctx context.Context, txHash string) (Status, error) {
	if w.StatusFunc == nil {
		return StatusNotFound, nil
	}
	return w.StatusFunc(ctx, txHash)
}

// Balance delegates to the configured callback.
func (w FuncWallet) Balance(ctx context.Context) (*big.Int, error) {
	if w.BalanceFunc == nil {
		return new(big.Int), nil
	}
	return w.BalanceFunc(ctx)
}
