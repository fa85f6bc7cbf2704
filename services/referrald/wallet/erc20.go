package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
)

var (
	transferSelector  = gethcrypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	balanceOfSelector = gethcrypto.Keccak256([]byte("balanceOf(address)"))[:4]
)

const defaultTransferGas = 90_000

// EVMClient is the subset of the Ethereum RPC used by ERC20Wallet.
// *ethclient.Client satisfies it.
type EVMClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ERC20Config configures the on-chain distributor wallet.
type ERC20Config struct {
	Token         string
	ChainID       *big.Int
	PrivateKeyHex string
	Confirmations uint64
	PollInterval  time.Duration
	GasLimit      uint64
}

// ERC20Wallet sends token transfers from a single hot key.
type ERC20Wallet struct {
	client        EVMClient
	token         common.Address
	key           *ecdsa.PrivateKey
	from          common.Address
	signer        gethtypes.Signer
	confirmations uint64
	pollInterval  time.Duration
	gasLimit      uint64

	// serialises nonce allocation
	sendMu sync.Mutex
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// NewERC20Wallet builds a wallet for the configured token and signing key.
func NewERC20Wallet(client EVMClient, cfg ERC20Config) (*ERC20Wallet, error) {
	if client == nil {
		return nil, fmt.Errorf("evm client required")
	}
	if !common.IsHexAddress(cfg.Token) {
		return nil, fmt.Errorf("invalid token address %q", cfg.Token)
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id required")
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse distributor key: %w", err)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &ERC20Wallet{
		client:        client,
		token:         common.HexToAddress(cfg.Token),
		key:           key,
		from:          gethcrypto.PubkeyToAddress(key.PublicKey),
		signer:        gethtypes.LatestSignerForChainID(cfg.ChainID),
		confirmations: cfg.Confirmations,
		pollInterval:  poll,
		gasLimit:      cfg.GasLimit,
	}, nil
}

// Address returns the distributor address.
func (w *ERC20Wallet) Address() string {
	return strings.ToLower(w.from.Hex())
}

// Transfer sends amount tokens to destination and waits for the receipt.
// Once the transaction is signed its hash is returned with every outcome.
func (w *ERC20Wallet) Transfer(ctx context.Context, destination string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(destination) {
		return "", fmt.Errorf("invalid destination %q", destination)
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("amount must be positive")
	}
	balance, err := w.Balance(ctx)
	if err != nil {
		return "", err
	}
	if balance.Cmp(amount) < 0 {
		return "", fmt.Errorf("%w: have %s need %s", ErrInsufficientFunds, balance, amount)
	}
	data, err := EncodeTransfer(common.HexToAddress(destination), amount)
	if err != nil {
		return "", err
	}
	txHash, err := w.send(ctx, data)
	if err != nil {
		return txHash, err
	}
	return txHash, w.waitForReceipt(ctx, common.HexToHash(txHash))
}

func (w *ERC20Wallet) send(ctx context.Context, data []byte) (string, error) {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	nonce, err := w.client.PendingNonceAt(ctx, w.from)
	if err != nil {
		return "", fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	gas := w.gasLimit
	if gas == 0 {
		estimated, err := w.client.EstimateGas(ctx, ethereum.CallMsg{From: w.from, To: &w.token, Data: data})
		if err != nil {
			return "", fmt.Errorf("estimate gas: %w", err)
		}
		gas = estimated + estimated/5
		if gas == 0 {
			gas = defaultTransferGas
		}
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &w.token,
		Value:    new(big.Int),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, w.signer, w.key)
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}
	hash := signed.Hash().Hex()
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return hash, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return hash, fmt.Errorf("send transfer: %w", err)
	}
	return hash, nil
}

func (w *ERC20Wallet) waitForReceipt(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	for {
		status, err := w.status(ctx, hash)
		if err == nil {
			switch status {
			case StatusSucceeded:
				return nil
			case StatusFailed:
				return fmt.Errorf("%w: %s", ErrReverted, hash.Hex())
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", ErrTimeout, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// TransferStatus reports the on-chain state of a transfer.
func (w *ERC20Wallet) TransferStatus(ctx context.Context, txHash string) (Status, error) {
	trimmed := strings.TrimSpace(txHash)
	if trimmed == "" {
		return StatusNotFound, nil
	}
	return w.status(ctx, common.HexToHash(trimmed))
}

func (w *ERC20Wallet) status(ctx context.Context, hash common.Hash) (Status, error) {
	receipt, err := w.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			return "", fmt.Errorf("fetch receipt: %w", err)
		}
		_, pending, err := w.client.TransactionByHash(ctx, hash)
		switch {
		case errors.Is(err, ethereum.NotFound):
			return StatusNotFound, nil
		case err != nil:
			return "", fmt.Errorf("fetch transaction: %w", err)
		case pending:
			return StatusPending, nil
		default:
			// Known but receipt not indexed yet.
			return StatusPending, nil
		}
	}
	if receipt == nil {
		return StatusPending, nil
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return StatusFailed, nil
	}
	if w.confirmations > 1 {
		header, err := w.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return "", fmt.Errorf("fetch head: %w", err)
		}
		if header == nil || header.Number == nil || receipt.BlockNumber == nil {
			return StatusPending, nil
		}
		confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
		confirmed.Add(confirmed, big.NewInt(1))
		if confirmed.Cmp(new(big.Int).SetUint64(w.confirmations)) < 0 {
			return StatusPending, nil
		}
	}
	return StatusSucceeded, nil
}

// Balance returns the distributor's token balance.
func (w *ERC20Wallet) Balance(ctx context.Context) (*big.Int, error) {
	data := make([]byte, 0, 36)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(w.from.Bytes(), 32)...)
	out, err := w.client.CallContract(ctx, ethereum.CallMsg{From: w.from, To: &w.token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf: %w", err)
	}
	if len(out) < 32 {
		return nil, fmt.Errorf("balanceOf: short result (%d bytes)", len(out))
	}
	return new(big.Int).SetBytes(out[:32]), nil
}

// EncodeTransfer builds ERC-20 transfer(address,uint256) calldata.
func EncodeTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("amount must be non-negative")
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, fmt.Errorf("amount overflows uint256")
	}
	word := value.Bytes32()
	data := make([]byte, 0, 68)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, word[:]...)
	return data, nil
}
