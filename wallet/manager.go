package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"koinpay/locks"
	"koinpay/models"
)

// ErrLockAcquisition is returned when the per-chain send mutex could not be
// obtained within the hard cap.
var ErrLockAcquisition = errors.New("wallet: chain lock acquisition failed")

// ErrUnsupportedChainType is returned for chains whose signing family has no
// send implementation yet.
var ErrUnsupportedChainType = errors.New("wallet: unsupported chain type")

// ErrUnknownChain is returned when no account is registered for a slug.
var ErrUnknownChain = errors.New("wallet: unknown chain")

// TxBroadcastedError signals that a transaction reached the network but its
// confirmation was not observed. Money may be in flight; callers must treat
// the hash as authoritative and never re-send.
type TxBroadcastedError struct {
	Hash string
	Err  error
}

func (e *TxBroadcastedError) Error() string {
	return fmt.Sprintf("wallet: tx %s broadcast but unconfirmed: %v", e.Hash, e.Err)
}

func (e *TxBroadcastedError) Unwrap() error { return e.Err }

const (
	chainLockTTL     = 180 * time.Second
	chainLockRetries = 30
	chainLockWait    = time.Second
	chainLockCap     = 35 * time.Second
	receiptPoll      = 3 * time.Second
	confirmationWait = 60 * time.Second
	gasBoostPercent  = 10
)

// safeFailurePatterns are RPC error texts that prove the transaction was
// rejected before entering the network. Anything else is ambiguous.
var safeFailurePatterns = []string{
	"insufficient funds",
	"gas limit",
	"reverted",
	"nonce too low",
	"replacement transaction underpriced",
	"replacement fee too low",
}

// IsSafeFailure reports whether the send error is a provable rejection,
// i.e. no value can have left the hot wallet.
func IsSafeFailure(err error) bool {
	if err == nil {
		return false
	}
	var broadcast *TxBroadcastedError
	if errors.As(err, &broadcast) {
		return false
	}
	text := strings.ToLower(err.Error())
	for _, pattern := range safeFailurePatterns {
		if strings.Contains(text, pattern) {
			return true
		}
	}
	return false
}

// EVMClient is the subset of ethclient.Client the manager uses. ethclient
// satisfies it; tests substitute a fake.
type EVMClient interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Account holds the in-memory signing identity for one chain.
type Account struct {
	Slug          string
	Type          models.ChainType
	ChainID       *big.Int
	Confirmations int
	Decimals      int

	key     *ecdsa.PrivateKey
	address common.Address
	client  EVMClient
}

// Address returns the hot wallet address for the chain.
func (a *Account) Address() common.Address { return a.address }

// Manager decrypts and holds signing keys and provides the serialized
// send primitive. Keys live only in process memory.
type Manager struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	lockmgr  *locks.Manager
	logger   *slog.Logger
	nowFn    func() time.Time
}

// NewManager constructs an empty manager; chains are attached via Register.
func NewManager(lockmgr *locks.Manager, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		accounts: make(map[string]*Account),
		lockmgr:  lockmgr,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// Register decrypts the chain's key blob and dials its RPC endpoint. Called
// from init() wiring and from refresh() after chain configuration changes.
func (m *Manager) Register(chain models.Chain, decimals int, password string) error {
	if chain.Type != models.ChainEVM {
		// Non-EVM chains are modeled but have no sender yet; they are
		// registered keyless so balance sync can skip them gracefully.
		m.mu.Lock()
		m.accounts[chain.Slug] = &Account{Slug: chain.Slug, Type: chain.Type, Decimals: decimals}
		m.mu.Unlock()
		return nil
	}
	material, err := DecryptKeyBlob(chain.KeyBlob, password)
	if err != nil {
		return fmt.Errorf("wallet: chain %s: %w", chain.Slug, err)
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(material, "0x"))
	if err != nil {
		return fmt.Errorf("wallet: chain %s: invalid key material: %w", chain.Slug, err)
	}
	client, err := ethclient.Dial(chain.RPCURL)
	if err != nil {
		return fmt.Errorf("wallet: chain %s: dial rpc: %w", chain.Slug, err)
	}
	m.RegisterAccount(&Account{
		Slug:          chain.Slug,
		Type:          chain.Type,
		ChainID:       big.NewInt(chain.ChainID),
		Confirmations: chain.Confirmations,
		Decimals:      decimals,
		key:           key,
		address:       ethcrypto.PubkeyToAddress(key.PublicKey),
		client:        client,
	})
	return nil
}

// RegisterAccount attaches a fully constructed account. Tests use this to
// inject fake clients.
func (m *Manager) RegisterAccount(account *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if account.Confirmations <= 0 {
		account.Confirmations = 1
	}
	if account.Decimals <= 0 {
		account.Decimals = 18
	}
	m.accounts[account.Slug] = account
}

func (m *Manager) account(slug string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	account, ok := m.accounts[slug]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChain, slug)
	}
	return account, nil
}

// Balance returns the hot wallet balance in native units.
func (m *Manager) Balance(ctx context.Context, slug string) (decimal.Decimal, error) {
	account, err := m.account(slug)
	if err != nil {
		return decimal.Zero, err
	}
	if account.Type != models.ChainEVM || account.client == nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnsupportedChainType, slug)
	}
	wei, err := account.client.BalanceAt(ctx, account.address, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("wallet: balance %s: %w", slug, err)
	}
	return decimal.NewFromBigInt(wei, -int32(account.Decimals)), nil
}

func boostGasPrice(price *big.Int) *big.Int {
	boosted := new(big.Int).Mul(price, big.NewInt(100+gasBoostPercent))
	return boosted.Div(boosted, big.NewInt(100))
}

// SendNative transfers the chain's base asset to the destination address.
// Exactly one send may execute per chain at a time; the distributed mutex
// survives process crashes via its TTL.
func (m *Manager) SendNative(ctx context.Context, slug, to string, amount decimal.Decimal) (string, error) {
	account, err := m.account(slug)
	if err != nil {
		return "", err
	}
	if account.Type != models.ChainEVM || account.client == nil || account.key == nil {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedChainType, slug)
	}
	if !common.IsHexAddress(to) {
		return "", fmt.Errorf("wallet: invalid destination address %q", to)
	}

	lock, err := m.lockmgr.AcquireRetry(ctx, locks.ChainKey(slug), chainLockTTL,
		locks.Uniform(chainLockRetries, chainLockWait), chainLockCap)
	if err != nil {
		if errors.Is(err, locks.ErrNotAcquired) {
			return "", fmt.Errorf("%w: %s", ErrLockAcquisition, slug)
		}
		return "", err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}()

	return m.sendLocked(ctx, account, common.HexToAddress(to), amount)
}

func (m *Manager) sendLocked(ctx context.Context, account *Account, to common.Address, amount decimal.Decimal) (string, error) {
	client := account.client
	nonce, err := client.NonceAt(ctx, account.address, nil)
	if err != nil {
		return "", fmt.Errorf("wallet: nonce %s: %w", account.Slug, err)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("wallet: gas price %s: %w", account.Slug, err)
	}
	gasPrice = boostGasPrice(gasPrice)
	value := amount.Shift(int32(account.Decimals)).BigInt()

	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From:  account.address,
		To:    &to,
		Value: value,
	})
	if err != nil {
		return "", fmt.Errorf("wallet: estimate gas %s: %w", account.Slug, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(account.ChainID), account.key)
	if err != nil {
		return "", fmt.Errorf("wallet: sign %s: %w", account.Slug, err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("wallet: send %s: %w", account.Slug, err)
	}
	hash := signed.Hash().Hex()
	m.logger.Info("native transfer broadcast",
		"chain", account.Slug, "tx_hash", hash, "to", to.Hex(), "amount", amount.String())

	if err := m.awaitConfirmations(ctx, account, signed.Hash()); err != nil {
		return "", &TxBroadcastedError{Hash: hash, Err: err}
	}
	return hash, nil
}

func (m *Manager) awaitConfirmations(ctx context.Context, account *Account, hash common.Hash) error {
	deadline := time.Duration(account.Confirmations) * confirmationWait
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var included uint64
	for {
		receipt, err := account.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			included = receipt.BlockNumber.Uint64()
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wallet: receipt wait: %w", ctx.Err())
		case <-time.After(receiptPoll):
		}
	}
	for {
		head, err := account.client.BlockNumber(ctx)
		if err == nil && head >= included && int(head-included)+1 >= account.Confirmations {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wallet: confirmation wait: %w", ctx.Err())
		case <-time.After(receiptPoll):
		}
	}
}
