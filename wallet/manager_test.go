package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"koinpay/locks"
	"koinpay/models"
)

type fakeEVM struct {
	mu           sync.Mutex
	nonce        uint64
	gasPrice     *big.Int
	sendErr      error
	receiptDelay int
	receiptCalls int
	head         uint64
	sent         []*types.Transaction
	balance      *big.Int
}

func (f *fakeEVM) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeEVM) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.gasPrice == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return f.gasPrice, nil
}

func (f *fakeEVM) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeEVM) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEVM) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptCalls++
	if f.receiptCalls <= f.receiptDelay {
		return nil, errors.New("not found")
	}
	return &types.Receipt{BlockNumber: big.NewInt(100), Status: types.ReceiptStatusSuccessful}, nil
}

func (f *fakeEVM) BlockNumber(ctx context.Context) (uint64, error) {
	if f.head == 0 {
		return 105, nil
	}
	return f.head, nil
}

func (f *fakeEVM) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if f.balance == nil {
		return big.NewInt(0), nil
	}
	return f.balance, nil
}

func newTestManager(t *testing.T, client EVMClient) *Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	manager := NewManager(locks.NewManager(rdb), nil)

	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	manager.RegisterAccount(&Account{
		Slug:          "bsc",
		Type:          models.ChainEVM,
		ChainID:       big.NewInt(56),
		Confirmations: 1,
		Decimals:      18,
		key:           key,
		address:       ethcrypto.PubkeyToAddress(key.PublicKey),
		client:        client,
	})
	return manager
}

func TestSendNativeHappyPath(t *testing.T) {
	client := &fakeEVM{nonce: 7, gasPrice: big.NewInt(1_000_000_000)}
	manager := newTestManager(t, client)

	hash, err := manager.SendNative(context.Background(), "bsc",
		"0x8ba1f109551bD432803012645Ac136ddd64DBA72", decimal.RequireFromString("0.009248"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if hash == "" {
		t.Fatal("missing tx hash")
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(client.sent))
	}
	tx := client.sent[0]
	if tx.Nonce() != 7 {
		t.Fatalf("nonce not refetched, got %d", tx.Nonce())
	}
	// 10% legacy gas boost.
	if tx.GasPrice().Cmp(big.NewInt(1_100_000_000)) != 0 {
		t.Fatalf("gas price not boosted: %s", tx.GasPrice())
	}
	want := decimal.RequireFromString("0.009248").Shift(18).BigInt()
	if tx.Value().Cmp(want) != 0 {
		t.Fatalf("value mismatch: %s != %s", tx.Value(), want)
	}
}

func TestSendNativeSafeRejection(t *testing.T) {
	client := &fakeEVM{sendErr: errors.New("insufficient funds for gas * price + value")}
	manager := newTestManager(t, client)

	_, err := manager.SendNative(context.Background(), "bsc",
		"0x8ba1f109551bD432803012645Ac136ddd64DBA72", decimal.NewFromInt(1))
	if err == nil {
		t.Fatal("expected send error")
	}
	if !IsSafeFailure(err) {
		t.Fatalf("insufficient funds must classify as safe: %v", err)
	}
	var broadcast *TxBroadcastedError
	if errors.As(err, &broadcast) {
		t.Fatal("rejected send must not report a broadcast")
	}
}

func TestSendNativeBroadcastAmbiguity(t *testing.T) {
	client := &fakeEVM{receiptDelay: 1 << 30}
	manager := newTestManager(t, client)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := manager.SendNative(ctx, "bsc",
		"0x8ba1f109551bD432803012645Ac136ddd64DBA72", decimal.NewFromInt(1))
	var broadcast *TxBroadcastedError
	if !errors.As(err, &broadcast) {
		t.Fatalf("expected TxBroadcastedError, got %v", err)
	}
	if broadcast.Hash == "" {
		t.Fatal("broadcast error must carry the tx hash")
	}
	if IsSafeFailure(err) {
		t.Fatal("broadcast ambiguity must never classify as safe")
	}
}

func TestSendNativeUnsupportedChain(t *testing.T) {
	manager := newTestManager(t, &fakeEVM{})
	manager.RegisterAccount(&Account{Slug: "solana", Type: models.ChainSolana})

	_, err := manager.SendNative(context.Background(), "solana", "addr", decimal.NewFromInt(1))
	if !errors.Is(err, ErrUnsupportedChainType) {
		t.Fatalf("expected ErrUnsupportedChainType, got %v", err)
	}
	_, err = manager.SendNative(context.Background(), "unknown", "addr", decimal.NewFromInt(1))
	if !errors.Is(err, ErrUnknownChain) {
		t.Fatalf("expected ErrUnknownChain, got %v", err)
	}
}

func TestIsSafeFailureClassification(t *testing.T) {
	cases := []struct {
		err  error
		safe bool
	}{
		{errors.New("insufficient funds for transfer"), true},
		{errors.New("exceeds block gas limit"), true},
		{errors.New("execution reverted"), true},
		{errors.New("nonce too low"), true},
		{errors.New("replacement transaction underpriced"), true},
		{errors.New("context deadline exceeded"), false},
		{errors.New("connection refused"), false},
		{fmt.Errorf("wrapped: %w", errors.New("nonce too low")), true},
		{nil, false},
	}
	for _, tc := range cases {
		if got := IsSafeFailure(tc.err); got != tc.safe {
			t.Fatalf("IsSafeFailure(%v) = %v, want %v", tc.err, got, tc.safe)
		}
	}
}

func TestBalanceReturnsNativeUnits(t *testing.T) {
	client := &fakeEVM{balance: big.NewInt(1_500_000_000_000_000_000)}
	manager := newTestManager(t, client)

	balance, err := manager.Balance(context.Background(), "bsc")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("unexpected balance %s", balance)
	}
}
