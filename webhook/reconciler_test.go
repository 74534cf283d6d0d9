package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"koinpay/inventory"
	"koinpay/midtrans"
	"koinpay/models"
	"koinpay/order"
	"koinpay/voucher"
)

const serverKey = "sk-test"

type nullGateway struct{}

func (nullGateway) Charge(ctx context.Context, req *midtrans.ChargeRequest) (*midtrans.ChargeResponse, error) {
	return &midtrans.ChargeResponse{StatusCode: "201"}, nil
}

func (nullGateway) TransactionStatus(ctx context.Context, ref string) (*midtrans.TransactionStatus, error) {
	return nil, midtrans.ErrTransactionNotFound
}

type nullSender struct{}

func (nullSender) SendNative(ctx context.Context, slug, to string, amount decimal.Decimal) (string, error) {
	return "0xdeadbeef", nil
}

type countingQueue struct {
	mu      sync.Mutex
	payouts int
}

func (q *countingQueue) EnqueuePayout(ctx context.Context, orderID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.payouts++
	return nil
}

func (q *countingQueue) EnqueueReferralValidation(ctx context.Context, userID uuid.UUID) error {
	return nil
}

func (q *countingQueue) EnqueueOrderExpiry(ctx context.Context, orderID uuid.UUID, delay time.Duration) error {
	return nil
}

type fixture struct {
	reconciler *Reconciler
	db         *gorm.DB
	queue      *countingQueue
	order      models.Order
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	chain := models.Chain{ID: uuid.New(), Slug: "bsc", Type: models.ChainEVM}
	if err := db.Create(&chain).Error; err != nil {
		t.Fatalf("seed chain: %v", err)
	}
	inv := models.Inventory{ID: uuid.New(), ChainID: chain.ID, Symbol: "BNB", Balance: decimal.NewFromInt(10)}
	if err := db.Create(&inv).Error; err != nil {
		t.Fatalf("seed inventory: %v", err)
	}

	queue := &countingQueue{}
	engine := order.NewEngine(db,
		inventory.NewLedger(db, nil), voucher.NewLedger(db, nil),
		nullGateway{}, nullSender{}, queue, nil)

	row, err := engine.CreateOrder(context.Background(), order.CreateOrderParams{
		UserID:        uuid.New(),
		Chain:         chain,
		Symbol:        "BNB",
		AmountIDR:     100_000,
		TokenAmount:   decimal.RequireFromString("0.009248"),
		WalletAddress: "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := engine.CreatePayment(context.Background(), row.ID, models.PaymentQRIS); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	var stored models.Order
	if err := db.First(&stored, "id = ?", row.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}

	return &fixture{
		reconciler: NewReconciler(db, engine, serverKey, nil),
		db:         db,
		queue:      queue,
		order:      stored,
	}
}

func (f *fixture) note(status, gross string) *midtrans.TransactionStatus {
	note := &midtrans.TransactionStatus{
		OrderID:           *f.order.MidtransID,
		StatusCode:        "200",
		GrossAmount:       gross,
		TransactionStatus: status,
	}
	note.SignatureKey = midtrans.Signature(serverKey, note.OrderID, note.StatusCode, note.GrossAmount)
	return note
}

func (f *fixture) status(t *testing.T) models.OrderStatus {
	t.Helper()
	var row models.Order
	if err := f.db.First(&row, "id = ?", f.order.ID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	return row.Status
}

func TestSettlementMarksPaid(t *testing.T) {
	f := setup(t)

	result, err := f.reconciler.Apply(context.Background(), f.note("settlement", "100000.00"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result != ResultPaid {
		t.Fatalf("result = %s", result)
	}
	if got := f.status(t); got != models.OrderPaid {
		t.Fatalf("status = %s", got)
	}
	if f.queue.payouts != 1 {
		t.Fatalf("payouts enqueued = %d", f.queue.payouts)
	}
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	note := f.note("settlement", "100000.00")

	if _, err := f.reconciler.Apply(ctx, note); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	result, err := f.reconciler.Apply(ctx, note)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if result != ResultIgnored {
		t.Fatalf("result = %s, want ignored", result)
	}
	if f.queue.payouts != 1 {
		t.Fatalf("payouts enqueued = %d, want 1", f.queue.payouts)
	}
}

func TestBadSignatureRejected(t *testing.T) {
	f := setup(t)
	note := f.note("settlement", "100000.00")
	note.SignatureKey = strings.Repeat("0", 128)

	result, err := f.reconciler.Apply(context.Background(), note)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	if result != ResultFraud {
		t.Fatalf("result = %s", result)
	}
	if got := f.status(t); got != models.OrderPending {
		t.Fatalf("order must be untouched, got %s", got)
	}
}

func TestAmountMismatchIsFraudSignal(t *testing.T) {
	f := setup(t)

	result, err := f.reconciler.Apply(context.Background(), f.note("settlement", "50000.00"))
	if err != nil {
		t.Fatalf("fraud path must answer 200: %v", err)
	}
	if result != ResultFraud {
		t.Fatalf("result = %s", result)
	}
	if got := f.status(t); got != models.OrderPending {
		t.Fatalf("order must be untouched, got %s", got)
	}
	var audits int64
	if err := f.db.Model(&models.AuditEvent{}).Where("action = ?", "webhook_amount_mismatch").Count(&audits).Error; err != nil {
		t.Fatalf("audit count: %v", err)
	}
	if audits != 1 {
		t.Fatalf("audit rows = %d, want 1", audits)
	}
}

func TestAmountWithinToleranceAccepted(t *testing.T) {
	f := setup(t)

	// 100000 expected, 0.5% = 500 < 1000 floor, so 100900 passes.
	result, err := f.reconciler.Apply(context.Background(), f.note("settlement", "100900"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result != ResultPaid {
		t.Fatalf("result = %s", result)
	}
}

func TestGatewayFailureCancels(t *testing.T) {
	f := setup(t)

	result, err := f.reconciler.Apply(context.Background(), f.note("expire", "100000.00"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result != ResultCancelled {
		t.Fatalf("result = %s", result)
	}
	if got := f.status(t); got != models.OrderCancelled {
		t.Fatalf("status = %s", got)
	}
	// Cancellation returned the reservation.
	var inv models.Inventory
	if err := f.db.First(&inv, "symbol = ?", "BNB").Error; err != nil {
		t.Fatalf("inventory: %v", err)
	}
	if !inv.Reserved.IsZero() {
		t.Fatalf("reserved = %s", inv.Reserved)
	}
}

func TestPendingStatusIgnored(t *testing.T) {
	f := setup(t)

	result, err := f.reconciler.Apply(context.Background(), f.note("pending", "100000.00"))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result != ResultIgnored {
		t.Fatalf("result = %s", result)
	}
	if got := f.status(t); got != models.OrderPending {
		t.Fatalf("status = %s", got)
	}
}

func TestUnknownReferenceIsOrphan(t *testing.T) {
	f := setup(t)
	note := f.note("settlement", "100000.00")
	note.OrderID = "KP-UNKNOWN-1"
	note.SignatureKey = midtrans.Signature(serverKey, note.OrderID, note.StatusCode, note.GrossAmount)

	result, err := f.reconciler.Apply(context.Background(), note)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result != ResultOrphan {
		t.Fatalf("result = %s", result)
	}
}

func TestHandleBodyGarbage(t *testing.T) {
	f := setup(t)

	result, err := f.reconciler.HandleBody(context.Background(), strings.NewReader("not json"))
	if err == nil {
		t.Fatal("garbage body must surface an error for logging")
	}
	if result != ResultError {
		t.Fatalf("result = %s", result)
	}
}
