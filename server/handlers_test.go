package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"koinpay/gateway/middleware"
	"koinpay/gateway/routes"
	"koinpay/inventory"
	"koinpay/midtrans"
	"koinpay/models"
	"koinpay/order"
	"koinpay/quote"
	"koinpay/server"
	"koinpay/voucher"
	"koinpay/webhook"
)

const (
	serverKey   = "sk-test"
	testAddress = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
)

type stubGateway struct{}

func (stubGateway) Charge(ctx context.Context, req *midtrans.ChargeRequest) (*midtrans.ChargeResponse, error) {
	return &midtrans.ChargeResponse{StatusCode: "201"}, nil
}

func (stubGateway) TransactionStatus(ctx context.Context, ref string) (*midtrans.TransactionStatus, error) {
	return nil, midtrans.ErrTransactionNotFound
}

type stubSender struct{}

func (stubSender) SendNative(ctx context.Context, slug, to string, amount decimal.Decimal) (string, error) {
	return "0xdeadbeef", nil
}

type noopQueue struct{}

func (noopQueue) EnqueuePayout(ctx context.Context, orderID uuid.UUID) error { return nil }
func (noopQueue) EnqueueReferralValidation(ctx context.Context, userID uuid.UUID) error {
	return nil
}
func (noopQueue) EnqueueOrderExpiry(ctx context.Context, orderID uuid.UUID, delay time.Duration) error {
	return nil
}

type fixedPrice struct{ value decimal.Decimal }

func (p fixedPrice) Get(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return p.value, nil
}

type fixedRate struct{ value decimal.Decimal }

func (r fixedRate) Rate(ctx context.Context) (decimal.Decimal, error) {
	return r.value, nil
}

type apiFixture struct {
	handler http.Handler
	db      *gorm.DB
	auth    *middleware.Authenticator
	engine  *order.Engine
	userID  uuid.UUID
	token   string
}

func setupAPI(t *testing.T) *apiFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	chain := models.Chain{ID: uuid.New(), Slug: "bsc", Type: models.ChainEVM, Active: true}
	if err := db.Create(&chain).Error; err != nil {
		t.Fatalf("seed chain: %v", err)
	}
	token := models.Token{
		ID:            uuid.New(),
		ChainID:       chain.ID,
		Symbol:        "BNB",
		IsNative:      true,
		Active:        true,
		MarkupPercent: decimal.NewFromInt(5),
	}
	if err := db.Create(&token).Error; err != nil {
		t.Fatalf("seed token: %v", err)
	}
	inv := models.Inventory{ID: uuid.New(), ChainID: chain.ID, Symbol: "BNB", Balance: decimal.NewFromInt(10)}
	if err := db.Create(&inv).Error; err != nil {
		t.Fatalf("seed inventory: %v", err)
	}

	quotes := quote.NewService(db,
		fixedPrice{value: decimal.RequireFromString("650")},
		fixedRate{value: decimal.RequireFromString("15800")},
		nil)
	engine := order.NewEngine(db,
		inventory.NewLedger(db, nil), voucher.NewLedger(db, nil),
		stubGateway{}, stubSender{}, noopQueue{}, nil)
	reconciler := webhook.NewReconciler(db, engine, serverKey, nil)

	auth := middleware.NewAuthenticator("handler-test-secret-handler-test-secret")
	handlers := server.NewHandlers(quotes, engine, reconciler, nil)
	router := routes.New(routes.Config{
		Handlers:      handlers,
		Authenticator: auth,
	})

	userID := uuid.New()
	bearer, err := auth.IssueToken(userID, middleware.RoleUser, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return &apiFixture{
		handler: router,
		db:      db,
		auth:    auth,
		engine:  engine,
		userID:  userID,
		token:   bearer,
	}
}

func (f *apiFixture) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res := httptest.NewRecorder()
	f.handler.ServeHTTP(res, req)
	return res
}

func decode(t *testing.T, res *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(res.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", res.Body.String(), err)
	}
	return out
}

func TestQuoteEndpointIsPublic(t *testing.T) {
	f := setupAPI(t)
	res := f.do(t, http.MethodGet, "/pricing/quote?chain=bsc&amountIdr=100000", "", nil)
	if res.Code != http.StatusOK {
		t.Fatalf("got %d: %s", res.Code, res.Body.String())
	}
	body := decode(t, res)
	if body["symbol"] != "BNB" {
		t.Fatalf("symbol = %v", body["symbol"])
	}
	for _, field := range []string{"tokenAmount", "tokenPriceUsd", "usdIdrRate", "inventoryStatus", "maxBuyIdr"} {
		if _, ok := body[field]; !ok {
			t.Fatalf("missing %s in %s", field, res.Body.String())
		}
	}
}

func TestQuoteEndpointRejectsGarbageAmount(t *testing.T) {
	f := setupAPI(t)
	res := f.do(t, http.MethodGet, "/pricing/quote?chain=bsc&amountIdr=abc", "", nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("got %d", res.Code)
	}
}

func TestCreateOrderRequiresAuth(t *testing.T) {
	f := setupAPI(t)
	res := f.do(t, http.MethodPost, "/orders", "", map[string]interface{}{
		"chain": "bsc", "amountIdr": 100000, "walletAddress": testAddress,
	})
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("got %d", res.Code)
	}
}

func TestCreateOrderHappyPath(t *testing.T) {
	f := setupAPI(t)
	res := f.do(t, http.MethodPost, "/orders", f.token, map[string]interface{}{
		"chain": "bsc", "amountIdr": "100.000", "walletAddress": testAddress,
	})
	if res.Code != http.StatusCreated {
		t.Fatalf("got %d: %s", res.Code, res.Body.String())
	}
	body := decode(t, res)
	if body["status"] != string(models.OrderPending) {
		t.Fatalf("status = %v", body["status"])
	}
	if body["amountIdr"] != float64(100_000) {
		t.Fatalf("amountIdr = %v", body["amountIdr"])
	}
	if body["chain"] != "bsc" {
		t.Fatalf("chain = %v", body["chain"])
	}
}

func TestCreateOrderConflictCarriesPendingOrder(t *testing.T) {
	f := setupAPI(t)
	payload := map[string]interface{}{
		"chain": "bsc", "amountIdr": 100000, "walletAddress": testAddress,
	}
	first := f.do(t, http.MethodPost, "/orders", f.token, payload)
	if first.Code != http.StatusCreated {
		t.Fatalf("first: got %d: %s", first.Code, first.Body.String())
	}
	firstBody := decode(t, first)

	second := f.do(t, http.MethodPost, "/orders", f.token, payload)
	if second.Code != http.StatusConflict {
		t.Fatalf("second: got %d", second.Code)
	}
	body := decode(t, second)
	if body["error"] != "PENDING_ORDER_EXISTS" {
		t.Fatalf("error = %v", body["error"])
	}
	pending, ok := body["pendingOrder"].(map[string]interface{})
	if !ok {
		t.Fatalf("pendingOrder missing: %s", second.Body.String())
	}
	if pending["orderId"] != firstBody["orderId"] {
		t.Fatalf("pendingOrder id = %v, want %v", pending["orderId"], firstBody["orderId"])
	}
}

func TestCreateOrderRejectsBadChecksum(t *testing.T) {
	f := setupAPI(t)
	res := f.do(t, http.MethodPost, "/orders", f.token, map[string]interface{}{
		"chain":         "bsc",
		"amountIdr":     100000,
		"walletAddress": "0x8Ba1f109551bD432803012645Ac136ddd64DBA72",
	})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("got %d: %s", res.Code, res.Body.String())
	}
	if decode(t, res)["error"] != "INVALID_WALLET_ADDRESS" {
		t.Fatalf("body = %s", res.Body.String())
	}
}

func TestPayOrderFlow(t *testing.T) {
	f := setupAPI(t)
	created := decode(t, f.do(t, http.MethodPost, "/orders", f.token, map[string]interface{}{
		"chain": "bsc", "amountIdr": 100000, "walletAddress": testAddress,
	}))
	orderID := created["orderId"].(string)

	bad := f.do(t, http.MethodPost, "/orders/"+orderID+"/pay", f.token, map[string]string{"method": "cash"})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("bad method: got %d", bad.Code)
	}

	res := f.do(t, http.MethodPost, "/orders/"+orderID+"/pay", f.token, map[string]string{"method": "VA"})
	if res.Code != http.StatusOK {
		t.Fatalf("got %d: %s", res.Code, res.Body.String())
	}
	body := decode(t, res)
	if body["fee"] != float64(4000) {
		t.Fatalf("fee = %v", body["fee"])
	}
	if body["totalPay"] != float64(104_000) {
		t.Fatalf("totalPay = %v", body["totalPay"])
	}
	if _, ok := body["expiryTime"]; !ok {
		t.Fatalf("expiryTime missing: %s", res.Body.String())
	}
}

func TestPayOrderScopedToOwner(t *testing.T) {
	f := setupAPI(t)
	created := decode(t, f.do(t, http.MethodPost, "/orders", f.token, map[string]interface{}{
		"chain": "bsc", "amountIdr": 100000, "walletAddress": testAddress,
	}))
	orderID := created["orderId"].(string)

	stranger, err := f.auth.IssueToken(uuid.New(), middleware.RoleUser, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res := f.do(t, http.MethodPost, "/orders/"+orderID+"/pay", stranger, map[string]string{"method": "QRIS"})
	if res.Code != http.StatusNotFound {
		t.Fatalf("got %d, want 404", res.Code)
	}
}

func TestCancelRefusedAfterPayment(t *testing.T) {
	f := setupAPI(t)
	created := decode(t, f.do(t, http.MethodPost, "/orders", f.token, map[string]interface{}{
		"chain": "bsc", "amountIdr": 100000, "walletAddress": testAddress,
	}))
	orderID := uuid.MustParse(created["orderId"].(string))

	if err := f.engine.HandlePaymentSuccess(context.Background(), orderID); err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	res := f.do(t, http.MethodPost, "/orders/"+orderID.String()+"/cancel", f.token, nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("got %d: %s", res.Code, res.Body.String())
	}
	if decode(t, res)["error"] != "CANCEL_NOT_ALLOWED" {
		t.Fatalf("body = %s", res.Body.String())
	}
}

func TestCancelPendingOrder(t *testing.T) {
	f := setupAPI(t)
	created := decode(t, f.do(t, http.MethodPost, "/orders", f.token, map[string]interface{}{
		"chain": "bsc", "amountIdr": 100000, "walletAddress": testAddress,
	}))
	orderID := created["orderId"].(string)

	res := f.do(t, http.MethodPost, "/orders/"+orderID+"/cancel", f.token, nil)
	if res.Code != http.StatusOK {
		t.Fatalf("got %d: %s", res.Code, res.Body.String())
	}
	if decode(t, res)["success"] != true {
		t.Fatalf("body = %s", res.Body.String())
	}
}

func TestWebhookSettlementPromotesOrder(t *testing.T) {
	f := setupAPI(t)
	created := decode(t, f.do(t, http.MethodPost, "/orders", f.token, map[string]interface{}{
		"chain": "bsc", "amountIdr": 100000, "walletAddress": testAddress,
	}))
	orderID := uuid.MustParse(created["orderId"].(string))
	if _, err := f.engine.CreatePayment(context.Background(), orderID, models.PaymentQRIS); err != nil {
		t.Fatalf("create payment: %v", err)
	}
	var row models.Order
	if err := f.db.First(&row, "id = ?", orderID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}

	note := map[string]string{
		"order_id":           *row.MidtransID,
		"status_code":        "200",
		"gross_amount":       "100000.00",
		"transaction_status": "settlement",
	}
	note["signature_key"] = midtrans.Signature(serverKey, note["order_id"], note["status_code"], note["gross_amount"])

	res := f.do(t, http.MethodPost, "/payments/webhook", "", note)
	if res.Code != http.StatusOK {
		t.Fatalf("got %d: %s", res.Code, res.Body.String())
	}
	if err := f.db.First(&row, "id = ?", orderID).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if row.Status != models.OrderPaid {
		t.Fatalf("status = %s", row.Status)
	}
}

func TestWebhookBadSignatureGets403(t *testing.T) {
	f := setupAPI(t)
	note := map[string]string{
		"order_id":           "KP-ABCDEF12-DEADBEEF",
		"status_code":        "200",
		"gross_amount":       "100000.00",
		"transaction_status": "settlement",
		"signature_key":      "bogus",
	}
	res := f.do(t, http.MethodPost, "/payments/webhook", "", note)
	if res.Code != http.StatusForbidden {
		t.Fatalf("got %d", res.Code)
	}
}

func TestAdminSurfaceRequiresAdminRole(t *testing.T) {
	f := setupAPI(t)
	res := f.do(t, http.MethodPost, "/admin/orders/"+uuid.NewString()+"/retry", f.token, nil)
	if res.Code != http.StatusForbidden {
		t.Fatalf("got %d, want 403", res.Code)
	}
}

func TestAdminMarkSuccess(t *testing.T) {
	f := setupAPI(t)
	created := decode(t, f.do(t, http.MethodPost, "/orders", f.token, map[string]interface{}{
		"chain": "bsc", "amountIdr": 100000, "walletAddress": testAddress,
	}))
	orderID := uuid.MustParse(created["orderId"].(string))
	if err := f.engine.HandlePaymentSuccess(context.Background(), orderID); err != nil {
		t.Fatalf("mark paid: %v", err)
	}

	admin, err := f.auth.IssueToken(uuid.New(), middleware.RoleAdmin, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	res := f.do(t, http.MethodPost, "/admin/orders/"+orderID.String()+"/mark-success", admin,
		map[string]string{"txHash": "0xoperator"})
	if res.Code != http.StatusOK {
		t.Fatalf("got %d: %s", res.Code, res.Body.String())
	}
	body := decode(t, res)
	if body["status"] != string(models.OrderSuccess) {
		t.Fatalf("status = %v", body["status"])
	}
	if body["txHash"] != "0xoperator" {
		t.Fatalf("txHash = %v", body["txHash"])
	}
}

func TestOrderIDValidation(t *testing.T) {
	f := setupAPI(t)
	res := f.do(t, http.MethodPost, "/orders/not-a-uuid/cancel", f.token, nil)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("got %d", res.Code)
	}
}
