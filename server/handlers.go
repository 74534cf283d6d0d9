package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"koinpay/gateway/middleware"
	"koinpay/inventory"
	"koinpay/locks"
	"koinpay/models"
	"koinpay/order"
	"koinpay/quote"
	"koinpay/voucher"
	"koinpay/wallet"
	"koinpay/webhook"
)

// Handlers is the HTTP surface over the quote, order and webhook engines.
type Handlers struct {
	quotes   *quote.Service
	orders   *order.Engine
	webhooks *webhook.Reconciler
	logger   *slog.Logger
}

func NewHandlers(quotes *quote.Service, orders *order.Engine, webhooks *webhook.Reconciler, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{quotes: quotes, orders: orders, webhooks: webhooks, logger: logger}
}

// orderView is the wire shape of an order.
type orderView struct {
	OrderID       string  `json:"orderId"`
	Chain         string  `json:"chain"`
	Symbol        string  `json:"symbol"`
	AmountIDR     int64   `json:"amountIdr"`
	TokenAmount   string  `json:"tokenAmount"`
	WalletAddress string  `json:"walletAddress"`
	Status        string  `json:"status"`
	PaymentMethod *string `json:"paymentMethod,omitempty"`
	PaymentURL    *string `json:"paymentUrl,omitempty"`
	FeeIDR        int64   `json:"fee"`
	TotalPay      int64   `json:"totalPay"`
	TxHash        *string `json:"txHash,omitempty"`
	CreatedAt     string  `json:"createdAt"`
	ExpiryTime    string  `json:"expiryTime"`
}

func viewOrder(row models.Order) orderView {
	view := orderView{
		OrderID:       row.ID.String(),
		Chain:         row.ChainSlug,
		Symbol:        row.Symbol,
		AmountIDR:     row.AmountIDR,
		TokenAmount:   row.AmountToken.String(),
		WalletAddress: row.WalletAddress,
		Status:        string(row.Status),
		PaymentURL:    row.PaymentURL,
		FeeIDR:        row.FeeIDR,
		TotalPay:      row.TotalPay,
		TxHash:        row.TxHash,
		CreatedAt:     row.CreatedAt.UTC().Format(time.RFC3339),
		ExpiryTime:    row.CreatedAt.Add(order.PaymentWindow).UTC().Format(time.RFC3339),
	}
	if row.PaymentMethod != nil {
		method := string(*row.PaymentMethod)
		view.PaymentMethod = &method
	}
	return view
}

// GetQuote handles GET /pricing/quote?chain=<slug>&amountIdr=<amount>.
func (h *Handlers) GetQuote(w http.ResponseWriter, r *http.Request) {
	amount, err := ParseIDR(r.URL.Query().Get("amountIdr"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amountIdr must be a positive rupiah amount")
		return
	}
	q, err := h.quotes.Quote(r.Context(), r.URL.Query().Get("chain"), amount)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type createOrderRequest struct {
	Chain         string          `json:"chain"`
	AmountIDR     json.RawMessage `json:"amountIdr"`
	WalletAddress string          `json:"walletAddress"`
	VoucherCode   string          `json:"voucherCode"`
}

// CreateOrder handles POST /orders. The amount is re-quoted server side so
// the client cannot pick its own token amount.
func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	var req createOrderRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	amount, err := parseAmountField(req.AmountIDR)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amountIdr must be a positive rupiah amount")
		return
	}

	chain, token, err := h.quotes.Resolve(r.Context(), req.Chain)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	q, err := h.quotes.Quote(r.Context(), chain.Slug, amount)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	row, err := h.orders.CreateOrder(r.Context(), order.CreateOrderParams{
		UserID:        userID,
		Chain:         chain,
		Symbol:        token.Symbol,
		AmountIDR:     amount,
		TokenAmount:   q.TokenAmount,
		MarkupPercent: q.MarkupPercent,
		WalletAddress: req.WalletAddress,
		VoucherCode:   req.VoucherCode,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOrder(row))
}

type payRequest struct {
	Method string `json:"method"`
}

// PayOrder handles POST /orders/{id}/pay.
func (h *Handlers) PayOrder(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	orderID, ok := h.orderIDParam(w, r)
	if !ok {
		return
	}
	var req payRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	var method models.PaymentMethod
	switch strings.ToUpper(strings.TrimSpace(req.Method)) {
	case "QRIS":
		method = models.PaymentQRIS
	case "VA":
		method = models.PaymentVA
	default:
		writeError(w, http.StatusBadRequest, "INVALID_METHOD", `method must be "QRIS" or "VA"`)
		return
	}

	if !h.ownsOrder(w, r, orderID, userID) {
		return
	}
	row, err := h.orders.CreatePayment(r.Context(), orderID, method)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOrder(row))
}

// SyncOrder handles POST /orders/{id}/sync.
func (h *Handlers) SyncOrder(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	orderID, ok := h.orderIDParam(w, r)
	if !ok {
		return
	}
	status, err := h.orders.SyncPayment(r.Context(), orderID, userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// CancelOrder handles POST /orders/{id}/cancel.
func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	orderID, ok := h.orderIDParam(w, r)
	if !ok {
		return
	}
	if err := h.orders.CancelOrder(r.Context(), orderID, userID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "order cancelled",
	})
}

// GetOrder handles GET /orders/{id}.
func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	orderID, ok := h.orderIDParam(w, r)
	if !ok {
		return
	}
	row, err := h.orders.Get(r.Context(), orderID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if row.UserID != userID {
		h.writeDomainError(w, r, order.ErrOrderNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewOrder(row))
}

// ListOrders handles GET /orders.
func (h *Handlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	rows, err := h.orders.ListByUser(r.Context(), userID, limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	views := make([]orderView, 0, len(rows))
	for _, row := range rows {
		views = append(views, viewOrder(row))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"orders": views})
}

// PaymentWebhook handles POST /payments/webhook. Everything except a bad
// signature returns 200 so the gateway stops redelivering.
func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	result, err := h.webhooks.HandleBody(r.Context(), r.Body)
	if errors.Is(err, webhook.ErrBadSignature) {
		writeError(w, http.StatusForbidden, "BAD_SIGNATURE", "signature verification failed")
		return
	}
	if err != nil {
		h.logger.Warn("webhook rejected", "result", string(result), "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(result)})
}

// AdminRetryOrder handles POST /admin/orders/{id}/retry: re-runs the payout
// consumer for a stuck order.
func (h *Handlers) AdminRetryOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderIDParam(w, r)
	if !ok {
		return
	}
	if err := h.orders.ProcessOrder(r.Context(), orderID); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	row, err := h.orders.Get(r.Context(), orderID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOrder(row))
}

type markSuccessRequest struct {
	TxHash string `json:"txHash"`
}

// AdminMarkSuccess handles POST /admin/orders/{id}/mark-success for payouts
// settled outside the engine.
func (h *Handlers) AdminMarkSuccess(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.orderIDParam(w, r)
	if !ok {
		return
	}
	var req markSuccessRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	if strings.TrimSpace(req.TxHash) == "" {
		writeError(w, http.StatusBadRequest, "INVALID_TX_HASH", "txHash is required")
		return
	}
	if err := h.orders.AdminMarkSuccess(r.Context(), orderID, strings.TrimSpace(req.TxHash)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	row, err := h.orders.Get(r.Context(), orderID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOrder(row))
}

func (h *Handlers) orderIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_ORDER_ID", "order id must be a uuid")
		return uuid.Nil, false
	}
	return orderID, true
}

func (h *Handlers) ownsOrder(w http.ResponseWriter, r *http.Request, orderID, userID uuid.UUID) bool {
	row, err := h.orders.Get(r.Context(), orderID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return false
	}
	if row.UserID != userID {
		h.writeDomainError(w, r, order.ErrOrderNotFound)
		return false
	}
	return true
}

// writeDomainError maps engine errors onto the HTTP error contract.
func (h *Handlers) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var pending *order.PendingOrderError
	if errors.As(err, &pending) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":        "PENDING_ORDER_EXISTS",
			"message":      "finish or cancel your pending order first",
			"pendingOrder": viewOrder(pending.Pending),
		})
		return
	}
	var minimum *quote.MinimumOrderError
	if errors.As(err, &minimum) {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":        "AMOUNT_BELOW_MINIMUM",
			"message":      minimum.Error(),
			"minAmountIdr": minimum.MinIDR,
		})
		return
	}

	switch {
	case errors.Is(err, quote.ErrChainNotFound):
		writeError(w, http.StatusNotFound, "CHAIN_NOT_FOUND", "unknown or inactive chain")
	case errors.Is(err, wallet.ErrInvalidAddress):
		writeError(w, http.StatusBadRequest, "INVALID_WALLET_ADDRESS", "address failed checksum validation, re-enter it exactly")
	case errors.Is(err, inventory.ErrInsufficient):
		writeError(w, http.StatusConflict, "INSUFFICIENT_INVENTORY", "not enough stock for this amount")
	case errors.Is(err, voucher.ErrNotFound):
		writeError(w, http.StatusBadRequest, "VOUCHER_NOT_FOUND", "voucher code not found")
	case errors.Is(err, voucher.ErrQuotaExceeded):
		writeError(w, http.StatusConflict, "VOUCHER_EXHAUSTED", "voucher quota exhausted")
	case errors.Is(err, voucher.ErrAlreadyUsed), errors.Is(err, voucher.ErrInUse):
		writeError(w, http.StatusConflict, "VOUCHER_ALREADY_USED", "voucher already used by this account")
	case errors.Is(err, voucher.ErrInactive), errors.Is(err, voucher.ErrExpired),
		errors.Is(err, voucher.ErrNotOwner), errors.Is(err, voucher.ErrBelowMinimum):
		writeError(w, http.StatusBadRequest, "VOUCHER_INVALID", err.Error())
	case errors.Is(err, order.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
	case errors.Is(err, order.ErrNotPending):
		writeError(w, http.StatusConflict, "ORDER_NOT_PENDING", "order is no longer awaiting payment")
	case errors.Is(err, order.ErrCancelNotAllowed):
		writeError(w, http.StatusBadRequest, "CANCEL_NOT_ALLOWED", "payment already received, the order cannot be cancelled")
	case errors.Is(err, order.ErrNotPayable):
		writeError(w, http.StatusConflict, "ORDER_NOT_PAYABLE", "order is not in a payable state")
	case errors.Is(err, locks.ErrNotAcquired):
		writeError(w, http.StatusConflict, "OPERATION_IN_PROGRESS", "another operation is in progress, try again shortly")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", "upstream timed out, try again")
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

// parseAmountField accepts the amount as a JSON number or a formatted
// string ("100.000", "Rp 100.000").
func parseAmountField(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 {
		return 0, ErrBadAmount
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return ParseIDR(asString)
	}
	var asNumber int64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		if asNumber <= 0 || asNumber > MaxAmountIDR {
			return 0, ErrBadAmount
		}
		return asNumber, nil
	}
	return 0, ErrBadAmount
}

func decodeBody(r *http.Request, into interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(into); err != nil {
		return errors.New("malformed JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
