package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ajai24/food-ordering/internal/domain"
	"github.com/ajai24/food-ordering/internal/payments"
)

// PaymentHandlers exposes HTTP handlers for the payment lifecycle API.
type PaymentHandlers struct {
	logger *slog.Logger
	engine *payments.Engine
}

// NewPaymentHandlers constructs a PaymentHandlers instance.
func NewPaymentHandlers(logger *slog.Logger, engine *payments.Engine) *PaymentHandlers {
	return &PaymentHandlers{
		logger: logger,
		engine: engine,
	}
}

func (h *PaymentHandlers) handlePayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	h.initiate(w, r)
}

// handlePaymentByReference dispatches /payments/{reference} and
// /payments/{reference}/{action}.
func (h *PaymentHandlers) handlePaymentByReference(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/payments/"), "/")
	reference, action, _ := strings.Cut(rest, "/")
	if reference == "" {
		writeError(w, http.StatusBadRequest, "transaction reference is required", domain.CodePaymentNotFound)
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		h.status(w, r, reference)
	case "process":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		h.process(w, r, reference)
	case "refund":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		h.refund(w, r, reference)
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		h.cancel(w, r, reference)
	default:
		http.NotFound(w, r)
	}
}

// handleCustomerPayments serves /customers/{id}/payments.
func (h *PaymentHandlers) handleCustomerPayments(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/customers/"), "/")
	customerID, tail, _ := strings.Cut(rest, "/")
	if customerID == "" || tail != "payments" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	h.history(w, r, customerID)
}

func (h *PaymentHandlers) initiate(w http.ResponseWriter, r *http.Request) {
	var payload initiateRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), domain.CodePaymentError)
		return
	}

	ip := clientIP(r)
	if ip == "" {
		ip = payload.Security.IPAddress
	}

	tx, err := h.engine.Initiate(r.Context(), payments.InitiateInput{
		CustomerID: payload.CustomerID,
		OrderID:    payload.OrderID,
		Amount:     payload.Amount,
		Currency:   domain.Currency(payload.Currency),
		Details: domain.PaymentDetails{
			Method:        domain.Method(payload.PaymentDetails.Method),
			Provider:      payload.PaymentDetails.Provider,
			LastFour:      payload.PaymentDetails.LastFour,
			Brand:         payload.PaymentDetails.Brand,
			WalletID:      payload.PaymentDetails.WalletID,
			CryptoAddress: payload.PaymentDetails.CryptoAddress,
		},
		Security: domain.Security{
			IPAddress:         ip,
			DeviceFingerprint: payload.Security.DeviceFingerprint,
		},
		Metadata: domain.Metadata{
			Source:    payload.Metadata.Source,
			UserAgent: r.UserAgent(),
			SessionID: payload.Metadata.SessionID,
			Notes:     payload.Metadata.Notes,
		},
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, successResponse{
		Success: true,
		Message: "Payment initiated successfully",
		Data: initiateResponse{
			TransactionReference: tx.Reference,
			Status:               string(tx.Processing.Status),
			Amount:               tx.Amount,
			Currency:             string(tx.Currency),
			Fees:                 feesResponseFrom(tx.Processing.Fees),
			RiskScore:            tx.Security.RiskScore,
			CreatedAt:            formatTime(tx.CreatedAt),
		},
	})
}

func (h *PaymentHandlers) process(w http.ResponseWriter, r *http.Request, reference string) {
	var payload processRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), domain.CodePaymentError)
		return
	}

	var gateway *domain.GatewayResponse
	if payload.GatewayResponse != nil {
		gateway = &domain.GatewayResponse{
			TransactionID:   payload.GatewayResponse.TransactionID,
			ApprovalCode:    payload.GatewayResponse.ApprovalCode,
			ResponseCode:    payload.GatewayResponse.ResponseCode,
			ResponseMessage: payload.GatewayResponse.ResponseMessage,
			AVSResult:       payload.GatewayResponse.AVSResult,
			CVVResult:       payload.GatewayResponse.CVVResult,
		}
	}

	result, err := h.engine.Process(r.Context(), reference, gateway)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	tx := result.Transaction
	respondJSON(w, http.StatusOK, successResponse{
		Success: true,
		Message: "Payment is being processed",
		Data: processResponse{
			TransactionReference: tx.Reference,
			Status:               string(tx.Processing.Status),
			GatewayTransactionID: tx.Processing.GatewayResponse.TransactionID,
			EstimatedCompletion:  formatTime(result.EstimatedCompletion),
		},
	})
}

func (h *PaymentHandlers) status(w http.ResponseWriter, r *http.Request, reference string) {
	projection, err := h.engine.Status(r.Context(), reference)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	tx := projection.Transaction
	data := statusResponse{
		TransactionReference: tx.Reference,
		Status:               string(tx.Processing.Status),
		Amount:               tx.Amount,
		Currency:             string(tx.Currency),
		Fees:                 feesResponseFrom(tx.Processing.Fees),
		RiskScore:            tx.Security.RiskScore,
		CreatedAt:            formatTime(tx.CreatedAt),
		ProcessedAt:          formatTimePtr(tx.Processing.Timestamps.Processed),
		SettledAt:            formatTimePtr(tx.Processing.Timestamps.Settled),
		Customer: customerResponse{
			ID:       projection.Customer.ID,
			Username: projection.Customer.Username,
			Email:    projection.Customer.Email,
		},
		CanBeRefunded: projection.CanBeRefunded,
	}
	if tx.Processing.GatewayResponse != nil {
		data.GatewayTransactionID = tx.Processing.GatewayResponse.TransactionID
	}

	respondJSON(w, http.StatusOK, successResponse{
		Success: true,
		Message: "Payment status retrieved",
		Data:    data,
	})
}

func (h *PaymentHandlers) refund(w http.ResponseWriter, r *http.Request, reference string) {
	var payload refundRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), domain.CodePaymentError)
		return
	}

	result, err := h.engine.Refund(r.Context(), reference, payload.Reason, payload.Amount)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, successResponse{
		Success: true,
		Message: "Payment refunded successfully",
		Data: refundResponse{
			TransactionReference: result.Reference,
			RefundedAmount:       result.RefundedAmount,
			RefundedAt:           formatTime(result.RefundedAt),
		},
	})
}

func (h *PaymentHandlers) cancel(w http.ResponseWriter, r *http.Request, reference string) {
	var payload cancelRequest
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), domain.CodePaymentError)
		return
	}

	tx, err := h.engine.Cancel(r.Context(), reference, payload.Reason)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, successResponse{
		Success: true,
		Message: "Payment cancelled",
		Data: cancelResponse{
			TransactionReference: tx.Reference,
			Status:               string(tx.Processing.Status),
			CancelledAt:          formatTimePtr(tx.Processing.Timestamps.Cancelled),
		},
	})
}

func (h *PaymentHandlers) history(w http.ResponseWriter, r *http.Request, customerID string) {
	txs, err := h.engine.History(r.Context(), customerID)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	items := make([]paymentSummaryResponse, 0, len(txs))
	for _, tx := range txs {
		items = append(items, paymentSummaryResponse{
			TransactionReference: tx.Reference,
			OrderID:              tx.OrderID,
			Status:               string(tx.Processing.Status),
			Amount:               tx.Amount,
			Currency:             string(tx.Currency),
			CreatedAt:            formatTime(tx.CreatedAt),
		})
	}

	respondJSON(w, http.StatusOK, successResponse{
		Success: true,
		Message: "Payment history retrieved",
		Data: historyResponse{
			Payments: items,
			Total:    len(items),
		},
	})
}

// writeEngineError maps the engine's error taxonomy onto HTTP responses.
// Unrecognized errors are logged with full context and returned as an opaque
// 500.
func (h *PaymentHandlers) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var validationErr *domain.ValidationError
	if errors.As(err, &validationErr) {
		respondJSON(w, http.StatusBadRequest, errorResponse{
			Message:  validationErr.Message,
			Code:     validationErr.Code,
			Required: validationErr.Fields,
		})
		return
	}

	var conflictErr *domain.ConflictError
	if errors.As(err, &conflictErr) {
		respondJSON(w, http.StatusConflict, errorResponse{
			Message:              conflictErr.Message,
			Code:                 conflictErr.Code,
			TransactionReference: conflictErr.Reference,
		})
		return
	}

	var notFoundErr *domain.NotFoundError
	if errors.As(err, &notFoundErr) {
		respondJSON(w, http.StatusNotFound, errorResponse{
			Message: "Payment transaction not found",
			Code:    domain.CodePaymentNotFound,
		})
		return
	}

	var stateErr *domain.StateError
	if errors.As(err, &stateErr) {
		respondJSON(w, http.StatusBadRequest, errorResponse{
			Message: stateErr.Message,
			Code:    stateErr.Code,
			Status:  string(stateErr.Status),
		})
		return
	}

	h.logger.Error("payment request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
	respondJSON(w, http.StatusInternalServerError, errorResponse{
		Message: "Payment processing failed",
		Code:    domain.CodePaymentError,
	})
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	respondJSON(w, status, errorResponse{
		Message: message,
		Code:    code,
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed", domain.CodePaymentError)
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("invalid JSON payload: %w", err)
}

// clientIP prefers the forwarded address set by the edge gateway over the
// direct peer address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

// --- Request & Response DTOs ---

type successResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type errorResponse struct {
	Success              bool     `json:"success"`
	Message              string   `json:"message"`
	Code                 string   `json:"error"`
	Required             []string `json:"required,omitempty"`
	TransactionReference string   `json:"transactionReference,omitempty"`
	Status               string   `json:"status,omitempty"`
}

type initiateRequest struct {
	CustomerID     string                `json:"customerId"`
	OrderID        string                `json:"orderId"`
	Amount         decimal.Decimal       `json:"amount"`
	Currency       string                `json:"currency"`
	PaymentDetails paymentDetailsRequest `json:"paymentDetails"`
	Security       securityRequest       `json:"security"`
	Metadata       metadataRequest       `json:"metadata"`
}

type paymentDetailsRequest struct {
	Method        string `json:"method"`
	Provider      string `json:"provider"`
	LastFour      string `json:"lastFour"`
	Brand         string `json:"brand"`
	WalletID      string `json:"walletId"`
	CryptoAddress string `json:"cryptoAddress"`
}

type securityRequest struct {
	IPAddress         string `json:"ipAddress"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

type metadataRequest struct {
	Source    string `json:"source"`
	SessionID string `json:"sessionId"`
	Notes     string `json:"notes"`
}

type feesResponse struct {
	Processing decimal.Decimal `json:"processing"`
	Service    decimal.Decimal `json:"service"`
	Total      decimal.Decimal `json:"total"`
}

func feesResponseFrom(fees domain.Fees) feesResponse {
	return feesResponse{
		Processing: fees.Processing,
		Service:    fees.Service,
		Total:      fees.Total,
	}
}

type initiateResponse struct {
	TransactionReference string          `json:"transactionReference"`
	Status               string          `json:"status"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Fees                 feesResponse    `json:"fees"`
	RiskScore            int             `json:"riskScore"`
	CreatedAt            string          `json:"createdAt"`
}

type gatewayResponseRequest struct {
	TransactionID   string `json:"transactionId"`
	ApprovalCode    string `json:"approvalCode"`
	ResponseCode    string `json:"responseCode"`
	ResponseMessage string `json:"responseMessage"`
	AVSResult       string `json:"avsResult"`
	CVVResult       string `json:"cvvResult"`
}

type processRequest struct {
	GatewayResponse *gatewayResponseRequest `json:"gatewayResponse"`
}

type processResponse struct {
	TransactionReference string `json:"transactionReference"`
	Status               string `json:"status"`
	GatewayTransactionID string `json:"gatewayTransactionId"`
	EstimatedCompletion  string `json:"estimatedCompletion"`
}

type customerResponse struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
}

type statusResponse struct {
	TransactionReference string           `json:"transactionReference"`
	Status               string           `json:"status"`
	Amount               decimal.Decimal  `json:"amount"`
	Currency             string           `json:"currency"`
	Fees                 feesResponse     `json:"fees"`
	RiskScore            int              `json:"riskScore"`
	CreatedAt            string           `json:"createdAt"`
	ProcessedAt          string           `json:"processedAt,omitempty"`
	SettledAt            string           `json:"settledAt,omitempty"`
	GatewayTransactionID string           `json:"gatewayTransactionId,omitempty"`
	Customer             customerResponse `json:"customer"`
	CanBeRefunded        bool             `json:"canBeRefunded"`
}

type refundRequest struct {
	Reason string           `json:"reason"`
	Amount *decimal.Decimal `json:"amount"`
}

type refundResponse struct {
	TransactionReference string          `json:"transactionReference"`
	RefundedAmount       decimal.Decimal `json:"refundedAmount"`
	RefundedAt           string          `json:"refundedAt"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type cancelResponse struct {
	TransactionReference string `json:"transactionReference"`
	Status               string `json:"status"`
	CancelledAt          string `json:"cancelledAt"`
}

type paymentSummaryResponse struct {
	TransactionReference string          `json:"transactionReference"`
	OrderID              string          `json:"orderId"`
	Status               string          `json:"status"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	CreatedAt            string          `json:"createdAt"`
}

type historyResponse struct {
	Payments []paymentSummaryResponse `json:"payments"`
	Total    int                      `json:"total"`
}
