package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates the payment lifecycle states.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusProcessing Status = "processing"
	StatusCaptured   Status = "captured"
	StatusSettled    Status = "settled"
	StatusFailed     Status = "failed"
	StatusRefunded   Status = "refunded"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
// Captured and settled payments are not terminal: they remain refund-eligible.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Completed reports whether funds have been collected for a payment in
// status s, making it eligible for a refund.
func (s Status) Completed() bool {
	return s == StatusCaptured || s == StatusSettled
}

// Method enumerates supported payment methods.
type Method string

const (
	MethodCreditCard    Method = "credit_card"
	MethodDebitCard     Method = "debit_card"
	MethodDigitalWallet Method = "digital_wallet"
	MethodBankTransfer  Method = "bank_transfer"
	MethodCrypto        Method = "crypto"
)

// Currency enumerates supported settlement currencies.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
	CurrencyJPY Currency = "JPY"
)

// DefaultCurrency is applied when a caller omits the currency.
const DefaultCurrency = CurrencyUSD

// ValidCurrency reports whether c is a supported currency.
func ValidCurrency(c Currency) bool {
	switch c {
	case CurrencyUSD, CurrencyEUR, CurrencyGBP, CurrencyJPY:
		return true
	}
	return false
}

// PaymentDetails describes the instrument used for a payment. LastFour and
// Brand carry masked card data; WalletID and CryptoAddress apply to the
// wallet and crypto methods respectively.
type PaymentDetails struct {
	Method        Method
	Provider      string
	LastFour      string
	Brand         string
	WalletID      string
	CryptoAddress string
}

// GatewayResponse captures the acquiring gateway's reply for a processed
// payment.
type GatewayResponse struct {
	TransactionID   string
	ApprovalCode    string
	ResponseCode    string
	ResponseMessage string
	AVSResult       string
	CVVResult       string
}

// Fees breaks a payment's charges into processing and service components.
// All values are rounded to cents.
type Fees struct {
	Processing decimal.Decimal
	Service    decimal.Decimal
	Total      decimal.Decimal
}

// Timestamps records when each lifecycle transition happened. Initiated is
// always set; the remaining fields are nil until the matching transition.
type Timestamps struct {
	Initiated time.Time
	Processed *time.Time
	Settled   *time.Time
	Refunded  *time.Time
	Cancelled *time.Time
}

// Processing is the mutable lifecycle state of a payment.
type Processing struct {
	Status          Status
	GatewayResponse *GatewayResponse
	Fees            Fees
	Timestamps      Timestamps
}

// Security holds the request context evaluated for fraud risk.
type Security struct {
	IPAddress         string
	DeviceFingerprint string
	RiskScore         int
	FraudFlags        []string
}

// Metadata is contextual information that never drives control flow.
type Metadata struct {
	Source    string
	UserAgent string
	SessionID string
	Notes     string
}

// PaymentTransaction is the full payment document. It is created once by the
// lifecycle engine, mutated only through status transitions and never
// deleted: terminal statuses preserve the audit trail.
type PaymentTransaction struct {
	Reference  string
	CustomerID string
	OrderID    string
	Amount     decimal.Decimal
	Currency   Currency
	Details    PaymentDetails
	Processing Processing
	Security   Security
	Metadata   Metadata

	// Version supports optimistic concurrency on save; it is owned by the
	// store and incremented on every successful write.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the payment still counts against the
// one-active-payment-per-order invariant.
func (t *PaymentTransaction) Active() bool {
	return !t.Processing.Status.Terminal()
}

// CanBeRefunded reports whether a refund request would be accepted.
func (t *PaymentTransaction) CanBeRefunded() bool {
	return t.Processing.Status.Completed()
}

// TotalFees returns the sum of the processing and service fee components.
func (t *PaymentTransaction) TotalFees() decimal.Decimal {
	return t.Processing.Fees.Processing.Add(t.Processing.Fees.Service)
}

// Clone returns a deep copy, so stores can hand out records without sharing
// mutable state with callers.
func (t *PaymentTransaction) Clone() *PaymentTransaction {
	cp := *t
	if t.Processing.GatewayResponse != nil {
		gw := *t.Processing.GatewayResponse
		cp.Processing.GatewayResponse = &gw
	}
	cp.Processing.Timestamps.Processed = cloneTime(t.Processing.Timestamps.Processed)
	cp.Processing.Timestamps.Settled = cloneTime(t.Processing.Timestamps.Settled)
	cp.Processing.Timestamps.Refunded = cloneTime(t.Processing.Timestamps.Refunded)
	cp.Processing.Timestamps.Cancelled = cloneTime(t.Processing.Timestamps.Cancelled)
	if t.Security.FraudFlags != nil {
		cp.Security.FraudFlags = append([]string(nil), t.Security.FraudFlags...)
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
