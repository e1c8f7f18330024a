package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ajai24/food-ordering/internal/domain"
	"github.com/ajai24/food-ordering/internal/identity"
	"github.com/ajai24/food-ordering/internal/store"
)

// Store is the persistence contract required by the engine.
type Store interface {
	Create(ctx context.Context, tx *domain.PaymentTransaction) error
	FindByReference(ctx context.Context, reference string) (*domain.PaymentTransaction, error)
	FindActiveByOrder(ctx context.Context, orderID string) (*domain.PaymentTransaction, error)
	ListByCustomer(ctx context.Context, customerID string) ([]*domain.PaymentTransaction, error)
	Save(ctx context.Context, tx *domain.PaymentTransaction) error
}

const (
	defaultSettlementDelay = 2 * time.Second
	defaultCaptureRate     = 0.9
	defaultRefundReason    = "Customer requested refund"

	// estimationGrace pads the completion estimate returned to process
	// callers beyond the settlement delay.
	estimationGrace = time.Second

	// maxTransitionAttempts bounds the read-validate-apply-save retry loop
	// on optimistic-concurrency conflicts.
	maxTransitionAttempts = 3

	// createAttempts bounds reference regeneration on the (unlikely)
	// reference collision during create.
	createAttempts = 3

	settleTimeout = 10 * time.Second
)

// errSettlementSkipped aborts a settlement transition for a payment that
// already left the processing state; it guards duplicate or late firings.
var errSettlementSkipped = errors.New("settlement skipped")

// Config tunes lifecycle engine behaviour.
type Config struct {
	// SettlementDelay is how long after process() the settlement fires.
	SettlementDelay time.Duration
	// CaptureRate is the default oracle's approval probability.
	CaptureRate float64
}

// Engine orchestrates the payment lifecycle: it owns every status
// transition, the per-order idempotency guard and asynchronous settlement.
// All durable state goes through the injected Store.
type Engine struct {
	store           Store
	identity        identity.Client
	logger          *slog.Logger
	oracle          SettlementOracle
	scheduler       Scheduler
	settlementDelay time.Duration
	nowFn           func() time.Time
	settling        sync.WaitGroup
}

// NewEngine constructs an Engine with production defaults: a timer-backed
// scheduler and a randomized capture oracle.
func NewEngine(st Store, id identity.Client, logger *slog.Logger, cfg Config) *Engine {
	delay := cfg.SettlementDelay
	if delay <= 0 {
		delay = defaultSettlementDelay
	}
	rate := cfg.CaptureRate
	if rate <= 0 || rate > 1 {
		rate = defaultCaptureRate
	}
	if id == nil {
		id = identity.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:           st,
		identity:        id,
		logger:          logger,
		oracle:          NewCaptureOracle(rate),
		scheduler:       timerScheduler{},
		settlementDelay: delay,
		nowFn:           time.Now,
	}
}

// WithClock overrides the time provider (used primarily in tests).
func (e *Engine) WithClock(nowFn func() time.Time) {
	if nowFn != nil {
		e.nowFn = nowFn
	}
}

// WithOracle overrides the settlement outcome policy.
func (e *Engine) WithOracle(oracle SettlementOracle) {
	if oracle != nil {
		e.oracle = oracle
	}
}

// WithScheduler overrides the settlement scheduler.
func (e *Engine) WithScheduler(scheduler Scheduler) {
	if scheduler != nil {
		e.scheduler = scheduler
	}
}

// InitiateInput carries everything a caller supplies to open a payment.
type InitiateInput struct {
	CustomerID string
	OrderID    string
	Amount     decimal.Decimal
	Currency   domain.Currency
	Details    domain.PaymentDetails
	Security   domain.Security
	Metadata   domain.Metadata
}

// Initiate validates the input, enforces the one-active-payment-per-order
// guard, computes fees and risk, and creates the transaction in the
// initiated state.
func (e *Engine) Initiate(ctx context.Context, in InitiateInput) (*domain.PaymentTransaction, error) {
	if err := validateInitiate(in); err != nil {
		return nil, err
	}

	currency := in.Currency
	if currency == "" {
		currency = domain.DefaultCurrency
	}
	if !domain.ValidCurrency(currency) {
		return nil, &domain.ValidationError{
			Code:    domain.CodeInvalidCurrency,
			Message: fmt.Sprintf("unsupported currency: %s", currency),
		}
	}

	existing, err := e.store.FindActiveByOrder(ctx, in.OrderID)
	if err != nil {
		return nil, fmt.Errorf("check active payment for order %s: %w", in.OrderID, err)
	}
	if existing != nil {
		return nil, e.activePaymentConflict(existing.Reference)
	}

	now := e.nowFn()
	fees := CalculateFees(in.Amount, in.Details.Method)
	score, flags := ScoreRisk(in.Amount, in.Details.Method, in.Security)

	tx := &domain.PaymentTransaction{
		CustomerID: in.CustomerID,
		OrderID:    in.OrderID,
		Amount:     in.Amount,
		Currency:   currency,
		Details:    withInstrumentDefaults(in.Details),
		Processing: domain.Processing{
			Status: domain.StatusInitiated,
			Fees:   fees,
			Timestamps: domain.Timestamps{
				Initiated: now,
			},
		},
		Security: domain.Security{
			IPAddress:         in.Security.IPAddress,
			DeviceFingerprint: in.Security.DeviceFingerprint,
			RiskScore:         score,
			FraudFlags:        flags,
		},
		Metadata:  withMetadataDefaults(in.Metadata),
		CreatedAt: now,
		UpdatedAt: now,
	}

	for attempt := 0; attempt < createAttempts; attempt++ {
		tx.Reference = newTransactionReference(now)
		err := e.store.Create(ctx, tx)
		if err == nil {
			e.logger.Info("payment initiated",
				"reference", tx.Reference,
				"orderId", tx.OrderID,
				"amount", tx.Amount,
				"riskScore", score,
			)
			return tx, nil
		}
		if errors.Is(err, store.ErrDuplicateReference) {
			continue
		}
		if errors.Is(err, store.ErrActivePayment) {
			// Lost a concurrent-initiate race after the pre-check passed.
			active, lookupErr := e.store.FindActiveByOrder(ctx, in.OrderID)
			reference := ""
			if lookupErr == nil && active != nil {
				reference = active.Reference
			}
			return nil, e.activePaymentConflict(reference)
		}
		return nil, fmt.Errorf("create payment for order %s: %w", in.OrderID, err)
	}
	return nil, fmt.Errorf("could not allocate a unique transaction reference for order %s", in.OrderID)
}

// ProcessResult is returned to process callers before settlement completes.
type ProcessResult struct {
	Transaction         *domain.PaymentTransaction
	EstimatedCompletion time.Time
}

// Process moves an initiated payment to processing, records the gateway
// response (synthesized when the caller supplies none) and schedules the
// asynchronous settlement. It returns without waiting for the settlement.
func (e *Engine) Process(ctx context.Context, reference string, gateway *domain.GatewayResponse) (*ProcessResult, error) {
	now := e.nowFn()
	tx, err := e.transition(ctx, reference, func(tx *domain.PaymentTransaction) error {
		if tx.Processing.Status != domain.StatusInitiated {
			return &domain.StateError{
				Code:    domain.CodeInvalidStatus,
				Message: fmt.Sprintf("payment cannot be processed in current status: %s", tx.Processing.Status),
				Status:  tx.Processing.Status,
			}
		}

		gw := e.syntheticGatewayResponse(now)
		if gateway != nil {
			cp := *gateway
			gw = &cp
		}
		tx.Processing.Status = domain.StatusProcessing
		tx.Processing.GatewayResponse = gw
		processed := now
		tx.Processing.Timestamps.Processed = &processed
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.scheduleSettlement(tx.Reference)
	e.logger.Info("payment processing", "reference", tx.Reference)

	return &ProcessResult{
		Transaction:         tx,
		EstimatedCompletion: now.Add(e.settlementDelay + estimationGrace),
	}, nil
}

// RefundResult describes a completed refund.
type RefundResult struct {
	Reference      string
	RefundedAmount decimal.Decimal
	RefundedAt     time.Time
}

// Refund moves a completed (captured or settled) payment to refunded. The
// refunded amount defaults to the full original amount; a supplied amount is
// validated but not ledgered, partial-refund accounting is out of scope.
func (e *Engine) Refund(ctx context.Context, reference, reason string, amount *decimal.Decimal) (*RefundResult, error) {
	if reason == "" {
		reason = defaultRefundReason
	}
	now := e.nowFn()
	tx, err := e.transition(ctx, reference, func(tx *domain.PaymentTransaction) error {
		if tx.Processing.Status == domain.StatusRefunded {
			return &domain.StateError{
				Code:    domain.CodeAlreadyRefunded,
				Message: "payment has already been refunded",
				Status:  tx.Processing.Status,
			}
		}
		if !tx.Processing.Status.Completed() {
			return &domain.StateError{
				Code:    domain.CodeInvalidStatus,
				Message: "only completed payments can be refunded",
				Status:  tx.Processing.Status,
			}
		}
		if amount != nil && (amount.LessThanOrEqual(decimal.Zero) || amount.GreaterThan(tx.Amount)) {
			return &domain.ValidationError{
				Code:    domain.CodeInvalidAmount,
				Message: "refund amount must be positive and not exceed the original amount",
			}
		}

		tx.Processing.Status = domain.StatusRefunded
		refunded := now
		tx.Processing.Timestamps.Refunded = &refunded
		tx.Metadata.Notes = reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	refundedAmount := tx.Amount
	if amount != nil {
		refundedAmount = *amount
	}
	e.logger.Info("payment refunded", "reference", tx.Reference, "amount", refundedAmount)

	return &RefundResult{
		Reference:      tx.Reference,
		RefundedAmount: refundedAmount,
		RefundedAt:     *tx.Processing.Timestamps.Refunded,
	}, nil
}

// Cancel aborts a payment that has not completed. A cancelled payment makes
// any still-scheduled settlement a no-op.
func (e *Engine) Cancel(ctx context.Context, reference, reason string) (*domain.PaymentTransaction, error) {
	now := e.nowFn()
	tx, err := e.transition(ctx, reference, func(tx *domain.PaymentTransaction) error {
		switch tx.Processing.Status {
		case domain.StatusInitiated, domain.StatusProcessing:
		default:
			return &domain.StateError{
				Code:    domain.CodeInvalidStatus,
				Message: fmt.Sprintf("payment cannot be cancelled in current status: %s", tx.Processing.Status),
				Status:  tx.Processing.Status,
			}
		}

		tx.Processing.Status = domain.StatusCancelled
		cancelled := now
		tx.Processing.Timestamps.Cancelled = &cancelled
		if reason != "" {
			tx.Metadata.Notes = reason
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("payment cancelled", "reference", tx.Reference)
	return tx, nil
}

// StatusProjection is the read-only view returned by Status.
type StatusProjection struct {
	Transaction   *domain.PaymentTransaction
	CanBeRefunded bool
	Customer      identity.Customer
}

// Status returns a projection of the payment, enriched with customer
// identity through the identity collaborator. Identity failures degrade to
// an unenriched projection, they never fail the read.
func (e *Engine) Status(ctx context.Context, reference string) (*StatusProjection, error) {
	tx, err := e.store.FindByReference(ctx, reference)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &domain.NotFoundError{Reference: reference}
		}
		return nil, fmt.Errorf("load payment %s: %w", reference, err)
	}

	projection := &StatusProjection{
		Transaction:   tx,
		CanBeRefunded: tx.CanBeRefunded(),
		Customer:      identity.Customer{ID: tx.CustomerID},
	}
	customer, err := e.identity.Customer(ctx, tx.CustomerID)
	if err != nil {
		e.logger.Warn("identity lookup failed",
			"reference", reference,
			"customerId", tx.CustomerID,
			"error", err,
		)
		return projection, nil
	}
	projection.Customer = customer
	return projection, nil
}

// History returns all payments for a customer, newest first.
func (e *Engine) History(ctx context.Context, customerID string) ([]*domain.PaymentTransaction, error) {
	txs, err := e.store.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("list payments for customer %s: %w", customerID, err)
	}
	return txs, nil
}

// Drain blocks until all scheduled settlements have run or ctx expires.
func (e *Engine) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.settling.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) scheduleSettlement(reference string) {
	e.settling.Add(1)
	e.scheduler.Schedule(e.settlementDelay, func() {
		defer e.settling.Done()
		e.settle(reference)
	})
}

// settle finalizes a processing payment as captured or failed per the
// oracle's verdict. It runs asynchronously: errors are logged, never
// surfaced to the process caller.
func (e *Engine) settle(reference string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	now := e.nowFn()
	tx, err := e.transition(ctx, reference, func(tx *domain.PaymentTransaction) error {
		if tx.Processing.Status != domain.StatusProcessing {
			return errSettlementSkipped
		}

		if e.oracle.Approve(tx) {
			tx.Processing.Status = domain.StatusCaptured
		} else {
			tx.Processing.Status = domain.StatusFailed
			if tx.Processing.GatewayResponse == nil {
				tx.Processing.GatewayResponse = &domain.GatewayResponse{}
			}
			tx.Processing.GatewayResponse.ResponseCode = "05"
			tx.Processing.GatewayResponse.ResponseMessage = "Declined"
		}
		settled := now
		tx.Processing.Timestamps.Settled = &settled
		return nil
	})
	if err != nil {
		if errors.Is(err, errSettlementSkipped) {
			e.logger.Debug("settlement skipped, payment already left processing", "reference", reference)
			return
		}
		e.logger.Error("payment settlement failed", "reference", reference, "error", err)
		return
	}
	e.logger.Info("payment settled", "reference", reference, "status", tx.Processing.Status)
}

// transition runs a read-validate-apply-save loop for the payment,
// retrying the whole loop on optimistic-concurrency conflicts. Guard errors
// returned by apply abort immediately.
func (e *Engine) transition(ctx context.Context, reference string, apply func(*domain.PaymentTransaction) error) (*domain.PaymentTransaction, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		tx, err := e.store.FindByReference(ctx, reference)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, &domain.NotFoundError{Reference: reference}
			}
			return nil, fmt.Errorf("load payment %s: %w", reference, err)
		}

		if err := apply(tx); err != nil {
			return nil, err
		}
		tx.UpdatedAt = e.nowFn()

		err = e.store.Save(ctx, tx)
		if err == nil {
			return tx, nil
		}
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			return nil, &domain.NotFoundError{Reference: reference}
		}
		return nil, fmt.Errorf("save payment %s: %w", reference, err)
	}
	return nil, &domain.ConflictError{
		Code:    domain.CodeConflict,
		Message: "payment was modified concurrently, retry the request",
	}
}

func (e *Engine) activePaymentConflict(reference string) *domain.ConflictError {
	return &domain.ConflictError{
		Code:      domain.CodePaymentExists,
		Message:   "a payment is already being processed for this order",
		Reference: reference,
	}
}

func (e *Engine) syntheticGatewayResponse(now time.Time) *domain.GatewayResponse {
	return &domain.GatewayResponse{
		TransactionID:   fmt.Sprintf("GW-%d", now.UnixMilli()),
		ApprovalCode:    randomToken(8),
		ResponseCode:    "00",
		ResponseMessage: "Approved",
		AVSResult:       "Y",
		CVVResult:       "M",
	}
}

func validateInitiate(in InitiateInput) error {
	var missing []string
	if in.CustomerID == "" {
		missing = append(missing, "customerId")
	}
	if in.OrderID == "" {
		missing = append(missing, "orderId")
	}
	if in.Amount.IsZero() {
		missing = append(missing, "amount")
	}
	if in.Details.Method == "" {
		missing = append(missing, "paymentDetails.method")
	}
	if in.Details.Provider == "" {
		missing = append(missing, "paymentDetails.provider")
	}
	if len(missing) > 0 {
		return &domain.ValidationError{
			Code:    domain.CodeMissingFields,
			Message: "missing required payment information",
			Fields:  missing,
		}
	}
	if in.Amount.LessThanOrEqual(decimal.Zero) {
		return &domain.ValidationError{
			Code:    domain.CodeInvalidAmount,
			Message: "payment amount must be greater than zero",
		}
	}
	return nil
}

func withInstrumentDefaults(details domain.PaymentDetails) domain.PaymentDetails {
	if details.LastFour == "" {
		details.LastFour = "****"
	}
	if details.Brand == "" {
		details.Brand = "unknown"
	}
	return details
}

func withMetadataDefaults(metadata domain.Metadata) domain.Metadata {
	if metadata.Source == "" {
		metadata.Source = "web"
	}
	if metadata.SessionID == "" {
		metadata.SessionID = uuid.NewString()
	}
	return metadata
}

func newTransactionReference(now time.Time) string {
	return fmt.Sprintf("TXN-%d-%s", now.UnixMilli(), randomToken(9))
}

func randomToken(length int) string {
	token := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	if length > len(token) {
		length = len(token)
	}
	return token[:length]
}
