package payments

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajai24/food-ordering/internal/domain"
	"github.com/ajai24/food-ordering/internal/identity"
	"github.com/ajai24/food-ordering/internal/store"
)

type stubOracle struct {
	approve bool
}

func (o stubOracle) Approve(*domain.PaymentTransaction) bool { return o.approve }

// manualScheduler collects scheduled settlements and runs them on demand, so
// tests control exactly when the asynchronous step fires.
type manualScheduler struct {
	mu  sync.Mutex
	fns []func()
}

func (s *manualScheduler) Schedule(_ time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fns = append(s.fns, fn)
}

func (s *manualScheduler) Fire() {
	s.mu.Lock()
	fns := s.fns
	s.fns = nil
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

type stubIdentity struct {
	customer identity.Customer
	err      error
}

func (s stubIdentity) Customer(context.Context, string) (identity.Customer, error) {
	return s.customer, s.err
}

var testClock = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, oracle SettlementOracle, scheduler Scheduler) (*Engine, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	engine := NewEngine(mem, nil, discardLogger(), Config{SettlementDelay: 2 * time.Second})
	engine.WithClock(func() time.Time { return testClock })
	engine.WithOracle(oracle)
	engine.WithScheduler(scheduler)
	return engine, mem
}

func validInput(orderID string) InitiateInput {
	return InitiateInput{
		CustomerID: "cust-1",
		OrderID:    orderID,
		Amount:     decimal.RequireFromString("100.00"),
		Details: domain.PaymentDetails{
			Method:   domain.MethodCreditCard,
			Provider: "stripe",
		},
		Security: domain.Security{IPAddress: "10.0.0.1"},
	}
}

func TestInitiateCreatesTransaction(t *testing.T) {
	engine, _ := newTestEngine(t, stubOracle{approve: true}, &manualScheduler{})

	tx, err := engine.Initiate(context.Background(), validInput("order-1"))
	require.NoError(t, err)

	assert.True(t, len(tx.Reference) > 4 && tx.Reference[:4] == "TXN-", "reference %q", tx.Reference)
	assert.Equal(t, domain.StatusInitiated, tx.Processing.Status)
	assert.Equal(t, domain.CurrencyUSD, tx.Currency)
	assert.Equal(t, "****", tx.Details.LastFour)
	assert.Equal(t, "unknown", tx.Details.Brand)
	assert.Equal(t, "web", tx.Metadata.Source)
	assert.NotEmpty(t, tx.Metadata.SessionID)
	assert.Equal(t, testClock, tx.Processing.Timestamps.Initiated)
	assert.Equal(t, 0, tx.Security.RiskScore)

	assert.Equal(t, "3.20", tx.Processing.Fees.Processing.StringFixed(2))
	assert.Equal(t, "0.30", tx.Processing.Fees.Service.StringFixed(2))
	assert.Equal(t, "3.50", tx.Processing.Fees.Total.StringFixed(2))
	assert.True(t, tx.Processing.Fees.Total.Equal(tx.TotalFees()))
}

func TestInitiateValidation(t *testing.T) {
	engine, _ := newTestEngine(t, stubOracle{approve: true}, &manualScheduler{})
	ctx := context.Background()

	_, err := engine.Initiate(ctx, InitiateInput{})
	var validationErr *domain.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, domain.CodeMissingFields, validationErr.Code)
	assert.Contains(t, validationErr.Fields, "customerId")
	assert.Contains(t, validationErr.Fields, "orderId")
	assert.Contains(t, validationErr.Fields, "amount")
	assert.Contains(t, validationErr.Fields, "paymentDetails.method")
	assert.Contains(t, validationErr.Fields, "paymentDetails.provider")

	in := validInput("order-1")
	in.Amount = decimal.RequireFromString("-5")
	_, err = engine.Initiate(ctx, in)
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, domain.CodeInvalidAmount, validationErr.Code)

	in = validInput("order-1")
	in.Currency = "AUD"
	_, err = engine.Initiate(ctx, in)
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, domain.CodeInvalidCurrency, validationErr.Code)
}

func TestInitiateRejectsSecondActivePayment(t *testing.T) {
	engine, _ := newTestEngine(t, stubOracle{approve: true}, &manualScheduler{})
	ctx := context.Background()

	first, err := engine.Initiate(ctx, validInput("order-1"))
	require.NoError(t, err)

	_, err = engine.Initiate(ctx, validInput("order-1"))
	var conflictErr *domain.ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, domain.CodePaymentExists, conflictErr.Code)
	assert.Equal(t, first.Reference, conflictErr.Reference)

	// A different order is unaffected.
	_, err = engine.Initiate(ctx, validInput("order-2"))
	require.NoError(t, err)
}

func TestInitiateConcurrentSameOrder(t *testing.T) {
	engine, _ := newTestEngine(t, stubOracle{approve: true}, &manualScheduler{})
	ctx := context.Background()

	const callers = 2
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Initiate(ctx, validInput("order-race"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	successes, conflicts := 0, 0
	for err := range errs {
		if err == nil {
			successes++
			continue
		}
		var conflictErr *domain.ConflictError
		require.ErrorAs(t, err, &conflictErr)
		assert.Equal(t, domain.CodePaymentExists, conflictErr.Code)
		conflicts++
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)
}

func TestProcessTransitionsAndSettles(t *testing.T) {
	scheduler := &manualScheduler{}
	engine, _ := newTestEngine(t, stubOracle{approve: true}, scheduler)
	ctx := context.Background()

	tx, err := engine.Initiate(ctx, validInput("order-1"))
	require.NoError(t, err)

	result, err := engine.Process(ctx, tx.Reference, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, result.Transaction.Processing.Status)
	assert.Equal(t, testClock.Add(3*time.Second), result.EstimatedCompletion)

	gw := result.Transaction.Processing.GatewayResponse
	require.NotNil(t, gw)
	assert.Equal(t, "00", gw.ResponseCode)
	assert.Equal(t, "Approved", gw.ResponseMessage)
	assert.NotEmpty(t, gw.TransactionID)
	assert.NotEmpty(t, gw.ApprovalCode)
	require.NotNil(t, result.Transaction.Processing.Timestamps.Processed)

	scheduler.Fire()

	projection, err := engine.Status(ctx, tx.Reference)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCaptured, projection.Transaction.Processing.Status)
	require.NotNil(t, projection.Transaction.Processing.Timestamps.Settled)
	assert.True(t, projection.CanBeRefunded)
}

func TestProcessKeepsCallerGatewayResponse(t *testing.T) {
	scheduler := &manualScheduler{}
	engine, _ := newTestEngine(t, stubOracle{approve: true}, scheduler)
	ctx := context.Background()

	tx, err := engine.Initiate(ctx, validInput("order-1"))
	require.NoError(t, err)

	supplied := &domain.GatewayResponse{
		TransactionID:   "GW-EXTERNAL",
		ResponseCode:    "00",
		ResponseMessage: "Approved",
	}
	result, err := engine.Process(ctx, tx.Reference, supplied)
	require.NoError(t, err)
	assert.Equal(t, "GW-EXTERNAL", result.Transaction.Processing.GatewayResponse.TransactionID)
}

func TestProcessGuards(t *testing.T) {
	scheduler := &manualScheduler{}
	engine, _ := newTestEngine(t, stubOracle{approve: true}, scheduler)
	ctx := context.Background()

	_, err := engine.Process(ctx, "TXN-missing", nil)
	var notFoundErr *domain.NotFoundError
	require.ErrorAs(t, err, &notFoundErr)

	tx, err := engine.Initiate(ctx, validInput("order-1"))
	require.NoError(t, err)
	_, err = engine.Process(ctx, tx.Reference, nil)
	require.NoError(t, err)

	_, err = engine.Process(ctx, tx.Reference, nil)
	var stateErr *domain.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, domain.CodeInvalidStatus, stateErr.Code)
	assert.Equal(t, domain.StatusProcessing, stateErr.Status)
}

func TestSettleDeclined(t *testing.T) {
	scheduler := &manualScheduler{}
	engine, _ := newTestEngine(t, stubOracle{approve: false}, scheduler)
	ctx := context.Background()

	tx, err := engine.Initiate(ctx, validInput("order-1"))
	require.NoError(t, err)
	_, err = engine.Process(ctx, tx.Reference, nil)
	require.NoError(t, err)

	scheduler.Fire()

	projection, err := engine.Status(ctx, tx.Reference)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, projection.Transaction.Processing.Status)
	assert.Equal(t, "05", projection.Transaction.Processing.GatewayResponse.ResponseCode)
	assert.Equal(t, "Declined", projection.Transaction.Processing.GatewayResponse.ResponseMessage)
	assert.False(t, projection.CanBeRefunded)
}

func TestSettleSkippedAfterCancel(t *testing.T) {
	scheduler := &manualScheduler{}
	engine, _ := newTestEngine(t, stubOracle{approve: true}, scheduler)
	ctx := context.Background()

	tx, err := engine.Initiate(ctx, validInput("order-1"))
	require.NoError(t, err)
	_, err = engine.Process(ctx, tx.Reference, nil)
	require.NoError(t, err)

	cancelled, err := engine.Cancel(ctx, tx.Reference, "customer changed their mind")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, cancelled.Processing.Status)
	require.NotNil(t, cancelled.Processing.Timestamps.Cancelled)
	assert.Equal(t, "customer changed their mind", cancelled.Metadata.Notes)

	// The already-scheduled settlement must not resurrect the payment.
	scheduler.Fire()

	projection, err := engine.Status(ctx, tx.Reference)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, projection.Transaction.Processing.Status)
	assert.Nil(t, projection.Transaction.Processing.Timestamps.Settled)
}

func TestCancelGuards(t *testing.T) {
	scheduler := &manualScheduler{}
	engine, _ := newTestEngine(t, stubOracle{approve: true}, scheduler)
	ctx := context.Background()

	tx := mustCapture(t, engine, scheduler, "order-1")

	_, err := engine.Cancel(ctx, tx.Reference, "")
	var stateErr *domain.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, domain.CodeInvalidStatus, stateErr.Code)
	assert.Equal(t, domain.StatusCaptured, stateErr.Status)
}

func TestRefundLifecycle(t *testing.T) {
	scheduler := &manualScheduler{}
	engine, _ := newTestEngine(t, stubOracle{approve: true}, scheduler)
	ctx := context.Background()

	tx := mustCapture(t, engine, scheduler, "order-1")

	result, err := engine.Refund(ctx, tx.Reference, "", nil)
	require.NoError(t, err)
	assert.Equal(t, tx.Reference, result.Reference)
	assert.True(t, result.RefundedAmount.Equal(tx.Amount))
	assert.Equal(t, testClock, result.RefundedAt)

	projection, err := engine.Status(ctx, tx.Reference)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, projection.Transaction.Processing.Status)
	assert.Equal(t, "Customer requested refund", projection.Transaction.Metadata.Notes)
	assert.False(t, projection.CanBeRefunded)

	_, err = engine.Refund(ctx, tx.Reference, "", nil)
	var stateErr *domain.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, domain.CodeAlreadyRefunded, stateErr.Code)
}

func TestRefundGuards(t *testing.T) {
	scheduler := &manualScheduler{}
	engine, _ := newTestEngine(t, stubOracle{approve: true}, scheduler)
	ctx := context.Background()

	tx, err := engine.Initiate(ctx, validInput("order-1"))
	require.NoError(t, err)

	_, err = engine.Refund(ctx, tx.Reference, "", nil)
	var stateErr *domain.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, domain.CodeInvalidStatus, stateErr.Code)
	assert.Equal(t, domain.StatusInitiated, stateErr.Status)

	captured := mustCapture(t, engine, scheduler, "order-2")
	excessive := decimal.RequireFromString("500.00")
	_, err = engine.Refund(ctx, captured.Reference, "", &excessive)
	var validationErr *domain.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, domain.CodeInvalidAmount, validationErr.Code)

	partial := decimal.RequireFromString("40.00")
	result, err := engine.Refund(ctx, captured.Reference, "damaged order", &partial)
	require.NoError(t, err)
	assert.True(t, result.RefundedAmount.Equal(partial))
}

// flakyStore injects version conflicts ahead of delegating to the real
// store, exercising the engine's retry loop.
type flakyStore struct {
	*store.MemoryStore
	mu        sync.Mutex
	conflicts int
}

func (s *flakyStore) Save(ctx context.Context, tx *domain.PaymentTransaction) error {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return store.ErrVersionConflict
	}
	s.mu.Unlock()
	return s.MemoryStore.Save(ctx, tx)
}

func TestTransitionRetriesOnVersionConflict(t *testing.T) {
	flaky := &flakyStore{MemoryStore: store.NewMemoryStore(), conflicts: 2}
	engine := NewEngine(flaky, nil, discardLogger(), Config{})
	engine.WithScheduler(&manualScheduler{})
	engine.WithClock(func() time.Time { return testClock })
	ctx := context.Background()

	tx, err := engine.Initiate(ctx, validInput("order-1"))
	require.NoError(t, err)

	result, err := engine.Process(ctx, tx.Reference, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, result.Transaction.Processing.Status)
}

func TestTransitionGivesUpAfterRepeatedConflicts(t *testing.T) {
	flaky := &flakyStore{MemoryStore: store.NewMemoryStore(), conflicts: 10}
	engine := NewEngine(flaky, nil, discardLogger(), Config{})
	engine.WithScheduler(&manualScheduler{})
	engine.WithClock(func() time.Time { return testClock })
	ctx := context.Background()

	tx, err := engine.Initiate(ctx, validInput("order-1"))
	require.NoError(t, err)

	_, err = engine.Process(ctx, tx.Reference, nil)
	var conflictErr *domain.ConflictError
	require.ErrorAs(t, err, &conflictErr)
	assert.Equal(t, domain.CodeConflict, conflictErr.Code)
}

func TestStatusEnrichesCustomer(t *testing.T) {
	mem := store.NewMemoryStore()
	engine := NewEngine(mem, stubIdentity{
		customer: identity.Customer{ID: "cust-1", Username: "alice", Email: "alice@example.com"},
	}, discardLogger(), Config{})
	engine.WithScheduler(&manualScheduler{})
	ctx := context.Background()

	tx, err := engine.Initiate(ctx, validInput("order-1"))
	require.NoError(t, err)

	projection, err := engine.Status(ctx, tx.Reference)
	require.NoError(t, err)
	assert.Equal(t, "alice", projection.Customer.Username)
	assert.Equal(t, "alice@example.com", projection.Customer.Email)
}

func TestStatusDegradesOnIdentityFailure(t *testing.T) {
	mem := store.NewMemoryStore()
	engine := NewEngine(mem, stubIdentity{err: context.DeadlineExceeded}, discardLogger(), Config{})
	engine.WithScheduler(&manualScheduler{})
	ctx := context.Background()

	tx, err := engine.Initiate(ctx, validInput("order-1"))
	require.NoError(t, err)

	projection, err := engine.Status(ctx, tx.Reference)
	require.NoError(t, err)
	assert.Equal(t, "cust-1", projection.Customer.ID)
	assert.Empty(t, projection.Customer.Username)
}

func TestStatusNotFound(t *testing.T) {
	engine, _ := newTestEngine(t, stubOracle{approve: true}, &manualScheduler{})

	_, err := engine.Status(context.Background(), "TXN-missing")
	var notFoundErr *domain.NotFoundError
	require.ErrorAs(t, err, &notFoundErr)
}

func TestHistory(t *testing.T) {
	engine, _ := newTestEngine(t, stubOracle{approve: true}, &manualScheduler{})
	ctx := context.Background()

	_, err := engine.Initiate(ctx, validInput("order-1"))
	require.NoError(t, err)
	_, err = engine.Initiate(ctx, validInput("order-2"))
	require.NoError(t, err)

	txs, err := engine.History(ctx, "cust-1")
	require.NoError(t, err)
	assert.Len(t, txs, 2)

	txs, err = engine.History(ctx, "cust-unknown")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestDrainWaitsForScheduledSettlements(t *testing.T) {
	scheduler := &manualScheduler{}
	engine, _ := newTestEngine(t, stubOracle{approve: true}, scheduler)
	ctx := context.Background()

	tx, err := engine.Initiate(ctx, validInput("order-1"))
	require.NoError(t, err)
	_, err = engine.Process(ctx, tx.Reference, nil)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, engine.Drain(waitCtx), context.DeadlineExceeded)

	scheduler.Fire()
	require.NoError(t, engine.Drain(ctx))
}

func mustCapture(t *testing.T, engine *Engine, scheduler *manualScheduler, orderID string) *domain.PaymentTransaction {
	t.Helper()
	ctx := context.Background()

	tx, err := engine.Initiate(ctx, validInput(orderID))
	require.NoError(t, err)
	_, err = engine.Process(ctx, tx.Reference, nil)
	require.NoError(t, err)
	scheduler.Fire()

	projection, err := engine.Status(ctx, tx.Reference)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCaptured, projection.Transaction.Processing.Status)
	return projection.Transaction
}
