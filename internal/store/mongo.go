package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ajai24/food-ordering/internal/domain"
)

const paymentsCollection = "payments"

// Config describes connectivity to the payment database.
type Config struct {
	URI            string
	Database       string
	MaxPoolSize    uint64
	ConnectTimeout time.Duration
}

// MongoStore is the durable payment store. Two indexes carry the store's
// invariants: a unique index on transactionReference, and a partial unique
// index on orderId restricted to active documents, which makes the
// one-active-payment-per-order guarantee hold across engine replicas.
type MongoStore struct {
	client   *mongo.Client
	payments *mongo.Collection
}

// NewMongoStore connects to MongoDB, verifies connectivity and ensures the
// collection indexes exist.
func NewMongoStore(ctx context.Context, cfg Config) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo URI is required")
	}

	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	clientOpts := options.Client().ApplyURI(cfg.URI).SetConnectTimeout(connectTimeout)
	if cfg.MaxPoolSize > 0 {
		clientOpts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect to mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &MongoStore{
		client:   client,
		payments: client.Database(cfg.Database).Collection(paymentsCollection),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.payments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "transactionReference", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "orderId", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.D{{Key: "active", Value: true}}),
		},
		{
			Keys: bson.D{{Key: "customerId", Value: 1}, {Key: "createdAt", Value: -1}},
		},
	})
	if err != nil {
		return fmt.Errorf("ensure payment indexes: %w", err)
	}
	return nil
}

// Create inserts a new payment document. Duplicate-key failures are mapped
// onto the store's invariant errors depending on which index rejected the
// write.
func (s *MongoStore) Create(ctx context.Context, tx *domain.PaymentTransaction) error {
	doc := toDocument(tx)
	doc.Version = 1

	if _, err := s.payments.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			if strings.Contains(err.Error(), "orderId") {
				return ErrActivePayment
			}
			return ErrDuplicateReference
		}
		return fmt.Errorf("insert payment %s: %w", tx.Reference, err)
	}

	tx.Version = 1
	return nil
}

// FindByReference returns the record for the given reference, or ErrNotFound.
func (s *MongoStore) FindByReference(ctx context.Context, reference string) (*domain.PaymentTransaction, error) {
	var doc paymentDoc
	err := s.payments.FindOne(ctx, bson.M{"transactionReference": reference}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find payment %s: %w", reference, err)
	}
	return fromDocument(&doc)
}

// FindActiveByOrder returns the order's non-terminal payment, or nil if the
// order has none.
func (s *MongoStore) FindActiveByOrder(ctx context.Context, orderID string) (*domain.PaymentTransaction, error) {
	var doc paymentDoc
	err := s.payments.FindOne(ctx, bson.M{"orderId": orderID, "active": true}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("find active payment for order %s: %w", orderID, err)
	}
	return fromDocument(&doc)
}

// ListByCustomer returns the customer's payments, newest first.
func (s *MongoStore) ListByCustomer(ctx context.Context, customerID string) ([]*domain.PaymentTransaction, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	cursor, err := s.payments.Find(ctx, bson.M{"customerId": customerID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list payments for customer %s: %w", customerID, err)
	}
	defer cursor.Close(ctx)

	var out []*domain.PaymentTransaction
	for cursor.Next(ctx) {
		var doc paymentDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode payment document: %w", err)
		}
		tx, err := fromDocument(&doc)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments for customer %s: %w", customerID, err)
	}
	return out, nil
}

// Save replaces the full document, guarded by a compare-and-swap on the
// version field. A lost swap returns ErrVersionConflict; an unknown
// reference returns ErrNotFound.
func (s *MongoStore) Save(ctx context.Context, tx *domain.PaymentTransaction) error {
	doc := toDocument(tx)
	doc.Version = tx.Version + 1

	filter := bson.M{"transactionReference": tx.Reference, "version": tx.Version}
	res, err := s.payments.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return fmt.Errorf("save payment %s: %w", tx.Reference, err)
	}
	if res.MatchedCount == 0 {
		count, err := s.payments.CountDocuments(ctx, bson.M{"transactionReference": tx.Reference})
		if err != nil {
			return fmt.Errorf("save payment %s: %w", tx.Reference, err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	tx.Version++
	return nil
}

// Ping verifies database connectivity for health probes.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close releases the underlying client.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// --- document mapping ---

// Monetary values are stored as decimal strings to keep cent-exact amounts
// independent of BSON float encoding.

type paymentDoc struct {
	Reference  string        `bson:"transactionReference"`
	CustomerID string        `bson:"customerId"`
	OrderID    string        `bson:"orderId"`
	Amount     string        `bson:"amount"`
	Currency   string        `bson:"currency"`
	Active     bool          `bson:"active"`
	Details    detailsDoc    `bson:"paymentDetails"`
	Processing processingDoc `bson:"processing"`
	Security   securityDoc   `bson:"security"`
	Metadata   metadataDoc   `bson:"metadata"`
	Version    int64         `bson:"version"`
	CreatedAt  time.Time     `bson:"createdAt"`
	UpdatedAt  time.Time     `bson:"updatedAt"`
}

type detailsDoc struct {
	Method        string `bson:"method"`
	Provider      string `bson:"provider"`
	LastFour      string `bson:"lastFour,omitempty"`
	Brand         string `bson:"brand,omitempty"`
	WalletID      string `bson:"walletId,omitempty"`
	CryptoAddress string `bson:"cryptoAddress,omitempty"`
}

type gatewayResponseDoc struct {
	TransactionID   string `bson:"transactionId,omitempty"`
	ApprovalCode    string `bson:"approvalCode,omitempty"`
	ResponseCode    string `bson:"responseCode,omitempty"`
	ResponseMessage string `bson:"responseMessage,omitempty"`
	AVSResult       string `bson:"avsResult,omitempty"`
	CVVResult       string `bson:"cvvResult,omitempty"`
}

type feesDoc struct {
	Processing string `bson:"processing"`
	Service    string `bson:"service"`
	Total      string `bson:"total"`
}

type timestampsDoc struct {
	Initiated time.Time  `bson:"initiated"`
	Processed *time.Time `bson:"processed,omitempty"`
	Settled   *time.Time `bson:"settled,omitempty"`
	Refunded  *time.Time `bson:"refunded,omitempty"`
	Cancelled *time.Time `bson:"cancelled,omitempty"`
}

type processingDoc struct {
	Status          string              `bson:"status"`
	GatewayResponse *gatewayResponseDoc `bson:"gatewayResponse,omitempty"`
	Fees            feesDoc             `bson:"fees"`
	Timestamps      timestampsDoc       `bson:"timestamps"`
}

type securityDoc struct {
	IPAddress         string   `bson:"ipAddress,omitempty"`
	DeviceFingerprint string   `bson:"deviceFingerprint,omitempty"`
	RiskScore         int      `bson:"riskScore"`
	FraudFlags        []string `bson:"fraudFlags,omitempty"`
}

type metadataDoc struct {
	Source    string `bson:"source,omitempty"`
	UserAgent string `bson:"userAgent,omitempty"`
	SessionID string `bson:"sessionId,omitempty"`
	Notes     string `bson:"notes,omitempty"`
}

func toDocument(tx *domain.PaymentTransaction) *paymentDoc {
	doc := &paymentDoc{
		Reference:  tx.Reference,
		CustomerID: tx.CustomerID,
		OrderID:    tx.OrderID,
		Amount:     tx.Amount.String(),
		Currency:   string(tx.Currency),
		Active:     tx.Active(),
		Details: detailsDoc{
			Method:        string(tx.Details.Method),
			Provider:      tx.Details.Provider,
			LastFour:      tx.Details.LastFour,
			Brand:         tx.Details.Brand,
			WalletID:      tx.Details.WalletID,
			CryptoAddress: tx.Details.CryptoAddress,
		},
		Processing: processingDoc{
			Status: string(tx.Processing.Status),
			Fees: feesDoc{
				Processing: tx.Processing.Fees.Processing.String(),
				Service:    tx.Processing.Fees.Service.String(),
				Total:      tx.Processing.Fees.Total.String(),
			},
			Timestamps: timestampsDoc{
				Initiated: tx.Processing.Timestamps.Initiated,
				Processed: tx.Processing.Timestamps.Processed,
				Settled:   tx.Processing.Timestamps.Settled,
				Refunded:  tx.Processing.Timestamps.Refunded,
				Cancelled: tx.Processing.Timestamps.Cancelled,
			},
		},
		Security: securityDoc{
			IPAddress:         tx.Security.IPAddress,
			DeviceFingerprint: tx.Security.DeviceFingerprint,
			RiskScore:         tx.Security.RiskScore,
			FraudFlags:        tx.Security.FraudFlags,
		},
		Metadata: metadataDoc{
			Source:    tx.Metadata.Source,
			UserAgent: tx.Metadata.UserAgent,
			SessionID: tx.Metadata.SessionID,
			Notes:     tx.Metadata.Notes,
		},
		Version:   tx.Version,
		CreatedAt: tx.CreatedAt,
		UpdatedAt: tx.UpdatedAt,
	}
	if tx.Processing.GatewayResponse != nil {
		gw := tx.Processing.GatewayResponse
		doc.Processing.GatewayResponse = &gatewayResponseDoc{
			TransactionID:   gw.TransactionID,
			ApprovalCode:    gw.ApprovalCode,
			ResponseCode:    gw.ResponseCode,
			ResponseMessage: gw.ResponseMessage,
			AVSResult:       gw.AVSResult,
			CVVResult:       gw.CVVResult,
		}
	}
	return doc
}

func fromDocument(doc *paymentDoc) (*domain.PaymentTransaction, error) {
	amount, err := decimal.NewFromString(doc.Amount)
	if err != nil {
		return nil, fmt.Errorf("payment %s: invalid stored amount %q: %w", doc.Reference, doc.Amount, err)
	}
	fees, err := feesFromDoc(doc.Reference, doc.Processing.Fees)
	if err != nil {
		return nil, err
	}

	tx := &domain.PaymentTransaction{
		Reference:  doc.Reference,
		CustomerID: doc.CustomerID,
		OrderID:    doc.OrderID,
		Amount:     amount,
		Currency:   domain.Currency(doc.Currency),
		Details: domain.PaymentDetails{
			Method:        domain.Method(doc.Details.Method),
			Provider:      doc.Details.Provider,
			LastFour:      doc.Details.LastFour,
			Brand:         doc.Details.Brand,
			WalletID:      doc.Details.WalletID,
			CryptoAddress: doc.Details.CryptoAddress,
		},
		Processing: domain.Processing{
			Status: domain.Status(doc.Processing.Status),
			Fees:   fees,
			Timestamps: domain.Timestamps{
				Initiated: doc.Processing.Timestamps.Initiated,
				Processed: doc.Processing.Timestamps.Processed,
				Settled:   doc.Processing.Timestamps.Settled,
				Refunded:  doc.Processing.Timestamps.Refunded,
				Cancelled: doc.Processing.Timestamps.Cancelled,
			},
		},
		Security: domain.Security{
			IPAddress:         doc.Security.IPAddress,
			DeviceFingerprint: doc.Security.DeviceFingerprint,
			RiskScore:         doc.Security.RiskScore,
			FraudFlags:        doc.Security.FraudFlags,
		},
		Metadata: domain.Metadata{
			Source:    doc.Metadata.Source,
			UserAgent: doc.Metadata.UserAgent,
			SessionID: doc.Metadata.SessionID,
			Notes:     doc.Metadata.Notes,
		},
		Version:   doc.Version,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	if doc.Processing.GatewayResponse != nil {
		gw := doc.Processing.GatewayResponse
		tx.Processing.GatewayResponse = &domain.GatewayResponse{
			TransactionID:   gw.TransactionID,
			ApprovalCode:    gw.ApprovalCode,
			ResponseCode:    gw.ResponseCode,
			ResponseMessage: gw.ResponseMessage,
			AVSResult:       gw.AVSResult,
			CVVResult:       gw.CVVResult,
		}
	}
	return tx, nil
}

func feesFromDoc(reference string, doc feesDoc) (domain.Fees, error) {
	processing, err := decimal.NewFromString(doc.Processing)
	if err != nil {
		return domain.Fees{}, fmt.Errorf("payment %s: invalid stored processing fee %q: %w", reference, doc.Processing, err)
	}
	service, err := decimal.NewFromString(doc.Service)
	if err != nil {
		return domain.Fees{}, fmt.Errorf("payment %s: invalid stored service fee %q: %w", reference, doc.Service, err)
	}
	total, err := decimal.NewFromString(doc.Total)
	if err != nil {
		return domain.Fees{}, fmt.Errorf("payment %s: invalid stored total fee %q: %w", reference, doc.Total, err)
	}
	return domain.Fees{Processing: processing, Service: service, Total: total}, nil
}
