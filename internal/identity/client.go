// Package identity wraps the external identity service. The payment engine
// consumes customer identity opaquely: it never validates that a customer
// exists, it only enriches status reads when a lookup succeeds.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Customer is the subset of the customer profile surfaced on payment status
// reads.
type Customer struct {
	ID       string
	Username string
	Email    string
}

// Client looks up customers owned by the identity service.
type Client interface {
	Customer(ctx context.Context, id string) (Customer, error)
}

// HTTPClient queries the customer backend's REST API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient builds a client for the identity service at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type customerEnvelope struct {
	Success bool            `json:"success"`
	Data    customerPayload `json:"data"`
}

type customerPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Customer implements the Client interface.
func (c *HTTPClient) Customer(ctx context.Context, id string) (Customer, error) {
	endpoint := c.baseURL + "/api/users/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Customer{}, fmt.Errorf("build identity request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Customer{}, fmt.Errorf("identity lookup for %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Customer{}, fmt.Errorf("identity lookup for %s: unexpected status %d", id, resp.StatusCode)
	}

	var envelope customerEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return Customer{}, fmt.Errorf("decode identity response for %s: %w", id, err)
	}

	return Customer{
		ID:       envelope.Data.ID,
		Username: envelope.Data.Username,
		Email:    envelope.Data.Email,
	}, nil
}

// Noop is used when no identity service is configured; lookups return empty
// customers without error, so status reads stay unenriched.
type Noop struct{}

// Customer implements the Client interface.
func (Noop) Customer(_ context.Context, id string) (Customer, error) {
	return Customer{ID: id}, nil
}
