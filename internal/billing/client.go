// Package billing talks to the external invoicing service.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
	// BreakerTimeout is how long the breaker stays open before probing again.
	BreakerTimeout time.Duration
}

// Client implements workflow.Billing over HTTP. Calls for the same project
// carry the same idempotency key, so retries never bill twice.
type Client struct {
	url     string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

type invoiceRequest struct {
	ProjectID int64   `json:"projectId"`
	Amount    float64 `json:"amount"`
}

type invoiceResponse struct {
	InvoiceID string `json:"invoiceId"`
}

func New(c Config, log logrus.FieldLogger) *Client {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	return &Client{
		url:   strings.TrimRight(c.URL, "/"),
		token: c.Token,
		http:  &http.Client{Timeout: c.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "billing",
			MaxRequests: 1,
			Timeout:     c.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(logrus.Fields{"event": "CIRCUIT_BREAKER_STATE_CHANGE", "breaker": name, "from": from.String(), "to": to.String()}).
					Warn("circuit breaker changed state")
			},
		}),
	}
}

// IdempotencyKey identifies the single invoice a project may have.
func IdempotencyKey(projectID int64) string {
	return fmt.Sprintf("project-%d", projectID)
}

func (c *Client) GenerateInvoice(ctx context.Context, projectID int64, amount float64) (string, error) {
	if c.url == "" {
		return "", errors.New("billing url is not configured")
	}
	res, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, projectID, amount)
	})
	if err != nil {
		return "", fmt.Errorf("billing: %w", err)
	}
	return res.(string), nil
}

func (c *Client) post(ctx context.Context, projectID int64, amount float64) (string, error) {
	body, err := json.Marshal(invoiceRequest{ProjectID: projectID, Amount: amount})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/invoices", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", IdempotencyKey(projectID))
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out invoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding invoice response: %w", err)
	}
	if out.InvoiceID == "" {
		return "", errors.New("invoice response without invoiceId")
	}
	return out.InvoiceID, nil
}
