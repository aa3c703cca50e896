// Package payments talks to the external payment processor: hosted checkout
// sessions, session verification and signed completion webhooks. Every path
// that credits a purchase converges on one idempotent ledger write keyed by
// the processor's session id.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
)

// CentsPerCredit pegs one credit to one US dollar.
const CentsPerCredit = 100

var ErrProcessorUnavailable = errors.New("payment processor unavailable")

// StatusError is a non-2xx response from the processor.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("payment processor returned %d: %s", e.Code, e.Body)
}

// Session is a hosted checkout session as reported by the processor.
type Session struct {
	ID            string   `json:"id"`
	URL           string   `json:"url,omitempty"`
	PaymentStatus string   `json:"payment_status"`
	AmountCents   int64    `json:"amount_total"`
	Metadata      Metadata `json:"metadata"`
}

// Paid reports whether the processor captured the payment.
func (s *Session) Paid() bool { return s.PaymentStatus == "paid" }

// Metadata is attached to a session at creation and echoed back on
// verification and in webhooks.
type Metadata struct {
	UserID  string `json:"user_id"`
	Credits string `json:"credits"`
}

func (m Metadata) parse() (uuid.UUID, int64, error) {
	userID, err := uuid.Parse(m.UserID)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("%w: user_id: %v", ErrInvalidPayload, err)
	}
	credits, err := strconv.ParseInt(m.Credits, 10, 64)
	if err != nil || credits <= 0 {
		return uuid.Nil, 0, fmt.Errorf("%w: credits %q", ErrInvalidPayload, m.Credits)
	}
	return userID, credits, nil
}

// CheckoutRequest asks for a hosted checkout for a number of credits.
type CheckoutRequest struct {
	UserID         uuid.UUID
	Credits        int64
	IdempotencyKey string
}

type ClientConfig struct {
	BaseURL    string
	APIKey     string
	SuccessURL string
	CancelURL  string
	Timeout    time.Duration
}

// Client is the HTTP client for the processor, guarded by a circuit breaker.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	cb   *gobreaker.CircuitBreaker[*Session]
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	st := gobreaker.Settings{
		Name:        "payments",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		// Client errors say nothing about processor health.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500 && se.Code != http.StatusTooManyRequests
			}
			return err == nil
		},
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		cb:   gobreaker.NewCircuitBreaker[*Session](st),
	}
}

// CreateCheckoutSession creates a hosted checkout. The idempotency key makes
// client retries return the same session.
func (c *Client) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error) {
	body, err := json.Marshal(map[string]any{
		"mode":        "payment",
		"currency":    "usd",
		"amount":      req.Credits * CentsPerCredit,
		"quantity":    1,
		"description": fmt.Sprintf("%d credits", req.Credits),
		"success_url": c.cfg.SuccessURL,
		"cancel_url":  c.cfg.CancelURL,
		"metadata": Metadata{
			UserID:  req.UserID.String(),
			Credits: strconv.FormatInt(req.Credits, 10),
		},
	})
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, "/v1/checkout/sessions", body, req.IdempotencyKey)
}

// GetSession fetches a session by id.
func (c *Client) GetSession(ctx context.Context, id string) (*Session, error) {
	return c.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(id), nil, "")
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, idempotencyKey string) (*Session, error) {
	s, err := c.cb.Execute(func() (*Session, error) {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if idempotencyKey != "" {
			req.Header.Set("Idempotency-Key", idempotencyKey)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode/100 != 2 {
			return nil, &StatusError{Code: resp.StatusCode, Body: string(raw)}
		}
		var out Session
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		return &out, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrProcessorUnavailable, err)
	}
	return s, err
}
