// Package notify sends transactional email through the external email service.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
)

var ErrUnavailable = errors.New("email service unavailable")

// Message is one outbound email.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

type Config struct {
	BaseURL string
	APIKey  string
	From    string
	Timeout time.Duration
}

// Client posts messages to the email service.
type Client struct {
	cfg  Config
	http *http.Client
	cb   *gobreaker.CircuitBreaker[struct{}]
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		cb: gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "email",
			MaxRequests: 1,
			Timeout:     time.Minute,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Send delivers m. A non-2xx response is an error.
func (c *Client) Send(ctx context.Context, m Message) error {
	body, err := json.Marshal(struct {
		From string `json:"from"`
		Message
	}{From: c.cfg.From, Message: m})
	if err != nil {
		return err
	}
	_, err = c.cb.Execute(func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("network error calling email service: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return struct{}{}, fmt.Errorf("email service returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
		}
		return struct{}{}, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
