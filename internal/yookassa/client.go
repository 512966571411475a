// Package yookassa is a minimal client for the YooKassa payments API.
package yookassa

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
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultBaseURL = "https://api.yookassa.ru/v3"

var ErrInvalidResponse = errors.New("invalid yookassa response")

type Config struct {
	ShopID    string
	SecretKey string
	ReturnURL string
	BaseURL   string
	Timeout   time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
}

func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ReturnURL == "" {
		cfg.ReturnURL = "https://t.me"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, httpClient: httpClient}
}

type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type Payment struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Paid         bool   `json:"paid"`
	Amount       Amount `json:"amount"`
	Description  string `json:"description"`
	Confirmation struct {
		Type string `json:"type"`
		URL  string `json:"confirmation_url"`
	} `json:"confirmation"`
	Metadata map[string]string `json:"metadata"`
}

// UserID returns the metadata user id attached at creation, or 0.
func (p *Payment) UserID() int64 {
	id, _ := strconv.ParseInt(p.Metadata["user_id"], 10, 64)
	return id
}

type CreatePaymentRequest struct {
	Amount      int
	Currency    string
	Description string
	UserID      int64
	Generations int
}

// CreatePayment creates a redirect payment that is captured automatically.
func (c *Client) CreatePayment(ctx context.Context, in CreatePaymentRequest) (*Payment, error) {
	payload := map[string]any{
		"amount": Amount{
			Value:    fmt.Sprintf("%d.00", in.Amount),
			Currency: in.Currency,
		},
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": c.cfg.ReturnURL,
		},
		"capture":     true,
		"description": in.Description,
		"metadata": map[string]string{
			"user_id":     strconv.FormatInt(in.UserID, 10),
			"generations": strconv.Itoa(in.Generations),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payment: %w", err)
	}

	var payment Payment
	if err := c.do(ctx, http.MethodPost, "/payments", body, &payment); err != nil {
		return nil, fmt.Errorf("create payment: %w", err)
	}
	if payment.ID == "" || payment.Confirmation.URL == "" {
		return nil, fmt.Errorf("%w: missing id or confirmation url", ErrInvalidResponse)
	}
	if payment.Status == "" {
		payment.Status = "pending"
	}
	return &payment, nil
}

func (c *Client) FetchPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var payment Payment
	if err := c.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(paymentID), nil, &payment); err != nil {
		return nil, fmt.Errorf("fetch payment %s: %w", paymentID, err)
	}
	if payment.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrInvalidResponse)
	}
	return &payment, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build yookassa request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ShopID, c.cfg.SecretKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotence-Key", uuid.NewString())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("yookassa request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read yookassa response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("yookassa status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode yookassa response: %w", err)
	}
	return nil
}
