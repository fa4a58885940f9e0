// Package billing mirrors payment processor subscriptions into the local store
// and grants plan credits exactly once per subscription period.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"genledger/internal/domain"
)

// CheckoutSession is the processor's record of a completed checkout.
type CheckoutSession struct {
	ID             string `json:"id"`
	AccountID      string `json:"client_reference_id"`
	SubscriptionID string `json:"subscription"`
	Status         string `json:"status"`
}

// ProcessorSubscription is the canonical subscription state at the processor.
type ProcessorSubscription struct {
	ID                 string `json:"id"`
	AccountID          string `json:"client_reference_id"`
	PlanID             string `json:"plan"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
}

// Local converts the processor view into the local subscription row.
func (s ProcessorSubscription) Local() domain.Subscription {
	sub := domain.Subscription{
		AccountID:              s.AccountID,
		ExternalSubscriptionID: s.ID,
		PlanID:                 s.PlanID,
		Status:                 domain.SubscriptionStatus(strings.ToLower(s.Status)),
	}
	if s.CurrentPeriodStart > 0 {
		sub.CurrentPeriodStart = time.Unix(s.CurrentPeriodStart, 0).UTC()
	}
	if s.CurrentPeriodEnd > 0 {
		sub.CurrentPeriodEnd = time.Unix(s.CurrentPeriodEnd, 0).UTC()
	}
	return sub
}

// Processor looks up canonical state by id. Failures must match
// ErrProcessorUnavailable, or ErrNotFound for unknown ids.
type Processor interface {
	CheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error)
	Subscription(ctx context.Context, subscriptionID string) (ProcessorSubscription, error)
}

type ClientOptions struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// Client is the REST client of the payment processor.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewClient(opts ClientOptions) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("billing: processor base url is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{apiKey: strings.TrimSpace(opts.APIKey), baseURL: baseURL, httpClient: httpClient}, nil
}

func (c *Client) CheckoutSession(ctx context.Context, sessionID string) (CheckoutSession, error) {
	var out CheckoutSession
	err := c.get(ctx, "/checkout/sessions/"+url.PathEscape(sessionID), &out)
	return out, err
}

func (c *Client) Subscription(ctx context.Context, subscriptionID string) (ProcessorSubscription, error) {
	var out ProcessorSubscription
	err := c.get(ctx, "/subscriptions/"+url.PathEscape(subscriptionID), &out)
	return out, err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("billing: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrProcessorUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %w", domain.ErrProcessorUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("billing: %s: %w", path, domain.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%w: status %d: %s", domain.ErrProcessorUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode response: %w", domain.ErrProcessorUnavailable, err)
	}
	return nil
}

var _ Processor = (*Client)(nil)
