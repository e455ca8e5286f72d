// Package client is the Go SDK for the walletscope HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Row is one transaction as seen by the looked-up wallet.
type Row struct {
	Signature         string           `json:"signature"`
	Timestamp         *time.Time       `json:"timestamp,omitempty"`
	Status            string           `json:"status"`    // success, fail, unknown
	Direction         string           `json:"direction"` // incoming, outgoing, unknown
	BalanceDelta      *decimal.Decimal `json:"balance_delta,omitempty"`
	Fee               *decimal.Decimal `json:"fee,omitempty"`
	Slot              *uint64          `json:"slot,omitempty"`
	DetailUnavailable bool             `json:"detail_unavailable"`
	ExplorerURL       string           `json:"explorer_url"`
}

// TokenBalance is the wallet's holding of one mint across its token accounts.
type TokenBalance struct {
	Mint         string          `json:"mint"`
	RawAmount    string          `json:"raw_amount"`
	Amount       decimal.Decimal `json:"amount"`
	Decimals     int             `json:"decimals"`
	AccountCount int             `json:"account_count"`
}

// Snapshot is the result of a lookup.
type Snapshot struct {
	Address     string           `json:"address"`
	Limit       int              `json:"limit"`
	Balance     *decimal.Decimal `json:"balance"`
	Rows        []Row            `json:"rows"`
	Tokens      []TokenBalance   `json:"tokens"`
	Loaded      int              `json:"loaded"`
	Total       int              `json:"total"`
	Failures    int              `json:"failures"`
	Unavailable int              `json:"unavailable"`
	FromCache   bool             `json:"from_cache"`
	CachedAt    *time.Time       `json:"cached_at,omitempty"`
	FetchedAt   time.Time        `json:"fetched_at"`
}

// LookupOptions tune a lookup. Zero values use the server's defaults.
type LookupOptions struct {
	Endpoint    string
	Limit       int
	Concurrency int
	// Refresh bypasses the server's cache.
	Refresh bool
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	// Kind classifies the failure, e.g. "rate_limited" or "invalid_request".
	Kind       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("request failed (%d %s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// IsSuperseded reports whether err is a lookup cancelled by a newer lookup
// from the same client id.
func IsSuperseded(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// IsRateLimited reports whether the RPC endpoint rate limited the lookup.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// Client is the HTTP client for the walletscope service.
type Client struct {
	baseURL    string
	clientID   string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new client. A lookup runs until the server finishes, so
// the default http.Client has a generous timeout.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// WithClientID sets the X-Client-ID sent with every request. Lookups sharing
// an id supersede each other on the server.
func (c *Client) WithClientID(id string) *Client {
	c.clientID = id
	return c
}

// Lookup fetches the wallet snapshot for address.
func (c *Client) Lookup(ctx context.Context, address string, opts LookupOptions) (*Snapshot, error) {
	q := url.Values{}
	if opts.Endpoint != "" {
		q.Set("endpoint", opts.Endpoint)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Concurrency > 0 {
		q.Set("concurrency", strconv.Itoa(opts.Concurrency))
	}
	if opts.Refresh {
		q.Set("refresh", "true")
	}

	u := fmt.Sprintf("%s/api/v1/wallets/%s", c.baseURL, url.PathEscape(address))
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.clientID != "" {
		req.Header.Set("X-Client-ID", c.clientID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	c.logger.Debug("lookup complete",
		"address", address,
		"rows", len(snap.Rows),
		"from_cache", snap.FromCache,
	)
	return &snap, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// parseErrorResponse builds an *APIError from a non-2xx response, using the
// JSON error body when there is one.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		apiErr.RetryAfter = time.Duration(secs) * time.Second
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		apiErr.Message = string(body)
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	apiErr.Message = errResp.Error
	apiErr.Kind = errResp.Kind
	return apiErr
}
