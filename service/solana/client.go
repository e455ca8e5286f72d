package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/brojonat/walletscope/service/metrics"
)

const (
	// Commitment used for every read.
	Commitment = "confirmed"

	defaultHTTPTimeout = 15 * time.Second

	encodingJSONParsed = "jsonParsed"
	encodingJSON       = "json"
)

// Client calls Solana JSON-RPC endpoints over HTTP. The endpoint is passed per
// call so a single Client can serve every wallet session in the process.
type Client struct {
	httpClient *http.Client
	metrics    *metrics.Metrics
	logger     *slog.Logger
	nextID     atomic.Uint64
}

// NewClient creates a new Solana RPC client.
// If httpClient is nil a client with a 15s timeout is used.
// If metrics is nil, no metrics will be recorded.
func NewClient(httpClient *http.Client, m *metrics.Metrics, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		httpClient: httpClient,
		metrics:    m,
		logger:     logger,
	}
}

// Call sends one JSON-RPC 2.0 request and decodes the result into result
// (which may be nil to discard it). Failures are *RPCError, except that a
// cancelled ctx is returned as ctx.Err().
func (c *Client) Call(ctx context.Context, endpoint, method string, params []any, result any) error {
	start := time.Now()
	err := c.call(ctx, endpoint, method, params, result)
	c.record(ctx, endpoint, method, start, err)
	return err
}

func (c *Client) call(ctx context.Context, endpoint, method string, params []any, result any) error {
	payload := rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return &RPCError{Kind: KindNetwork, Method: method, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &RPCError{Kind: KindNetwork, Method: method, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter, _ := retryAfterDelay(resp.Header.Get("Retry-After"))
		return &RPCError{
			Kind:       KindRateLimited,
			Method:     method,
			StatusCode: resp.StatusCode,
			Message:    readExcerpt(resp.Body),
			RetryAfter: retryAfter,
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &RPCError{
			Kind:       KindHTTPStatus,
			Method:     method,
			StatusCode: resp.StatusCode,
			Message:    readExcerpt(resp.Body),
		}
	}

	var envelope rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &RPCError{Kind: KindInvalidResponse, Method: method, StatusCode: resp.StatusCode, Err: err}
	}
	if envelope.Error != nil {
		rpcErr := classifyRPCError(method, envelope.Error)
		rpcErr.StatusCode = resp.StatusCode
		return rpcErr
	}
	if len(envelope.Result) == 0 {
		return &RPCError{Kind: KindMissingResult, Method: method, StatusCode: resp.StatusCode}
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, result); err != nil {
		return &RPCError{Kind: KindInvalidResponse, Method: method, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

func (c *Client) record(ctx context.Context, endpoint, method string, start time.Time, err error) {
	host := endpointLabel(endpoint)
	status := "success"
	if err != nil {
		status = "error"
		if kind, ok := KindOf(err); ok {
			c.metrics.RecordRPCError(method, string(kind))
			if kind == KindRateLimited {
				c.metrics.RecordRateLimitHit(host)
			}
		} else if ctx.Err() != nil {
			status = "cancelled"
		}
	}
	c.metrics.RecordRPCCall(method, status, host, time.Since(start).Seconds())

	c.logger.DebugContext(ctx, "solana rpc call",
		"method", method,
		"endpoint", host,
		"status", status,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err,
	)
}

// GetBalance returns the lamport balance of address.
func (c *Client) GetBalance(ctx context.Context, endpoint, address string) (uint64, error) {
	var result rpcContextValue[uint64]
	params := []any{
		address,
		map[string]any{"commitment": Commitment},
	}
	if err := c.Call(ctx, endpoint, "getBalance", params, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// GetSignaturesForAddress returns up to limit of the most recent signatures
// touching address, newest first.
func (c *Client) GetSignaturesForAddress(ctx context.Context, endpoint, address string, limit int) ([]SignatureRecord, error) {
	if limit <= 0 {
		limit = 1
	}
	var result []SignatureRecord
	params := []any{
		address,
		map[string]any{
			"limit":      limit,
			"commitment": Commitment,
		},
	}
	if err := c.Call(ctx, endpoint, "getSignaturesForAddress", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// GetTransaction fetches a transaction by signature. It first asks for the
// jsonParsed encoding with a version ceiling; nodes that reject that request
// as unsupported get exactly one retry with the legacy json encoding, and the
// retry's outcome is returned as-is.
// A nil detail with a nil error means the ledger has no record of signature.
func (c *Client) GetTransaction(ctx context.Context, endpoint, signature string) (*TransactionDetail, error) {
	detail, err := c.getTransaction(ctx, endpoint, signature, true)
	if err == nil || !isEncodingUnsupported(err) {
		return detail, err
	}

	c.logger.WarnContext(ctx, "versioned getTransaction unsupported, retrying with legacy encoding",
		"signature", signature,
		"endpoint", endpointLabel(endpoint),
		"error", err,
	)
	c.metrics.RecordRPCRetry("getTransaction", "legacy_encoding")

	return c.getTransaction(ctx, endpoint, signature, false)
}

func (c *Client) getTransaction(ctx context.Context, endpoint, signature string, versioned bool) (*TransactionDetail, error) {
	opts := map[string]any{"commitment": Commitment}
	if versioned {
		opts["encoding"] = encodingJSONParsed
		opts["maxSupportedTransactionVersion"] = 0
	} else {
		opts["encoding"] = encodingJSON
	}

	var result *rpcTransactionResult
	if err := c.Call(ctx, endpoint, "getTransaction", []any{signature, opts}, &result); err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}
	return result.toDetail(), nil
}

// GetTokenAccountsByOwner lists the owner's token accounts under programID.
// Accounts the node could not parse are skipped.
func (c *Client) GetTokenAccountsByOwner(ctx context.Context, endpoint, owner, programID string) ([]TokenAccount, error) {
	var result rpcContextValue[[]rpcTokenAccount]
	params := []any{
		owner,
		map[string]any{"programId": programID},
		map[string]any{
			"encoding":   encodingJSONParsed,
			"commitment": Commitment,
		},
	}
	if err := c.Call(ctx, endpoint, "getTokenAccountsByOwner", params, &result); err != nil {
		return nil, err
	}

	accounts := make([]TokenAccount, 0, len(result.Value))
	for _, acct := range result.Value {
		if ta, ok := acct.tokenAccount(); ok {
			accounts = append(accounts, ta)
		}
	}
	return accounts, nil
}

func readExcerpt(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBodyExcerpt))
	return strings.TrimSpace(string(body))
}

func retryAfterDelay(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), true
	}

	if when, err := http.ParseTime(value); err == nil {
		return max(time.Until(when), 0), true
	}

	return 0, false
}

// endpointLabel reduces an endpoint URL to its host so API keys in paths or
// query strings never reach logs or metric labels.
func endpointLabel(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "unknown"
	}
	return u.Host
}
