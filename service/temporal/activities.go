package temporal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brojonat/walletscope/service/inference"
	"github.com/brojonat/walletscope/service/lookup"
	"github.com/brojonat/walletscope/service/solana"
	"github.com/shopspring/decimal"
	"go.temporal.io/sdk/activity"
	temporalsdk "go.temporal.io/sdk/temporal"
)

const (
	errTypeInvalidRequest = "InvalidRequest"
	errTypeRateLimited    = "RateLimited"
	errTypeLookupFailed   = "LookupFailed"
)

// RefreshWalletInput identifies the cached lookup to rebuild.
type RefreshWalletInput struct {
	Address     string `json:"address"`
	Endpoint    string `json:"endpoint"`
	Limit       int    `json:"limit"`
	Concurrency int    `json:"concurrency,omitempty"` // 0 uses the worker default
}

// RefreshWalletResult summarizes a refreshed snapshot.
type RefreshWalletResult struct {
	Address         string    `json:"address"`
	Balance         *string   `json:"balance,omitempty"`
	RowCount        int       `json:"row_count"`
	TokenCount      int       `json:"token_count"`
	Failures        int       `json:"failures"`
	Unavailable     int       `json:"unavailable"`
	NewestSignature *string   `json:"newest_signature,omitempty"`
	FetchedAt       time.Time `json:"fetched_at"`
	Error           *string   `json:"error,omitempty"`
}

// Looker runs wallet lookups. *lookup.Service satisfies it.
type Looker interface {
	Lookup(ctx context.Context, req lookup.Request, sink lookup.ProgressSink) (*lookup.Snapshot, error)
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	looker             Looker
	defaultConcurrency int
	logger             *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
func NewActivities(looker Looker, defaultConcurrency int, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		looker:             looker,
		defaultConcurrency: max(defaultConcurrency, 1),
		logger:             logger,
	}
}

// RefreshWallet runs a lookup that bypasses the cache read, which rewrites the
// cache entry and publishes a snapshot event. Progress is reported as
// heartbeats. Invalid input fails without retry; rate limiting asks Temporal
// to wait for the endpoint's Retry-After before the next attempt.
func (a *Activities) RefreshWallet(ctx context.Context, input RefreshWalletInput) (*RefreshWalletResult, error) {
	concurrency := input.Concurrency
	if concurrency <= 0 {
		concurrency = a.defaultConcurrency
	}

	a.logger.DebugContext(ctx, "refreshing wallet",
		"address", input.Address,
		"limit", input.Limit,
		"concurrency", concurrency,
	)

	snap, err := a.looker.Lookup(ctx, lookup.Request{
		Address:     input.Address,
		Endpoint:    input.Endpoint,
		Limit:       input.Limit,
		Concurrency: concurrency,
		Refresh:     true,
	}, heartbeatSink{ctx: ctx})
	if err != nil {
		a.logger.ErrorContext(ctx, "wallet refresh failed",
			"address", input.Address,
			"error", err,
		)
		return nil, activityError(err)
	}

	result := &RefreshWalletResult{
		Address:     snap.Address,
		RowCount:    len(snap.Rows),
		TokenCount:  len(snap.Tokens),
		Failures:    snap.Failures,
		Unavailable: snap.Unavailable,
		FetchedAt:   snap.FetchedAt,
	}
	if snap.Balance != nil {
		b := snap.Balance.String()
		result.Balance = &b
	}
	if len(snap.Rows) > 0 {
		newest := snap.Rows[0].Signature
		result.NewestSignature = &newest
	}

	a.logger.InfoContext(ctx, "wallet refreshed",
		"address", input.Address,
		"rows", result.RowCount,
		"tokens", result.TokenCount,
		"failures", result.Failures,
	)
	return result, nil
}

// activityError maps lookup failures onto Temporal's retry semantics.
func activityError(err error) error {
	if errors.Is(err, lookup.ErrInvalidRequest) {
		return temporalsdk.NewNonRetryableApplicationError(err.Error(), errTypeInvalidRequest, err)
	}
	var rpcErr *solana.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Kind == solana.KindRateLimited {
		return temporalsdk.NewApplicationErrorWithOptions(err.Error(), errTypeRateLimited, temporalsdk.ApplicationErrorOptions{
			Cause:          err,
			NextRetryDelay: rpcErr.RetryAfter,
		})
	}
	return temporalsdk.NewApplicationErrorWithCause(err.Error(), errTypeLookupFailed, err)
}

// heartbeatSink reports detail progress to Temporal.
type heartbeatSink struct {
	ctx context.Context
}

func (h heartbeatSink) Balance(decimal.Decimal) {
	activity.RecordHeartbeat(h.ctx, "balance")
}

func (h heartbeatSink) Started(int) {
	activity.RecordHeartbeat(h.ctx, "signatures")
}

func (h heartbeatSink) RowResolved(_ int, _ inference.Row, loaded, _ int) {
	activity.RecordHeartbeat(h.ctx, loaded)
}
