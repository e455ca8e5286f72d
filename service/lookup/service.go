// Package lookup sequences a wallet lookup: cache, balance, tokens,
// signatures, bounded detail fetch, inference, cache write.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/walletscope/service/cache"
	"github.com/brojonat/walletscope/service/fetcher"
	"github.com/brojonat/walletscope/service/inference"
	"github.com/brojonat/walletscope/service/metrics"
	"github.com/brojonat/walletscope/service/nats"
	"github.com/brojonat/walletscope/service/solana"
	"github.com/shopspring/decimal"
)

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid lookup request")

// RPC is the subset of solana.Client a lookup needs.
type RPC interface {
	GetBalance(ctx context.Context, endpoint, address string) (uint64, error)
	GetSignaturesForAddress(ctx context.Context, endpoint, address string, limit int) ([]solana.SignatureRecord, error)
	GetTransaction(ctx context.Context, endpoint, signature string) (*solana.TransactionDetail, error)
	GetTokenAccountsByOwner(ctx context.Context, endpoint, owner, programID string) ([]solana.TokenAccount, error)
}

// Publisher announces fresh snapshots.
type Publisher interface {
	PublishSnapshot(ctx context.Context, event *nats.SnapshotEvent) error
}

// Request describes one lookup.
type Request struct {
	Address     string
	Endpoint    string
	Limit       int
	Concurrency int
	// Refresh skips the cache read. The result is still written back.
	Refresh bool
}

// Validate checks the address, endpoint and limit.
func (r Request) Validate() error {
	if err := solana.ValidateAddress(r.Address); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := solana.ValidateEndpoint(r.Endpoint); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if r.Limit < 1 {
		return fmt.Errorf("%w: limit must be positive", ErrInvalidRequest)
	}
	return nil
}

// Snapshot is the result of a lookup.
type Snapshot struct {
	Address  string                `json:"address"`
	Endpoint string                `json:"endpoint"`
	Limit    int                   `json:"limit"`
	Balance  *decimal.Decimal      `json:"balance"`
	Rows     []inference.Row       `json:"rows"`
	Tokens   []solana.TokenBalance `json:"tokens"`
	Loaded   int                   `json:"loaded"`
	Total    int                   `json:"total"`
	// Failures counts detail fetches that errored; their rows are marked
	// detail_unavailable. Unavailable also includes signatures the ledger
	// had no record for.
	Failures    int        `json:"failures"`
	Unavailable int        `json:"unavailable"`
	FromCache   bool       `json:"from_cache"`
	CachedAt    *time.Time `json:"cached_at,omitempty"`
	FetchedAt   time.Time  `json:"fetched_at"`
}

// Service runs lookups. The cache and publisher are optional.
type Service struct {
	rpc       RPC
	cache     *cache.Cache
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a Service. cache, publisher and metrics may be nil.
func NewService(rpc RPC, c *cache.Cache, publisher Publisher, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Service{
		rpc:       rpc,
		cache:     c,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Lookup runs a full lookup and reports progress to sink (which may be nil).
//
// Balance, token account and signature failures abort the lookup. A failed
// detail fetch becomes an unavailable row and is counted in Failures. If ctx
// is cancelled the context error is returned and nothing is cached.
func (s *Service) Lookup(ctx context.Context, req Request, sink ProgressSink) (*Snapshot, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	start := s.now()
	sink = newLockedSink(sink)

	if !req.Refresh && s.cache != nil {
		if entry, ok := s.cache.Get(ctx, req.Address, req.Endpoint, req.Limit); ok {
			snap := snapshotFromEntry(entry, s.now())
			replay(snap, sink)
			s.metrics.RecordLookup("success", "cache", time.Since(start).Seconds())
			return snap, nil
		}
	}

	snap, err := s.fetch(ctx, req, sink)
	if err != nil {
		status := "error"
		if ctx.Err() != nil {
			status = "cancelled"
		}
		s.metrics.RecordLookup(status, "rpc", time.Since(start).Seconds())
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Put(ctx, req.Address, req.Endpoint, req.Limit, snap.Balance, snap.Rows, snap.Tokens); err != nil {
			s.logger.WarnContext(ctx, "failed to cache snapshot", "address", req.Address, "error", err)
		}
	}
	s.publish(ctx, snap)

	s.metrics.RecordLookup("success", "rpc", time.Since(start).Seconds())
	s.logger.InfoContext(ctx, "wallet lookup complete",
		"address", req.Address,
		"rows", len(snap.Rows),
		"failures", snap.Failures,
		"unavailable", snap.Unavailable,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return snap, nil
}

func (s *Service) fetch(ctx context.Context, req Request, sink ProgressSink) (*Snapshot, error) {
	lamports, err := s.rpc.GetBalance(ctx, req.Endpoint, req.Address)
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	balance := solana.LamportsToSOL(int64(lamports))
	sink.Balance(balance)

	var accounts []solana.TokenAccount
	for _, program := range []string{solana.TokenProgramID.String(), solana.Token2022ProgramID.String()} {
		accts, err := s.rpc.GetTokenAccountsByOwner(ctx, req.Endpoint, req.Address, program)
		if err != nil {
			return nil, fmt.Errorf("fetch token accounts: %w", err)
		}
		accounts = append(accounts, accts...)
	}
	tokens := solana.AggregateTokenBalances(accounts)

	sigs, err := s.rpc.GetSignaturesForAddress(ctx, req.Endpoint, req.Address, req.Limit)
	if err != nil {
		return nil, fmt.Errorf("fetch signatures: %w", err)
	}
	s.metrics.RecordSignaturesPerLookup(len(sigs))

	total := len(sigs)
	sink.Started(total)

	rows := make([]inference.Row, total)
	var (
		mu                             sync.Mutex
		loaded, failures, unavailables int
	)

	err = fetcher.Run(ctx, sigs, req.Concurrency, func(ctx context.Context, sig solana.SignatureRecord, i int) error {
		detail, err := s.rpc.GetTransaction(ctx, req.Endpoint, sig.Signature)
		failed := false
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			failed = true
			detail = nil
			s.metrics.RecordDetailFailure()
			s.logger.WarnContext(ctx, "transaction detail unavailable",
				"signature", sig.Signature,
				"error", err,
			)
		} else if detail == nil {
			s.metrics.RecordDetailUnavailable()
		}

		row := inference.Infer(req.Address, sig, detail)

		mu.Lock()
		rows[i] = row
		loaded++
		if failed {
			failures++
		}
		if detail == nil {
			unavailables++
		}
		sink.RowResolved(i, row, loaded, total)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Snapshot{
		Address:     req.Address,
		Endpoint:    endpointHost(req.Endpoint),
		Limit:       req.Limit,
		Balance:     &balance,
		Rows:        rows,
		Tokens:      tokens,
		Loaded:      loaded,
		Total:       total,
		Failures:    failures,
		Unavailable: unavailables,
		FetchedAt:   s.now().UTC(),
	}, nil
}

func (s *Service) publish(ctx context.Context, snap *Snapshot) {
	if s.publisher == nil {
		return
	}
	event := &nats.SnapshotEvent{
		Address:     snap.Address,
		Endpoint:    snap.Endpoint,
		Limit:       snap.Limit,
		TokenCount:  len(snap.Tokens),
		RowCount:    len(snap.Rows),
		Failures:    snap.Failures,
		Unavailable: snap.Unavailable,
		FetchedAt:   snap.FetchedAt,
	}
	if snap.Balance != nil {
		b := snap.Balance.String()
		event.Balance = &b
	}
	if len(snap.Rows) > 0 {
		event.NewestSignature = snap.Rows[0].Signature
	}
	if err := s.publisher.PublishSnapshot(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to publish snapshot event", "address", snap.Address, "error", err)
	}
}

func snapshotFromEntry(entry *cache.Entry, now time.Time) *Snapshot {
	cachedAt := entry.CachedAt
	unavailable := 0
	for _, row := range entry.Rows {
		if row.DetailUnavailable {
			unavailable++
		}
	}
	return &Snapshot{
		Address:     entry.Wallet,
		Endpoint:    endpointHost(entry.Endpoint),
		Limit:       entry.Limit,
		Balance:     entry.Balance,
		Rows:        entry.Rows,
		Tokens:      entry.Tokens,
		Loaded:      len(entry.Rows),
		Total:       len(entry.Rows),
		Unavailable: unavailable,
		FromCache:   true,
		CachedAt:    &cachedAt,
		FetchedAt:   now.UTC(),
	}
}

// replay feeds a cached snapshot through the sink so streaming callers see
// the same event sequence as for a live fetch.
func replay(snap *Snapshot, sink ProgressSink) {
	if snap.Balance != nil {
		sink.Balance(*snap.Balance)
	}
	sink.Started(snap.Total)
	for i, row := range snap.Rows {
		sink.RowResolved(i, row, i+1, snap.Total)
	}
}
