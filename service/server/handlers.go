package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/walletscope/service/config"
	"github.com/brojonat/walletscope/service/lookup"
	"github.com/brojonat/walletscope/service/solana"
	"github.com/brojonat/walletscope/service/temporal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	minRefreshInterval = 30 * time.Second
	maxRefreshInterval = 24 * time.Hour

	// ClientIDHeader scopes lookups: a new lookup from the same client
	// supersedes the one it has in flight.
	ClientIDHeader = "X-Client-ID"
)

// errorResponse is the JSON body of every non-2xx API response.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// handleLookup runs a wallet lookup for the calling client.
// GET /api/v1/wallets/{address}?endpoint=&limit=&concurrency=&refresh=
func handleLookup(registry *lookup.Registry, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := parseLookupRequest(r, cfg)
		if err != nil {
			logger.Debug("invalid lookup request", "error", err)
			writeLookupError(w, err)
			return
		}

		snap, err := registry.For(clientID(r)).Start(r.Context(), req, nil)
		if err != nil {
			logLookupError(r.Context(), logger, req, err)
			writeLookupError(w, err)
			return
		}

		writeJSON(w, snap, http.StatusOK)
	})
}

// handleSessionView returns the calling client's current lookup state, which
// includes rows resolved so far while a lookup is loading.
// GET /api/v1/session
func handleSessionView(registry *lookup.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, registry.For(clientID(r)).View(), http.StatusOK)
	})
}

// handleSessionCancel stops the calling client's lookup in flight.
// DELETE /api/v1/session
func handleSessionCancel(registry *lookup.Registry, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := clientID(r)
		registry.For(id).Cancel()
		logger.Debug("session cancelled", "client_id", id)
		w.WriteHeader(http.StatusNoContent)
	})
}

type scheduleRequest struct {
	Address     string `json:"address"`
	Endpoint    string `json:"endpoint"`
	Limit       int    `json:"limit"`
	Concurrency int    `json:"concurrency"`
	Interval    string `json:"interval"`
}

// handleCreateSchedule keeps a lookup's cache entry warm with a Temporal schedule.
// POST /api/v1/schedules
func handleCreateSchedule(scheduler temporal.Scheduler, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var body scheduleRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		if body.Endpoint == "" {
			body.Endpoint = cfg.SolanaRPCURL
		}
		if body.Limit == 0 {
			body.Limit = cfg.DefaultLimit
		}
		if !cfg.AllowsLimit(body.Limit) {
			writeError(w, fmt.Sprintf("limit must be one of %v", cfg.AllowedLimits), http.StatusBadRequest)
			return
		}
		if body.Concurrency != 0 && !cfg.AllowsConcurrency(body.Concurrency) {
			writeError(w, fmt.Sprintf("concurrency must be one of %v", cfg.AllowedConcurrency), http.StatusBadRequest)
			return
		}

		interval, err := time.ParseDuration(body.Interval)
		if err != nil {
			writeError(w, "invalid interval: must be a duration such as '1m' or '5m'", http.StatusBadRequest)
			return
		}
		if interval < minRefreshInterval || interval > maxRefreshInterval {
			writeError(w, fmt.Sprintf("interval must be between %v and %v", minRefreshInterval, maxRefreshInterval), http.StatusBadRequest)
			return
		}

		input := temporal.RefreshWalletInput{
			Address:     body.Address,
			Endpoint:    body.Endpoint,
			Limit:       body.Limit,
			Concurrency: body.Concurrency,
		}
		req := lookup.Request{Address: input.Address, Endpoint: input.Endpoint, Limit: input.Limit}
		if err := req.Validate(); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := scheduler.CreateRefreshSchedule(r.Context(), input, interval); err != nil {
			if errors.Is(err, temporal.ErrScheduleExists) {
				writeError(w, "a refresh schedule for this lookup already exists", http.StatusConflict)
				return
			}
			logger.Error("failed to create refresh schedule", "address", input.Address, "error", err)
			writeError(w, "failed to create refresh schedule", http.StatusInternalServerError)
			return
		}

		logger.Info("refresh schedule created", "address", input.Address, "limit", input.Limit, "interval", interval)
		writeJSON(w, map[string]any{
			"address":  input.Address,
			"limit":    input.Limit,
			"interval": interval.String(),
		}, http.StatusCreated)
	})
}

// handleDeleteSchedule stops refreshing a lookup.
// DELETE /api/v1/schedules/{address}?endpoint=&limit=
func handleDeleteSchedule(scheduler temporal.Scheduler, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := solana.ValidateAddress(address); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		endpoint := r.URL.Query().Get("endpoint")
		if endpoint == "" {
			endpoint = cfg.SolanaRPCURL
		}
		limit := cfg.DefaultLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, "limit must be an integer", http.StatusBadRequest)
				return
			}
			limit = n
		}

		if err := scheduler.DeleteRefreshSchedule(r.Context(), address, endpoint, limit); err != nil {
			if errors.Is(err, temporal.ErrScheduleNotFound) {
				writeError(w, "refresh schedule not found", http.StatusNotFound)
				return
			}
			logger.Error("failed to delete refresh schedule", "address", address, "error", err)
			writeError(w, "failed to delete refresh schedule", http.StatusInternalServerError)
			return
		}

		logger.Info("refresh schedule deleted", "address", address, "limit", limit)
		w.WriteHeader(http.StatusNoContent)
	})
}

// parseLookupRequest reads a lookup from the path and query string, filling in
// configured defaults and enforcing the allowed limit and concurrency values.
func parseLookupRequest(r *http.Request, cfg *config.Config) (lookup.Request, error) {
	q := r.URL.Query()
	req := lookup.Request{
		Address:     r.PathValue("address"),
		Endpoint:    cfg.SolanaRPCURL,
		Limit:       cfg.DefaultLimit,
		Concurrency: cfg.DefaultConcurrency,
	}

	if v := q.Get("endpoint"); v != "" {
		req.Endpoint = v
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, invalidRequest("limit must be an integer")
		}
		req.Limit = n
	}
	if !cfg.AllowsLimit(req.Limit) {
		return req, invalidRequest("limit must be one of %v", cfg.AllowedLimits)
	}
	if v := q.Get("concurrency"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return req, invalidRequest("concurrency must be an integer")
		}
		req.Concurrency = n
	}
	if !cfg.AllowsConcurrency(req.Concurrency) {
		return req, invalidRequest("concurrency must be one of %v", cfg.AllowedConcurrency)
	}
	if v := q.Get("refresh"); v != "" {
		refresh, err := strconv.ParseBool(v)
		if err != nil {
			return req, invalidRequest("refresh must be true or false")
		}
		req.Refresh = refresh
	}

	return req, req.Validate()
}

func invalidRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", lookup.ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// clientID identifies the caller for session scoping. Without the header the
// connection's remote address stands in.
func clientID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(ClientIDHeader)); id != "" {
		return id
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return "addr:" + host
	}
	return "addr:" + r.RemoteAddr
}

// lookupErrorStatus maps a lookup failure to an HTTP status. Zero means the
// client went away and nothing should be written.
func lookupErrorStatus(err error) int {
	switch {
	case errors.Is(err, lookup.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, lookup.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return 0
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	if kind, ok := solana.KindOf(err); ok {
		if kind == solana.KindRateLimited {
			return http.StatusTooManyRequests
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func lookupErrorBody(err error) errorResponse {
	if errors.Is(err, lookup.ErrSuperseded) {
		return errorResponse{Error: "superseded", Kind: "superseded"}
	}
	body := errorResponse{Error: lookup.UserMessage(err)}
	if kind, ok := solana.KindOf(err); ok {
		body.Kind = string(kind)
	} else if errors.Is(err, lookup.ErrInvalidRequest) {
		body.Kind = "invalid_request"
	}
	return body
}

func writeLookupError(w http.ResponseWriter, err error) {
	status := lookupErrorStatus(err)
	if status == 0 {
		return
	}
	var rpcErr *solana.RPCError
	if errors.As(err, &rpcErr) && rpcErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rpcErr.RetryAfter.Seconds()))))
	}
	writeJSON(w, lookupErrorBody(err), status)
}

func logLookupError(ctx context.Context, logger *slog.Logger, req lookup.Request, err error) {
	switch {
	case errors.Is(err, lookup.ErrSuperseded), errors.Is(err, context.Canceled):
		logger.DebugContext(ctx, "lookup abandoned", "address", req.Address, "error", err)
	default:
		logger.WarnContext(ctx, "lookup failed", "address", req.Address, "limit", req.Limit, "error", err)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, errorResponse{Error: message}, statusCode)
}
