package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/brojonat/walletscope/service/inference"
	"github.com/brojonat/walletscope/service/lookup"
	"github.com/brojonat/walletscope/service/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestLookup_FetchesThenServesFromCache(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.get(t, "/api/v1/wallets/"+testWallet, "client-1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var snap lookup.Snapshot
	decodeJSON(t, resp, &snap)
	require.NotNil(t, snap.Balance)
	assert.Equal(t, "2.5", snap.Balance.String())
	assert.False(t, snap.FromCache)
	assert.Equal(t, 2, snap.Total)
	assert.Equal(t, 1, snap.Unavailable)
	assert.Zero(t, snap.Failures)

	require.Len(t, snap.Rows, 2)
	assert.Equal(t, "sigB", snap.Rows[0].Signature)
	assert.Equal(t, inference.DirectionIncoming, snap.Rows[0].Direction)
	require.NotNil(t, snap.Rows[0].BalanceDelta)
	assert.Equal(t, "0.1", snap.Rows[0].BalanceDelta.String())
	assert.Equal(t, "sigA", snap.Rows[1].Signature)
	assert.True(t, snap.Rows[1].DetailUnavailable)

	again := env.get(t, "/api/v1/wallets/"+testWallet, "client-1")
	require.Equal(t, http.StatusOK, again.StatusCode)
	var cached lookup.Snapshot
	decodeJSON(t, again, &cached)
	assert.True(t, cached.FromCache)
	assert.Len(t, cached.Rows, 2)
	assert.Equal(t, 1, env.node.callCount("getBalance"))

	refreshed := env.get(t, "/api/v1/wallets/"+testWallet+"?refresh=true", "client-1")
	require.Equal(t, http.StatusOK, refreshed.StatusCode)
	assert.Equal(t, 2, env.node.callCount("getBalance"))
}

func TestLookup_InvalidRequests(t *testing.T) {
	env := newTestEnv(t, false)

	tests := []struct {
		name     string
		path     string
		contains string
	}{
		{"bad address", "/api/v1/wallets/not-base58!", "invalid wallet address"},
		{"short address", "/api/v1/wallets/abc", "invalid wallet address"},
		{"limit not allowed", "/api/v1/wallets/" + testWallet + "?limit=30", "limit must be one of [20 50]"},
		{"limit not a number", "/api/v1/wallets/" + testWallet + "?limit=many", "limit must be an integer"},
		{"concurrency not allowed", "/api/v1/wallets/" + testWallet + "?concurrency=9", "concurrency must be one of [3 5]"},
		{"bad endpoint", "/api/v1/wallets/" + testWallet + "?endpoint=ftp://rpc.example.com", "invalid rpc endpoint"},
		{"bad refresh", "/api/v1/wallets/" + testWallet + "?refresh=maybe", "refresh must be true or false"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.get(t, tt.path, "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body errorResponse
			decodeJSON(t, resp, &body)
			assert.Contains(t, body.Error, tt.contains)
			assert.Equal(t, "invalid_request", body.Kind)
		})
	}
	assert.Zero(t, env.node.callCount("getBalance"))
}

func TestLookup_RateLimited(t *testing.T) {
	env := newTestEnv(t, false)
	env.node.setRateLimited(true)

	resp := env.get(t, "/api/v1/wallets/"+testWallet, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "3", resp.Header.Get("Retry-After"))

	var body errorResponse
	decodeJSON(t, resp, &body)
	assert.Equal(t, "rate_limited", body.Kind)
	assert.Contains(t, body.Error, "rate limiting")
}

func TestLookup_NewerRequestSupersedesOlder(t *testing.T) {
	env := newTestEnv(t, false)
	hold := make(chan struct{})
	env.node.mu.Lock()
	env.node.hold = hold
	env.node.mu.Unlock()

	type result struct {
		status int
		body   errorResponse
	}
	do := func() <-chan result {
		out := make(chan result, 1)
		go func() {
			req, _ := http.NewRequest(http.MethodGet, env.api.URL+"/api/v1/wallets/"+testWallet+"?refresh=true", nil)
			req.Header.Set(ClientIDHeader, "same-client")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				out <- result{}
				return
			}
			defer resp.Body.Close()
			var body errorResponse
			if resp.StatusCode != http.StatusOK {
				json.NewDecoder(resp.Body).Decode(&body)
			}
			out <- result{status: resp.StatusCode, body: body}
		}()
		return out
	}

	first := do()
	select {
	case <-env.node.txStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("first lookup never reached transaction fetch")
	}

	second := do()

	select {
	case r := <-first:
		assert.Equal(t, http.StatusConflict, r.status)
		assert.Equal(t, "superseded", r.body.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("first lookup was not superseded")
	}

	close(hold)
	select {
	case r := <-second:
		assert.Equal(t, http.StatusOK, r.status)
	case <-time.After(5 * time.Second):
		t.Fatal("second lookup did not finish")
	}
}

func TestSessionViewAndCancel(t *testing.T) {
	env := newTestEnv(t, false)

	resp := env.get(t, "/api/v1/wallets/"+testWallet, "viewer")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	viewResp := env.get(t, "/api/v1/session", "viewer")
	require.Equal(t, http.StatusOK, viewResp.StatusCode)
	var view lookup.View
	decodeJSON(t, viewResp, &view)
	assert.Equal(t, testWallet, view.Address)
	assert.False(t, view.Loading)
	assert.Len(t, view.Rows, 2)
	assert.Empty(t, view.Error)

	other := env.get(t, "/api/v1/session", "someone-else")
	var empty lookup.View
	decodeJSON(t, other, &empty)
	assert.Empty(t, empty.Address)

	req, err := http.NewRequest(http.MethodDelete, env.api.URL+"/api/v1/session", nil)
	require.NoError(t, err)
	req.Header.Set(ClientIDHeader, "viewer")
	cancelResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer cancelResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, cancelResp.StatusCode)
}

func TestCreateAndDeleteSchedule(t *testing.T) {
	env := newTestEnv(t, true)

	post := func(t *testing.T, body string) *http.Response {
		resp, err := http.Post(env.api.URL+"/api/v1/schedules", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post(t, fmt.Sprintf(`{"address":%q,"limit":50,"interval":"5m"}`, testWallet))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// The endpoint defaults to the configured RPC URL.
	interval, ok := env.scheduler.ScheduleInterval(testWallet, env.rpcURL, 50)
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, interval)

	bad := []struct {
		name string
		body string
	}{
		{"malformed json", `{"address":`},
		{"short interval", fmt.Sprintf(`{"address":%q,"interval":"5s"}`, testWallet)},
		{"no interval", fmt.Sprintf(`{"address":%q}`, testWallet)},
		{"limit not allowed", fmt.Sprintf(`{"address":%q,"limit":7,"interval":"5m"}`, testWallet)},
		{"bad address", `{"address":"nope","interval":"5m"}`},
		{"too large", `{"address":"` + strings.Repeat("A", 2<<20) + `"}`},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, http.StatusBadRequest, post(t, tt.body).StatusCode)
		})
	}
	assert.Equal(t, 1, env.scheduler.ScheduleCount())

	dup := post(t, fmt.Sprintf(`{"address":%q,"limit":50,"interval":"10m"}`, testWallet))
	assert.Equal(t, http.StatusConflict, dup.StatusCode)

	del := func() int {
		req, err := http.NewRequest(http.MethodDelete, env.api.URL+"/api/v1/schedules/"+testWallet+"?limit=50", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusNoContent, del())
	assert.Equal(t, 0, env.scheduler.ScheduleCount())
	assert.Equal(t, http.StatusNotFound, del())

	env.scheduler.SetDeleteError(errors.New("temporal unavailable"))
	assert.Equal(t, http.StatusInternalServerError, del())
}

func TestLookupErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"superseded", lookup.ErrSuperseded, http.StatusConflict},
		{"invalid", fmt.Errorf("%w: nope", lookup.ErrInvalidRequest), http.StatusBadRequest},
		{"client gone", context.Canceled, 0},
		{"timeout", fmt.Errorf("fetch balance: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"rate limited", &solana.RPCError{Kind: solana.KindRateLimited, StatusCode: 429}, http.StatusTooManyRequests},
		{"network", &solana.RPCError{Kind: solana.KindNetwork, Err: errors.New("refused")}, http.StatusBadGateway},
		{"protocol", fmt.Errorf("fetch signatures: %w", &solana.RPCError{Kind: solana.KindProtocol, Code: -32602, Message: "bad"}), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, lookupErrorStatus(tt.err))
		})
	}
}

func TestLookupErrorBody(t *testing.T) {
	body := lookupErrorBody(&solana.RPCError{Kind: solana.KindProtocol, Message: "Invalid param"})
	assert.Equal(t, "RPC error: Invalid param", body.Error)
	assert.Equal(t, "protocol", body.Kind)

	body = lookupErrorBody(lookup.ErrSuperseded)
	assert.Equal(t, "superseded", body.Error)
}

func TestClientID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:51234"
	assert.Equal(t, "addr:10.0.0.7", clientID(r))

	r.Header.Set(ClientIDHeader, "  tab-42 ")
	assert.Equal(t, "tab-42", clientID(r))
}
