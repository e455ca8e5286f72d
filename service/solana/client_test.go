package solana

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/walletscope/service/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWallet = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

// rpcCall is a decoded request seen by the fake node.
type rpcCall struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode is an httptest JSON-RPC server. respond decides the status code
// and raw body for every request; calls are recorded in arrival order.
type fakeNode struct {
	mu      sync.Mutex
	calls   []rpcCall
	respond func(call rpcCall) (int, string)
	server  *httptest.Server
}

func newFakeNode(t *testing.T, respond func(call rpcCall) (int, string)) *fakeNode {
	t.Helper()
	node := &fakeNode{respond: respond}
	node.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &call)

		node.mu.Lock()
		node.calls = append(node.calls, call)
		node.mu.Unlock()

		status, payload := node.respond(call)
		w.Header().Set("Content-Type", "application/json")
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "2")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(payload))
	}))
	t.Cleanup(node.server.Close)
	return node
}

func (n *fakeNode) Calls() []rpcCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]rpcCall, len(n.calls))
	copy(out, n.calls)
	return out
}

func okResult(result string) (int, string) {
	return http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":` + result + `}`
}

func rpcFailure(code int, message string) (int, string) {
	msg, _ := json.Marshal(message)
	return http.StatusOK, `{"jsonrpc":"2.0","id":1,"error":{"code":` + itoa(code) + `,"message":` + string(msg) + `}}`
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func newTestClient() *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(nil, metrics.NewMetrics(prometheus.NewRegistry()), logger)
}

func requireKind(t *testing.T, err error, kind ErrorKind) *RPCError {
	t.Helper()
	require.Error(t, err)
	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr), "expected *RPCError, got %T: %v", err, err)
	assert.Equal(t, kind, rpcErr.Kind)
	return rpcErr
}

func TestGetBalance(t *testing.T) {
	node := newFakeNode(t, func(call rpcCall) (int, string) {
		return okResult(`{"context":{"slot":10},"value":1500000000}`)
	})
	client := newTestClient()

	balance, err := client.GetBalance(context.Background(), node.server.URL, testWallet)
	require.NoError(t, err)
	assert.Equal(t, uint64(1500000000), balance)

	calls := node.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "getBalance", calls[0].Method)
	require.Len(t, calls[0].Params, 2)
	assert.JSONEq(t, `"`+testWallet+`"`, string(calls[0].Params[0]))
	assert.JSONEq(t, `{"commitment":"confirmed"}`, string(calls[0].Params[1]))
}

func TestCall_RequestIDsIncrease(t *testing.T) {
	node := newFakeNode(t, func(call rpcCall) (int, string) {
		return okResult(`{"context":{"slot":1},"value":0}`)
	})
	client := newTestClient()

	for range 3 {
		_, err := client.GetBalance(context.Background(), node.server.URL, testWallet)
		require.NoError(t, err)
	}

	calls := node.Calls()
	require.Len(t, calls, 3)
	assert.Less(t, calls[0].ID, calls[1].ID)
	assert.Less(t, calls[1].ID, calls[2].ID)
}

func TestCall_ErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name    string
		respond func(rpcCall) (int, string)
		kind    ErrorKind
		check   func(t *testing.T, err *RPCError)
	}{
		{
			name:    "http 429 is rate limited",
			respond: func(rpcCall) (int, string) { return http.StatusTooManyRequests, "slow down" },
			kind:    KindRateLimited,
			check: func(t *testing.T, err *RPCError) {
				assert.Equal(t, http.StatusTooManyRequests, err.StatusCode)
				assert.Equal(t, 2*time.Second, err.RetryAfter)
			},
		},
		{
			name:    "other non-2xx is http status",
			respond: func(rpcCall) (int, string) { return http.StatusBadGateway, "upstream down" },
			kind:    KindHTTPStatus,
			check: func(t *testing.T, err *RPCError) {
				assert.Equal(t, http.StatusBadGateway, err.StatusCode)
				assert.Equal(t, "upstream down", err.Message)
			},
		},
		{
			name:    "unparseable body is invalid response",
			respond: func(rpcCall) (int, string) { return http.StatusOK, "<html>oops</html>" },
			kind:    KindInvalidResponse,
		},
		{
			name:    "json-rpc code 429 is rate limited",
			respond: func(rpcCall) (int, string) { return rpcFailure(429, "slow") },
			kind:    KindRateLimited,
		},
		{
			name:    "json-rpc code -32005 is rate limited",
			respond: func(rpcCall) (int, string) { return rpcFailure(-32005, "node limit") },
			kind:    KindRateLimited,
		},
		{
			name:    "rate limit message is rate limited",
			respond: func(rpcCall) (int, string) { return rpcFailure(-32000, "Too Many Requests for a specific RPC call") },
			kind:    KindRateLimited,
		},
		{
			name:    "throttle message is rate limited",
			respond: func(rpcCall) (int, string) { return rpcFailure(-32000, "request THROTTLED by provider") },
			kind:    KindRateLimited,
		},
		{
			name:    "other json-rpc error is protocol",
			respond: func(rpcCall) (int, string) { return rpcFailure(-32009, "slot skipped") },
			kind:    KindProtocol,
			check: func(t *testing.T, err *RPCError) {
				assert.Equal(t, -32009, err.Code)
				assert.Equal(t, "slot skipped", err.Message)
			},
		},
		{
			name:    "neither result nor error is missing result",
			respond: func(rpcCall) (int, string) { return http.StatusOK, `{"jsonrpc":"2.0","id":1}` },
			kind:    KindMissingResult,
		},
		{
			name:    "result of the wrong shape is invalid response",
			respond: func(rpcCall) (int, string) { return okResult(`"not an object"`) },
			kind:    KindInvalidResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newFakeNode(t, tt.respond)
			client := newTestClient()

			_, err := client.GetBalance(context.Background(), node.server.URL, testWallet)
			rpcErr := requireKind(t, err, tt.kind)
			if tt.check != nil {
				tt.check(t, rpcErr)
			}
		})
	}
}

func TestCall_SentinelsMatchKind(t *testing.T) {
	node := newFakeNode(t, func(rpcCall) (int, string) { return rpcFailure(-32005, "busy") })
	client := newTestClient()

	_, err := client.GetBalance(context.Background(), node.server.URL, testWallet)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.NotErrorIs(t, err, ErrProtocol)
}

func TestCall_NetworkError(t *testing.T) {
	node := newFakeNode(t, func(rpcCall) (int, string) { return okResult(`{}`) })
	url := node.server.URL
	node.server.Close()

	_, err := newTestClient().GetBalance(context.Background(), url, testWallet)
	requireKind(t, err, KindNetwork)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestCall_CancellationIsNotAnRPCError(t *testing.T) {
	release := make(chan struct{})
	node := newFakeNode(t, func(rpcCall) (int, string) {
		<-release
		return okResult(`{"context":{"slot":1},"value":1}`)
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := newTestClient().GetBalance(ctx, node.server.URL, testWallet)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	_, isRPC := KindOf(err)
	assert.False(t, isRPC)
}

func TestGetSignaturesForAddress_PreservesOrder(t *testing.T) {
	node := newFakeNode(t, func(rpcCall) (int, string) {
		return okResult(`[
			{"signature":"sigC","slot":30,"blockTime":1700000300,"confirmationStatus":"finalized","err":null},
			{"signature":"sigB","slot":20,"blockTime":null,"err":{"InstructionError":[0,"Custom"]}},
			{"signature":"sigA","slot":10}
		]`)
	})

	sigs, err := newTestClient().GetSignaturesForAddress(context.Background(), node.server.URL, testWallet, 20)
	require.NoError(t, err)
	require.Len(t, sigs, 3)
	assert.Equal(t, []string{"sigC", "sigB", "sigA"}, []string{sigs[0].Signature, sigs[1].Signature, sigs[2].Signature})
	require.NotNil(t, sigs[0].BlockTime)
	assert.Equal(t, int64(1700000300), *sigs[0].BlockTime)
	require.NotNil(t, sigs[0].ConfirmationStatus)
	assert.Equal(t, "finalized", *sigs[0].ConfirmationStatus)
	assert.Nil(t, sigs[1].BlockTime)

	calls := node.Calls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"limit":20,"commitment":"confirmed"}`, string(calls[0].Params[1]))
}

func TestGetTransaction_ParsedEncoding(t *testing.T) {
	node := newFakeNode(t, func(rpcCall) (int, string) {
		return okResult(`{
			"slot": 42,
			"blockTime": 1700000000,
			"meta": {"err": null, "fee": 5000, "preBalances": [10, 20], "postBalances": [5, 25]},
			"transaction": {"message": {"accountKeys": [
				{"pubkey": "Payer111111111111111111111111111111111111111", "signer": true, "writable": true, "source": "transaction"},
				{"pubkey": "` + testWallet + `", "signer": false, "writable": true, "source": "transaction"}
			]}}
		}`)
	})

	detail, err := newTestClient().GetTransaction(context.Background(), node.server.URL, "sig1")
	require.NoError(t, err)
	require.NotNil(t, detail)
	require.NotNil(t, detail.Slot)
	assert.Equal(t, uint64(42), *detail.Slot)
	require.NotNil(t, detail.Meta)
	assert.True(t, detail.Meta.Outcome.Present)
	assert.False(t, detail.Meta.Outcome.Failed())
	require.Len(t, detail.AccountKeys, 2)
	assert.Equal(t, testWallet, detail.AccountKeys[1].Address())

	calls := node.Calls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"commitment":"confirmed","encoding":"jsonParsed","maxSupportedTransactionVersion":0}`, string(calls[0].Params[1]))
}

func TestGetTransaction_NullResultIsUnavailable(t *testing.T) {
	node := newFakeNode(t, func(rpcCall) (int, string) { return okResult(`null`) })

	detail, err := newTestClient().GetTransaction(context.Background(), node.server.URL, "sig1")
	require.NoError(t, err)
	assert.Nil(t, detail)
}

func TestGetTransaction_WrongTypedFieldKeepsRecord(t *testing.T) {
	bodies := map[string]string{
		"string fee":            `{"slot":42,"blockTime":1700000000,"meta":{"err":null,"fee":"5000","preBalances":[10],"postBalances":[5]},"transaction":{"message":{"accountKeys":["` + testWallet + `"]}}}`,
		"negative balance":      `{"slot":42,"blockTime":1700000000,"meta":{"err":null,"fee":5000,"preBalances":[-1],"postBalances":[5]},"transaction":{"message":{"accountKeys":["` + testWallet + `"]}}}`,
		"fractional block time": `{"slot":42,"blockTime":1.5,"meta":{"err":null,"fee":5000,"preBalances":[10],"postBalances":[5]},"transaction":{"message":{"accountKeys":["` + testWallet + `"]}}}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			node := newFakeNode(t, func(rpcCall) (int, string) { return okResult(body) })

			detail, err := newTestClient().GetTransaction(context.Background(), node.server.URL, "sig1")
			require.NoError(t, err)
			require.NotNil(t, detail)
			require.NotNil(t, detail.Slot)
			assert.Equal(t, uint64(42), *detail.Slot)
			require.NotNil(t, detail.Meta)
			assert.True(t, detail.Meta.Outcome.Present)
			assert.Equal(t, testWallet, detail.AccountKeys[0].Address())
			assert.Len(t, node.Calls(), 1)
		})
	}
}

func TestGetTransaction_LegacyFallback(t *testing.T) {
	t.Run("invalid params triggers one legacy retry", func(t *testing.T) {
		node := newFakeNode(t, func(call rpcCall) (int, string) {
			if encodingOf(call) == "jsonParsed" {
				return rpcFailure(-32602, "Invalid params")
			}
			return okResult(`{"slot":7,"meta":{"err":null,"fee":5000,"preBalances":[1],"postBalances":[1]},
				"transaction":{"message":{"accountKeys":["` + testWallet + `"]}}}`)
		})

		detail, err := newTestClient().GetTransaction(context.Background(), node.server.URL, "sig1")
		require.NoError(t, err)
		require.NotNil(t, detail)
		assert.Equal(t, testWallet, detail.AccountKeys[0].Address())

		calls := node.Calls()
		require.Len(t, calls, 2)
		assert.JSONEq(t, `{"commitment":"confirmed","encoding":"json"}`, string(calls[1].Params[1]))
	})

	t.Run("unsupported version message triggers retry", func(t *testing.T) {
		node := newFakeNode(t, func(call rpcCall) (int, string) {
			if encodingOf(call) == "json" {
				return okResult(`null`)
			}
			return rpcFailure(-32015, "Transaction version (0) is not supported by the requesting client")
		})

		detail, err := newTestClient().GetTransaction(context.Background(), node.server.URL, "sig1")
		require.NoError(t, err)
		assert.Nil(t, detail)
		assert.Len(t, node.Calls(), 2)
	})

	t.Run("second failure is surfaced and not retried", func(t *testing.T) {
		node := newFakeNode(t, func(call rpcCall) (int, string) {
			if encodingOf(call) == "jsonParsed" {
				return rpcFailure(-32602, "Invalid params: unsupported encoding")
			}
			return rpcFailure(-32602, "legacy attempt failed")
		})

		_, err := newTestClient().GetTransaction(context.Background(), node.server.URL, "sig1")
		rpcErr := requireKind(t, err, KindProtocol)
		assert.Equal(t, "legacy attempt failed", rpcErr.Message)
		assert.Len(t, node.Calls(), 2)
	})

	t.Run("other errors propagate without retry", func(t *testing.T) {
		node := newFakeNode(t, func(rpcCall) (int, string) { return rpcFailure(-32000, "node is behind") })

		_, err := newTestClient().GetTransaction(context.Background(), node.server.URL, "sig1")
		requireKind(t, err, KindProtocol)
		assert.Len(t, node.Calls(), 1)
	})

	t.Run("rate limit is not an encoding problem", func(t *testing.T) {
		node := newFakeNode(t, func(rpcCall) (int, string) { return http.StatusTooManyRequests, "" })

		_, err := newTestClient().GetTransaction(context.Background(), node.server.URL, "sig1")
		requireKind(t, err, KindRateLimited)
		assert.Len(t, node.Calls(), 1)
	})
}

func encodingOf(call rpcCall) string {
	var opts struct {
		Encoding string `json:"encoding"`
	}
	if len(call.Params) > 1 {
		_ = json.Unmarshal(call.Params[1], &opts)
	}
	return opts.Encoding
}

func TestGetTokenAccountsByOwner(t *testing.T) {
	node := newFakeNode(t, func(rpcCall) (int, string) {
		return okResult(`{"context":{"slot":1},"value":[
			{"pubkey":"acct1","account":{"data":{"program":"spl-token","parsed":{"type":"account","info":{"mint":"MintA","tokenAmount":{"amount":"1000","decimals":6}}}}}},
			{"pubkey":"acct2","account":{"data":["AAAA","base64"]}},
			{"pubkey":"acct3","account":{"data":{"program":"spl-token","parsed":{"type":"account","info":{"mint":"MintA","tokenAmount":{"amount":"2500","decimals":6}}}}}}
		]}`)
	})

	accounts, err := newTestClient().GetTokenAccountsByOwner(context.Background(), node.server.URL, testWallet, TokenProgramID.String())
	require.NoError(t, err)
	require.Len(t, accounts, 2, "unparsed account is skipped")
	assert.Equal(t, "acct1", accounts[0].Pubkey)
	assert.Equal(t, "acct3", accounts[1].Pubkey)
	assert.Equal(t, "2500", accounts[1].Amount)

	calls := node.Calls()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"programId":"TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"}`, string(calls[0].Params[1]))
	assert.JSONEq(t, `{"encoding":"jsonParsed","commitment":"confirmed"}`, string(calls[0].Params[2]))
}

func TestGetTokenAccountsByOwner_Parsed(t *testing.T) {
	node := newFakeNode(t, func(rpcCall) (int, string) {
		return okResult(`{"context":{"slot":1},"value":[
			{"pubkey":"acct1","account":{"data":{"program":"spl-token","parsed":{"type":"account","info":{"mint":"MintA","tokenAmount":{"amount":"1000","decimals":6}}}}}},
			{"pubkey":"acct2","account":{"data":{"program":"spl-token","parsed":{"type":"account","info":{"mint":"MintB","tokenAmount":{"amount":"7","decimals":0}}}}}}
		]}`)
	})

	accounts, err := newTestClient().GetTokenAccountsByOwner(context.Background(), node.server.URL, testWallet, Token2022ProgramID.String())
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, TokenAccount{Pubkey: "acct1", Mint: "MintA", Amount: "1000", Decimals: 6}, accounts[0])
	assert.Equal(t, TokenAccount{Pubkey: "acct2", Mint: "MintB", Amount: "7", Decimals: 0}, accounts[1])
}

func TestRetryAfterDelay(t *testing.T) {
	d, ok := retryAfterDelay("1.5")
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d)

	_, ok = retryAfterDelay("")
	assert.False(t, ok)

	_, ok = retryAfterDelay("soon")
	assert.False(t, ok)
}

func TestEndpointLabel(t *testing.T) {
	assert.Equal(t, "mainnet.helius-rpc.com", endpointLabel("https://mainnet.helius-rpc.com/?api-key=secret"))
	assert.Equal(t, "unknown", endpointLabel("not a url"))
}
