package lookup

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/brojonat/walletscope/service/solana"
)

// UserMessage turns a lookup error into text a user can act on. Cancellation
// and superseded sessions produce "".
func UserMessage(err error) string {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrSuperseded) {
		return ""
	}

	var rpcErr *solana.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Kind {
		case solana.KindRateLimited:
			return "The RPC endpoint is rate limiting requests. Wait a moment and retry, lower the concurrency, or switch to another endpoint."
		case solana.KindNetwork:
			return "Could not reach the RPC endpoint. Check the URL and your network connection."
		case solana.KindHTTPStatus:
			msg := rpcErr.Message
			if msg == "" {
				msg = http.StatusText(rpcErr.StatusCode)
			}
			return fmt.Sprintf("RPC error: HTTP %d: %s", rpcErr.StatusCode, msg)
		case solana.KindProtocol:
			return "RPC error: " + rpcErr.Message
		case solana.KindInvalidResponse:
			return "RPC error: the endpoint returned a response that is not valid JSON-RPC."
		case solana.KindMissingResult:
			return "RPC error: the endpoint returned neither a result nor an error."
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "The lookup timed out. Try again or lower the transaction limit."
	}
	if errors.Is(err, ErrInvalidRequest) {
		return err.Error()
	}
	return "Lookup failed: " + err.Error()
}
