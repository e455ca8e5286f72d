package solana

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ErrorKind classifies why an RPC call failed.
type ErrorKind string

const (
	KindNetwork         ErrorKind = "network"
	KindRateLimited     ErrorKind = "rate_limited"
	KindHTTPStatus      ErrorKind = "http_status"
	KindInvalidResponse ErrorKind = "invalid_response"
	KindProtocol        ErrorKind = "protocol"
	KindMissingResult   ErrorKind = "missing_result"
)

// Sentinels for errors.Is against an *RPCError of the matching kind.
var (
	ErrNetwork         = errors.New("solana rpc: network error")
	ErrRateLimited     = errors.New("solana rpc: rate limited")
	ErrHTTPStatus      = errors.New("solana rpc: unexpected http status")
	ErrInvalidResponse = errors.New("solana rpc: invalid response")
	ErrProtocol        = errors.New("solana rpc: protocol error")
	ErrMissingResult   = errors.New("solana rpc: response missing result")
)

var kindSentinels = map[ErrorKind]error{
	KindNetwork:         ErrNetwork,
	KindRateLimited:     ErrRateLimited,
	KindHTTPStatus:      ErrHTTPStatus,
	KindInvalidResponse: ErrInvalidResponse,
	KindProtocol:        ErrProtocol,
	KindMissingResult:   ErrMissingResult,
}

// JSON-RPC error codes with special handling.
const (
	codeRateLimited     = 429
	codeNodeRateLimited = -32005
	codeInvalidParams   = -32602
	maxErrorBodyExcerpt = 2048
)

var (
	rateLimitPattern   = regexp.MustCompile(`(?i)rate.?limit|too many requests|throttl`)
	unsupportedPattern = regexp.MustCompile(`(?i)unsupported.*(version|encoding)|transaction version|maxSupportedTransactionVersion`)
)

// RPCError is returned for every failed RPC call except cancellation,
// which is returned as the context's error.
type RPCError struct {
	Kind       ErrorKind
	Method     string
	StatusCode int    // HTTP status, when one was received
	Code       int    // JSON-RPC error code, for protocol and rate-limit errors
	Message    string // upstream message or body excerpt
	RetryAfter time.Duration
	Err        error
}

func (e *RPCError) Error() string {
	switch e.Kind {
	case KindNetwork:
		return fmt.Sprintf("%s: network error: %v", e.Method, e.Err)
	case KindHTTPStatus:
		return fmt.Sprintf("%s: rpc status %d: %s", e.Method, e.StatusCode, e.Message)
	case KindInvalidResponse:
		return fmt.Sprintf("%s: invalid response: %v", e.Method, e.Err)
	case KindMissingResult:
		return fmt.Sprintf("%s: rpc response missing result", e.Method)
	case KindRateLimited:
		if e.StatusCode != 0 {
			return fmt.Sprintf("%s: rate limited (status %d): %s", e.Method, e.StatusCode, e.Message)
		}
		return fmt.Sprintf("%s: rate limited (%d): %s", e.Method, e.Code, e.Message)
	default:
		return fmt.Sprintf("%s: rpc error (%d): %s", e.Method, e.Code, e.Message)
	}
}

func (e *RPCError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *RPCError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf returns the kind of an *RPCError anywhere in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind, true
	}
	return "", false
}

// classifyRPCError turns a JSON-RPC error object into an *RPCError.
func classifyRPCError(method string, obj *rpcErrorObject) *RPCError {
	kind := KindProtocol
	if obj.Code == codeRateLimited || obj.Code == codeNodeRateLimited || rateLimitPattern.MatchString(obj.Message) {
		kind = KindRateLimited
	}
	return &RPCError{
		Kind:    kind,
		Method:  method,
		Code:    obj.Code,
		Message: obj.Message,
	}
}

// isEncodingUnsupported reports whether err is the node-version incompatibility
// that warrants retrying getTransaction with the legacy encoding.
func isEncodingUnsupported(err error) bool {
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Kind != KindProtocol {
		return false
	}
	return rpcErr.Code == codeInvalidParams || unsupportedPattern.MatchString(rpcErr.Message)
}
