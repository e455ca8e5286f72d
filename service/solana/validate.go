package solana

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// LamportsExponent scales lamports to SOL: 1 SOL = 1e9 lamports.
const LamportsExponent = -9

const (
	minAddressLength = 32
	maxAddressLength = 44
)

// Valid Solana address characters: base58 (no 0, O, I, l)
var validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)

var (
	ErrInvalidAddress  = errors.New("invalid wallet address")
	ErrInvalidEndpoint = errors.New("invalid rpc endpoint")
)

// ValidateAddress checks that address is a base58 public key of the right length.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidAddress)
	}
	if len(address) < minAddressLength || len(address) > maxAddressLength {
		return fmt.Errorf("%w: length must be between %d and %d characters", ErrInvalidAddress, minAddressLength, maxAddressLength)
	}
	if !validAddressRegex.MatchString(address) {
		return fmt.Errorf("%w: must be base58", ErrInvalidAddress)
	}
	if _, err := solanago.PublicKeyFromBase58(address); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	return nil
}

// ValidateEndpoint checks that endpoint is an absolute http or https URL.
func ValidateEndpoint(endpoint string) error {
	if endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidEndpoint)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidEndpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidEndpoint)
	}
	return nil
}

// LamportsToSOL converts a signed lamport amount to SOL without rounding.
func LamportsToSOL(lamports int64) decimal.Decimal {
	return decimal.New(lamports, LamportsExponent)
}

// ExplorerURL links a signature on the public Solana explorer.
func ExplorerURL(signature string) string {
	return "https://explorer.solana.com/tx/" + url.PathEscape(signature)
}
