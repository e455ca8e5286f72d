package solana

import (
	"encoding/json"
	"fmt"
	"math/big"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Well-known token program IDs queried for token accounts.
var (
	// TokenProgramID is the SPL Token program
	TokenProgramID = solanago.MustPublicKeyFromBase58("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")

	// Token2022ProgramID is the Token Extensions program (Token-2022)
	Token2022ProgramID = solanago.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
)

// TokenBalance is the sum of every token account a wallet holds for one mint.
type TokenBalance struct {
	Mint         string
	RawAmount    *big.Int
	Decimals     int
	AccountCount int
}

// Display renders the raw amount scaled by decimals, e.g. 3500 at 6 decimals
// is "0.0035".
func (t TokenBalance) Display() string {
	if t.RawAmount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(t.RawAmount, -int32(t.Decimals)).String()
}

type tokenBalanceJSON struct {
	Mint         string `json:"mint"`
	RawAmount    string `json:"raw_amount"`
	Amount       string `json:"amount"`
	Decimals     int    `json:"decimals"`
	AccountCount int    `json:"account_count"`
}

// MarshalJSON writes the raw amount as a string so no JSON reader rounds it.
func (t TokenBalance) MarshalJSON() ([]byte, error) {
	raw := "0"
	if t.RawAmount != nil {
		raw = t.RawAmount.String()
	}
	return json.Marshal(tokenBalanceJSON{
		Mint:         t.Mint,
		RawAmount:    raw,
		Amount:       t.Display(),
		Decimals:     t.Decimals,
		AccountCount: t.AccountCount,
	})
}

// UnmarshalJSON reads the form written by MarshalJSON. Amount is derived and ignored.
func (t *TokenBalance) UnmarshalJSON(data []byte) error {
	var v tokenBalanceJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	amount, ok := new(big.Int).SetString(v.RawAmount, 10)
	if !ok {
		return fmt.Errorf("token %s: invalid raw_amount %q", v.Mint, v.RawAmount)
	}
	*t = TokenBalance{
		Mint:         v.Mint,
		RawAmount:    amount,
		Decimals:     v.Decimals,
		AccountCount: v.AccountCount,
	}
	return nil
}

// AggregateTokenBalances sums raw amounts per mint with arbitrary precision.
// Mints keep the order in which they were first seen. Accounts with an
// amount that is not a non-negative integer are skipped.
func AggregateTokenBalances(accounts []TokenAccount) []TokenBalance {
	index := make(map[string]int)
	var out []TokenBalance

	for _, acct := range accounts {
		if acct.Mint == "" || acct.Decimals < 0 {
			continue
		}
		amount, ok := new(big.Int).SetString(acct.Amount, 10)
		if !ok || amount.Sign() < 0 {
			continue
		}

		i, seen := index[acct.Mint]
		if !seen {
			index[acct.Mint] = len(out)
			out = append(out, TokenBalance{
				Mint:         acct.Mint,
				RawAmount:    amount,
				Decimals:     acct.Decimals,
				AccountCount: 1,
			})
			continue
		}
		out[i].RawAmount.Add(out[i].RawAmount, amount)
		out[i].AccountCount++
	}
	return out
}
