package cache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/brojonat/walletscope/service/inference"
	"github.com/brojonat/walletscope/service/solana"
	"github.com/shopspring/decimal"
)

// Decoded is the result of reading a stored payload. Entry is nil when the
// payload was rejected as a whole, and Reason says why. Individual rows and
// token balances that fail validation are dropped and counted.
type Decoded struct {
	Entry         *Entry
	Reason        string
	DroppedRows   int
	DroppedTokens int
}

type storedEntry struct {
	Wallet   string            `json:"wallet"`
	Endpoint string            `json:"endpoint"`
	Limit    int               `json:"limit"`
	CachedAt string            `json:"cachedAt"`
	Balance  json.RawMessage   `json:"balance,omitempty"`
	Rows     []json.RawMessage `json:"rows"`
	Tokens   []json.RawMessage `json:"tokenBalances"`
}

type storedRow struct {
	Signature         string          `json:"signature"`
	Timestamp         *string         `json:"timestamp,omitempty"`
	Status            string          `json:"status"`
	Direction         string          `json:"direction"`
	BalanceDelta      json.RawMessage `json:"balanceDelta,omitempty"`
	Fee               json.RawMessage `json:"fee,omitempty"`
	Slot              *uint64         `json:"slot,omitempty"`
	DetailUnavailable bool            `json:"detailUnavailable"`
}

type storedToken struct {
	Mint         string `json:"mint"`
	RawAmount    string `json:"rawAmount"`
	Decimals     int    `json:"decimals"`
	AccountCount int    `json:"accountCount"`
}

// Encode serializes an entry. Timestamps are written as UTC RFC 3339 with
// nanoseconds and decimals as strings, so Decode followed by Encode
// reproduces the same bytes.
func Encode(e Entry) ([]byte, error) {
	stored := storedEntry{
		Wallet:   e.Wallet,
		Endpoint: e.Endpoint,
		Limit:    e.Limit,
		CachedAt: formatTime(e.CachedAt),
		Rows:     make([]json.RawMessage, 0, len(e.Rows)),
		Tokens:   make([]json.RawMessage, 0, len(e.Tokens)),
	}
	if e.Balance != nil {
		stored.Balance = decimalJSON(*e.Balance)
	}

	for _, row := range e.Rows {
		sr := storedRow{
			Signature:         row.Signature,
			Status:            string(row.Status),
			Direction:         string(row.Direction),
			Slot:              row.Slot,
			DetailUnavailable: row.DetailUnavailable,
		}
		if row.Timestamp != nil {
			ts := formatTime(*row.Timestamp)
			sr.Timestamp = &ts
		}
		if row.BalanceDelta != nil {
			sr.BalanceDelta = decimalJSON(*row.BalanceDelta)
		}
		if row.Fee != nil {
			sr.Fee = decimalJSON(*row.Fee)
		}
		raw, err := json.Marshal(sr)
		if err != nil {
			return nil, fmt.Errorf("encode row %s: %w", row.Signature, err)
		}
		stored.Rows = append(stored.Rows, raw)
	}

	for _, tb := range e.Tokens {
		amount := "0"
		if tb.RawAmount != nil {
			amount = tb.RawAmount.String()
		}
		raw, err := json.Marshal(storedToken{
			Mint:         tb.Mint,
			RawAmount:    amount,
			Decimals:     tb.Decimals,
			AccountCount: tb.AccountCount,
		})
		if err != nil {
			return nil, fmt.Errorf("encode token %s: %w", tb.Mint, err)
		}
		stored.Tokens = append(stored.Tokens, raw)
	}

	return json.Marshal(stored)
}

// Decode parses a stored payload. It never panics and never returns an
// error; anything it cannot trust is either dropped or rejects the entry.
func Decode(data []byte) Decoded {
	var stored storedEntry
	if err := json.Unmarshal(data, &stored); err != nil {
		return Decoded{Reason: "malformed payload: " + err.Error()}
	}
	if stored.CachedAt == "" {
		return Decoded{Reason: "missing cachedAt"}
	}
	cachedAt, err := parseTime(stored.CachedAt)
	if err != nil {
		return Decoded{Reason: "invalid cachedAt"}
	}

	entry := &Entry{
		Wallet:   stored.Wallet,
		Endpoint: stored.Endpoint,
		Limit:    stored.Limit,
		CachedAt: cachedAt,
		Rows:     make([]inference.Row, 0, len(stored.Rows)),
		Tokens:   make([]solana.TokenBalance, 0, len(stored.Tokens)),
	}
	if !isNull(stored.Balance) {
		balance, ok := parseDecimal(stored.Balance)
		if !ok {
			return Decoded{Reason: "invalid balance"}
		}
		entry.Balance = &balance
	}

	out := Decoded{Entry: entry}
	seen := make(map[string]bool, len(stored.Rows))
	for _, raw := range stored.Rows {
		row, ok := decodeRow(raw)
		if !ok || seen[row.Signature] {
			out.DroppedRows++
			continue
		}
		seen[row.Signature] = true
		entry.Rows = append(entry.Rows, row)
	}
	for _, raw := range stored.Tokens {
		tb, ok := decodeToken(raw)
		if !ok {
			out.DroppedTokens++
			continue
		}
		entry.Tokens = append(entry.Tokens, tb)
	}
	return out
}

func decodeRow(raw json.RawMessage) (inference.Row, bool) {
	var sr storedRow
	if err := json.Unmarshal(raw, &sr); err != nil || sr.Signature == "" {
		return inference.Row{}, false
	}

	row := inference.Row{
		Signature:         sr.Signature,
		Status:            inference.Status(sr.Status),
		Direction:         inference.Direction(sr.Direction),
		Slot:              sr.Slot,
		DetailUnavailable: sr.DetailUnavailable,
		ExplorerURL:       solana.ExplorerURL(sr.Signature),
	}
	switch row.Status {
	case inference.StatusSuccess, inference.StatusFail, inference.StatusUnknown:
	default:
		return inference.Row{}, false
	}
	switch row.Direction {
	case inference.DirectionIncoming, inference.DirectionOutgoing, inference.DirectionUnknown:
	default:
		return inference.Row{}, false
	}

	if sr.Timestamp != nil {
		ts, err := parseTime(*sr.Timestamp)
		if err != nil {
			return inference.Row{}, false
		}
		row.Timestamp = &ts
	}
	if !isNull(sr.BalanceDelta) {
		d, ok := parseDecimal(sr.BalanceDelta)
		if !ok {
			return inference.Row{}, false
		}
		row.BalanceDelta = &d
	}
	if !isNull(sr.Fee) {
		d, ok := parseDecimal(sr.Fee)
		if !ok {
			return inference.Row{}, false
		}
		row.Fee = &d
	}
	return row, true
}

func decodeToken(raw json.RawMessage) (solana.TokenBalance, bool) {
	var st storedToken
	if err := json.Unmarshal(raw, &st); err != nil {
		return solana.TokenBalance{}, false
	}
	if st.Mint == "" || st.Decimals < 0 || st.AccountCount < 1 {
		return solana.TokenBalance{}, false
	}
	amount, ok := new(big.Int).SetString(st.RawAmount, 10)
	if !ok || amount.Sign() < 0 {
		return solana.TokenBalance{}, false
	}
	return solana.TokenBalance{
		Mint:         st.Mint,
		RawAmount:    amount,
		Decimals:     st.Decimals,
		AccountCount: st.AccountCount,
	}, true
}

// parseDecimal accepts a JSON string or number. decimal rejects NaN and
// infinities, so anything it parses is finite.
func parseDecimal(raw json.RawMessage) (decimal.Decimal, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return decimal.Decimal{}, false
		}
		s = n.String()
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

func decimalJSON(d decimal.Decimal) json.RawMessage {
	raw, _ := json.Marshal(d.String())
	return raw
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
