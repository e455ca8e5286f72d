// Package inference derives display rows from raw ledger records.
package inference

import (
	"math/big"
	"time"

	"github.com/brojonat/walletscope/service/solana"
	"github.com/shopspring/decimal"
)

// Status is the outcome of a transaction as far as the ledger tells us.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFail    Status = "fail"
	StatusUnknown Status = "unknown"
)

// Direction is the sign of the tracked wallet's SOL balance change.
// A zero change is reported as DirectionUnknown.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	DirectionUnknown  Direction = "unknown"
)

// Row is one normalized transaction for the tracked wallet. SOL amounts are
// already scaled from lamports.
type Row struct {
	Signature         string           `json:"signature"`
	Timestamp         *time.Time       `json:"timestamp,omitempty"`
	Status            Status           `json:"status"`
	Direction         Direction        `json:"direction"`
	BalanceDelta      *decimal.Decimal `json:"balance_delta,omitempty"`
	Fee               *decimal.Decimal `json:"fee,omitempty"`
	Slot              *uint64          `json:"slot,omitempty"`
	DetailUnavailable bool             `json:"detail_unavailable"`
	ExplorerURL       string           `json:"explorer_url"`
}

// Infer builds the row for sig as seen by address. A nil detail marks the row
// as unavailable. Infer never panics; fields it cannot derive stay unknown or nil.
func Infer(address string, sig solana.SignatureRecord, detail *solana.TransactionDetail) Row {
	row := Row{
		Signature:         sig.Signature,
		Status:            StatusUnknown,
		Direction:         DirectionUnknown,
		DetailUnavailable: detail == nil,
		ExplorerURL:       solana.ExplorerURL(sig.Signature),
		Timestamp:         sig.Time(),
	}
	slot := sig.Slot
	row.Slot = &slot

	if detail == nil {
		return row
	}

	if detail.BlockTime != nil {
		ts := time.Unix(*detail.BlockTime, 0).UTC()
		row.Timestamp = &ts
	}
	if detail.Slot != nil {
		s := *detail.Slot
		row.Slot = &s
	}

	meta := detail.Meta
	if meta == nil {
		return row
	}

	row.Status = statusOf(meta.Outcome)

	if meta.Fee != nil {
		fee := decimal.NewFromBigInt(new(big.Int).SetUint64(*meta.Fee), solana.LamportsExponent)
		row.Fee = &fee
	}

	if delta, ok := balanceDelta(address, detail.AccountKeys, meta); ok {
		row.BalanceDelta = &delta
		switch delta.Sign() {
		case 1:
			row.Direction = DirectionIncoming
		case -1:
			row.Direction = DirectionOutgoing
		}
	}
	return row
}

// InferAll pairs signatures with details by position. Missing trailing
// details are treated as unavailable.
func InferAll(address string, sigs []solana.SignatureRecord, details []*solana.TransactionDetail) []Row {
	rows := make([]Row, len(sigs))
	for i, sig := range sigs {
		var detail *solana.TransactionDetail
		if i < len(details) {
			detail = details[i]
		}
		rows[i] = Infer(address, sig, detail)
	}
	return rows
}

func statusOf(outcome solana.Outcome) Status {
	switch {
	case !outcome.Present:
		return StatusUnknown
	case outcome.Failed():
		return StatusFail
	default:
		return StatusSuccess
	}
}

// balanceDelta is post-pre for the first account key matching address.
func balanceDelta(address string, keys []solana.AccountKey, meta *solana.TransactionMeta) (decimal.Decimal, bool) {
	idx := walletIndex(address, keys)
	if idx < 0 || idx >= len(meta.PreBalances) || idx >= len(meta.PostBalances) {
		return decimal.Decimal{}, false
	}
	pre := new(big.Int).SetUint64(meta.PreBalances[idx])
	post := new(big.Int).SetUint64(meta.PostBalances[idx])
	return decimal.NewFromBigInt(post.Sub(post, pre), solana.LamportsExponent), true
}

func walletIndex(address string, keys []solana.AccountKey) int {
	if address == "" {
		return -1
	}
	for i, k := range keys {
		if k.Address() == address {
			return i
		}
	}
	return -1
}
