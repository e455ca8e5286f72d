package solana

import (
	"bytes"
	"encoding/json"
	"time"
)

// SignatureRecord is one entry of getSignaturesForAddress.
// The ledger returns them newest first and that order is kept.
type SignatureRecord struct {
	Signature          string          `json:"signature"`
	Slot               uint64          `json:"slot"`
	BlockTime          *int64          `json:"blockTime,omitempty"`
	ConfirmationStatus *string         `json:"confirmationStatus,omitempty"`
	Err                json.RawMessage `json:"err,omitempty"`
}

// Time returns the block time as a UTC instant, or nil.
func (s SignatureRecord) Time() *time.Time {
	return unixTime(s.BlockTime)
}

// TransactionDetail is the subset of getTransaction we infer rows from.
// A nil *TransactionDetail means the ledger had nothing for the signature.
type TransactionDetail struct {
	Slot        *uint64
	BlockTime   *int64
	Meta        *TransactionMeta
	AccountKeys []AccountKey
}

// TransactionMeta carries the balance and outcome fields of a transaction.
type TransactionMeta struct {
	Outcome      Outcome
	Fee          *uint64
	PreBalances  []uint64
	PostBalances []uint64
}

// Outcome is meta.err. Present is false when the field was missing entirely;
// a present null payload means the transaction succeeded.
type Outcome struct {
	Present bool
	Payload json.RawMessage
}

// UnmarshalJSON records presence. It is also called for a literal null.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	o.Present = true
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		o.Payload = nil
		return nil
	}
	o.Payload = append(json.RawMessage(nil), trimmed...)
	return nil
}

// Failed reports whether the outcome carries an error payload.
func (o Outcome) Failed() bool {
	return o.Present && len(o.Payload) > 0
}

// AccountKey is an entry of message.accountKeys: a bare base58 string for the
// json encoding, or an object with a pubkey for jsonParsed.
type AccountKey struct {
	address string
}

// NewAccountKey builds a bare account key.
func NewAccountKey(address string) AccountKey {
	return AccountKey{address: address}
}

// Address returns the normalized address regardless of wire shape.
func (k AccountKey) Address() string {
	return k.address
}

// UnmarshalJSON accepts both wire shapes. Unknown shapes decode to an empty
// address, which never matches a wallet.
func (k *AccountKey) UnmarshalJSON(data []byte) error {
	*k = AccountKey{}
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		k.address = bare
		return nil
	}
	var structured struct {
		Pubkey  string `json:"pubkey"`
		Address string `json:"address"`
	}
	if err := json.Unmarshal(data, &structured); err == nil {
		k.address = structured.Pubkey
		if k.address == "" {
			k.address = structured.Address
		}
	}
	return nil
}

// MarshalJSON writes the bare form.
func (k AccountKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.address)
}

// TokenAccount is one SPL token account owned by a wallet, as reported by
// getTokenAccountsByOwner with jsonParsed encoding.
type TokenAccount struct {
	Pubkey   string
	Mint     string
	Amount   string // raw integer amount, base units
	Decimals int
}

func unixTime(seconds *int64) *time.Time {
	if seconds == nil {
		return nil
	}
	t := time.Unix(*seconds, 0).UTC()
	return &t
}

// Wire envelopes.

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcErrorObject `json:"error"`
}

type rpcErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type rpcContextValue[T any] struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value T `json:"value"`
}

// rpcTransactionResult keeps every field raw so one malformed field degrades
// to nil without discarding the rest of the record.
type rpcTransactionResult struct {
	Slot        json.RawMessage `json:"slot"`
	BlockTime   json.RawMessage `json:"blockTime"`
	Meta        json.RawMessage `json:"meta"`
	Transaction json.RawMessage `json:"transaction"`
}

type rpcTransactionMeta struct {
	Err          Outcome         `json:"err"`
	Fee          json.RawMessage `json:"fee"`
	PreBalances  json.RawMessage `json:"preBalances"`
	PostBalances json.RawMessage `json:"postBalances"`
}

type rpcTransactionBody struct {
	Message struct {
		AccountKeys json.RawMessage `json:"accountKeys"`
	} `json:"message"`
}

func (r *rpcTransactionResult) toDetail() *TransactionDetail {
	detail := &TransactionDetail{
		Slot:      decodeField[uint64](r.Slot),
		BlockTime: decodeField[int64](r.BlockTime),
	}
	if tx := decodeField[rpcTransactionBody](r.Transaction); tx != nil {
		if keys := decodeField[[]AccountKey](tx.Message.AccountKeys); keys != nil {
			detail.AccountKeys = *keys
		}
	}
	if meta := decodeField[rpcTransactionMeta](r.Meta); meta != nil {
		detail.Meta = &TransactionMeta{
			Outcome: meta.Err,
			Fee:     decodeField[uint64](meta.Fee),
		}
		if pre := decodeField[[]uint64](meta.PreBalances); pre != nil {
			detail.Meta.PreBalances = *pre
		}
		if post := decodeField[[]uint64](meta.PostBalances); post != nil {
			detail.Meta.PostBalances = *post
		}
	}
	return detail
}

// decodeField returns nil for a missing, null or wrong-typed field.
func decodeField[T any](raw json.RawMessage) *T {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	var v T
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil
	}
	return &v
}

type rpcTokenAccount struct {
	Pubkey  string `json:"pubkey"`
	Account struct {
		Data json.RawMessage `json:"data"`
	} `json:"account"`
}

// parsedTokenData is account.data for jsonParsed token accounts. Accounts the
// node could not parse arrive as a [blob, encoding] array instead.
type parsedTokenData struct {
	Parsed struct {
		Info struct {
			Mint        string `json:"mint"`
			TokenAmount struct {
				Amount   string `json:"amount"`
				Decimals int    `json:"decimals"`
			} `json:"tokenAmount"`
		} `json:"info"`
		Type string `json:"type"`
	} `json:"parsed"`
}

// tokenAccount converts a wire account, reporting false for accounts whose
// data was not parsed.
func (a rpcTokenAccount) tokenAccount() (TokenAccount, bool) {
	var data parsedTokenData
	if err := json.Unmarshal(a.Account.Data, &data); err != nil {
		return TokenAccount{}, false
	}
	info := data.Parsed.Info
	if info.Mint == "" {
		return TokenAccount{}, false
	}
	return TokenAccount{
		Pubkey:   a.Pubkey,
		Mint:     info.Mint,
		Amount:   info.TokenAmount.Amount,
		Decimals: info.TokenAmount.Decimals,
	}, true
}
