package nats

import (
	"time"
)

// SnapshotEvent announces a freshly fetched wallet snapshot.
// It is published to the subject "wallets.{address}" in JetStream.
type SnapshotEvent struct {
	Address string `json:"address"`
	// Endpoint is the RPC host only; paths and query strings may carry API keys.
	Endpoint string `json:"endpoint"`
	Limit    int    `json:"limit"`

	// Balance is the SOL balance as a decimal string.
	Balance         *string `json:"balance,omitempty"`
	TokenCount      int     `json:"token_count"`
	RowCount        int     `json:"row_count"`
	Failures        int     `json:"failures"`
	Unavailable     int     `json:"unavailable"`
	NewestSignature string  `json:"newest_signature,omitempty"`

	FetchedAt   time.Time `json:"fetched_at"`
	PublishedAt time.Time `json:"published_at"`
}

// Subject returns the subject the event is published on.
func (e *SnapshotEvent) Subject() string {
	return SubjectPrefix + e.Address
}
