package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/walletscope/service/config"
	"github.com/brojonat/walletscope/service/inference"
	"github.com/brojonat/walletscope/service/lookup"
	natspkg "github.com/brojonat/walletscope/service/nats"
	"github.com/brojonat/walletscope/service/solana"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/shopspring/decimal"
)

// sseWriter frames Server-Sent Events. Callers serialize sends.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s := &sseWriter{w: w}
	s.flusher, _ = w.(http.Flusher)
	s.flush()
	return s
}

func (s *sseWriter) send(event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) comment(text string) {
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flush()
}

func (s *sseWriter) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

type rowEvent struct {
	Index  int           `json:"index"`
	Row    inference.Row `json:"row"`
	Loaded int           `json:"loaded"`
	Total  int           `json:"total"`
}

// sseSink forwards lookup progress as events.
type sseSink struct {
	sse    *sseWriter
	logger *slog.Logger
}

func (k *sseSink) Balance(b decimal.Decimal) {
	k.emit("balance", map[string]string{"balance": b.String()})
}

func (k *sseSink) Started(total int) {
	k.emit("started", map[string]int{"total": total})
}

func (k *sseSink) RowResolved(index int, row inference.Row, loaded, total int) {
	k.emit("row", rowEvent{Index: index, Row: row, Loaded: loaded, Total: total})
}

func (k *sseSink) emit(event string, data any) {
	if err := k.sse.send(event, data); err != nil {
		k.logger.Debug("failed to write SSE event", "event", event, "error", err)
	}
}

// handleLookupStream runs a lookup and streams its progress: started, balance
// and row events, then a final snapshot or error event. A stream superseded
// by a newer lookup from the same client ends without a final event.
// GET /api/v1/wallets/{address}/stream
func handleLookupStream(registry *lookup.Registry, cfg *config.Config, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req, err := parseLookupRequest(r, cfg)
		if err != nil {
			writeLookupError(w, err)
			return
		}

		sse := newSSEWriter(w)
		snap, err := registry.For(clientID(r)).Start(r.Context(), req, &sseSink{sse: sse, logger: logger})
		if err != nil {
			logLookupError(r.Context(), logger, req, err)
			// A superseded stream just ends; the newer lookup owns the client.
			if errors.Is(err, lookup.ErrSuperseded) {
				return
			}
			if lookupErrorStatus(err) != 0 {
				sse.send("error", lookupErrorBody(err))
			}
			return
		}
		sse.send("snapshot", snap)
	})
}

// SnapshotFeed streams snapshot events from JetStream to SSE clients, so a
// dashboard sees wallets refreshed by the worker as they land.
type SnapshotFeed struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSnapshotFeed connects to NATS.
func NewSnapshotFeed(natsURL string, logger *slog.Logger) (*SnapshotFeed, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("walletscope-snapshot-feed"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &SnapshotFeed{nc: nc, js: js, logger: logger}, nil
}

// Close closes the NATS connection.
func (f *SnapshotFeed) Close() error {
	if f.nc != nil {
		f.nc.Close()
	}
	return nil
}

// handleSnapshotFeed streams new snapshot events for one wallet, or for every
// wallet when the address is omitted.
// GET /api/v1/events[/{address}]
func handleSnapshotFeed(feed *SnapshotFeed, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		subject := natspkg.StreamSubjects
		if address != "" {
			if err := solana.ValidateAddress(address); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			subject = natspkg.SubjectPrefix + address
		}

		ctx := r.Context()
		cons, err := feed.js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubject: subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to create consumer", "subject", subject, "error", err)
			writeError(w, "failed to subscribe", http.StatusServiceUnavailable)
			return
		}

		msgs := make(chan jetstream.Msg, 10)
		cc, err := cons.Consume(func(msg jetstream.Msg) {
			select {
			case msgs <- msg:
			case <-ctx.Done():
			}
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to start consuming", "subject", subject, "error", err)
			writeError(w, "failed to subscribe", http.StatusServiceUnavailable)
			return
		}
		defer cc.Stop()

		sse := newSSEWriter(w)
		sse.send("connected", map[string]string{"subject": subject})
		streamSnapshots(ctx, sse, msgs, 10*time.Second, logger)
	})
}

// ackable is the part of jetstream.Msg the stream loop uses.
type ackable interface {
	Data() []byte
	Ack() error
}

// streamSnapshots writes each message as a snapshot event until ctx ends.
// Undecodable messages are acked and skipped.
func streamSnapshots[M ackable](ctx context.Context, sse *sseWriter, msgs <-chan M, keepaliveEvery time.Duration, logger *slog.Logger) {
	keepalive := time.NewTicker(keepaliveEvery)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			sse.comment("keepalive")
		case msg := <-msgs:
			var event natspkg.SnapshotEvent
			if err := json.Unmarshal(msg.Data(), &event); err != nil {
				logger.WarnContext(ctx, "failed to decode snapshot event", "error", err)
				msg.Ack()
				continue
			}
			if err := sse.send("snapshot", event); err != nil {
				logger.DebugContext(ctx, "failed to write snapshot event", "error", err)
			}
			msg.Ack()
		}
	}
}
