package lookup

import (
	"context"
	"errors"
	"sync"

	"github.com/brojonat/walletscope/service/inference"
	"github.com/brojonat/walletscope/service/metrics"
	"github.com/brojonat/walletscope/service/solana"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"
)

// ErrSuperseded is returned by a session that a newer Start replaced. It is
// a control signal, not a failure to show the user.
var ErrSuperseded = errors.New("lookup superseded by a newer session")

// View is the state of the current session as a UI would render it. While
// loading, Rows holds the rows resolved so far in newest-first order.
type View struct {
	SessionID   string                `json:"session_id"`
	Address     string                `json:"address"`
	Balance     *decimal.Decimal      `json:"balance"`
	Rows        []inference.Row       `json:"rows"`
	Tokens      []solana.TokenBalance `json:"tokens"`
	Loaded      int                   `json:"loaded"`
	Total       int                   `json:"total"`
	Failures    int                   `json:"failures"`
	Unavailable int                   `json:"unavailable"`
	Loading     bool                  `json:"loading"`
	FromCache   bool                  `json:"from_cache"`
	Error       string                `json:"error,omitempty"`
}

type sessionState struct {
	view     View
	rows     []inference.Row
	resolved []bool
}

// Sessions allows one active lookup per client context. Starting a lookup
// cancels the one in flight, and only the newest session may change state.
type Sessions struct {
	svc     *Service
	metrics *metrics.Metrics

	mu      sync.Mutex
	current string
	cancel  context.CancelFunc
	state   sessionState
}

// NewSessions creates a Sessions running lookups on svc.
func NewSessions(svc *Service, m *metrics.Metrics) *Sessions {
	return &Sessions{svc: svc, metrics: m}
}

// Start cancels any session in flight and runs req as the new current
// session, blocking until it finishes. Progress updates the view and is
// forwarded to sink (which may be nil) while the session is current.
//
// A session replaced before it finished returns ErrSuperseded and leaves the
// state untouched. A session cancelled through ctx returns the context error
// and leaves no error message.
func (s *Sessions) Start(ctx context.Context, req Request, sink ProgressSink) (*Snapshot, error) {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.metrics.RecordLookupSuperseded()
	}
	s.current = id
	s.cancel = cancel
	s.state = sessionState{view: View{SessionID: id, Address: req.Address, Loading: true}}
	s.mu.Unlock()

	s.metrics.RecordSessionChange(1)
	defer s.metrics.RecordSessionChange(-1)

	snap, err := s.svc.Lookup(ctx, req, &sessionSink{sessions: s, id: id, next: sink})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != id {
		return nil, ErrSuperseded
	}
	s.cancel = nil

	v := &s.state.view
	v.Loading = false
	if err != nil {
		v.Error = UserMessage(err)
		return nil, err
	}

	s.state.rows, s.state.resolved = nil, nil
	v.Balance = snap.Balance
	v.Rows = snap.Rows
	v.Tokens = snap.Tokens
	v.Loaded = snap.Loaded
	v.Total = snap.Total
	v.Failures = snap.Failures
	v.Unavailable = snap.Unavailable
	v.FromCache = snap.FromCache
	return snap, nil
}

// Cancel stops the current session, if any. Its Start call returns
// ErrSuperseded.
func (s *Sessions) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.current = ""
	s.state.view.Loading = false
}

// View returns a copy of the current state.
func (s *Sessions) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := s.state.view
	if s.state.rows != nil {
		v.Rows = make([]inference.Row, 0, v.Loaded)
		for i, ok := range s.state.resolved {
			if ok {
				v.Rows = append(v.Rows, s.state.rows[i])
			}
		}
	} else {
		v.Rows = append([]inference.Row(nil), v.Rows...)
	}
	v.Tokens = append([]solana.TokenBalance(nil), v.Tokens...)
	return v
}

// mutate applies fn if id is still the current session.
func (s *Sessions) mutate(id string, fn func(st *sessionState)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != id {
		return false
	}
	fn(&s.state)
	return true
}

type sessionSink struct {
	sessions *Sessions
	id       string
	next     ProgressSink
}

func (k *sessionSink) Balance(b decimal.Decimal) {
	ok := k.sessions.mutate(k.id, func(st *sessionState) {
		st.view.Balance = &b
	})
	if ok && k.next != nil {
		k.next.Balance(b)
	}
}

func (k *sessionSink) Started(total int) {
	ok := k.sessions.mutate(k.id, func(st *sessionState) {
		st.view.Total = total
		st.rows = make([]inference.Row, total)
		st.resolved = make([]bool, total)
	})
	if ok && k.next != nil {
		k.next.Started(total)
	}
}

func (k *sessionSink) RowResolved(index int, row inference.Row, loaded, total int) {
	ok := k.sessions.mutate(k.id, func(st *sessionState) {
		st.view.Loaded = loaded
		if row.DetailUnavailable {
			st.view.Unavailable++
		}
		if index >= 0 && index < len(st.rows) {
			st.rows[index] = row
			st.resolved[index] = true
		}
	})
	if ok && k.next != nil {
		k.next.RowResolved(index, row, loaded, total)
	}
}

// Registry hands out one Sessions per client id, evicting the least recently
// used client once maxClients is reached.
type Registry struct {
	svc      *Service
	metrics  *metrics.Metrics
	mu       sync.Mutex
	sessions *lru.Cache[string, *Sessions]
}

// NewRegistry creates a Registry.
func NewRegistry(svc *Service, m *metrics.Metrics, maxClients int) (*Registry, error) {
	if maxClients <= 0 {
		maxClients = 1024
	}
	sessions, err := lru.NewWithEvict[string, *Sessions](maxClients, func(_ string, s *Sessions) {
		s.Cancel()
	})
	if err != nil {
		return nil, err
	}
	return &Registry{svc: svc, metrics: m, sessions: sessions}, nil
}

// For returns the Sessions for clientID, creating it on first use.
func (r *Registry) For(clientID string) *Sessions {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions.Get(clientID); ok {
		return s
	}
	s := NewSessions(r.svc, r.metrics)
	r.sessions.Add(clientID, s)
	return s
}
