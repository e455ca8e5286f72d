package lookup

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/walletscope/service/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessions_NewerSessionSupersedesOlder(t *testing.T) {
	slow := newFakeRPC()
	started := make(chan struct{})
	var first atomic.Bool
	slow.block = func(ctx context.Context, _ string) error {
		if first.CompareAndSwap(false, true) {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	sessions := NewSessions(newHarness(t, slow).svc, nil)

	firstErr := make(chan error, 1)
	go func() {
		req := baseRequest()
		req.Concurrency = 1
		_, err := sessions.Start(context.Background(), req, nil)
		firstErr <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("first session never reached detail fetch")
	}

	snap, err := sessions.Start(context.Background(), baseRequest(), nil)
	require.NoError(t, err)
	require.NotNil(t, snap)

	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, ErrSuperseded)
	case <-time.After(5 * time.Second):
		t.Fatal("first session did not stop")
	}

	view := sessions.View()
	assert.False(t, view.Loading)
	assert.Empty(t, view.Error, "a superseded session leaves no error")
	assert.Len(t, view.Rows, 4)
	assert.Equal(t, 1, view.Failures)
	assert.Equal(t, 2, view.Unavailable)
}

func TestSessions_ErrorMessage(t *testing.T) {
	rpc := newFakeRPC()
	rpc.balanceErr = &solana.RPCError{Kind: solana.KindNetwork, Method: "getBalance"}
	sessions := NewSessions(newHarness(t, rpc).svc, nil)

	_, err := sessions.Start(context.Background(), baseRequest(), nil)
	require.Error(t, err)

	view := sessions.View()
	assert.False(t, view.Loading)
	assert.Equal(t, UserMessage(err), view.Error)
	assert.Contains(t, view.Error, "Could not reach the RPC endpoint")
}

func TestSessions_CallerCancellationLeavesNoError(t *testing.T) {
	rpc := newFakeRPC()
	ctx, cancel := context.WithCancel(context.Background())
	rpc.block = func(c context.Context, _ string) error {
		cancel()
		<-c.Done()
		return c.Err()
	}
	sessions := NewSessions(newHarness(t, rpc).svc, nil)

	_, err := sessions.Start(ctx, baseRequest(), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sessions.View().Error)
}

func TestSessions_ViewDuringProgress(t *testing.T) {
	rpc := newFakeRPC()
	release := make(chan struct{})
	rpc.block = func(ctx context.Context, sig string) error {
		if sig == "sig2" {
			<-release
		}
		return nil
	}
	sessions := NewSessions(newHarness(t, rpc).svc, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		req := baseRequest()
		req.Concurrency = 1
		_, _ = sessions.Start(context.Background(), req, nil)
	}()

	require.Eventually(t, func() bool {
		return sessions.View().Loaded == 2
	}, 5*time.Second, 5*time.Millisecond)

	view := sessions.View()
	assert.True(t, view.Loading)
	assert.Equal(t, 4, view.Total)
	require.Len(t, view.Rows, 2)
	assert.Equal(t, "sig4", view.Rows[0].Signature)
	assert.Equal(t, "sig3", view.Rows[1].Signature)
	require.NotNil(t, view.Balance)

	close(release)
	<-done
	assert.False(t, sessions.View().Loading)
}

func TestRegistry_OneSessionsPerClient(t *testing.T) {
	svc := newHarness(t, newFakeRPC()).svc
	reg, err := NewRegistry(svc, nil, 2)
	require.NoError(t, err)

	a := reg.For("client-a")
	assert.Same(t, a, reg.For("client-a"))
	assert.NotSame(t, a, reg.For("client-b"))
}
