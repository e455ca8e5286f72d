package temporal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/walletscope/service/lookup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleID(t *testing.T) {
	id := scheduleID(testWallet, testEndpoint, 20)
	assert.Equal(t, "refresh-wallet-rpc.example.com-"+testWallet+"-20", id)
	assert.NotContains(t, id, "secret")

	assert.NotEqual(t, id, scheduleID(testWallet, testEndpoint, 50))
	assert.Equal(t, "refresh-wallet-unknown-"+testWallet+"-20", scheduleID(testWallet, "not a url", 20))
}

func TestClient_CreateRefreshScheduleValidates(t *testing.T) {
	// Validation runs before any Temporal call, so no connection is needed.
	c := &Client{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	ctx := context.Background()

	err := c.CreateRefreshSchedule(ctx, RefreshWalletInput{Address: "bad", Endpoint: testEndpoint, Limit: 20}, time.Minute)
	assert.ErrorIs(t, err, lookup.ErrInvalidRequest)

	err = c.CreateRefreshSchedule(ctx, RefreshWalletInput{Address: testWallet, Endpoint: testEndpoint, Limit: 20}, 0)
	assert.ErrorIs(t, err, lookup.ErrInvalidRequest)

	err = c.CreateRefreshSchedule(ctx, RefreshWalletInput{Address: testWallet, Endpoint: "ftp://rpc", Limit: 20}, time.Minute)
	assert.ErrorIs(t, err, lookup.ErrInvalidRequest)
}

func TestMockScheduler(t *testing.T) {
	ctx := context.Background()
	s := NewMockScheduler()
	input := RefreshWalletInput{Address: testWallet, Endpoint: testEndpoint, Limit: 20}

	require.NoError(t, s.CreateRefreshSchedule(ctx, input, time.Minute))
	assert.ErrorIs(t, s.CreateRefreshSchedule(ctx, input, time.Minute), ErrScheduleExists)

	interval, ok := s.ScheduleInterval(testWallet, testEndpoint, 20)
	require.True(t, ok)
	assert.Equal(t, time.Minute, interval)
	assert.Equal(t, 1, s.ScheduleCount())

	require.NoError(t, s.DeleteRefreshSchedule(ctx, testWallet, testEndpoint, 20))
	assert.ErrorIs(t, s.DeleteRefreshSchedule(ctx, testWallet, testEndpoint, 20), ErrScheduleNotFound)
	assert.Equal(t, 0, s.ScheduleCount())

	boom := errors.New("temporal unavailable")
	s.SetCreateError(boom)
	assert.ErrorIs(t, s.CreateRefreshSchedule(ctx, input, time.Minute), boom)
	s.SetDeleteError(boom)
	assert.ErrorIs(t, s.DeleteRefreshSchedule(ctx, testWallet, testEndpoint, 20), boom)
}
