package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/walletscope/service/lookup"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	sdktemporal "go.temporal.io/sdk/temporal"
)

var _ Scheduler = (*Client)(nil)

// Client is a production implementation of Scheduler that talks to Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient dials Temporal.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// CreateRefreshSchedule creates a schedule that runs RefreshWalletWorkflow
// every interval. The input is validated up front so a bad wallet never
// produces a schedule that fails on every tick.
func (c *Client) CreateRefreshSchedule(ctx context.Context, input RefreshWalletInput, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", lookup.ErrInvalidRequest)
	}
	req := lookup.Request{Address: input.Address, Endpoint: input.Endpoint, Limit: input.Limit}
	if err := req.Validate(); err != nil {
		return err
	}

	id := scheduleID(input.Address, input.Endpoint, input.Limit)
	c.logger.Debug("creating refresh schedule",
		"address", input.Address,
		"schedule_id", id,
		"interval", interval,
	)

	_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: id,
		Spec: client.ScheduleSpec{
			Intervals: []client.ScheduleIntervalSpec{{Every: interval}},
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        id,
			Workflow:  RefreshWalletWorkflowName,
			TaskQueue: c.taskQueue,
			Args:      []interface{}{input},
		},
		Memo: map[string]interface{}{
			"wallet_address": input.Address,
			"limit":          input.Limit,
			"created_by":     "walletscope",
		},
	})
	if errors.Is(err, sdktemporal.ErrScheduleAlreadyRunning) {
		return fmt.Errorf("%w: %q", ErrScheduleExists, id)
	}
	if err != nil {
		c.logger.Error("failed to create schedule", "schedule_id", id, "error", err)
		return fmt.Errorf("failed to create schedule %q: %w", id, err)
	}

	c.logger.Info("refresh schedule created",
		"address", input.Address,
		"schedule_id", id,
		"interval", interval,
	)
	return nil
}

// DeleteRefreshSchedule deletes the schedule for a lookup.
func (c *Client) DeleteRefreshSchedule(ctx context.Context, address, endpoint string, limit int) error {
	id := scheduleID(address, endpoint, limit)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if err := handle.Delete(ctx); err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return fmt.Errorf("%w: %q", ErrScheduleNotFound, id)
		}
		c.logger.Error("failed to delete schedule", "schedule_id", id, "error", err)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}

	c.logger.Info("refresh schedule deleted", "address", address, "schedule_id", id)
	return nil
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
