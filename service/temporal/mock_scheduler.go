package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler is an in-memory Scheduler for tests.
type MockScheduler struct {
	mu        sync.Mutex
	schedules map[string]time.Duration
	inputs    map[string]RefreshWalletInput
	createErr error
	deleteErr error
}

// NewMockScheduler creates a new MockScheduler.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		schedules: make(map[string]time.Duration),
		inputs:    make(map[string]RefreshWalletInput),
	}
}

// CreateRefreshSchedule records the schedule. Creating an existing one fails,
// as it does against a real Temporal server.
func (m *MockScheduler) CreateRefreshSchedule(ctx context.Context, input RefreshWalletInput, interval time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.createErr != nil {
		return m.createErr
	}
	id := scheduleID(input.Address, input.Endpoint, input.Limit)
	if _, exists := m.schedules[id]; exists {
		return fmt.Errorf("%w: %q", ErrScheduleExists, id)
	}
	m.schedules[id] = interval
	m.inputs[id] = input
	return nil
}

// DeleteRefreshSchedule removes the schedule.
func (m *MockScheduler) DeleteRefreshSchedule(ctx context.Context, address, endpoint string, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return m.deleteErr
	}
	id := scheduleID(address, endpoint, limit)
	if _, exists := m.schedules[id]; !exists {
		return fmt.Errorf("%w: %q", ErrScheduleNotFound, id)
	}
	delete(m.schedules, id)
	delete(m.inputs, id)
	return nil
}

// SetCreateError makes CreateRefreshSchedule return err.
func (m *MockScheduler) SetCreateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createErr = err
}

// SetDeleteError makes DeleteRefreshSchedule return err.
func (m *MockScheduler) SetDeleteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

// ScheduleInterval returns the interval of a lookup's schedule.
func (m *MockScheduler) ScheduleInterval(address, endpoint string, limit int) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	interval, exists := m.schedules[scheduleID(address, endpoint, limit)]
	return interval, exists
}

// ScheduleCount returns the number of schedules.
func (m *MockScheduler) ScheduleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.schedules)
}
