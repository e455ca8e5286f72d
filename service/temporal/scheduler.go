package temporal

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"
)

// Scheduler manages the Temporal schedules that keep cached lookups warm.
// A schedule is identified by (wallet, endpoint, limit), matching the cache key.
type Scheduler interface {
	// CreateRefreshSchedule starts refreshing the lookup every interval.
	CreateRefreshSchedule(ctx context.Context, input RefreshWalletInput, interval time.Duration) error

	// DeleteRefreshSchedule stops refreshing the lookup.
	DeleteRefreshSchedule(ctx context.Context, address, endpoint string, limit int) error
}

var (
	// ErrScheduleExists is returned when the lookup already has a schedule.
	ErrScheduleExists = errors.New("refresh schedule already exists")
	// ErrScheduleNotFound is returned when deleting a schedule that does not exist.
	ErrScheduleNotFound = errors.New("refresh schedule not found")
)

// ScheduleIDPrefix starts the ID of every refresh schedule.
const ScheduleIDPrefix = "refresh-wallet-"

// scheduleID returns the Temporal schedule ID for a lookup. Only the endpoint
// host is used so credentials in the URL never become part of an ID.
func scheduleID(address, endpoint string, limit int) string {
	host := "unknown"
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}
	return ScheduleIDPrefix + host + "-" + address + "-" + strconv.Itoa(limit)
}
