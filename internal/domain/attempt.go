package domain

import "time"

// DeliveryAttempt records a single webhook delivery attempt for a timer.
type DeliveryAttempt struct {
	ID            string
	TimerID       string
	TripID        string
	AttemptNumber int
	StatusCode    *int
	ErrorKind     *string
	Error         *string
	DurationMs    int64
	CreatedAt     time.Time
}

// Succeeded reports whether the attempt was acknowledged with a 2xx.
func (a DeliveryAttempt) Succeeded() bool {
	return a.Error == nil && a.StatusCode != nil && *a.StatusCode >= 200 && *a.StatusCode < 300
}
