package delivery

import (
	"fmt"
	"time"

	"github.com/kursadbilgin/trip-gateway/internal/domain"
)

const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// Payload is the webhook body. Field names are part of the receiver contract.
type Payload struct {
	TripID           string  `json:"tripId"`
	PhoneNumber      *string `json:"phoneNumber"`
	Message          string  `json:"message"`
	Timestamp        string  `json:"timestamp"`
	OriginalDeadline string  `json:"originalDeadline"`
	RetryCount       int     `json:"retryCount"`
	IsRetry          bool    `json:"isRetry"`
}

func NewPayload(timer domain.TimerView, now time.Time) Payload {
	return Payload{
		TripID:           timer.TripID,
		PhoneNumber:      timer.SenderPhone,
		Message:          fmt.Sprintf("Trip %s timer expired", timer.TripID),
		Timestamp:        FormatTimestamp(now),
		OriginalDeadline: FormatTimestamp(timer.Deadline),
		RetryCount:       timer.RetryCount,
		IsRetry:          timer.IsRetry(),
	}
}

// FormatTimestamp renders t as UTC ISO8601 with millisecond precision.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(isoMillis)
}
