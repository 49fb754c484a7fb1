package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/trip-gateway/internal/domain"
)

type EventType string

const (
	EventTimerCompleted EventType = "timer.completed"
	EventTimerExpired   EventType = "timer.expired"
)

func (t EventType) IsValid() bool {
	switch t {
	case EventTimerCompleted, EventTimerExpired:
		return true
	default:
		return false
	}
}

// RoutingKey is the topic routing key for the event, e.g. timer.expired.
func (t EventType) RoutingKey() string {
	return string(t)
}

// TimerEvent is the broker payload announcing a terminal timer transition.
type TimerEvent struct {
	EventID    string    `json:"eventId"`
	Type       EventType `json:"type"`
	TimerID    string    `json:"timerId"`
	TripID     string    `json:"tripId"`
	RetryCount int       `json:"retryCount"`
	LastError  *string   `json:"lastError,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewTimerEvent builds the event for a timer that just reached status.
func NewTimerEvent(timer domain.Timer, status domain.TimerStatus, lastError string, now time.Time) (TimerEvent, error) {
	var eventType EventType
	switch status {
	case domain.TimerStatusCompleted:
		eventType = EventTimerCompleted
	case domain.TimerStatusExpired:
		eventType = EventTimerExpired
	default:
		return TimerEvent{}, fmt.Errorf("no event for timer status %q", status)
	}

	event := TimerEvent{
		EventID:    uuid.NewString(),
		Type:       eventType,
		TimerID:    timer.ID,
		TripID:     timer.TripID,
		RetryCount: timer.RetryCount,
		OccurredAt: now.UTC(),
	}
	if msg := strings.TrimSpace(lastError); msg != "" {
		event.LastError = &msg
	}

	return event, nil
}

func (e TimerEvent) Validate() error {
	if strings.TrimSpace(e.EventID) == "" {
		return fmt.Errorf("eventId is required")
	}
	if !e.Type.IsValid() {
		return fmt.Errorf("invalid event type %q", e.Type)
	}
	if strings.TrimSpace(e.TimerID) == "" {
		return fmt.Errorf("timerId is required")
	}
	if strings.TrimSpace(e.TripID) == "" {
		return fmt.Errorf("tripId is required")
	}
	return nil
}
