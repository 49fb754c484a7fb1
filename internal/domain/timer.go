package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// TimerStatus represents the lifecycle state of a trip timer.
type TimerStatus string

const (
	TimerStatusActive       TimerStatus = "active"
	TimerStatusPendingRetry TimerStatus = "pending_retry"
	TimerStatusCompleted    TimerStatus = "completed"
	TimerStatusExpired      TimerStatus = "expired"
)

func (s TimerStatus) String() string { return string(s) }

func (s TimerStatus) IsValid() bool {
	switch s {
	case TimerStatusActive, TimerStatusPendingRetry, TimerStatusCompleted, TimerStatusExpired:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions may leave this status.
func (s TimerStatus) IsTerminal() bool {
	return s == TimerStatusCompleted || s == TimerStatusExpired
}

// IsLive reports whether the status counts towards the one-live-timer-per-trip rule.
func (s TimerStatus) IsLive() bool {
	return s == TimerStatusActive || s == TimerStatusPendingRetry
}

// LiveStatuses are the statuses a poll cycle or a restart may still act on.
func LiveStatuses() []TimerStatus {
	return []TimerStatus{TimerStatusActive, TimerStatusPendingRetry}
}

func ParseTimerStatusFromString(s string) (TimerStatus, error) {
	st := TimerStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid timer status %q", ErrValidation, s)
	}
	return st, nil
}

// Timer is a per-trip scheduled webhook notification.
type Timer struct {
	ID          string
	TripID      string
	WebhookURL  string
	SenderID    *string
	Deadline    time.Time
	Status      TimerStatus
	RetryCount  int
	LastRetryAt *time.Time
	NextRetryAt *time.Time
	LastError   *string
	Revision    int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Ref returns the compare-and-swap token for guarded transitions.
func (t Timer) Ref() TimerRef {
	return TimerRef{ID: t.ID, Revision: t.Revision}
}

// IsRetry reports whether the next delivery is a retry of an earlier failed one.
func (t Timer) IsRetry() bool {
	return t.RetryCount > 0
}

// TimerRef identifies a timer row at a specific revision.
type TimerRef struct {
	ID       string
	Revision int64
}

// TimerView is a timer joined with the requester metadata available for display.
type TimerView struct {
	Timer
	SenderName  *string
	SenderPhone *string
}

// StartTimerParams carries a validated start or restart request.
type StartTimerParams struct {
	TripID     string
	WebhookURL string
	SenderID   *string
	Deadline   time.Time
}

func (p StartTimerParams) Validate() error {
	if strings.TrimSpace(p.TripID) == "" {
		return fmt.Errorf("%w: tripId is required", ErrValidation)
	}
	if err := ValidateWebhookURL(p.WebhookURL); err != nil {
		return err
	}
	if p.Deadline.IsZero() {
		return fmt.Errorf("%w: deadline is required", ErrValidation)
	}
	return nil
}

// ValidateWebhookURL accepts absolute http(s) URLs only.
func ValidateWebhookURL(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("%w: webhookUrl is required", ErrValidation)
	}

	parsed, err := url.ParseRequestURI(trimmed)
	if err != nil {
		return fmt.Errorf("%w: invalid webhookUrl: %v", ErrValidation, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("%w: webhookUrl must use http or https", ErrValidation)
	}
	if parsed.Host == "" {
		return fmt.Errorf("%w: webhookUrl host is required", ErrValidation)
	}
	return nil
}
