package repository

import (
	"time"

	"github.com/kursadbilgin/trip-gateway/internal/domain"
)

// TimerModel is the persistence model for the timers table.
type TimerModel struct {
	ID          string             `gorm:"type:uuid;primaryKey"`
	TripID      string             `gorm:"type:varchar(128);not null;index:idx_timers_trip_id"`
	WebhookURL  string             `gorm:"type:text;not null"`
	SenderID    *string            `gorm:"type:uuid"`
	Deadline    time.Time          `gorm:"not null"`
	Status      domain.TimerStatus `gorm:"type:varchar(20);not null"`
	RetryCount  int                `gorm:"not null;default:0"`
	LastRetryAt *time.Time
	NextRetryAt *time.Time
	LastError   *string `gorm:"type:text"`
	Revision    int64   `gorm:"not null;default:1"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (TimerModel) TableName() string {
	return "timers"
}

// timerViewRow is a timers row left-joined with its sender.
type timerViewRow struct {
	TimerModel  `gorm:"embedded"`
	SenderName  *string `gorm:"column:sender_name"`
	SenderPhone *string `gorm:"column:sender_phone"`
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID            string  `gorm:"type:uuid;primaryKey"`
	TimerID       string  `gorm:"type:uuid;not null;index:idx_attempts_timer_id"`
	TripID        string  `gorm:"type:varchar(128);not null;index:idx_attempts_trip_id"`
	AttemptNumber int     `gorm:"not null"`
	StatusCode    *int    `gorm:"type:int"`
	ErrorKind     *string `gorm:"type:varchar(32)"`
	Error         *string `gorm:"type:text"`
	DurationMs    int64   `gorm:"not null;default:0"`
	CreatedAt     time.Time
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

// UserModel is the persistence model for users.
type UserModel struct {
	ID          string  `gorm:"type:uuid;primaryKey"`
	Name        string  `gorm:"type:varchar(255);not null"`
	PhoneNumber *string `gorm:"type:varchar(32)"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (UserModel) TableName() string {
	return "users"
}

func timerModelToDomain(m *TimerModel) *domain.Timer {
	if m == nil {
		return nil
	}

	return &domain.Timer{
		ID:          m.ID,
		TripID:      m.TripID,
		WebhookURL:  m.WebhookURL,
		SenderID:    m.SenderID,
		Deadline:    m.Deadline,
		Status:      m.Status,
		RetryCount:  m.RetryCount,
		LastRetryAt: m.LastRetryAt,
		NextRetryAt: m.NextRetryAt,
		LastError:   m.LastError,
		Revision:    m.Revision,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func timerViewRowToDomain(row *timerViewRow) domain.TimerView {
	return domain.TimerView{
		Timer:       *timerModelToDomain(&row.TimerModel),
		SenderName:  row.SenderName,
		SenderPhone: row.SenderPhone,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:            a.ID,
		TimerID:       a.TimerID,
		TripID:        a.TripID,
		AttemptNumber: a.AttemptNumber,
		StatusCode:    a.StatusCode,
		ErrorKind:     a.ErrorKind,
		Error:         a.Error,
		DurationMs:    a.DurationMs,
		CreatedAt:     a.CreatedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:            m.ID,
		TimerID:       m.TimerID,
		TripID:        m.TripID,
		AttemptNumber: m.AttemptNumber,
		StatusCode:    m.StatusCode,
		ErrorKind:     m.ErrorKind,
		Error:         m.Error,
		DurationMs:    m.DurationMs,
		CreatedAt:     m.CreatedAt,
	}
}

func userModelFromDomain(u *domain.User) *UserModel {
	if u == nil {
		return nil
	}

	return &UserModel{
		ID:          u.ID,
		Name:        u.Name,
		PhoneNumber: u.PhoneNumber,
		CreatedAt:   u.CreatedAt,
		UpdatedAt:   u.UpdatedAt,
	}
}

func userModelToDomain(m *UserModel) *domain.User {
	if m == nil {
		return nil
	}

	return &domain.User{
		ID:          m.ID,
		Name:        m.Name,
		PhoneNumber: m.PhoneNumber,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}
