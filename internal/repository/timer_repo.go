package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/trip-gateway/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const startOrRestartAttempts = 2

// TimerRepository is the timer store. Every mutation is guarded: it only
// applies while the row still holds the expected revision and a live status.
type TimerRepository interface {
	StartOrRestart(ctx context.Context, params domain.StartTimerParams, now time.Time) (*domain.Timer, bool, error)
	Cancel(ctx context.Context, tripID string) (bool, error)
	GetByTripID(ctx context.Context, tripID string) (*domain.TimerView, error)
	ListAll(ctx context.Context) ([]domain.TimerView, error)
	GetExpiredActive(ctx context.Context, now time.Time, limit int) ([]domain.TimerView, error)
	GetDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.TimerView, error)
	MarkCompleted(ctx context.Context, refs []domain.TimerRef, now time.Time) ([]domain.Timer, error)
	ScheduleRetry(ctx context.Context, ref domain.TimerRef, now time.Time, nextRetryAt time.Time, lastError string) (bool, error)
	MarkExpired(ctx context.Context, ref domain.TimerRef, now time.Time, lastError string) (bool, error)
}

type GormTimerRepo struct {
	db    *gorm.DB
	newID func() string
}

func NewGormTimerRepo(db *gorm.DB) *GormTimerRepo {
	return &GormTimerRepo{db: db, newID: uuid.NewString}
}

func (r *GormTimerRepo) StartOrRestart(
	ctx context.Context,
	params domain.StartTimerParams,
	now time.Time,
) (*domain.Timer, bool, error) {
	if err := params.Validate(); err != nil {
		return nil, false, err
	}

	var lastErr error
	for attempt := 0; attempt < startOrRestartAttempts; attempt++ {
		timer, restarted, err := r.startOrRestartOnce(ctx, params, now.UTC())
		if err == nil {
			return timer, restarted, nil
		}
		// A concurrent start for the same trip won the insert; the next pass restarts its row.
		if !isUniqueViolationError(err) && !errors.Is(err, domain.ErrConflict) {
			return nil, false, err
		}
		lastErr = err
	}

	return nil, false, fmt.Errorf("%w: concurrent start for trip %q: %v", domain.ErrConflict, params.TripID, lastErr)
}

func (r *GormTimerRepo) startOrRestartOnce(
	ctx context.Context,
	params domain.StartTimerParams,
	now time.Time,
) (*domain.Timer, bool, error) {
	var (
		result    TimerModel
		restarted bool
	)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing TimerModel
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("trip_id = ? AND status IN ?", params.TripID, domain.LiveStatuses()).
			Order("created_at DESC").
			First(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			result = TimerModel{
				ID:         r.newID(),
				TripID:     params.TripID,
				WebhookURL: strings.TrimSpace(params.WebhookURL),
				SenderID:   params.SenderID,
				Deadline:   params.Deadline.UTC(),
				Status:     domain.TimerStatusActive,
				RetryCount: 0,
				Revision:   1,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			return tx.Create(&result).Error
		}
		if err != nil {
			return err
		}

		update := tx.
			Model(&TimerModel{}).
			Where("id = ? AND revision = ?", existing.ID, existing.Revision).
			Updates(map[string]any{
				"webhook_url":   strings.TrimSpace(params.WebhookURL),
				"sender_id":     params.SenderID,
				"deadline":      params.Deadline.UTC(),
				"status":        domain.TimerStatusActive,
				"retry_count":   0,
				"last_retry_at": nil,
				"next_retry_at": nil,
				"last_error":    nil,
				"revision":      gorm.Expr("revision + 1"),
				"updated_at":    now,
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return domain.ErrConflict
		}

		restarted = true
		return tx.First(&result, "id = ?", existing.ID).Error
	})
	if err != nil {
		return nil, false, err
	}

	return timerModelToDomain(&result), restarted, nil
}

func (r *GormTimerRepo) Cancel(ctx context.Context, tripID string) (bool, error) {
	result := r.db.WithContext(ctx).
		Where("trip_id = ? AND status IN ?", tripID, domain.LiveStatuses()).
		Delete(&TimerModel{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormTimerRepo) GetByTripID(ctx context.Context, tripID string) (*domain.TimerView, error) {
	var rows []timerViewRow
	err := r.viewQuery(ctx).
		Where("timers.trip_id = ?", tripID).
		Order("CASE WHEN timers.status IN ('active', 'pending_retry') THEN 0 ELSE 1 END, timers.created_at DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, domain.ErrNotFound
	}

	view := timerViewRowToDomain(&rows[0])
	return &view, nil
}

func (r *GormTimerRepo) ListAll(ctx context.Context) ([]domain.TimerView, error) {
	var rows []timerViewRow
	err := r.viewQuery(ctx).
		Order("timers.deadline ASC, timers.created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return timerViewRowsToDomain(rows), nil
}

func (r *GormTimerRepo) GetExpiredActive(ctx context.Context, now time.Time, limit int) ([]domain.TimerView, error) {
	query := r.viewQuery(ctx).
		Where("timers.status = ? AND timers.deadline <= ?", domain.TimerStatusActive, now.UTC()).
		Order("timers.deadline ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []timerViewRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return timerViewRowsToDomain(rows), nil
}

func (r *GormTimerRepo) GetDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.TimerView, error) {
	query := r.viewQuery(ctx).
		Where("timers.status = ? AND timers.next_retry_at <= ?", domain.TimerStatusPendingRetry, now.UTC()).
		Order("timers.next_retry_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []timerViewRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return timerViewRowsToDomain(rows), nil
}

// MarkCompleted completes every ref in one statement and returns the rows the
// guard let through. Only identity fields and retry_count are read back.
func (r *GormTimerRepo) MarkCompleted(ctx context.Context, refs []domain.TimerRef, now time.Time) ([]domain.Timer, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	pairs := make([][]any, 0, len(refs))
	for _, ref := range refs {
		pairs = append(pairs, []any{ref.ID, ref.Revision})
	}

	var applied []TimerModel
	err := r.db.WithContext(ctx).
		Model(&applied).
		Clauses(clause.Returning{Columns: []clause.Column{{Name: "id"}, {Name: "trip_id"}, {Name: "retry_count"}, {Name: "revision"}}}).
		Where("(id, revision) IN ? AND status IN ?", pairs, domain.LiveStatuses()).
		Updates(map[string]any{
			"status":        domain.TimerStatusCompleted,
			"next_retry_at": nil,
			"last_error":    nil,
			"revision":      gorm.Expr("revision + 1"),
			"updated_at":    now.UTC(),
		}).Error
	if err != nil {
		return nil, err
	}

	timers := make([]domain.Timer, 0, len(applied))
	for _, m := range applied {
		timers = append(timers, domain.Timer{
			ID:         m.ID,
			TripID:     m.TripID,
			Status:     domain.TimerStatusCompleted,
			RetryCount: m.RetryCount,
			Revision:   m.Revision,
			UpdatedAt:  now.UTC(),
		})
	}
	return timers, nil
}

func (r *GormTimerRepo) ScheduleRetry(
	ctx context.Context,
	ref domain.TimerRef,
	now time.Time,
	nextRetryAt time.Time,
	lastError string,
) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&TimerModel{}).
		Where("id = ? AND revision = ? AND status IN ?", ref.ID, ref.Revision, domain.LiveStatuses()).
		Updates(map[string]any{
			"status":        domain.TimerStatusPendingRetry,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": now.UTC(),
			"next_retry_at": nextRetryAt.UTC(),
			"last_error":    optionalString(lastError),
			"revision":      gorm.Expr("revision + 1"),
			"updated_at":    now.UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormTimerRepo) MarkExpired(ctx context.Context, ref domain.TimerRef, now time.Time, lastError string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&TimerModel{}).
		Where("id = ? AND revision = ? AND status IN ?", ref.ID, ref.Revision, domain.LiveStatuses()).
		Updates(map[string]any{
			"status":        domain.TimerStatusExpired,
			"next_retry_at": nil,
			"last_error":    optionalString(lastError),
			"revision":      gorm.Expr("revision + 1"),
			"updated_at":    now.UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormTimerRepo) viewQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Table("timers").
		Select("timers.*, users.name AS sender_name, users.phone_number AS sender_phone").
		Joins("LEFT JOIN users ON users.id = timers.sender_id")
}

func timerViewRowsToDomain(rows []timerViewRow) []domain.TimerView {
	views := make([]domain.TimerView, 0, len(rows))
	for i := range rows {
		views = append(views, timerViewRowToDomain(&rows[i]))
	}
	return views
}

func optionalString(v string) *string {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func isUniqueViolationError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
