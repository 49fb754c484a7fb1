package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/trip-gateway/internal/domain"
	"github.com/kursadbilgin/trip-gateway/internal/observability"
	"github.com/kursadbilgin/trip-gateway/internal/repository"
	"go.uber.org/zap"
)

// StartTimerRequest is a start or restart request as received from callers.
type StartTimerRequest struct {
	TripID     string
	WebhookURL string
	SenderID   *string
	Duration   string
}

// TimerService is the timer lifecycle API used by the gateway endpoints.
type TimerService struct {
	timers   repository.TimerRepository
	attempts repository.AttemptRepository
	users    repository.UserRepository
	logger   *zap.Logger
	now      func() time.Time
}

func NewTimerService(
	timers repository.TimerRepository,
	attempts repository.AttemptRepository,
	users repository.UserRepository,
	logger *zap.Logger,
) (*TimerService, error) {
	if timers == nil {
		return nil, fmt.Errorf("timer repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TimerService{
		timers:   timers,
		attempts: attempts,
		users:    users,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// StartOrRestart registers a timer for the trip, or restarts the live one.
// Every field is validated before the store is touched.
func (s *TimerService) StartOrRestart(ctx context.Context, req StartTimerRequest) (*domain.Timer, bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	duration, err := domain.ParseTimerDuration(req.Duration)
	if err != nil {
		return nil, false, err
	}

	senderID, err := normalizeSenderID(req.SenderID)
	if err != nil {
		return nil, false, err
	}

	now := s.now().UTC()
	params := domain.StartTimerParams{
		TripID:     strings.TrimSpace(req.TripID),
		WebhookURL: strings.TrimSpace(req.WebhookURL),
		SenderID:   senderID,
		Deadline:   now.Add(duration),
	}
	if err := params.Validate(); err != nil {
		return nil, false, err
	}

	timer, restarted, err := s.timers.StartOrRestart(ctx, params, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to start timer: %w", err)
	}

	observability.WithContextLogger(s.logger, ctx).Info("timer started",
		zap.String("tripId", timer.TripID),
		zap.String("timerId", timer.ID),
		zap.Bool("restarted", restarted),
		zap.Time("deadline", timer.Deadline),
	)

	return timer, restarted, nil
}

// Cancel removes the live timer of the trip and reports whether one existed.
func (s *TimerService) Cancel(ctx context.Context, tripID string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	tripID = strings.TrimSpace(tripID)
	if tripID == "" {
		return false, fmt.Errorf("%w: tripId is required", domain.ErrValidation)
	}

	canceled, err := s.timers.Cancel(ctx, tripID)
	if err != nil {
		return false, fmt.Errorf("failed to cancel timer: %w", err)
	}
	if canceled {
		observability.WithContextLogger(s.logger, ctx).Info("timer canceled", zap.String("tripId", tripID))
	}

	return canceled, nil
}

func (s *TimerService) GetByTripID(ctx context.Context, tripID string) (*domain.TimerView, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	tripID = strings.TrimSpace(tripID)
	if tripID == "" {
		return nil, fmt.Errorf("%w: tripId is required", domain.ErrValidation)
	}

	return s.timers.GetByTripID(ctx, tripID)
}

func (s *TimerService) ListAll(ctx context.Context) ([]domain.TimerView, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.timers.ListAll(ctx)
}

func (s *TimerService) ListAttempts(ctx context.Context, tripID string) ([]domain.DeliveryAttempt, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.attempts == nil {
		return []domain.DeliveryAttempt{}, nil
	}

	tripID = strings.TrimSpace(tripID)
	if tripID == "" {
		return nil, fmt.Errorf("%w: tripId is required", domain.ErrValidation)
	}

	return s.attempts.ListByTripID(ctx, tripID)
}

func (s *TimerService) CreateUser(ctx context.Context, name string, phoneNumber *string) (*domain.User, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.users == nil {
		return nil, fmt.Errorf("user repository is not configured")
	}

	user := &domain.User{
		Name:        strings.TrimSpace(name),
		PhoneNumber: phoneNumber,
	}
	if phoneNumber != nil {
		trimmed := strings.TrimSpace(*phoneNumber)
		user.PhoneNumber = &trimmed
	}
	if err := user.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	user.ID = uuid.NewString()
	user.CreatedAt = now
	user.UpdatedAt = now

	if err := s.users.Create(ctx, user); err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (s *TimerService) GetUser(ctx context.Context, id string) (*domain.User, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.users == nil {
		return nil, fmt.Errorf("user repository is not configured")
	}
	if _, err := uuid.Parse(strings.TrimSpace(id)); err != nil {
		return nil, fmt.Errorf("%w: invalid user id", domain.ErrValidation)
	}

	return s.users.GetByID(ctx, strings.TrimSpace(id))
}

func normalizeSenderID(senderID *string) (*string, error) {
	if senderID == nil {
		return nil, nil
	}

	trimmed := strings.TrimSpace(*senderID)
	if trimmed == "" {
		return nil, nil
	}

	parsed, err := uuid.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: senderId must be a uuid", domain.ErrValidation)
	}

	normalized := parsed.String()
	return &normalized, nil
}
