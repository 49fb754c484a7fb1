package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/trip-gateway/internal/domain"
	"github.com/kursadbilgin/trip-gateway/internal/service"
)

type TimerService interface {
	StartOrRestart(ctx context.Context, req service.StartTimerRequest) (*domain.Timer, bool, error)
	Cancel(ctx context.Context, tripID string) (bool, error)
	GetByTripID(ctx context.Context, tripID string) (*domain.TimerView, error)
	ListAll(ctx context.Context) ([]domain.TimerView, error)
	ListAttempts(ctx context.Context, tripID string) ([]domain.DeliveryAttempt, error)
}

type TimerHandler struct {
	service TimerService
}

func NewTimerHandler(service TimerService) (*TimerHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("timer service is required")
	}
	return &TimerHandler{service: service}, nil
}

func RegisterTimerRoutes(router fiber.Router, service TimerService) error {
	h, err := NewTimerHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/timers", h.StartTimer)
	v1.Get("/timers", h.ListTimers)
	v1.Get("/timers/:tripId", h.GetTimer)
	v1.Delete("/timers/:tripId", h.CancelTimer)
	v1.Get("/timers/:tripId/attempts", h.ListAttempts)

	return nil
}

type startTimerRequest struct {
	TripID     string  `json:"tripId"`
	WebhookURL string  `json:"webhookUrl"`
	SenderID   *string `json:"senderId"`
	Duration   string  `json:"duration"`
}

type timerResponse struct {
	ID          string     `json:"id"`
	TripID      string     `json:"tripId"`
	WebhookURL  string     `json:"webhookUrl"`
	SenderID    *string    `json:"senderId,omitempty"`
	SenderName  *string    `json:"senderName,omitempty"`
	PhoneNumber *string    `json:"phoneNumber,omitempty"`
	Deadline    time.Time  `json:"deadline"`
	DeadlineMs  int64      `json:"deadlineMs"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retryCount"`
	LastRetryAt *time.Time `json:"lastRetryAt,omitempty"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	LastError   *string    `json:"lastError,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

type startTimerResponse struct {
	timerResponse
	Restarted bool `json:"restarted"`
}

type listTimersResponse struct {
	Data []timerResponse `json:"data"`
	Meta listMeta        `json:"meta"`
}

type listMeta struct {
	Total int `json:"total"`
}

type attemptResponse struct {
	ID            string    `json:"id"`
	TimerID       string    `json:"timerId"`
	AttemptNumber int       `json:"attemptNumber"`
	StatusCode    *int      `json:"statusCode,omitempty"`
	ErrorKind     *string   `json:"errorKind,omitempty"`
	Error         *string   `json:"error,omitempty"`
	DurationMs    int64     `json:"durationMs"`
	Succeeded     bool      `json:"succeeded"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (h *TimerHandler) StartTimer(c *fiber.Ctx) error {
	var req startTimerRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	timer, restarted, err := h.service.StartOrRestart(c.UserContext(), service.StartTimerRequest{
		TripID:     req.TripID,
		WebhookURL: req.WebhookURL,
		SenderID:   req.SenderID,
		Duration:   req.Duration,
	})
	if err != nil {
		return toHTTPError(err)
	}

	status := fiber.StatusCreated
	if restarted {
		status = fiber.StatusOK
	}

	return c.Status(status).JSON(startTimerResponse{
		timerResponse: toTimerResponse(domain.TimerView{Timer: *timer}),
		Restarted:     restarted,
	})
}

func (h *TimerHandler) ListTimers(c *fiber.Ctx) error {
	timers, err := h.service.ListAll(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]timerResponse, 0, len(timers))
	for _, timer := range timers {
		data = append(data, toTimerResponse(timer))
	}

	return c.Status(fiber.StatusOK).JSON(listTimersResponse{
		Data: data,
		Meta: listMeta{Total: len(data)},
	})
}

func (h *TimerHandler) GetTimer(c *fiber.Ctx) error {
	tripID := strings.TrimSpace(c.Params("tripId"))
	timer, err := h.service.GetByTripID(c.UserContext(), tripID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toTimerResponse(*timer))
}

func (h *TimerHandler) CancelTimer(c *fiber.Ctx) error {
	tripID := strings.TrimSpace(c.Params("tripId"))
	canceled, err := h.service.Cancel(c.UserContext(), tripID)
	if err != nil {
		return toHTTPError(err)
	}
	if !canceled {
		return fiber.NewError(fiber.StatusNotFound, fmt.Sprintf("no active timer for trip %q", tripID))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"tripId":   tripID,
		"canceled": true,
	})
}

func (h *TimerHandler) ListAttempts(c *fiber.Ctx) error {
	tripID := strings.TrimSpace(c.Params("tripId"))
	attempts, err := h.service.ListAttempts(c.UserContext(), tripID)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]attemptResponse, 0, len(attempts))
	for _, a := range attempts {
		data = append(data, attemptResponse{
			ID:            a.ID,
			TimerID:       a.TimerID,
			AttemptNumber: a.AttemptNumber,
			StatusCode:    a.StatusCode,
			ErrorKind:     a.ErrorKind,
			Error:         a.Error,
			DurationMs:    a.DurationMs,
			Succeeded:     a.Succeeded(),
			CreatedAt:     a.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"tripId": tripID,
		"data":   data,
	})
}

func toTimerResponse(v domain.TimerView) timerResponse {
	return timerResponse{
		ID:          v.ID,
		TripID:      v.TripID,
		WebhookURL:  v.WebhookURL,
		SenderID:    v.SenderID,
		SenderName:  v.SenderName,
		PhoneNumber: v.SenderPhone,
		Deadline:    v.Deadline.UTC(),
		DeadlineMs:  v.Deadline.UnixMilli(),
		Status:      v.Status.String(),
		RetryCount:  v.RetryCount,
		LastRetryAt: v.LastRetryAt,
		NextRetryAt: v.NextRetryAt,
		LastError:   v.LastError,
		CreatedAt:   v.CreatedAt,
		UpdatedAt:   v.UpdatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
