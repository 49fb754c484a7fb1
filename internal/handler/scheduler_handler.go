package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/trip-gateway/internal/service"
)

const schedulerStopTimeout = 30 * time.Second

type Scheduler interface {
	Start()
	Stop(ctx context.Context) error
	Status() service.PollerStatus
	TriggerOnce(ctx context.Context) (service.CycleSummary, error)
}

type SchedulerHandler struct {
	scheduler Scheduler
}

func RegisterSchedulerRoutes(router fiber.Router, scheduler Scheduler) error {
	if scheduler == nil {
		return fmt.Errorf("scheduler is required")
	}
	h := &SchedulerHandler{scheduler: scheduler}

	v1 := router.Group("/v1/scheduler")
	v1.Post("/trigger", h.Trigger)
	v1.Post("/start", h.Start)
	v1.Post("/stop", h.Stop)
	v1.Get("/status", h.Status)

	return nil
}

// Trigger runs one poll cycle, waiting for a running one to finish first.
func (h *SchedulerHandler) Trigger(c *fiber.Ctx) error {
	summary, err := h.scheduler.TriggerOnce(c.UserContext())
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(fiber.StatusOK).JSON(summary)
}

func (h *SchedulerHandler) Start(c *fiber.Ctx) error {
	h.scheduler.Start()
	return c.Status(fiber.StatusOK).JSON(h.scheduler.Status())
}

func (h *SchedulerHandler) Stop(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), schedulerStopTimeout)
	defer cancel()

	if err := h.scheduler.Stop(ctx); err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	return c.Status(fiber.StatusOK).JSON(h.scheduler.Status())
}

func (h *SchedulerHandler) Status(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(h.scheduler.Status())
}
