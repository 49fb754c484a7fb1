package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/trip-gateway/internal/domain"
)

type UserService interface {
	CreateUser(ctx context.Context, name string, phoneNumber *string) (*domain.User, error)
	GetUser(ctx context.Context, id string) (*domain.User, error)
}

type UserHandler struct {
	service UserService
}

func RegisterUserRoutes(router fiber.Router, service UserService) error {
	if service == nil {
		return fmt.Errorf("user service is required")
	}
	h := &UserHandler{service: service}

	v1 := router.Group("/v1")
	v1.Post("/users", h.CreateUser)
	v1.Get("/users/:id", h.GetUser)

	return nil
}

type createUserRequest struct {
	Name        string  `json:"name"`
	PhoneNumber *string `json:"phoneNumber"`
}

type userResponse struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	PhoneNumber *string   `json:"phoneNumber,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (h *UserHandler) CreateUser(c *fiber.Ctx) error {
	var req createUserRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	user, err := h.service.CreateUser(c.UserContext(), req.Name, req.PhoneNumber)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(toUserResponse(user))
}

func (h *UserHandler) GetUser(c *fiber.Ctx) error {
	user, err := h.service.GetUser(c.UserContext(), strings.TrimSpace(c.Params("id")))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toUserResponse(user))
}

func toUserResponse(u *domain.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Name:        u.Name,
		PhoneNumber: u.PhoneNumber,
		CreatedAt:   u.CreatedAt,
	}
}
