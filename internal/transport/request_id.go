package transport

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/kursadbilgin/trip-gateway/internal/observability"
)

const requestIDLocalsKey = "requestid"

// RequestID assigns X-Request-ID, keeping a caller supplied one.
func RequestID() fiber.Handler {
	return requestid.New(requestid.Config{
		Header:     fiber.HeaderXRequestID,
		Generator:  uuid.NewString,
		ContextKey: requestIDLocalsKey,
	})
}

// RequestContext copies the request id onto the user context so service logs
// can be correlated with the request. It must run after RequestID.
func RequestContext() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if id, ok := c.Locals(requestIDLocalsKey).(string); ok && strings.TrimSpace(id) != "" {
			c.SetUserContext(observability.WithRequestID(c.UserContext(), id))
		}
		return c.Next()
	}
}
