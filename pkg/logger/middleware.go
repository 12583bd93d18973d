package logger

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the HTTP header for request ID
	RequestIDHeader = "X-Request-ID"
)

// GenerateRequestID returns a fresh random request ID
func GenerateRequestID() string {
	return uuid.NewString()
}

// FiberMiddleware tags each request with a request ID and logs its completion.
// Handlers reach the tagged logger through c.UserContext().
func FiberMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get(RequestIDHeader)
		if requestID == "" {
			requestID = GenerateRequestID()
		}
		c.Set(RequestIDHeader, requestID)

		ctx := WithRequestID(c.UserContext(), requestID)
		c.SetUserContext(ctx)

		start := time.Now()
		err := c.Next()

		Info(ctx).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Str("ip", c.IP()).
			Int("status", c.Response().StatusCode()).
			Dur("duration", time.Since(start)).
			Msg("Request completed")

		return err
	}
}

// WebSocketContext creates a context with request ID for a websocket connection
func WebSocketContext(requestID string) context.Context {
	if requestID == "" {
		requestID = GenerateRequestID()
	}
	return WithRequestID(context.Background(), requestID)
}
