package server

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"crashgame/internal/game"
	"crashgame/pkg/logger"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func statusFor(code game.RejectCode) int {
	switch code {
	case game.CodeDuplicateBet:
		return fiber.StatusConflict
	case game.CodeInsufficientFunds:
		return fiber.StatusPaymentRequired
	case game.CodeBusy, game.CodeTimeout, game.CodeLedgerUnavailable, game.CodeUnavailable:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusBadRequest
	}
}

// writeError renders rejections with their code; anything else is a 500.
func writeError(c *fiber.Ctx, err error) error {
	if rej, ok := game.AsRejection(err); ok {
		return c.Status(statusFor(rej.Code)).JSON(errorBody{Error: string(rej.Code), Message: rej.Reason})
	}
	if errors.Is(err, ErrUnauthenticated) {
		return c.Status(fiber.StatusUnauthorized).JSON(errorBody{Error: "unauthenticated", Message: err.Error()})
	}
	logger.Error(c.UserContext()).Err(err).Str("path", c.Path()).Msg("Request failed")
	return c.Status(fiber.StatusInternalServerError).JSON(errorBody{Error: "internal", Message: "internal error"})
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(errorBody{Error: "bad_request", Message: message})
}

func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(errorBody{Error: "http_error", Message: fe.Message})
	}
	return writeError(c, err)
}
