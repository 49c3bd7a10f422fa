package routes

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/vera-market/vera/internal/apperror"
	"github.com/vera-market/vera/internal/phone"
)

// verificationError renders a step failure as the message the screen shows.
// Errors outside the taxonomy fall through to fiber's error handler.
func verificationError(c *fiber.Ctx, err error) error {
	if errors.Is(err, phone.ErrClosed) {
		return fiber.NewError(fiber.StatusServiceUnavailable, "shutting down")
	}
	status := apperror.HTTPStatus(err)
	if status == fiber.StatusInternalServerError {
		return err
	}
	title, message := apperror.Message(err)
	return c.Status(status).JSON(fiber.Map{
		"error":       title,
		"message":     message,
		"recoverable": apperror.Recoverable(err),
	})
}
