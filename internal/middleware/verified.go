package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/vera-market/vera/internal/gate"
	"github.com/vera-market/vera/internal/session"
)

// RequireVerified guards a protected action with the verification gate.
// Requests that still owe a step get 403 with the redirect the gate chose,
// so clients replace their current screen with it.
func RequireVerified(ctrl *gate.Controller, target string, timeout time.Duration, logger *slog.Logger) fiber.Handler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if target == "" {
		target = gate.DefaultTarget
	}
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), timeout)
		defer cancel()

		d, err := ctrl.Await(ctx, session.FromCtx(c), target)
		if err != nil {
			logger.Error("verification gate failed", slog.String("target", target), slog.Any("error", err))
			return fiber.NewError(http.StatusServiceUnavailable, "verification status unavailable")
		}
		switch d.Screen {
		case target:
			return c.Next()
		case gate.ScreenSignIn:
			return c.Status(http.StatusUnauthorized).JSON(fiber.Map{"redirect": d})
		default:
			return c.Status(http.StatusForbidden).JSON(fiber.Map{"redirect": d})
		}
	}
}
