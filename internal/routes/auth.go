package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/vera-market/vera/internal/auth"
)

// RegisterAuthRoutes wires authentication endpoints.
func RegisterAuthRoutes(r fiber.Router, h *auth.Handler, rateLimiter fiber.Handler) {
	group := r.Group("/auth")
	group.Post("/register", h.Register)
	if rateLimiter != nil {
		group.Post("/sign-in", rateLimiter, h.SignIn)
	} else {
		group.Post("/sign-in", h.SignIn)
	}
}
