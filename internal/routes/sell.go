package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/vera-market/vera/internal/gate"
	"github.com/vera-market/vera/internal/middleware"
	"github.com/vera-market/vera/internal/session"
)

// RegisterSellRoutes wires the protected posting entry point. It reaches the
// handler only through the verification gate.
func RegisterSellRoutes(r fiber.Router, svc *Services, d Deps) {
	requireVerified := middleware.RequireVerified(svc.Gate, gate.DefaultTarget, d.Cfg.GateDecisionTimeout, d.Logger)
	r.Get("/sell/ready", requireVerified, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ready", "uid": session.FromCtx(c).UID, "target": gate.DefaultTarget})
	})
}
