package routes

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/gofiber/fiber/v2"
)

type healthCheck struct {
	name string
	run  func(ctx context.Context) error
}

// RegisterHealthRoutes reports readiness of each backing store. A Postgres
// pool that is not configured reports "disabled" and does not fail the check.
func RegisterHealthRoutes(app *fiber.App, d Deps, svc *Services) {
	checks := []healthCheck{
		{name: "redis", run: func(ctx context.Context) error { return d.Cache.Ping(ctx).Err() }},
		{name: "media", run: func(context.Context) error {
			_, err := os.Stat(svc.Blobs.Root())
			return err
		}},
	}
	if d.DB != nil {
		checks = append(checks, healthCheck{name: "postgres", run: func(ctx context.Context) error { return d.DB.Ping(ctx) }})
	}

	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()

		report := fiber.Map{"postgres": "disabled"}
		status := http.StatusOK
		for _, check := range checks {
			if err := check.run(ctx); err != nil {
				report[check.name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			report[check.name] = "ok"
		}
		return c.Status(status).JSON(fiber.Map{
			"status":    report,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
