// Package session carries the authenticated identity explicitly through
// every verification component instead of a process-wide current user.
package session

import "github.com/gofiber/fiber/v2"

const localsKey = "vera.session"

// Session is the authenticated identity a request acts for.
type Session struct {
	UID   string
	Email string
}

// Authenticated reports whether the session names an identity.
func (s Session) Authenticated() bool {
	return s.UID != ""
}

// Store attaches s to the request.
func Store(c *fiber.Ctx, s Session) {
	c.Locals(localsKey, s)
}

// FromCtx returns the session attached by the auth middleware.
func FromCtx(c *fiber.Ctx) Session {
	s, _ := c.Locals(localsKey).(Session)
	return s
}
