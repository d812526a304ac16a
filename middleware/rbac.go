package middleware

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// Enforcer is satisfied by *casbin.Enforcer.
type Enforcer interface {
	Enforce(rvals ...interface{}) (bool, error)
}

// RBAC asks casbin whether the user may call the route, subjects are user ids.
func RBAC(e Enforcer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		subject := strconv.FormatUint(uint64(UserID(c)), 10)
		allowed, err := e.Enforce(subject, c.Path(), c.Method())
		switch {
		case err != nil:
			return deny(c, fiber.StatusInternalServerError, "Internal server error")
		case !allowed:
			return deny(c, fiber.StatusForbidden, "Unauthorized")
		}
		return c.Next()
	}
}
