package middleware

import (
	"github.com/gofiber/fiber/v2"
)

// OTP rejects tokens handed out at sign-in that still wait for the TOTP code.
func OTP() fiber.Handler {
	return func(c *fiber.Ctx) error {
		meta, err := Claims(c)
		if err != nil {
			return deny(c, fiber.StatusUnauthorized, "Invalid or expired JWT")
		}
		if meta.Otp {
			return deny(c, fiber.StatusBadRequest, "2FA required")
		}
		return c.Next()
	}
}
