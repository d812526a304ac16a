package middleware

import (
	"errors"

	"fuelq-chat/protocol"
	"fuelq-chat/utils"

	jwtware "github.com/gofiber/contrib/jwt"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const tokenKey = "user"

var errNoToken = errors.New("no token in context")

func deny(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"status":  protocol.StatusError,
		"message": message,
		"data":    nil,
	})
}

// JWT verifies the HS512 access token and stores it under the "user" local.
func JWT(key []byte) fiber.Handler {
	return jwtware.New(jwtware.Config{
		SigningKey: jwtware.SigningKey{
			JWTAlg: "HS512",
			Key:    key,
		},
		ContextKey: tokenKey,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if errors.Is(err, jwtware.ErrJWTMissingOrMalformed) {
				return deny(c, fiber.StatusBadRequest, "Missing or malformed JWT")
			}
			return deny(c, fiber.StatusUnauthorized, "Invalid or expired JWT")
		},
	})
}

// Claims reads the metadata of the token JWT verified.
func Claims(c *fiber.Ctx) (*utils.TokenMetadata, error) {
	token, ok := c.Locals(tokenKey).(*jwt.Token)
	if !ok {
		return nil, errNoToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, utils.ErrInvalidToken
	}
	return utils.MetadataFromClaims(claims)
}

// UserID is the authenticated user, zero when the route is not guarded.
func UserID(c *fiber.Ctx) uint {
	meta, err := Claims(c)
	if err != nil {
		return 0
	}
	return meta.ID
}
