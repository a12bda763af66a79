package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/miner-sl/ad-marketplace-sub000/internal/auth"
	"github.com/miner-sl/ad-marketplace-sub000/internal/config"
	"go.uber.org/zap"
)

const CtxUserID = "user_id"

func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization header"})
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization format"})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		c.Locals(CtxUserID, claims.UserID)

		return c.Next()
	}
}

func GetUserID(c *fiber.Ctx) int64 {
	id, _ := c.Locals(CtxUserID).(int64)
	return id
}
