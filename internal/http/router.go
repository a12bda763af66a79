package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/miner-sl/ad-marketplace-sub000/internal/config"
	"github.com/miner-sl/ad-marketplace-sub000/internal/http/handlers"
	"github.com/miner-sl/ad-marketplace-sub000/internal/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	dealHandler *handlers.DealHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")
	api.Use(middleware.RateLimitMiddleware(rdb, 100, time.Minute))

	protected := api.Group("", middleware.AuthMiddleware(cfg, log))

	// Deal lifecycle
	protected.Post("/deals", dealHandler.CreateDeal)
	protected.Get("/deals", dealHandler.ListDeals)
	protected.Get("/deals/:id", dealHandler.GetDeal)

	protected.Post("/deals/:id/feedback", dealHandler.SendFeedback)
	protected.Post("/deals/:id/messages", dealHandler.AddMessage)
	protected.Get("/deals/:id/messages", dealHandler.GetMessages)

	protected.Post("/deals/:id/accept", dealHandler.AcceptDeal)
	protected.Post("/deals/:id/decline", dealHandler.DeclineDeal)
	protected.Post("/deals/:id/wallet", dealHandler.SetWallet)

	protected.Get("/deals/:id/payment", dealHandler.GetPaymentInfo)
	protected.Post("/deals/:id/payment/confirm", dealHandler.ConfirmPayment)

	protected.Post("/deals/:id/creative", dealHandler.SubmitCreative)
	protected.Get("/deals/:id/creative", dealHandler.GetCreative)
	protected.Post("/deals/:id/creative/approve", dealHandler.ApproveCreative)
	protected.Post("/deals/:id/creative/request-changes", dealHandler.RequestRevision)

	protected.Post("/deals/:id/publish", dealHandler.Publish)
	protected.Post("/deals/:id/confirm", dealHandler.ConfirmPublication)
	protected.Get("/deals/:id/ledger", dealHandler.GetLedger)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
