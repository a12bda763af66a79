package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/miner-sl/ad-marketplace-sub000/internal/config"
	"github.com/miner-sl/ad-marketplace-sub000/internal/db"
	"github.com/miner-sl/ad-marketplace-sub000/internal/events"
	apphttp "github.com/miner-sl/ad-marketplace-sub000/internal/http"
	"github.com/miner-sl/ad-marketplace-sub000/internal/http/handlers"
	"github.com/miner-sl/ad-marketplace-sub000/internal/lock"
	"github.com/miner-sl/ad-marketplace-sub000/internal/repositories"
	"github.com/miner-sl/ad-marketplace-sub000/internal/services"
	"github.com/miner-sl/ad-marketplace-sub000/internal/ton"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	// Run migrations
	if err := db.RunMigrations(ctx, pool, "migrations", log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	// Settlement gateway
	gateway, err := ton.Connect(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to connect to TON", zap.Error(err))
	}

	// Repositories
	dealRepo := repositories.NewDealRepo(pool)
	creativeRepo := repositories.NewCreativeRepo(pool)
	messageRepo := repositories.NewMessageRepo(pool)
	escrowRepo := repositories.NewEscrowRepo(pool)
	auditRepo := repositories.NewAuditRepo(pool)

	// Events
	publisher := events.NewRedisPublisher(rdb, log)
	subscriber := events.NewRedisSubscriber(rdb, log)

	// Services
	botClient := services.NewBotClient(cfg.BotInternalURL, log)
	notifier := services.NewNotifier(botClient, publisher, log)
	locker := services.NewRedisLocker(lock.NewLocker(rdb, log))
	dealService := services.NewDealService(
		dealRepo, creativeRepo, messageRepo, escrowRepo, auditRepo,
		gateway, botClient, locker, notifier, cfg, log,
	)

	// Handlers
	dealHandler := handlers.NewDealHandler(dealService, log)
	wsHub := handlers.NewWSHub(cfg, subscriber, log)
	wsHub.Start(ctx)

	// Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(app, cfg, log, rdb, dealHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = app.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server", zap.String("addr", addr))
	if err := app.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
