package main // entry point: wires configuration, storage, settlement and HTTP

import (
	"context"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/pixel-grid-market/internal/broadcast"
	"github.com/iliyamo/pixel-grid-market/internal/config"
	"github.com/iliyamo/pixel-grid-market/internal/database"
	"github.com/iliyamo/pixel-grid-market/internal/gateway"
	"github.com/iliyamo/pixel-grid-market/internal/handler"
	"github.com/iliyamo/pixel-grid-market/internal/pricing"
	q "github.com/iliyamo/pixel-grid-market/internal/queue"
	"github.com/iliyamo/pixel-grid-market/internal/repository"
	"github.com/iliyamo/pixel-grid-market/internal/router"
	queue_publisher "github.com/iliyamo/pixel-grid-market/internal/service"
	"github.com/iliyamo/pixel-grid-market/internal/settlement"
)

func main() {
	// .env is a dev convenience; real deployments set the environment.
	_ = godotenv.Load()

	cfg := config.Load()

	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer func() { _ = db.Close() }()

	cellRepo := repository.NewCellRepo(db)
	historyRepo := repository.NewHistoryRepo(db)
	sessionRepo := repository.NewBulkSessionRepo(db)

	rules := pricing.Rules{
		FloorPriceCents:               cfg.FloorPriceCents,
		PriceIncrementCents:           cfg.PriceIncrementCents,
		FreeAllocationMax:             cfg.FreeAllocationMax,
		ProtectionWindow:              cfg.ProtectionWindow,
		ProtectionOverrideMultiplier:  cfg.ProtectionOverrideMultiplier,
		ProtectionSurchargeMultiplier: cfg.ProtectionSurchargeMultiplier,
	}

	hub := broadcast.NewHub(nil)

	// Audit events go to RabbitMQ off the settlement path; a broker
	// outage must never block or fail a settlement.
	audit := func(_ context.Context, ev q.CellSettledEvent) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = queue_publisher.PublishCellSettled(ctx, ev)
		}()
	}

	engine := settlement.NewEngine(cellRepo, historyRepo, sessionRepo, rules, hub, audit, nil)
	stripeGW := gateway.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret)

	// Background consumer writes the settlement audit log.
	go func() {
		if err := q.StartSettlementConsumer(); err != nil {
			log.Printf("settlement consumer stopped: %v", err)
		}
	}()

	rdb := config.NewRedisClient() // nil when Redis is unavailable; middleware degrades to pass-through
	cacheCfg := config.LoadCacheConfig()
	rlCfg := config.LoadRateLimitConfig()

	e := echo.New()

	grid := handler.NewGridHandler(cellRepo, historyRepo)
	live := handler.NewLiveHandler(hub)
	identity := handler.NewIdentityHandler(cfg.OwnerTokenSecret)
	quotes := handler.NewQuoteHandler(cellRepo, sessionRepo, rules, stripeGW, engine)
	webhooks := handler.NewWebhookHandler(stripeGW, engine)

	router.RegisterRoutes(e, grid, live, cacheCfg, rdb)
	router.RegisterIdentity(e, identity)
	router.RegisterQuotes(e, quotes, cfg.OwnerTokenSecret, rlCfg, rdb)
	router.RegisterWebhooks(e, webhooks)

	addr := ":" + cfg.Port
	log.Printf("listening on %s (env=%s)", addr, cfg.Env)

	if err := e.Start(addr); err != nil {
		log.Fatal(err)
	}
}
