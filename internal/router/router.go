package router // route registration for the grid marketplace API

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/pixel-grid-market/internal/config"
	"github.com/iliyamo/pixel-grid-market/internal/handler"
	"github.com/iliyamo/pixel-grid-market/internal/middleware"
)

// RegisterRoutes registers routes without any auth requirement: the
// health check, the public read endpoints and the live feed. The grid
// read endpoints sit behind the Redis response cache since the full
// board is the hot path.
func RegisterRoutes(e *echo.Echo, grid *handler.GridHandler, live *handler.LiveHandler, cacheCfg config.CacheConfig, rdb *redis.Client) {
	e.GET("/healthz", handler.Health)

	cached := middleware.NewRedisCache(cacheCfg, rdb)
	e.GET("/v1/cells", grid.ListCells, cached)
	e.GET("/v1/cells/:x/:y", grid.GetCell)
	e.GET("/v1/cells/:x/:y/history", grid.GetHistory)

	e.GET("/v1/live", live.Serve)
}

// RegisterIdentity registers the owner identity endpoint. It is open:
// calling it is how a buyer obtains the token every quote requires.
func RegisterIdentity(e *echo.Echo, id *handler.IdentityHandler) {
	e.POST("/v1/identity", id.Register)
}

// RegisterQuotes registers the purchase quote endpoints. Both require a
// valid owner token and are rate limited per IP and owner.
func RegisterQuotes(e *echo.Echo, q *handler.QuoteHandler, tokenSecret string, rlCfg config.RateLimitConfig, rdb *redis.Client) {
	g := e.Group("/v1/quotes")
	g.Use(middleware.OwnerToken(tokenSecret))
	g.Use(middleware.NewTokenBucket(rlCfg, rdb))
	g.POST("", q.QuoteSingle)
	g.POST("/bulk", q.QuoteBulk)
}

// RegisterWebhooks registers the gateway callback endpoint. It is
// authenticated by the gateway's own signature scheme, not by owner
// tokens, and must never sit behind the rate limiter: dropping a
// delivery delays settlement of an already-charged payment.
func RegisterWebhooks(e *echo.Echo, wh *handler.WebhookHandler) {
	e.POST("/v1/webhooks/gateway", wh.Receive)
}
