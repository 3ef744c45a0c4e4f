package server

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/aman-zulfiqar/anchor-dex/internal/metrics"
)

// RegisterRoutes configures all API routes, middleware, and error handlers
func RegisterRoutes(e *echo.Echo, h *Handlers, cfg ServerConfig) {
	e.HTTPErrorHandler = NotFoundJSON()

	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	e.Use(SetJSONContentType)
	e.Use(SetNoCacheHeaders)

	limited := rateLimit(cfg)
	admin := adminAuth(cfg.AdminKey)

	v1 := e.Group("/v1")
	v1.GET("/health", h.Health)

	// Client flow: quote, preflight, sign leg 1, complete
	v1.POST("/quote", h.Quote)
	v1.POST("/preflight", h.Preflight, limited...)
	v1.POST("/complete", h.Complete)
	v1.GET("/settlements/:id", h.GetSettlement)

	agg := v1.Group("/aggregate", limited...)
	agg.POST("/quote", h.AggregateQuote)
	agg.POST("/exchange", h.AggregateExchange)

	pools := v1.Group("/pools")
	pools.GET("", h.PoolsList)
	pools.POST("", h.PoolsCreate)
	pools.GET("/:address", h.PoolsGet)
	pools.PUT("/:address/status", h.PoolsUpdateStatus)
	pools.PUT("/:address/fee", h.PoolsUpdateFee)
	pools.GET("/:address/positions/:user", h.PoolsPosition)
	pools.GET("/:address/stats", h.PoolsStats)
	pools.POST("/:address/refresh", h.PoolsRefresh, admin)

	// Operator routes
	ops := v1.Group("/admin", admin)
	ops.GET("/reconciliations", h.Reconciliations)
	ops.POST("/settlements/:id/replay", h.Replay)
	ops.POST("/sweep", h.Sweep)

	flagGroup := ops.Group("/flags")
	flagGroup.GET("", h.FlagsList)
	flagGroup.POST("", h.FlagsUpsert)
	flagGroup.GET("/:key", h.FlagsGet)
	flagGroup.PUT("/:key", h.FlagsUpdate)
	flagGroup.DELETE("/:key", h.FlagsDelete)

	e.RouteNotFound("/*", func(c echo.Context) error {
		return c.JSON(http.StatusNotFound, ErrorResponse{Error: "not found", Code: http.StatusNotFound})
	})
}

// rateLimit limits per client IP; an empty slice leaves routes unlimited.
func rateLimit(cfg ServerConfig) []echo.MiddlewareFunc {
	if cfg.RateLimit <= 0 {
		return nil
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return []echo.MiddlewareFunc{
		middleware.RateLimiter(middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(cfg.RateLimit),
			Burst:     burst,
			ExpiresIn: 3 * time.Minute,
		})),
	}
}

// adminAuth checks X-API-Key against the admin key. With no key configured
// every operator request is refused.
func adminAuth(adminKey string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup: "header:X-API-Key",
		Validator: func(key string, c echo.Context) (bool, error) {
			if adminKey == "" {
				return false, nil
			}
			return subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		},
	})
}
