package routes

import (
	"time"

	"github.com/gin-gonic/gin"

	"marketboard/controllers"
	"marketboard/middleware"
	"marketboard/services/realtime"
)

// SetupRoutes sets up all API routes
func SetupRoutes(router *gin.Engine, dc *controllers.DashboardController, hub *realtime.Hub) {
	// Mutating endpoints share one per-IP limiter.
	writeLimiter := middleware.NewRateLimiter(30, time.Minute)

	api := router.Group("/api")
	{
		// Market routes
		markets := api.Group("/markets")
		{
			markets.GET("/tiles", dc.GetMarketTiles)
			markets.GET("/crypto/:symbol/history", dc.GetCryptoHistory)
			markets.PUT("/symbols", writeLimiter.Middleware(), dc.PutSymbols)
		}

		// Weather routes
		api.GET("/weather", dc.GetWeather)
		api.GET("/weather/locations", dc.GetLocations)

		// Football routes
		footballGroup := api.Group("/football")
		{
			footballGroup.GET("/:code/today", dc.GetFootballToday)
			footballGroup.GET("/:code/standings", dc.GetFootballStandings)
			footballGroup.GET("/:code/scorers", dc.GetFootballScorers)
		}

		// Alert routes
		api.GET("/alerts", dc.GetAlerts)
		api.PUT("/alerts", writeLimiter.Middleware(), dc.PutAlerts)

		// Refresh control
		api.PUT("/refresh", writeLimiter.Middleware(), dc.PutRefresh)
		api.POST("/refresh", writeLimiter.Middleware(), dc.PostRefresh)

		// Status
		api.GET("/status", dc.GetStatus)
	}

	// Realtime push
	router.GET("/ws", func(c *gin.Context) {
		hub.HandleWebSocket(c.Writer, c.Request)
	})

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"message": "Marketboard API is running",
		})
	})
}
