package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"marketboard/config"
	"marketboard/controllers"
	"marketboard/routes"
	"marketboard/scheduler"
	"marketboard/services/alerts"
	"marketboard/services/cache"
	"marketboard/services/football"
	"marketboard/services/marketdata"
	"marketboard/services/realtime"
	"marketboard/services/stocks"
	"marketboard/services/weather"
)

func main() {
	log.Println("==============================================")
	log.Println("  Marketboard API - Starting...")
	log.Println("==============================================")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Config load failed: %v", err)
	}

	// Set Gin mode based on environment
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Create Gin router
	router := gin.New()

	// Add middlewares
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger())

	setupHealthEndpoints(router)

	// Shared TTL cache behind every upstream fetch
	ttlCache := cache.NewTTLCache()

	// Market data: REST bootstrap plus the multiplexed trade stream
	history := marketdata.NewHistoryBuffer(marketdata.DefaultHistoryCapacity)
	rest := marketdata.NewRestClient(cfg.BinanceRestURL)
	ingestor := marketdata.NewStreamIngestor(cfg.BinanceWSURL, rest, history)

	// Upstream data services
	weatherSvc := weather.NewService(ttlCache, cfg.OWMAPIKey, cfg.MeteostatKey, "", "")
	footballSvc := football.NewService(ttlCache, cfg.FootballToken, "")
	stocksSvc := stocks.NewService(ttlCache, "")

	// Alerts: seed rules from config, bad JSON degrades to none
	alertEngine := alerts.NewEngine()
	if rules, err := alerts.ParseRules(cfg.Dashboard.AlertsJSON); err != nil {
		log.Printf("Warning: malformed alerts config, starting with none: %v", err)
	} else {
		alertEngine.ReplaceRules(rules)
	}

	// Realtime push hub; streamed ticks fan out through it
	hub := realtime.NewHub()
	ingestor.SetTickSink(hub.BroadcastTick)

	// Refresh scheduler needs the controller's price lookup, so wire
	// the controller first with a nil refresher and fill it in after.
	dc := controllers.NewDashboardController(
		cfg, ttlCache, history, ingestor, rest,
		weatherSvc, footballSvc, stocksSvc,
		alertEngine, nil, hub,
	)
	refresher := scheduler.NewRefreshScheduler(alertEngine, dc.PriceLookup(), hub, cfg.RefreshInterval())
	dc.SetRefresher(refresher)

	// Setup all API routes
	routes.SetupRoutes(router, dc, hub)

	// Start the stream and the refresh loop
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ingestor.Configure(ctx, cfg.Dashboard.CryptoTiles)
	go ingestor.Run(ctx)
	refresher.Start()

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		log.Printf("Server listening on 0.0.0.0:%s", cfg.Port)
		log.Println("==============================================")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	gracefulShutdown(server, refresher, hub, cancel)
}

// setupHealthEndpoints registers probes before anything else so the
// platform can see the process is up while services spin up.
func setupHealthEndpoints(router *gin.Engine) {
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "Marketboard API",
			"version": "1.0.0",
		})
	})

	router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ready",
		})
	})
}

// corsMiddleware returns a CORS middleware handler
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger returns a request logging middleware
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip logging for health checks to reduce noise
		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		// Only log errors or slow requests
		if c.Writer.Status() >= 400 || duration > 1*time.Second {
			log.Printf("%s %s %d %v", c.Request.Method, path, c.Writer.Status(), duration)
		}
	}
}

// gracefulShutdown handles graceful shutdown of the server
func gracefulShutdown(server *http.Server, refresher *scheduler.RefreshScheduler, hub *realtime.Hub, cancel context.CancelFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Printf("Received signal %v, shutting down gracefully...", sig)

	// Stop producers first so no new frames chase closing clients
	refresher.Stop()
	cancel()
	hub.Shutdown()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server shutdown completed")
}
