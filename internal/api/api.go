// internal/api/api.go
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/andresuchdata/webhook-vault/backend-go/internal/api/handlers"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/api/middleware"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/config"
	"github.com/andresuchdata/webhook-vault/backend-go/internal/storage"
)

type Services struct {
	Ingester     handlers.Ingester
	Store        storage.ObjectStore
	Sync         handlers.SyncRunner
	SyncDefaults handlers.SyncDefaults
	Backend      string
	Capabilities config.Capabilities
}

func NewRouter(services *Services, allowedOrigins []string) *gin.Engine {
	router := gin.New()

	// Add middleware
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger())
	router.Use(middleware.Recovery())
	defaultOrigins := []string{"http://localhost:3000", "http://127.0.0.1:3000"}
	corsConfig := cors.Config{
		AllowOrigins:     defaultOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) > 0 {
		normalizedOrigins, allowAll := normalizeAllowedOrigins(allowedOrigins)
		if allowAll {
			corsConfig.AllowOrigins = nil
			corsConfig.AllowOriginFunc = func(origin string) bool { return true }
		} else if len(normalizedOrigins) > 0 {
			corsConfig.AllowOrigins = normalizedOrigins
		}
	}
	router.Use(cors.New(corsConfig))

	if services == nil {
		services = &Services{}
	}

	health := handlers.NewHealthHandler(services.Backend, services.Capabilities)
	router.GET("/health", health.Check)

	apiGroup := router.Group("/api")

	if services.Ingester != nil {
		webhookHandler := handlers.NewWebhookHandler(services.Ingester)
		apiGroup.POST("/webhook", webhookHandler.Receive)
	}

	if services.Store != nil {
		dataHandler := handlers.NewDataHandler(services.Store)
		dataGroup := apiGroup.Group("/data")
		{
			dataGroup.GET("", dataHandler.ListSenders)
			dataGroup.GET("/:sender", dataHandler.ListSubmissions)
			dataGroup.GET("/:sender/:id", dataHandler.GetSubmission)
		}
	}

	syncGroup := apiGroup.Group("/sync")
	if services.Sync != nil {
		syncHandler := handlers.NewSyncHandler(services.Sync, services.SyncDefaults)
		syncGroup.GET("/status", syncHandler.GetStatus)
		syncGroup.POST("", syncHandler.Trigger)
	} else {
		syncGroup.Any("/*path", func(c *gin.Context) {
			errorResponse(c, http.StatusServiceUnavailable, "remote sync is not configured")
		})
	}

	return router
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{"error": message})
}

func normalizeAllowedOrigins(origins []string) ([]string, bool) {
	var (
		parsed   []string
		allowAll bool
	)
	for _, origin := range origins {
		parts := strings.Split(origin, ",")
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed == "" {
				continue
			}
			if trimmed == "*" {
				allowAll = true
				continue
			}
			parsed = append(parsed, trimmed)
		}
	}
	return parsed, allowAll
}
