// Package routes provides HTTP route configuration for the presentation layer.
package routes

import (
	"github.com/AtRiskMedia/visitorid-go/internal/application/container"
	"github.com/AtRiskMedia/visitorid-go/internal/presentation/http/handlers"
	"github.com/AtRiskMedia/visitorid-go/internal/presentation/http/middleware"
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all HTTP routes and middleware with dependency injection.
func SetupRoutes(container *container.Container) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORSMiddleware())

	opsHandlers := handlers.NewOpsHandlers(container)

	ops := r.Group("/api/v1/ops")
	{
		ops.GET("/health", opsHandlers.Health)
		ops.GET("/identity", opsHandlers.GetIdentity)
		ops.GET("/queue", opsHandlers.GetQueue)
		ops.GET("/logs/levels", opsHandlers.GetLogLevels)
		ops.POST("/logs/levels", opsHandlers.SetLogLevel)
	}

	return r
}
