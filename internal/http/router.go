package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/cropwatch/device-auth/internal/config"
	"github.com/cropwatch/device-auth/internal/http/handler"
	httpmiddleware "github.com/cropwatch/device-auth/internal/http/middleware"
	"github.com/cropwatch/device-auth/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, deviceHandler *handler.DeviceHandler, adminHandler *handler.AdminHandler, auth *httpmiddleware.Auth, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	r.Use(middleware.RateLimit(middleware.NewRateLimiter(cfg.RateLimitRPM)))
	r.Use(middleware.CORS(cfg))
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	activationLimiter := middleware.NewRateLimiter(cfg.ActivationRatePerMinute)
	r.POST("/activate", middleware.RateLimit(activationLimiter), deviceHandler.Activate)
	r.POST("/refresh-token", deviceHandler.RefreshToken)

	device := r.Group("/", auth.Authenticate, httpmiddleware.RequireDevice)
	{
		device.POST("/auth", deviceHandler.Auth)
		device.POST("/ambient-data", deviceHandler.AmbientData)
		device.POST("/capture-data", deviceHandler.CaptureData)
		device.POST("/log", deviceHandler.Log)
		device.POST("/revoke-token", deviceHandler.RevokeToken)
	}

	admin := r.Group("/admin", auth.Authenticate, httpmiddleware.RequireAdmin)
	{
		admin.POST("/devices", adminHandler.ProvisionDevice)
		admin.GET("/devices/:id", adminHandler.GetDevice)
		admin.POST("/devices/:id/activation-code", adminHandler.ReissueActivationCode)
		admin.POST("/devices/:id/deactivate", adminHandler.DeactivateDevice)
		admin.POST("/tokens/revoke", adminHandler.RevokeToken)
	}

	return r
}
