package router

import (
	"wainbox/config"
	"wainbox/controllers"
	dbpkg "wainbox/db"

	"github.com/gin-gonic/gin"
	"github.com/jinzhu/gorm"
	"go.uber.org/zap"
)

// Initialize wires the webhook receiver and the health check.
func Initialize(r *gin.Engine, cfg config.Configuration, database *gorm.DB, dispatcher controllers.Dispatcher) {
	r.Use(gin.Recovery())
	r.Use(RequestID())
	r.Use(dbpkg.SetDBtoContext(database))

	r.GET("/health", controllers.Health)

	// Webhook do provedor: /:tenantId é opcional, sem ele o tenant sai do payload
	receive := controllers.WebhookReceive(controllers.WebhookOptions{
		Dispatcher:   dispatcher,
		Secret:       cfg.Webhook.Secret,
		MaxBodyBytes: cfg.Webhook.MaxBodyBytes,
	})
	r.POST("/", Logger(), receive)
	r.POST("/:tenantId", Logger(), receive)

	zap.L().Info("routes initialized")
}
