package http

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/EternisAI/remote-control/internal/api/http/handler"
	"github.com/EternisAI/remote-control/internal/api/http/middleware"
	"github.com/EternisAI/remote-control/internal/auth"
)

type Services struct {
	Dispatcher  DispatcherService
	Connections handler.ConnectionLister
	Audit       handler.AuditLog
	Credentials auth.Credentials
	DefaultPort uint16
}

// DispatcherService connects to agents and runs commands on them.
type DispatcherService interface {
	handler.Connector
	handler.Executor
}

func SetupRoute(engine *gin.Engine, srvs *Services, cfg Config) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler(srvs.Connections)
	engine.GET("/health", healthHandler.Check)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	connectionsHandler := handler.NewConnectionsHandler(srvs.Dispatcher, srvs.Connections, srvs.Credentials, srvs.DefaultPort)
	commandsHandler := handler.NewCommandsHandler(srvs.Dispatcher, srvs.DefaultPort)
	auditHandler := handler.NewAuditHandler(srvs.Audit)

	v1 := engine.Group("/api/v1")
	v1.Use(middleware.APIKeyAuth(cfg.APIKeyHash))
	{
		v1.GET("/network", connectionsHandler.Network)

		v1.POST("/connections", connectionsHandler.Connect)
		v1.GET("/connections", connectionsHandler.List)
		v1.DELETE("/connections/:endpoint", connectionsHandler.Disconnect)

		v1.POST("/commands", commandsHandler.Execute)

		v1.GET("/audit", auditHandler.List)
		v1.GET("/audit/stream", auditHandler.Stream)
	}
}
