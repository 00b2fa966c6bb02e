package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"brokerdesk/backend/internal/config"
	"brokerdesk/backend/internal/health"
	"brokerdesk/backend/internal/middleware"
	"brokerdesk/backend/internal/monitoring"
	"brokerdesk/backend/internal/service"
	"brokerdesk/backend/internal/websocket"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	scans    *service.ScanService
	outbound *service.OutboundService
	hub      *websocket.Hub
	log      *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config          *config.Config
	ScanService     *service.ScanService
	OutboundService *service.OutboundService
	WebSocketHub    *websocket.Hub
	Metrics         *monitoring.Metrics
	Health          *health.HealthChecker
	Logger          *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}

	router := gin.New()

	if deps.Metrics != nil {
		mm := middleware.NewMonitoringMiddleware(deps.Metrics, log)
		router.Use(mm.PanicRecovery(), mm.HTTPMetrics())
	} else {
		router.Use(gin.Recovery())
	}
	router.Use(middleware.RequestLogger(log.Named("http")))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))

	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", middleware.OwnerHeader},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	}
	router.Use(gincors.New(corsConfig))

	h := &Handler{
		scans:    deps.ScanService,
		outbound: deps.OutboundService,
		hub:      deps.WebSocketHub,
		log:      log.Named("http"),
	}

	if deps.Health != nil {
		router.GET("/health/live", gin.WrapF(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapF(deps.Health.ReadyHandler()))
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	api := router.Group("/api", middleware.RequireOwner())
	{
		api.POST("/scans", h.startScan)
		api.GET("/scans", h.listScans)
		api.GET("/scans/:id", h.getScan)
		api.POST("/scans/:id/pause", h.pauseScan)
		api.POST("/scans/:id/resume", h.resumeScan)
		api.POST("/scans/:id/cancel", h.cancelScan)
		api.GET("/scans/:id/attachments", h.listAttachments)

		api.POST("/accounts/:id/test", h.testAccount)
		api.GET("/accounts/:id/watermarks", h.listWatermarks)

		api.POST("/outbound", h.enqueueOutbound)
		api.GET("/outbound/:id", h.getOutbound)
	}

	// 浏览器无法为 WebSocket 握手设置请求头，允许用 owner 查询参数代替
	router.GET("/ws/scans/:id", h.streamScan)

	router.NoRoute(func(c *gin.Context) {
		Error(c, http.StatusNotFound, "route not found")
	})
	return router
}
