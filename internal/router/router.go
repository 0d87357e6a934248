package router

import (
	"github.com/cloudwego/hertz/pkg/app/server"

	"CampusSOS/internal/handler"
	"CampusSOS/internal/middleware"
)

func Register(h *server.Hertz) {

	h.Use(middleware.RecoverMiddleware())
	h.Use(middleware.CORSMiddleware())
	h.Use(middleware.OpenTelemetryMiddleware())

	h.GET("/healthz", handler.Healthz)

	v1 := h.Group("/v1")

	// 求救与重试队列
	sos := v1.Group("/sos")
	{
		sos.POST("", handler.TriggerSOS)
		sos.GET("/queue", handler.ListQueuedAlerts)
		sos.POST("/flush", middleware.RateLimitMiddleware("flush", middleware.ControlRate), handler.FlushQueue)
	}

	v1.GET("/location", handler.GetLocation)
	v1.GET("/relay/queued", handler.ListRelayQueued)
	v1.POST("/connectivity", middleware.RateLimitMiddleware("connectivity", middleware.ControlRate), handler.SetConnectivity)

	// 投递失败通知
	notices := v1.Group("/notices")
	{
		notices.GET("", handler.ListNotices)
		notices.POST("/:id/ack", handler.AcknowledgeNotice)
	}

	// 前台发给后台协调器的控制消息
	h.POST("/sw/control", middleware.RateLimitMiddleware("sw_control", middleware.ControlRate), handler.PostControl)
	RegisterProxy(h)
}

// RegisterProxy 后台协调器的请求拦截代理
func RegisterProxy(h *server.Hertz) {
	h.Any("/sw/*path", handler.ProxyFetch)
}
