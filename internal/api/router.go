package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"termflux/internal/gateway"
)

type HealthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Timestamp   string `json:"timestamp"`
}

// NewRouter mounts the terminal endpoint and the global health check.
// 其余 REST 面（workspace/工作流的 CRUD、token 签发）由外部服务承担，
// 这里只暴露运行时核心需要的入口。
func NewRouter(gw *gateway.Gateway) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())
	r.Use(RequestIDMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:      "ok",
			Connections: gw.ActiveConnections(),
			Timestamp:   time.Now().UTC().Format(time.RFC3339),
		})
	})

	// 终端流：token / workspaceId / 可选 sessionId 走 query
	r.GET("/ws/terminal", gin.WrapF(gw.HandleWS))

	return r
}
