package main

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"convo-engine/internal/httpapi"
	"convo-engine/pkg/logger"
)

// newRouter builds the gin engine. Keep this file free of business logic;
// routes live in httpapi.Register.
func newRouter(log *slog.Logger, h httpapi.Handlers, authMW gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	httpapi.Register(r, h, authMW)
	return r
}
