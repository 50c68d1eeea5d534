package auth

import "github.com/gin-gonic/gin"

// RegisterRoutes registers Auth routes. rg must already run Middleware.
func RegisterRoutes(rg *gin.RouterGroup, handler *Handler) {
	authGroup := rg.Group("/auth")
	{
		authGroup.GET("/ping", handler.Ping)
		authGroup.GET("/me", handler.Me)
	}
}
