package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	authz  Authorizer
	logger *zap.Logger
}

func NewHandler(authz Authorizer, logger *zap.Logger) *Handler {
	return &Handler{authz: authz, logger: logger}
}

// Ping endpoint
func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "auth service alive!"})
}

// Me reports the caller's identity and whether it holds the administrator capability
func (h *Handler) Me(c *gin.Context) {
	identity := Identity(c)
	isAdmin, err := h.authz.IsAdministrator(c.Request.Context(), identity)
	if err != nil {
		h.logger.Error("Administrator lookup failed", zap.String("identity", identity), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "administrator lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": identity, "administrator": isAdmin})
}
